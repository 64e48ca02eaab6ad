package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/gliderlab/moltgate/pkg/config"
	"github.com/gliderlab/moltgate/pkg/extensions"
	"github.com/gliderlab/moltgate/pkg/hooks"
	"github.com/gliderlab/moltgate/processtool"
	"github.com/gliderlab/moltgate/storage"
)

func serve(gw *Gateway, method, target, body, remote string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if remote != "" {
		req.RemoteAddr = remote
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

const loopback = "127.0.0.1:40000"

func TestNewAppliesDefaults(t *testing.T) {
	gw := New(config.GatewayConfig{})
	cfg := gw.Config()
	if cfg.Port != config.DefaultGatewayPort || cfg.Host != "0.0.0.0" {
		t.Errorf("Unexpected listen defaults %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.MaxBodyWebhook != 1024*1024 {
		t.Errorf("Expected 1MB webhook limit, got %d", cfg.MaxBodyWebhook)
	}
	if got := cfg.BackendWebhookURL(); got != "http://127.0.0.1:8787/telegram-webhook" {
		t.Errorf("Unexpected backend URL %s", got)
	}
}

func TestHealthEndpoints(t *testing.T) {
	gw := New(config.GatewayConfig{})

	rec := serve(gw, http.MethodGet, "/health", "", "", nil)
	if rec.Code != http.StatusOK || decode(t, rec)["status"] != "ok" {
		t.Errorf("Unexpected /health response %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(gw, http.MethodGet, "/sandbox-health", "", "", nil)
	want := map[string]any{"status": "ok", "service": "moltbot-sandbox", "gateway_port": float64(18789)}
	if diff := cmp.Diff(want, decode(t, rec)); diff != "" {
		t.Errorf("sandbox-health mismatch (-want +got):\n%s", diff)
	}
}

func TestStatusEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		backend Backend
		want    map[string]any
	}{
		{"nil backend", nil, map[string]any{"ok": false, "status": "error", "error": "backend not configured"}},
		{"running", &fakeBackend{status: processtool.Status{Status: processtool.StatusRunning, ProcessID: 321}},
			map[string]any{"ok": true, "status": "running", "processId": float64(321)}},
		{"not running", &fakeBackend{status: processtool.Status{Status: processtool.StatusNotRunning}},
			map[string]any{"ok": false, "status": "not_running"}},
		{"not responding", &fakeBackend{status: processtool.Status{Status: processtool.StatusNotResponding, ProcessID: 9}},
			map[string]any{"ok": false, "status": "not_responding", "processId": float64(9)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := New(config.GatewayConfig{})
			if tt.backend != nil {
				gw.SetBackend(tt.backend)
			}
			rec := serve(gw, http.MethodGet, "/api/status", "", "", nil)
			if diff := cmp.Diff(tt.want, decode(t, rec)); diff != "" {
				t.Errorf("status mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWebhookRouteRejectsGET(t *testing.T) {
	gw := New(config.GatewayConfig{})
	rec := serve(gw, http.MethodGet, "/telegram/webhook", "", "", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}

func TestInternalAuth(t *testing.T) {
	body := `{"channel":"telegram","conversationId":"-100","senderId":"1"}`
	tests := []struct {
		name   string
		token  string
		remote string
		header map[string]string
		want   int
	}{
		{"loopback without token", "", loopback, nil, http.StatusAccepted},
		{"ipv6 loopback", "", "[::1]:40000", nil, http.StatusAccepted},
		{"remote without token", "", "203.0.113.9:5000", nil, http.StatusForbidden},
		{"forwarded header ignored", "", "203.0.113.9:5000", map[string]string{"X-Forwarded-For": "127.0.0.1"}, http.StatusForbidden},
		{"token required", "t0k", loopback, nil, http.StatusUnauthorized},
		{"wrong token", "t0k", loopback, map[string]string{InternalTokenHeader: "nope"}, http.StatusUnauthorized},
		{"token from remote", "t0k", "203.0.113.9:5000", map[string]string{InternalTokenHeader: "t0k"}, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := New(config.GatewayConfig{InternalToken: tt.token})
			rec := serve(gw, http.MethodPost, "/internal/hooks/message-received", body, tt.remote, tt.header)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, got %d (%s)", tt.want, rec.Code, rec.Body.String())
			}
			gw.Tasks().Wait(context.Background())
		})
	}
}

func TestMessageReceivedDispatchesHooks(t *testing.T) {
	gw := New(config.GatewayConfig{})

	var mu sync.Mutex
	var got []hooks.EventContext
	gw.GetHooksRegistry().Register(&hooks.Hook{
		Name:    "capture",
		Events:  []hooks.EventType{hooks.EventTypeMessage},
		Enabled: true,
		Handler: hooks.HookHandlerFunc(func(e *hooks.HookEvent) error {
			mu.Lock()
			got = append(got, e.Context)
			mu.Unlock()
			return nil
		}),
	})

	rec := serve(gw, http.MethodPost, "/internal/hooks/message-received",
		`{"channel":"telegram","conversationId":"-100","senderId":"77","messageId":"5"}`, loopback, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", rec.Code)
	}
	gw.Tasks().Wait(context.Background())

	want := []hooks.EventContext{{Channel: "telegram", ConversationID: "-100", SenderID: "77", MessageID: "5"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dispatch mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageReceivedValidation(t *testing.T) {
	gw := New(config.GatewayConfig{})
	tests := []struct {
		body string
		want int
	}{
		{`{"channel":"telegram","conversationId":"-100"}`, http.StatusBadRequest},
		{`{"conversationId":"-100","senderId":"1"}`, http.StatusBadRequest},
		{`{not json`, http.StatusBadRequest},
		{``, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := serve(gw, http.MethodPost, "/internal/hooks/message-received", tt.body, loopback, nil)
		if rec.Code != tt.want {
			t.Errorf("body %q: expected %d, got %d", tt.body, tt.want, rec.Code)
		}
	}
}

func TestCommandRoutes(t *testing.T) {
	reg := extensions.NewRegistry()
	reg.Register(&extensions.Command{
		Name:        "echo",
		Description: "Echo arguments",
		AcceptsArgs: true,
		Handler: func(_ context.Context, args string) (string, error) {
			return "echo: " + args, nil
		},
	})
	reg.Register(&extensions.Command{
		Name: "fail",
		Handler: func(context.Context, string) (string, error) {
			return "", errors.New("disk full")
		},
	})

	gw := New(config.GatewayConfig{})
	gw.SetCommands(reg)

	rec := serve(gw, http.MethodPost, "/internal/commands/echo", `{"args":"hello world"}`, loopback, nil)
	if diff := cmp.Diff(map[string]any{"text": "echo: hello world"}, decode(t, rec)); diff != "" {
		t.Errorf("echo mismatch (-want +got):\n%s", diff)
	}

	rec = serve(gw, http.MethodPost, "/internal/commands/fail", ``, loopback, nil)
	if diff := cmp.Diff(map[string]any{"text": "[FAIL] Unexpected error: disk full"}, decode(t, rec)); diff != "" {
		t.Errorf("fail mismatch (-want +got):\n%s", diff)
	}

	rec = serve(gw, http.MethodPost, "/internal/commands/nope", `{}`, loopback, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown command, got %d", rec.Code)
	}

	rec = serve(gw, http.MethodGet, "/internal/commands", "", loopback, nil)
	list := decode(t, rec)["commands"].([]any)
	if len(list) != 2 || list[0].(map[string]any)["name"] != "echo" {
		t.Errorf("Unexpected command list %v", list)
	}

	rec = serve(gw, http.MethodPost, "/internal/commands/echo", `{"args":"x"}`, "203.0.113.9:5000", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected remote command call to be rejected, got %d", rec.Code)
	}
}

func TestEventsRoute(t *testing.T) {
	gw := New(config.GatewayConfig{})

	rec := serve(gw, http.MethodGet, "/internal/events", "", loopback, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 without a journal, got %d", rec.Code)
	}

	j := &memoryJournal{}
	j.AddEvent(storage.EventForwardFailure, "1", "a")
	j.AddEvent(storage.EventDisciplineTrigger, "-100", "threshold=6")
	j.AddEvent(storage.EventForwardFailure, "2", "b")
	gw.SetJournal(j)

	rec = serve(gw, http.MethodGet, "/internal/events?kind=forward_failure&limit=1", "", loopback, nil)
	events := decode(t, rec)["events"].([]any)
	if len(events) != 1 || events[0].(map[string]any)["chat_id"] != "2" {
		t.Errorf("Unexpected events %v", events)
	}

	rec = serve(gw, http.MethodGet, "/internal/events?limit=0", "", loopback, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", rec.Code)
	}
}
