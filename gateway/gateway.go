// Package gateway serves the public Telegram webhook, the sandbox health
// and status probes, and the loopback routes used by the backend agent and
// moltctl.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gliderlab/moltgate/gateway/channels/telegram"
	"github.com/gliderlab/moltgate/pkg/config"
	"github.com/gliderlab/moltgate/pkg/extensions"
	"github.com/gliderlab/moltgate/pkg/hooks"
	"github.com/gliderlab/moltgate/processtool"
	"github.com/gliderlab/moltgate/storage"
)

// ErrWebhookNotConfigured is reported when no webhook secret is set
var ErrWebhookNotConfigured = errors.New("webhook not configured")

const shutdownTimeout = 15 * time.Second

// writeJSON writes a JSON response with proper Content-Type header
func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[WARN] Failed to encode JSON response: %v", err)
	}
}

// Backend is the supervised agent gateway
type Backend interface {
	EnsureRunning(ctx context.Context) error
	Status(ctx context.Context) processtool.Status
}

// TelegramAPI is the Bot API surface the webhook path uses
type TelegramAPI interface {
	HasToken() bool
	SetMessageReaction(ctx context.Context, chatID, messageID int64, emoji string) error
	SendMessage(ctx context.Context, req telegram.SendMessageRequest) (*telegram.Message, error)
}

// HintMarker deduplicates allowlist hints per chat
type HintMarker interface {
	MarkOnce(key string, ttl time.Duration) (bool, error)
}

// ConfigReader reads the agent configuration by dotted path
type ConfigReader interface {
	Get(path string) (any, bool, error)
}

// EventLog journals gateway events
type EventLog interface {
	AddEvent(kind, chatID, detail string) (int64, error)
	RecentEvents(kind string, limit int) ([]storage.Event, error)
}

// CommandExecutor runs operator commands
type CommandExecutor interface {
	Execute(ctx context.Context, name, args string) (string, error)
	List() []extensions.CommandInfo
}

// HTTPClient interface for dependency injection
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// IDGenerator interface for dependency injection
type IDGenerator interface {
	New() string
}

// TimeProvider interface for dependency injection
type TimeProvider interface {
	Now() time.Time
}

var defaultHTTPTransport = &http.Transport{
	MaxIdleConns:        100,
	MaxIdleConnsPerHost: 100,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// Forward requests carry their own deadline
var defaultHTTPClientInstance = &http.Client{
	Transport: defaultHTTPTransport,
}

type defaultIDGenerator struct{}

func (d *defaultIDGenerator) New() string {
	return uuid.NewString()
}

type defaultTimeProvider struct{}

func (d *defaultTimeProvider) Now() time.Time {
	return time.Now()
}

// Gateway wires the HTTP routes to their collaborators
type Gateway struct {
	cfg    config.GatewayConfig
	server *http.Server
	tasks  *TaskGroup

	hooksRegistry *hooks.HookRegistry

	mu          sync.RWMutex
	telegram    TelegramAPI
	backend     Backend
	hints       HintMarker
	agentConfig ConfigReader
	journal     EventLog
	commands    CommandExecutor

	// Injected dependencies (optional)
	httpClient   HTTPClient
	idGenerator  IDGenerator
	timeProvider TimeProvider
}

// New creates a new Gateway with the given configuration
func New(cfg config.GatewayConfig) *Gateway {
	g := &Gateway{
		cfg:           cfg,
		tasks:         NewTaskGroup(),
		hooksRegistry: hooks.NewHookRegistry(),
		httpClient:    defaultHTTPClientInstance,
		idGenerator:   &defaultIDGenerator{},
		timeProvider:  &defaultTimeProvider{},
	}

	// Apply defaults
	def := config.DefaultGatewayConfig()
	if g.cfg.Port == 0 {
		g.cfg.Port = def.Port
	}
	if g.cfg.Host == "" {
		g.cfg.Host = def.Host
	}
	if g.cfg.MaxBodyWebhook == 0 {
		g.cfg.MaxBodyWebhook = def.MaxBodyWebhook
	}
	if g.cfg.MaxBodyInternal == 0 {
		g.cfg.MaxBodyInternal = def.MaxBodyInternal
	}
	if g.cfg.ReadTimeout == 0 {
		g.cfg.ReadTimeout = def.ReadTimeout
	}
	if g.cfg.WriteTimeout == 0 {
		g.cfg.WriteTimeout = def.WriteTimeout
	}
	if g.cfg.IdleTimeout == 0 {
		g.cfg.IdleTimeout = def.IdleTimeout
	}
	if g.cfg.Backend.Host == "" {
		g.cfg.Backend.Host = def.Backend.Host
	}
	if g.cfg.Backend.WebhookPort == 0 {
		g.cfg.Backend.WebhookPort = def.Backend.WebhookPort
	}
	if g.cfg.Backend.GatewayPort == 0 {
		g.cfg.Backend.GatewayPort = def.Backend.GatewayPort
	}
	if g.cfg.Backend.ForwardTimeout == 0 {
		g.cfg.Backend.ForwardTimeout = def.Backend.ForwardTimeout
	}

	return g
}

// WithHTTPClient injects a custom HTTP client for backend forwarding
func (g *Gateway) WithHTTPClient(client HTTPClient) *Gateway {
	g.httpClient = client
	return g
}

// WithIDGenerator injects a custom delivery ID generator
func (g *Gateway) WithIDGenerator(gen IDGenerator) *Gateway {
	g.idGenerator = gen
	return g
}

// WithTimeProvider injects a custom time provider
func (g *Gateway) WithTimeProvider(tp TimeProvider) *Gateway {
	g.timeProvider = tp
	return g
}

// Config returns the gateway configuration with defaults applied
func (g *Gateway) Config() config.GatewayConfig {
	return g.cfg
}

func (g *Gateway) SetTelegram(api TelegramAPI) {
	g.mu.Lock()
	g.telegram = api
	g.mu.Unlock()
}

func (g *Gateway) SetBackend(b Backend) {
	g.mu.Lock()
	g.backend = b
	g.mu.Unlock()
}

func (g *Gateway) SetHintStore(h HintMarker) {
	g.mu.Lock()
	g.hints = h
	g.mu.Unlock()
}

func (g *Gateway) SetAgentConfig(c ConfigReader) {
	g.mu.Lock()
	g.agentConfig = c
	g.mu.Unlock()
}

func (g *Gateway) SetJournal(j EventLog) {
	g.mu.Lock()
	g.journal = j
	g.mu.Unlock()
}

func (g *Gateway) SetCommands(c CommandExecutor) {
	g.mu.Lock()
	g.commands = c
	g.mu.Unlock()
}

// GetHooksRegistry returns the hooks registry
func (g *Gateway) GetHooksRegistry() *hooks.HookRegistry {
	return g.hooksRegistry
}

// Tasks returns the background task group
func (g *Gateway) Tasks() *TaskGroup {
	return g.tasks
}

// collaborators is a consistent snapshot of the injected collaborators
type collaborators struct {
	telegram    TelegramAPI
	backend     Backend
	hints       HintMarker
	agentConfig ConfigReader
	journal     EventLog
	commands    CommandExecutor
}

func (g *Gateway) deps() collaborators {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return collaborators{
		telegram:    g.telegram,
		backend:     g.backend,
		hints:       g.hints,
		agentConfig: g.agentConfig,
		journal:     g.journal,
		commands:    g.commands,
	}
}

// Handler builds the route table
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /sandbox-health", g.handleSandboxHealth)
	mux.HandleFunc("GET /api/status", g.handleStatus)
	mux.HandleFunc("POST "+config.WebhookRoute, g.handleTelegramWebhook)

	// Loopback / token protected
	mux.HandleFunc("POST /internal/hooks/message-received", g.requireInternal(g.handleMessageReceived))
	mux.HandleFunc("GET /internal/commands", g.requireInternal(g.handleCommandList))
	mux.HandleFunc("POST /internal/commands/{name}", g.requireInternal(g.handleCommand))
	mux.HandleFunc("GET /internal/events", g.requireInternal(g.handleEvents))

	return mux
}

// Start listens until Stop is called
func (g *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
		IdleTimeout:  g.cfg.IdleTimeout,
	}

	log.Printf("[Gateway] Listening on %s (webhook %s, backend %s)", addr, config.WebhookRoute, g.cfg.BackendWebhookURL())
	g.hooksRegistry.Dispatch(hooks.NewHookEvent(hooks.EventTypeGatewayStartup, "startup"))

	if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down and drains background tasks
func (g *Gateway) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			log.Printf("Gateway graceful shutdown failed: %v", err)
			g.server.Close()
		}
	}
	if err := g.tasks.Wait(ctx); err != nil {
		log.Printf("[Gateway] %d background tasks still running at shutdown: %v", g.tasks.Running(), err)
	}
	g.tasks.Close()
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (g *Gateway) handleSandboxHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":       "ok",
		"service":      "moltbot-sandbox",
		"gateway_port": g.cfg.Backend.GatewayPort,
	})
}

type statusResponse struct {
	OK        bool   `json:"ok"`
	Status    string `json:"status"`
	ProcessID int    `json:"processId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleStatus reports backend state with a short readiness probe
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	backend := g.deps().backend
	if backend == nil {
		writeJSON(w, statusResponse{Status: "error", Error: "backend not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.StatusProbeTimeout)
	defer cancel()

	st := backend.Status(ctx)
	writeJSON(w, statusResponse{
		OK:        st.Status == processtool.StatusRunning,
		Status:    st.Status,
		ProcessID: st.ProcessID,
	})
}
