package hooks

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestParseEventType(t *testing.T) {
	tests := []struct {
		input    string
		expected EventType
	}{
		{"message:received", EventTypeMessageReceived},
		{"MESSAGE:RECEIVED", EventTypeMessageReceived},
		{"gateway:startup", EventTypeGatewayStartup},
		{"discipline:triggered", EventTypeDisciplineTriggered},
		{"unknown", EventType("unknown")},
		{"", ""},
	}

	for _, tt := range tests {
		result := ParseEventType(tt.input)
		if result != tt.expected {
			t.Errorf("Input %s: expected %v, got %v", tt.input, tt.expected, result)
		}
	}
}

func TestNewMessageReceived(t *testing.T) {
	event := NewMessageReceived("telegram", "-100", "42")

	if event.Type != EventTypeMessageReceived {
		t.Errorf("Expected Type 'message:received', got %v", event.Type)
	}
	if event.Context.Channel != "telegram" || event.Context.ConversationID != "-100" || event.Context.SenderID != "42" {
		t.Errorf("Unexpected context %+v", event.Context)
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}
}

func TestPriority(t *testing.T) {
	if PriorityHigh > PriorityNormal || PriorityNormal > PriorityLow {
		t.Error("Priority order should be High > Normal > Low")
	}
}

func TestGetHooksIncludesParentAndSortsByPriority(t *testing.T) {
	registry := NewHookRegistry()

	registry.Register(&Hook{Name: "low", Events: []EventType{EventTypeMessageReceived}, Priority: PriorityLow})
	registry.Register(&Hook{Name: "parent", Events: []EventType{EventTypeMessage}, Priority: PriorityNormal})
	registry.Register(&Hook{Name: "high", Events: []EventType{EventTypeMessageReceived}, Priority: PriorityHigh})

	hooks := registry.GetHooks(EventTypeMessageReceived)
	if len(hooks) != 3 {
		t.Fatalf("Expected 3 hooks, got %d", len(hooks))
	}
	want := []string{"high", "parent", "low"}
	for i, h := range hooks {
		if h.Name != want[i] {
			t.Errorf("Position %d: expected '%s', got '%s'", i, want[i], h.Name)
		}
	}

	if n := len(registry.GetHooks(EventTypeGatewayStartup)); n != 0 {
		t.Errorf("Expected no startup hooks, got %d", n)
	}
}

func TestHookRegistryUnregister(t *testing.T) {
	registry := NewHookRegistry()

	registry.Register(&Hook{Name: "remove-test", Events: []EventType{EventTypeGatewayStartup}})
	if len(registry.GetHooks(EventTypeGatewayStartup)) != 1 {
		t.Fatal("Hook should be registered")
	}

	registry.Unregister("remove-test")
	if n := len(registry.GetHooks(EventTypeGatewayStartup)); n != 0 {
		t.Errorf("Expected 0 hooks after unregister, got %d", n)
	}
}

func TestDispatchSync(t *testing.T) {
	registry := NewHookRegistry()

	var order []string
	registry.Register(&Hook{
		Name:     "failing",
		Events:   []EventType{EventTypeMessageReceived},
		Enabled:  true,
		Priority: PriorityHigh,
		Handler: HookHandlerFunc(func(*HookEvent) error {
			order = append(order, "failing")
			return errors.New("boom")
		}),
	})
	registry.Register(&Hook{
		Name:     "panicking",
		Events:   []EventType{EventTypeMessageReceived},
		Enabled:  true,
		Priority: PriorityNormal,
		Handler: HookHandlerFunc(func(*HookEvent) error {
			order = append(order, "panicking")
			panic("bad hook")
		}),
	})
	registry.Register(&Hook{
		Name:     "disabled",
		Events:   []EventType{EventTypeMessageReceived},
		Enabled:  false,
		Priority: PriorityNormal,
		Handler: HookHandlerFunc(func(*HookEvent) error {
			order = append(order, "disabled")
			return nil
		}),
	})
	registry.Register(&Hook{
		Name:     "last",
		Events:   []EventType{EventTypeMessageReceived},
		Enabled:  true,
		Priority: PriorityLow,
		Handler: HookHandlerFunc(func(*HookEvent) error {
			order = append(order, "last")
			return nil
		}),
	})

	ran := registry.DispatchSync(NewMessageReceived("telegram", "-1", "2"))
	if ran != 3 {
		t.Errorf("Expected 3 hooks to run, got %d", ran)
	}
	want := []string{"failing", "panicking", "last"}
	if len(order) != len(want) {
		t.Fatalf("Expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, order)
			break
		}
	}

	registry.SetEnabled(false)
	if ran := registry.DispatchSync(NewMessageReceived("telegram", "-1", "2")); ran != 0 {
		t.Errorf("Expected disabled registry to run nothing, got %d", ran)
	}
}

func TestDispatchAsync(t *testing.T) {
	registry := NewHookRegistry()

	var wg sync.WaitGroup
	wg.Add(1)
	registry.Register(&Hook{
		Name:    "async",
		Events:  []EventType{EventTypeGatewayStartup},
		Enabled: true,
		Handler: HookHandlerFunc(func(*HookEvent) error {
			wg.Done()
			return nil
		}),
	})

	registry.Dispatch(NewHookEvent(EventTypeGatewayStartup, "startup"))

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hook did not run")
	}
}

func TestEnableDisable(t *testing.T) {
	registry := NewHookRegistry()
	registry.Register(&Hook{Name: "toggle", Events: []EventType{EventTypeMessage, EventTypeGatewayStartup}})

	if !registry.Enable("toggle") {
		t.Fatal("Expected Enable to find hook")
	}
	if !registry.GetHooks(EventTypeGatewayStartup)[0].Enabled {
		t.Error("Hook should be enabled")
	}
	if !registry.Disable("toggle") {
		t.Fatal("Expected Disable to find hook")
	}
	if registry.Enable("missing") {
		t.Error("Expected Enable of unknown hook to fail")
	}
	if n := len(registry.List()); n != 1 {
		t.Errorf("Expected 1 listed hook, got %d", n)
	}
}
