// Package hooks provides an event-driven hooks system for moltgate
// Extensions register handlers for inbound message and gateway lifecycle events
package hooks

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// Gateway events
	EventTypeGateway        EventType = "gateway"
	EventTypeGatewayStartup EventType = "gateway:startup"

	// Message events
	EventTypeMessage         EventType = "message"
	EventTypeMessageReceived EventType = "message:received"

	// Discipline events
	EventTypeDiscipline          EventType = "discipline"
	EventTypeDisciplineTriggered EventType = "discipline:triggered"
)

// EventContext contains context information for an event
type EventContext struct {
	Channel        string // telegram
	ConversationID string
	SenderID       string
	MessageID      string

	// Additional metadata
	Metadata map[string]interface{}
}

// HookEvent represents an event that triggers hooks
type HookEvent struct {
	Type      EventType
	Action    string
	Timestamp time.Time
	Context   EventContext
}

// NewHookEvent creates a new hook event
func NewHookEvent(eventType EventType, action string) *HookEvent {
	return &HookEvent{
		Type:      eventType,
		Action:    action,
		Timestamp: time.Now(),
	}
}

// NewMessageReceived builds a message:received event
func NewMessageReceived(channel, conversationID, senderID string) *HookEvent {
	ev := NewHookEvent(EventTypeMessageReceived, "received")
	ev.Context = EventContext{
		Channel:        channel,
		ConversationID: conversationID,
		SenderID:       senderID,
	}
	return ev
}

// String returns the string representation of EventType
func (e EventType) String() string {
	return string(e)
}

// ParseEventType parses a string into EventType
func ParseEventType(s string) EventType {
	switch strings.ToLower(s) {
	case "gateway":
		return EventTypeGateway
	case "gateway:startup":
		return EventTypeGatewayStartup
	case "message":
		return EventTypeMessage
	case "message:received":
		return EventTypeMessageReceived
	case "discipline":
		return EventTypeDiscipline
	case "discipline:triggered":
		return EventTypeDisciplineTriggered
	default:
		return EventType(s)
	}
}

// Priority levels for hooks (lower = higher priority)
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// Hook represents a single hook
type Hook struct {
	Name        string
	Description string
	Emoji       string
	Events      []EventType
	Handler     HookHandler
	Enabled     bool
	Priority    Priority
}

// HookHandler is the interface for hook handlers
type HookHandler interface {
	Handle(event *HookEvent) error
}

// HookHandlerFunc is a function type that implements HookHandler
type HookHandlerFunc func(event *HookEvent) error

// Handle implements HookHandler interface
func (f HookHandlerFunc) Handle(event *HookEvent) error {
	return f(event)
}

// HookRegistry manages hook registration and event dispatching
type HookRegistry struct {
	mu      sync.RWMutex
	hooks   map[EventType][]*Hook
	enabled bool
}

// NewHookRegistry creates a new hook registry
func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		hooks:   make(map[EventType][]*Hook),
		enabled: true,
	}
}

// Register registers a hook for one or more event types
func (r *HookRegistry) Register(hook *Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, eventType := range hook.Events {
		r.hooks[eventType] = append(r.hooks[eventType], hook)
	}
}

// Unregister removes a hook by name
func (r *HookRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for eventType, hooks := range r.hooks {
		newHooks := make([]*Hook, 0, len(hooks))
		for _, h := range hooks {
			if h.Name != name {
				newHooks = append(newHooks, h)
			}
		}
		r.hooks[eventType] = newHooks
	}
}

// GetHooks returns all hooks for a specific event type, including hooks
// registered on its parent type ("message" for "message:received"), ordered
// by priority.
func (r *HookRegistry) GetHooks(eventType EventType) []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Hook
	seen := make(map[*Hook]bool)
	add := func(hooks []*Hook) {
		for _, h := range hooks {
			if !seen[h] {
				seen[h] = true
				result = append(result, h)
			}
		}
	}

	add(r.hooks[eventType])
	if parent, _, ok := strings.Cut(string(eventType), ":"); ok {
		add(r.hooks[EventType(parent)])
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Priority < result[j].Priority
	})
	return result
}

// SetEnabled enables or disables all hooks
func (r *HookRegistry) SetEnabled(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// IsEnabled returns whether hooks are enabled
func (r *HookRegistry) IsEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Dispatch dispatches an event to all registered hooks without waiting
func (r *HookRegistry) Dispatch(event *HookEvent) {
	if !r.IsEnabled() {
		return
	}

	for _, hook := range r.GetHooks(event.Type) {
		if !hook.Enabled {
			continue
		}
		go runHook(hook, event)
	}
}

// DispatchSync runs every enabled hook in priority order and returns once
// all have finished. Handler errors and panics are logged, never returned.
// It reports how many hooks ran.
func (r *HookRegistry) DispatchSync(event *HookEvent) int {
	if !r.IsEnabled() {
		return 0
	}

	ran := 0
	for _, hook := range r.GetHooks(event.Type) {
		if !hook.Enabled {
			continue
		}
		runHook(hook, event)
		ran++
	}
	return ran
}

func runHook(h *Hook, event *HookEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Hooks] Hook %s panic: %v", h.Name, r)
		}
	}()

	if err := h.Handler.Handle(event); err != nil {
		log.Printf("[Hooks] Hook %s error: %v", h.Name, err)
	}
}

// List returns all registered hooks
func (r *HookRegistry) List() []*Hook {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	var result []*Hook

	for _, hooks := range r.hooks {
		for _, h := range hooks {
			if !seen[h.Name] {
				seen[h.Name] = true
				result = append(result, h)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Enable enables a hook by name
func (r *HookRegistry) Enable(name string) bool {
	return r.setHookEnabled(name, true)
}

// Disable disables a hook by name
func (r *HookRegistry) Disable(name string) bool {
	return r.setHookEnabled(name, false)
}

func (r *HookRegistry) setHookEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	for _, hooks := range r.hooks {
		for _, h := range hooks {
			if h.Name == name {
				h.Enabled = enabled
				found = true
			}
		}
	}
	return found
}
