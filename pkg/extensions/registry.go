// Package extensions hosts the operator commands the gateway executes
// without involving the agent: /telegram management and the shell script
// wrappers.
package extensions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownCommand is returned by Execute for unregistered names
var ErrUnknownCommand = errors.New("unknown command")

// Handler runs a command with its raw argument string and returns the reply
type Handler func(ctx context.Context, args string) (string, error)

// Command is one registered operator command
type Command struct {
	Name        string
	Description string
	AcceptsArgs bool
	Handler     Handler
}

// CommandInfo is the listing form of a Command
type CommandInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	AcceptsArgs bool   `json:"acceptsArgs"`
}

// Registry holds registered commands
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewRegistry creates an empty command registry
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register adds cmd. Names are unique.
func (r *Registry) Register(cmd *Command) error {
	if cmd == nil || cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("invalid command")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[cmd.Name]; exists {
		return fmt.Errorf("command %s already registered", cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	log.Printf("[Extensions] Registered command: /%s", cmd.Name)
	return nil
}

// Get returns a command by name
func (r *Registry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// List returns all commands sorted by name
func (r *Registry) List() []CommandInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CommandInfo, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, CommandInfo{Name: c.Name, Description: c.Description, AcceptsArgs: c.AcceptsArgs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the named command. Handler errors and panics are rendered
// into the reply text; only an unknown name is returned as an error.
func (r *Registry) Execute(ctx context.Context, name, args string) (text string, err error) {
	cmd, ok := r.Get(strings.TrimPrefix(name, "/"))
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	if !cmd.AcceptsArgs {
		args = ""
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[Extensions] command=%s panic=%v", cmd.Name, rec)
			text, err = fmt.Sprintf("[FAIL] Unexpected error: %v", rec), nil
		}
	}()

	text, herr := cmd.Handler(ctx, strings.TrimSpace(args))
	if herr != nil {
		log.Printf("[Extensions] command=%s error=%v", cmd.Name, herr)
		return "[FAIL] Unexpected error: " + herr.Error(), nil
	}
	return text, nil
}
