package extensions

import (
	"context"
	"fmt"
	"strings"

	"github.com/gliderlab/moltgate/pkg/hooks"
)

// HookControl is the registry surface /hooks needs
type HookControl interface {
	List() []*hooks.Hook
	Enable(name string) bool
	Disable(name string) bool
}

// HooksCommand lists registered hooks and toggles them by name
func HooksCommand(reg HookControl) *Command {
	return &Command{
		Name:        "hooks",
		Description: "List hooks, or enable/disable one by name",
		AcceptsArgs: true,
		Handler: func(_ context.Context, args string) (string, error) {
			fields := strings.Fields(args)
			if len(fields) == 0 {
				return hooksList(reg), nil
			}
			if len(fields) != 2 || (fields[0] != "enable" && fields[0] != "disable") {
				return "[FAIL] Usage: /hooks [enable|disable <name>]", nil
			}
			verb, name := fields[0], fields[1]
			found := false
			if verb == "enable" {
				found = reg.Enable(name)
			} else {
				found = reg.Disable(name)
			}
			if !found {
				return fmt.Sprintf("[FAIL] Unknown hook: %s", name), nil
			}
			return fmt.Sprintf("[PASS] Hook %s %sd", name, verb), nil
		},
	}
}

func hooksList(reg HookControl) string {
	list := reg.List()
	if len(list) == 0 {
		return "No hooks registered."
	}
	lines := []string{fmt.Sprintf("Hooks (%d):", len(list))}
	for _, h := range list {
		events := make([]string, 0, len(h.Events))
		for _, e := range h.Events {
			events = append(events, e.String())
		}
		state := "enabled"
		if !h.Enabled {
			state = "disabled"
		}
		line := fmt.Sprintf("  %s [%s] %s", h.Name, state, strings.Join(events, ", "))
		if h.Description != "" {
			line += "\n    " + h.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
