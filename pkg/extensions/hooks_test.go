package extensions

import (
	"context"
	"strings"
	"testing"

	"github.com/gliderlab/moltgate/pkg/hooks"
)

func TestHooksCommand(t *testing.T) {
	reg := hooks.NewHookRegistry()
	cmd := HooksCommand(reg)
	ctx := context.Background()

	if out, _ := cmd.Handler(ctx, ""); out != "No hooks registered." {
		t.Errorf("Unexpected empty listing %q", out)
	}

	reg.Register(&hooks.Hook{
		Name:        "telegram-discipline",
		Description: "Latches groups",
		Events:      []hooks.EventType{hooks.EventTypeMessageReceived},
		Enabled:     true,
		Handler:     hooks.HookHandlerFunc(func(*hooks.HookEvent) error { return nil }),
	})

	out, _ := cmd.Handler(ctx, "")
	if !strings.Contains(out, "Hooks (1):") || !strings.Contains(out, "telegram-discipline [enabled] message:received") {
		t.Errorf("Unexpected listing %q", out)
	}

	if out, _ := cmd.Handler(ctx, "disable telegram-discipline"); out != "[PASS] Hook telegram-discipline disabled" {
		t.Errorf("Unexpected disable reply %q", out)
	}
	if reg.List()[0].Enabled {
		t.Error("Expected hook to be disabled")
	}
	if out, _ := cmd.Handler(ctx, "enable telegram-discipline"); out != "[PASS] Hook telegram-discipline enabled" {
		t.Errorf("Unexpected enable reply %q", out)
	}
	if out, _ := cmd.Handler(ctx, "enable missing"); out != "[FAIL] Unknown hook: missing" {
		t.Errorf("Unexpected reply %q", out)
	}
	if out, _ := cmd.Handler(ctx, "toggle x"); !strings.HasPrefix(out, "[FAIL] Usage") {
		t.Errorf("Unexpected usage reply %q", out)
	}
}
