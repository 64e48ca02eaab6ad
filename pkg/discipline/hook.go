package discipline

import (
	"context"
	"fmt"
	"time"

	"github.com/gliderlab/moltgate/pkg/hooks"
)

// hookTimeout bounds one observation including trigger side effects
const hookTimeout = 2 * time.Minute

// Hook returns the message:received hook feeding Telegram messages into t.
// Errors are returned to the registry, which logs them.
func (t *Tracker) Hook() *hooks.Hook {
	return &hooks.Hook{
		Name:        "telegram-discipline",
		Description: "Latches groups after too many consecutive bot messages",
		Emoji:       "STOP",
		Events:      []hooks.EventType{hooks.EventTypeMessageReceived},
		Enabled:     true,
		Priority:    hooks.PriorityHigh,
		Handler: hooks.HookHandlerFunc(func(event *hooks.HookEvent) error {
			ec := event.Context
			if ec.Channel != "telegram" || ec.ConversationID == "" || ec.SenderID == "" {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()

			if _, err := t.Observe(ctx, ec.ConversationID, ec.SenderID); err != nil {
				return fmt.Errorf("observe %s: %w", ec.ConversationID, err)
			}
			return nil
		}),
	}
}
