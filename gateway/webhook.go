package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gliderlab/moltgate/gateway/channels/telegram"
	"github.com/gliderlab/moltgate/pkg/config"
	"github.com/gliderlab/moltgate/processtool"
	"github.com/gliderlab/moltgate/storage"
)

// SecretHeader carries the secret registered with setWebhook
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const groupsPath = "channels.telegram.groups"

// timingSafeEqual compares a and b in time that depends only on the longer
// length. Unequal lengths never match.
func timingSafeEqual(a, b string) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	pa := make([]byte, n)
	pb := make([]byte, n)
	copy(pa, a)
	copy(pb, b)
	same := subtle.ConstantTimeCompare(pa, pb)
	return same&subtle.ConstantTimeEq(int32(len(a)), int32(len(b))) == 1
}

// readiness is shared by the forward and hint tasks of one delivery
type readiness struct {
	done chan struct{}
	err  error
}

// handleTelegramWebhook authenticates, buffers and acknowledges an update.
// Everything after the response runs on the task group.
func (g *Gateway) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	secret := g.cfg.Telegram.WebhookSecret
	if secret == "" {
		log.Printf("[Telegram] action=webhook error=%v", ErrWebhookNotConfigured)
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": "Webhook not configured"})
		return
	}

	provided := r.Header.Get(SecretHeader)
	if provided == "" || !timingSafeEqual(provided, secret) {
		writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyWebhook))
	if err != nil {
		log.Printf("[Telegram] action=webhook read_error=%v", err)
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "Bad request"})
		return
	}

	d := g.deps()
	delivery := g.idGenerator.New()
	target, parsed := telegram.ParseUpdateTarget(body)
	hasToken := d.telegram != nil && d.telegram.HasToken()

	if parsed && hasToken {
		g.tasks.Go("ack_reaction", func(ctx context.Context) error {
			return g.sendAck(ctx, d.telegram, target)
		})
	}

	ready := &readiness{done: make(chan struct{})}
	method, header := r.Method, r.Header.Clone()
	g.tasks.Go("forward", func(ctx context.Context) error {
		return g.forward(ctx, d, ready, delivery, target, method, header, body)
	})

	if parsed && hasToken && target.ChatType != "" && target.ChatType != telegram.ChatPrivate {
		g.tasks.Go("allowlist_hint", func(ctx context.Context) error {
			select {
			case <-ready.done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if ready.err != nil {
				return nil
			}
			return g.sendAllowlistHint(ctx, d, target.ChatID)
		})
	}

	writeJSON(w, map[string]bool{"ok": true})
}

func (g *Gateway) sendAck(ctx context.Context, api TelegramAPI, target telegram.UpdateTarget) error {
	ctx, cancel := context.WithTimeout(ctx, config.AckReactionTimeout)
	defer cancel()
	if err := api.SetMessageReaction(ctx, target.ChatID, target.MessageID, telegram.AckEmoji); err != nil {
		log.Printf("[Telegram] action=ack_reaction chat_id=%d error=%v", target.ChatID, err)
	}
	return nil
}

// forward waits for the backend, then replays the buffered update. The
// readiness outcome is published before the request is sent.
func (g *Gateway) forward(ctx context.Context, d collaborators, ready *readiness, delivery string,
	target telegram.UpdateTarget, method string, header http.Header, body []byte) error {

	chatID := ""
	if target.ChatID != 0 {
		chatID = strconv.FormatInt(target.ChatID, 10)
	}
	fail := func(err error) error {
		if d.journal != nil {
			if _, jerr := d.journal.AddEvent(storage.EventForwardFailure, chatID, fmt.Sprintf("delivery=%s error=%v", delivery, err)); jerr != nil {
				log.Printf("[Telegram] action=journal error=%v", jerr)
			}
		}
		return fmt.Errorf("delivery %s: %w", delivery, err)
	}

	func() {
		defer close(ready.done)
		ready.err = processtool.ErrBackendUnavailable
		if d.backend == nil {
			ready.err = fmt.Errorf("%w: not configured", processtool.ErrBackendUnavailable)
			return
		}
		ready.err = d.backend.EnsureRunning(ctx)
	}()
	if ready.err != nil {
		return fail(ready.err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Backend.ForwardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BackendWebhookURL(), bytes.NewReader(body))
	if err != nil {
		return fail(err)
	}
	req.Header = header
	req.Header.Del("Content-Length")

	start := g.timeProvider.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(fmt.Errorf("backend returned HTTP %d", resp.StatusCode))
	}
	log.Printf("[Telegram] action=forward delivery=%s chat_id=%s status=%d took=%s",
		delivery, chatID, resp.StatusCode, g.timeProvider.Now().Sub(start))
	return nil
}

// hintText is sent with Markdown parse mode
func hintText(chatID string) string {
	return strings.Join([]string{
		"⚠️ This group is not in the allowlist. Messages will be ignored.",
		"",
		"Chat ID: `" + chatID + "`",
		"",
		"To enable, ask the bot admin to run:",
		"`/telegram group add " + chatID + "`",
	}, "\n")
}

// truthy mirrors how the agent evaluates group allowlist entries
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	default:
		return true
	}
}

// sendAllowlistHint tells an unlisted group its chat id, once per marker
// store lifetime. Nothing is sent while no group allowlist is configured.
func (g *Gateway) sendAllowlistHint(ctx context.Context, d collaborators, chatID int64) error {
	if d.agentConfig == nil || d.hints == nil {
		return nil
	}
	id := strconv.FormatInt(chatID, 10)

	raw, _, err := d.agentConfig.Get(groupsPath)
	if err != nil {
		log.Printf("[Telegram] action=allowlist_hint chat_id=%s config_error=%v", id, err)
		return nil
	}
	groups, _ := raw.(map[string]any)
	if len(groups) == 0 || truthy(groups[id]) || truthy(groups["*"]) {
		return nil
	}

	first, err := d.hints.MarkOnce("hint:"+id, 0)
	if err != nil {
		return fmt.Errorf("mark hint %s: %w", id, err)
	}
	if !first {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, config.HintTimeout)
	defer cancel()
	if _, err := d.telegram.SendMessage(ctx, telegram.SendMessageRequest{
		ChatID:    id,
		Text:      hintText(id),
		ParseMode: "Markdown",
	}); err != nil {
		return fmt.Errorf("send hint %s: %w", id, err)
	}

	log.Printf("[Telegram] action=allowlist_hint chat_id=%s", id)
	if d.journal != nil {
		if _, err := d.journal.AddEvent(storage.EventHintSent, id, ""); err != nil {
			log.Printf("[Telegram] action=journal error=%v", err)
		}
	}
	return nil
}
