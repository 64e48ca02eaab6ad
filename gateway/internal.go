package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gliderlab/moltgate/pkg/extensions"
	"github.com/gliderlab/moltgate/pkg/hooks"
)

// InternalTokenHeader authenticates /internal routes when a token is configured
const InternalTokenHeader = "X-Gateway-Token"

const commandTimeout = 2 * time.Minute

// isLoopback reports whether the TCP peer is local. Forwarding headers are
// ignored since any client can set them.
func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// requireInternal admits requests carrying the internal token, or loopback
// peers when no token is configured
func (g *Gateway) requireInternal(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(g.cfg.InternalToken)
		if token == "" {
			if !isLoopback(r) {
				writeJSONStatus(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
				return
			}
			next(w, r)
			return
		}
		if !timingSafeEqual(strings.TrimSpace(r.Header.Get(InternalTokenHeader)), token) {
			writeJSONStatus(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		next(w, r)
	}
}

func (g *Gateway) decodeInternal(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyInternal))
	if err != nil {
		writeJSONStatus(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Request too large"})
		return false
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return true
	}
	if err := json.Unmarshal(data, v); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return false
	}
	return true
}

// MessageReceived is the payload the backend posts for every inbound message
type MessageReceived struct {
	Channel        string `json:"channel"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	MessageID      string `json:"messageId,omitempty"`
}

// handleMessageReceived dispatches message:received hooks in the background
func (g *Gateway) handleMessageReceived(w http.ResponseWriter, r *http.Request) {
	var msg MessageReceived
	if !g.decodeInternal(w, r, &msg) {
		return
	}
	if msg.Channel == "" || msg.ConversationID == "" || msg.SenderID == "" {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "channel, conversationId and senderId are required"})
		return
	}

	event := hooks.NewMessageReceived(msg.Channel, msg.ConversationID, msg.SenderID)
	event.Context.MessageID = msg.MessageID
	g.tasks.Go("message_received", func(ctx context.Context) error {
		g.hooksRegistry.DispatchSync(event)
		return nil
	})

	writeJSONStatus(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (g *Gateway) handleCommandList(w http.ResponseWriter, r *http.Request) {
	cmds := g.deps().commands
	if cmds == nil {
		writeJSON(w, map[string]any{"commands": []extensions.CommandInfo{}})
		return
	}
	writeJSON(w, map[string]any{"commands": cmds.List()})
}

type commandRequest struct {
	Args string `json:"args"`
}

type commandResponse struct {
	Text string `json:"text"`
}

// handleCommand runs one operator command and returns its reply text
func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmds := g.deps().commands
	name := r.PathValue("name")
	if cmds == nil {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "unknown command: " + name})
		return
	}

	var req commandRequest
	if !g.decodeInternal(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	text, err := cmds.Execute(ctx, name, req.Args)
	if errors.Is(err, extensions.ErrUnknownCommand) {
		writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "unknown command: " + name})
		return
	}
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	log.Printf("[Gateway] action=command name=%s", name)
	writeJSON(w, commandResponse{Text: text})
}

// handleEvents returns recent journal entries, newest first
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	journal := g.deps().journal
	if journal == nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"error": "journal not configured"})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	events, err := journal.RecentEvents(r.URL.Query().Get("kind"), limit)
	if err != nil {
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, map[string]any{"events": events})
}
