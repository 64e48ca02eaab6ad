// Package telegram provides a minimal Telegram Bot API client
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.telegram.org"
	defaultTimeout = 10 * time.Second
	maxMessageLen  = 4096

	// AckEmoji is the reaction used to acknowledge receipt of an update
	AckEmoji = "⚡"
)

// APIError is a non-ok Bot API response
type APIError struct {
	Method      string
	Description string
	ErrorCode   int
	StatusCode  int
}

func (e *APIError) Error() string {
	desc := e.Description
	if desc == "" {
		desc = "unknown error"
	}
	return fmt.Sprintf("Telegram API %s: %s", e.Method, desc)
}

// Client calls the Bot API with a per-call timeout and an outbound rate limit
type Client struct {
	token   string
	baseURL string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient injects a custom HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBaseURL points the client at a different API host (tests, local bot API server)
func WithBaseURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithTimeout overrides the per-call timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit caps outbound calls per second. Zero disables the limiter.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewClient creates a Bot API client for token
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token:   token,
		baseURL: defaultBaseURL,
		http:    &http.Client{},
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasToken reports whether a bot token is configured
func (c *Client) HasToken() bool {
	return c != nil && c.token != ""
}

// SetWebhook registers url with the given secret token
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	return c.call(ctx, "setWebhook", setWebhookRequest{URL: url, SecretToken: secret}, nil)
}

// DeleteWebhook removes the registered webhook
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", nil, nil)
}

// GetWebhookInfo returns the current webhook registration
func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	var info WebhookInfo
	if err := c.call(ctx, "getWebhookInfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SendMessage sends a text message, truncating to the API limit
func (c *Client) SendMessage(ctx context.Context, req SendMessageRequest) (*Message, error) {
	req.Text = truncateRunes(req.Text, maxMessageLen)
	var msg Message
	if err := c.call(ctx, "sendMessage", req, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Notify sends a plain-text direct message to userID
func (c *Client) Notify(ctx context.Context, userID, text string) error {
	_, err := c.SendMessage(ctx, SendMessageRequest{ChatID: userID, Text: text})
	return err
}

// SetMessageReaction sets a single emoji reaction on a message
func (c *Client) SetMessageReaction(ctx context.Context, chatID, messageID int64, emoji string) error {
	req := setMessageReactionRequest{
		ChatID:    chatID,
		MessageID: messageID,
		Reaction:  []reactionType{{Type: "emoji", Emoji: emoji}},
	}
	return c.call(ctx, "setMessageReaction", req, nil)
}

// call performs one Bot API method. A nil body issues a GET.
func (c *Client) call(ctx context.Context, method string, body any, out any) error {
	if c.token == "" {
		return fmt.Errorf("Telegram API %s: bot token not configured", method)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("Telegram API %s: rate limit wait: %w", method, err)
		}
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	httpMethod := http.MethodGet
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("Telegram API %s: encode: %w", method, err)
		}
		httpMethod = http.MethodPost
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, url, reader)
	if err != nil {
		return fmt.Errorf("Telegram API %s: %w", method, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("Telegram API %s: request timed out (%s)", method, c.timeout)
		}
		return fmt.Errorf("Telegram API %s: network error: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("Telegram API %s: read body: %w", method, err)
	}

	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("Telegram API %s: invalid JSON (HTTP %d): %s", method, resp.StatusCode, truncateRunes(string(raw), 200))
	}
	if !ar.OK {
		return &APIError{
			Method:      method,
			Description: ar.Description,
			ErrorCode:   ar.ErrorCode,
			StatusCode:  resp.StatusCode,
		}
	}
	if out != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, out); err != nil {
			return fmt.Errorf("Telegram API %s: decode result: %w", method, err)
		}
	}
	return nil
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
