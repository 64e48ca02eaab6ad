package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gliderlab/moltgate/gateway"
	"github.com/gliderlab/moltgate/pkg/extensions"
	"github.com/gliderlab/moltgate/processtool"
	"github.com/gliderlab/moltgate/storage"
)

const maxResponseBody = 4 << 20

// client calls the gateway's internal API
type client struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient(baseURL, token string, timeout time.Duration) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(gateway.InternalTokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("gateway returned HTTP %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("gateway returned HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// Run executes a registered command and returns its reply text
func (c *client) Run(ctx context.Context, name, args string) (string, error) {
	var resp struct {
		Text string `json:"text"`
	}
	path := "/internal/commands/" + url.PathEscape(strings.TrimPrefix(name, "/"))
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"args": args}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

func (c *client) Commands(ctx context.Context) ([]extensions.CommandInfo, error) {
	var resp struct {
		Commands []extensions.CommandInfo `json:"commands"`
	}
	if err := c.do(ctx, http.MethodGet, "/internal/commands", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

func (c *client) Events(ctx context.Context, kind string, limit int) ([]storage.Event, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/internal/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp struct {
		Events []storage.Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// BackendStatus mirrors the /api/status body
type BackendStatus struct {
	OK bool `json:"ok"`
	processtool.Status
	Error string `json:"error,omitempty"`
}

func (c *client) Status(ctx context.Context) (*BackendStatus, error) {
	var st BackendStatus
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
