package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/petervdpas/callsync/internal/call"
	"github.com/petervdpas/callsync/internal/storage"
)

// LocalClient drives a running surface over its local API. The CLI
// commands use it so a call placed from a terminal joins the same session
// as the one a UI shows.
type LocalClient struct {
	base string
	http *http.Client
}

func NewLocalClient(baseURL string) *LocalClient {
	return &LocalClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx answer from the local API.
type APIError struct {
	Status  int
	Message string
	Kind    string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
	}
	return e.Message
}

// SessionState is GET /api/call/session.
type SessionState struct {
	Session *call.CallSession `json:"session"`
	Offers  []call.Offer      `json:"offers"`
	Media   struct {
		Muted        bool `json:"muted"`
		VideoEnabled bool `json:"videoEnabled"`
		AttemptCount int  `json:"attemptCount"`
	} `json:"media"`
}

func (c *LocalClient) Start(ctx context.Context, to, kind, scope string) (call.CallSession, error) {
	var out call.CallSession
	err := c.do(ctx, http.MethodPost, "/api/call/start", map[string]string{
		"counterpartyId": to, "kind": strings.ToUpper(kind), "scope": strings.ToUpper(scope),
	}, &out)
	return out, err
}

func (c *LocalClient) Accept(ctx context.Context, callID string) (call.CallSession, error) {
	var out call.CallSession
	err := c.do(ctx, http.MethodPost, "/api/call/accept", map[string]string{"callId": callID}, &out)
	return out, err
}

func (c *LocalClient) Reject(ctx context.Context, callID string) error {
	return c.do(ctx, http.MethodPost, "/api/call/reject", map[string]string{"callId": callID}, nil)
}

// Hangup ends the current call, or callID when given.
func (c *LocalClient) Hangup(ctx context.Context, callID string) error {
	var body any
	if callID != "" {
		body = map[string]string{"callId": callID}
	}
	return c.do(ctx, http.MethodPost, "/api/call/hangup", body, nil)
}

func (c *LocalClient) ToggleMute(ctx context.Context) (bool, error) {
	var out struct {
		Muted bool `json:"muted"`
	}
	err := c.do(ctx, http.MethodPost, "/api/call/toggle-audio", nil, &out)
	return out.Muted, err
}

func (c *LocalClient) ToggleVideo(ctx context.Context) (bool, error) {
	var out struct {
		VideoEnabled bool `json:"videoEnabled"`
	}
	err := c.do(ctx, http.MethodPost, "/api/call/toggle-video", nil, &out)
	return out.VideoEnabled, err
}

func (c *LocalClient) Session(ctx context.Context) (SessionState, error) {
	var out SessionState
	err := c.do(ctx, http.MethodGet, "/api/call/session", nil, &out)
	return out, err
}

func (c *LocalClient) History(ctx context.Context, limit int) ([]storage.CallEntry, error) {
	var out []storage.CallEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/call/history?limit=%d", limit), nil, &out)
	return out, err
}

func (c *LocalClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is callsync serve running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(b, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(b))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error, Kind: e.Kind}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
