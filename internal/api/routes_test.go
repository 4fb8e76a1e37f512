package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callsync/internal/call"
	"github.com/petervdpas/callsync/internal/callapi"
	"github.com/petervdpas/callsync/internal/callerr"
	"github.com/petervdpas/callsync/internal/media"
	"github.com/petervdpas/callsync/internal/storage"
)

type fakeCalls struct {
	mu      sync.Mutex
	cur     *call.CallSession
	started []string
	ended   []string
	hungUp  int
	muted   bool
	camErr  error
	updates chan call.Update
}

func (f *fakeCalls) Start(ctx context.Context, to string, kind callapi.Kind, scope callapi.Scope) (call.CallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur != nil {
		return call.CallSession{}, callerr.New(callerr.CallInProgress, "start", "")
	}
	f.started = append(f.started, to)
	f.cur = &call.CallSession{CallID: "c1", RoomID: "r1", Kind: kind, Scope: scope, CounterpartyID: to, Status: call.Waiting}
	return *f.cur, nil
}

func (f *fakeCalls) Accept(ctx context.Context, callID string) (call.CallSession, error) {
	return call.CallSession{}, callerr.New(callerr.NotFound, "accept", "call is no longer available")
}

func (f *fakeCalls) Reject(ctx context.Context, callID string) error { return nil }

func (f *fakeCalls) Hangup(ctx context.Context) error {
	f.mu.Lock()
	f.hungUp++
	f.mu.Unlock()
	return nil
}

func (f *fakeCalls) EndByID(ctx context.Context, callID string) error {
	f.mu.Lock()
	f.ended = append(f.ended, callID)
	f.mu.Unlock()
	return nil
}

func (f *fakeCalls) ToggleMute() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted, nil
}

func (f *fakeCalls) ToggleVideo(ctx context.Context) (bool, error) { return false, f.camErr }

func (f *fakeCalls) Current() (call.CallSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur == nil {
		return call.CallSession{}, false
	}
	return *f.cur, true
}

func (f *fakeCalls) Offers() []call.Offer { return nil }
func (f *fakeCalls) Media() media.State  { return media.State{} }

func (f *fakeCalls) Subscribe() (<-chan call.Update, func()) {
	return f.updates, func() {}
}

type fakeHistory []storage.CallEntry

func (h fakeHistory) RecentCalls(limit int) ([]storage.CallEntry, error) { return h, nil }

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStartAndConflict(t *testing.T) {
	calls := &fakeCalls{}
	h := NewRouter(calls, nil, Options{})

	rec := post(t, h, "/api/call/start", `{"counterpartyId":"u2","kind":"AUDIO"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var cs call.CallSession
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cs))
	assert.Equal(t, "c1", cs.CallID)
	assert.Equal(t, callapi.ScopeDirect, cs.Scope)

	rec = post(t, h, "/api/call/start", `{"counterpartyId":"u3","kind":"AUDIO"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "call in progress")

	rec = post(t, h, "/api/call/start", `{"counterpartyId":"u3","kind":"FAX"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(t, h, "/api/call/start", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHangupVariants(t *testing.T) {
	calls := &fakeCalls{}
	h := NewRouter(calls, nil, Options{})

	require.Equal(t, http.StatusOK, post(t, h, "/api/call/hangup", "").Code)
	require.Equal(t, http.StatusOK, post(t, h, "/api/call/hangup", `{"callId":"c9"}`).Code)
	assert.Equal(t, 1, calls.hungUp)
	assert.Equal(t, []string{"c9"}, calls.ended)
}

func TestErrorMapping(t *testing.T) {
	calls := &fakeCalls{camErr: callerr.New(callerr.PermissionDenied, "toggleVideo", "camera denied")}
	h := NewRouter(calls, nil, Options{})

	rec := post(t, h, "/api/call/toggle-video", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "permission denied", body["kind"])
	assert.Equal(t, callerr.UserMessage(calls.camErr), body["error"])

	rec = post(t, h, "/api/call/accept", `{"callId":"c2"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = post(t, h, "/api/call/toggle-audio", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"muted":true}`, rec.Body.String())
}

func TestSessionAndHistory(t *testing.T) {
	calls := &fakeCalls{}
	hist := fakeHistory{{CallID: "c0", Status: "ENDED", DurationSec: 42}}
	h := NewRouter(calls, hist, Options{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/call/session", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"session":null`)
	assert.Contains(t, rec.Body.String(), `"offers":[]`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/call/history?limit=5", nil))
	var entries []storage.CallEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, 42, entries[0].DurationSec)
}

func TestEventStream(t *testing.T) {
	calls := &fakeCalls{updates: make(chan call.Update, 4)}
	srv := httptest.NewServer(NewRouter(calls, nil, Options{Heartbeat: time.Hour}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/call/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	calls.updates <- call.Update{Kind: call.UpdateNotice, Notice: &call.Notice{Level: "warn", Message: "Waiting for network"}}

	sc := bufio.NewScanner(resp.Body)
	var events []string
	for len(events) < 2 && sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	require.True(t, sc.Scan())
	last := strings.TrimPrefix(sc.Text(), "data: ")
	assert.Equal(t, []string{"connected", "notice"}, events)
	assert.Contains(t, last, "Waiting for network")
}

func TestLogBuffer(t *testing.T) {
	logs := NewLogBuffer(2)
	_, _ = logs.Write([]byte(`{"level":"info","message":"SIGNAL: router started"}` + "\n"))
	_, _ = logs.Write([]byte("plain ")) // partial line
	_, _ = logs.Write([]byte("line\n\n"))
	_, _ = logs.Write([]byte(`{"level":"warn","message":"MEDIA [r1]: retrying"}` + "\n"))

	tail := logs.Tail(0)
	require.Len(t, tail, 2)
	assert.Equal(t, "plain line", tail[0].Msg)
	assert.Equal(t, "warn", tail[1].Level)
	assert.Equal(t, "MEDIA [r1]: retrying", tail[1].Msg)

	h := NewRouter(&fakeCalls{}, nil, Options{Logs: logs})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/logs?tail=1", nil))
	var got []LogEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "warn", got[0].Level)
}
