// Package api is the local HTTP surface a UI uses to drive calls. Commands
// are JSON POSTs; state changes stream out over server-sent events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/petervdpas/callsync/internal/call"
	"github.com/petervdpas/callsync/internal/callapi"
	"github.com/petervdpas/callsync/internal/callerr"
	"github.com/petervdpas/callsync/internal/media"
	"github.com/petervdpas/callsync/internal/storage"
)

// Calls is the slice of call.Manager the routes drive.
type Calls interface {
	Start(ctx context.Context, counterpartyID string, kind callapi.Kind, scope callapi.Scope) (call.CallSession, error)
	Accept(ctx context.Context, callID string) (call.CallSession, error)
	Reject(ctx context.Context, callID string) error
	Hangup(ctx context.Context) error
	EndByID(ctx context.Context, callID string) error
	ToggleMute() (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	Current() (call.CallSession, bool)
	Offers() []call.Offer
	Media() media.State
	Subscribe() (<-chan call.Update, func())
}

// History lists finished calls. May be nil.
type History interface {
	RecentCalls(limit int) ([]storage.CallEntry, error)
}

type Options struct {
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// Logs, when set, is served under /api/logs.
	Logs *LogBuffer
}

// NewRouter builds the /api/call routes.
func NewRouter(calls Calls, history History, o Options) http.Handler {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 15 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLog)

	if o.Logs != nil {
		r.Get("/api/logs", o.Logs.serveJSON)
		r.Get("/api/logs/stream", o.Logs.serveSSE)
	}

	r.Route("/api/call", func(r chi.Router) {
		r.Get("/session", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, sessionView(calls))
		})

		handlePost(r, "/start", func(w http.ResponseWriter, r *http.Request, req struct {
			CounterpartyID string        `json:"counterpartyId"`
			Kind           callapi.Kind  `json:"kind"`
			Scope          callapi.Scope `json:"scope"`
		}) {
			if req.Scope == "" {
				req.Scope = callapi.ScopeDirect
			}
			if req.CounterpartyID == "" || !req.Kind.Valid() || !req.Scope.Valid() {
				writeError(w, http.StatusBadRequest, "counterpartyId, kind (AUDIO|VIDEO) and scope (DIRECT|GROUP) are required")
				return
			}
			cs, err := calls.Start(r.Context(), req.CounterpartyID, req.Kind, req.Scope)
			if err != nil {
				writeCallError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, cs)
		})

		handlePost(r, "/accept", func(w http.ResponseWriter, r *http.Request, req struct {
			CallID string `json:"callId"`
		}) {
			if req.CallID == "" {
				writeError(w, http.StatusBadRequest, "missing callId")
				return
			}
			cs, err := calls.Accept(r.Context(), req.CallID)
			if err != nil {
				writeCallError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, cs)
		})

		handlePost(r, "/reject", func(w http.ResponseWriter, r *http.Request, req struct {
			CallID string `json:"callId"`
		}) {
			if req.CallID == "" {
				writeError(w, http.StatusBadRequest, "missing callId")
				return
			}
			if err := calls.Reject(r.Context(), req.CallID); err != nil {
				writeCallError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
		})

		// An explicit callId ends a call this surface may not hold.
		handlePost(r, "/hangup", func(w http.ResponseWriter, r *http.Request, req struct {
			CallID string `json:"callId"`
		}) {
			var err error
			if req.CallID != "" {
				err = calls.EndByID(r.Context(), req.CallID)
			} else {
				err = calls.Hangup(r.Context())
			}
			if err != nil {
				writeCallError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "hung_up"})
		})

		handlePost(r, "/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			muted, err := calls.ToggleMute()
			if err != nil {
				writeCallError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
		})

		handlePost(r, "/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			enabled, err := calls.ToggleVideo(r.Context())
			if err != nil {
				writeCallError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"videoEnabled": enabled})
		})

		r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
			if history == nil {
				writeJSON(w, http.StatusOK, []storage.CallEntry{})
				return
			}
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			entries, err := history.RecentCalls(limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if entries == nil {
				entries = []storage.CallEntry{}
			}
			writeJSON(w, http.StatusOK, entries)
		})

		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			streamEvents(w, r, calls, o.Heartbeat)
		})
	})
	return r
}

type sessionResponse struct {
	Session *call.CallSession `json:"session"`
	Media   media.State       `json:"media"`
	Offers  []call.Offer      `json:"offers"`
}

func sessionView(calls Calls) sessionResponse {
	out := sessionResponse{Media: calls.Media(), Offers: calls.Offers()}
	if cs, ok := calls.Current(); ok {
		out.Session = &cs
	}
	if out.Offers == nil {
		out.Offers = []call.Offer{}
	}
	return out
}

// streamEvents sends the current state first, then every update until the
// client goes away. Each connection has its own subscription.
func streamEvents(w http.ResponseWriter, r *http.Request, calls Calls, heartbeat time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	updates, cancel := calls.Subscribe()
	defer cancel()

	sseHeaders(w)
	writeEvent(w, "connected", sessionView(calls))
	flusher.Flush()

	tick := time.NewTicker(heartbeat)
	defer tick.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case u, ok := <-updates:
			if !ok {
				return
			}
			writeEvent(w, string(u.Kind), u)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("event", name).Msg("API: encode event failed")
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}

// writeCallError maps the error kind to a status and a user message.
func writeCallError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch callerr.KindOf(err) {
	case callerr.CallInProgress:
		status = http.StatusConflict
	case callerr.NotFound:
		status = http.StatusNotFound
	case callerr.Unauthenticated:
		status = http.StatusUnauthorized
	case callerr.PermissionDenied:
		status = http.StatusForbidden
	case callerr.PeerUnreachable, callerr.NegotiationFailed:
		status = http.StatusBadGateway
	case callerr.NetworkUnavailable, callerr.Timeout, callerr.TransportError:
		status = http.StatusServiceUnavailable
	}
	var ce *callerr.Error
	kind := callerr.Unknown
	if errors.As(err, &ce) {
		kind = ce.Kind
	}
	writeJSON(w, status, map[string]string{
		"error":  callerr.UserMessage(err),
		"kind":   kind.String(),
		"detail": err.Error(),
	})
}
