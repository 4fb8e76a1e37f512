// Package callapi is the request/response client for the backend's call
// endpoints and the user/group directory. It holds no call state and never
// retries; backend error payloads are passed through verbatim.
package callapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petervdpas/callsync/internal/cache"
	"github.com/petervdpas/callsync/internal/callerr"
	"github.com/petervdpas/callsync/internal/transport"
)

// Doer is the slice of the transport the client needs.
type Doer interface {
	Do(ctx context.Context, method, path string, body, out any) error
}

// UserIdentity supplies the authenticated user id.
type UserIdentity interface {
	UserID() string
}

type Client struct {
	http Doer
	self UserIdentity

	identities *cache.TTL[string, Identity]
}

const identityTTL = 5 * time.Minute

func New(http Doer, self UserIdentity) *Client {
	return &Client{
		http:       http,
		self:       self,
		identities: cache.New[string, Identity](identityTTL, identityTTL),
	}
}

// Close releases the identity cache.
func (c *Client) Close() {
	c.identities.Close()
}

type initiateRequest struct {
	ReceiverID  string `json:"receiverId,omitempty"`
	GroupID     string `json:"groupId,omitempty"`
	Type        Kind   `json:"type"`
	InitiatorID string `json:"initiatorId"`
}

// InitiateCall asks the backend to ring counterpartyID. A 4xx answer means
// the target cannot be called and maps to PeerUnreachable.
func (c *Client) InitiateCall(ctx context.Context, counterpartyID string, kind Kind, scope Scope) (Initiated, error) {
	const op = "initiateCall"
	if !kind.Valid() || !scope.Valid() || counterpartyID == "" {
		return Initiated{}, callerr.New(callerr.Unknown, op, "invalid call parameters")
	}
	req := initiateRequest{Type: kind, InitiatorID: c.self.UserID()}
	if scope == ScopeGroup {
		req.GroupID = counterpartyID
	} else {
		req.ReceiverID = counterpartyID
	}

	var out Initiated
	if err := c.http.Do(ctx, http.MethodPost, "/calls", req, &out); err != nil {
		return Initiated{}, classify(op, err, true)
	}
	if out.CallID == "" {
		return Initiated{}, callerr.New(callerr.Unknown, op, "backend returned no call id")
	}
	log.Info().Str("call_id", out.CallID).Str("room_id", out.RoomID).Str("to", counterpartyID).
		Msgf("CALLAPI: initiated %s %s call", scope, kind)
	return out, nil
}

// JoinCall accepts callID on the backend and returns the room to negotiate in.
func (c *Client) JoinCall(ctx context.Context, callID string) (Joined, error) {
	const op = "joinCall"
	var out Joined
	if err := c.http.Do(ctx, http.MethodPost, "/calls/join", map[string]string{"callId": callID}, &out); err != nil {
		return Joined{}, classify(op, err, false)
	}
	return out, nil
}

func (c *Client) RejectCall(ctx context.Context, callID string) error {
	const op = "rejectCall"
	if err := c.http.Do(ctx, http.MethodPost, "/calls/"+url.PathEscape(callID)+"/reject", nil, nil); err != nil {
		return classify(op, err, false)
	}
	return nil
}

// EndCall needs nothing but the id, so a surface that only knows a stored
// call id can still hang up.
func (c *Client) EndCall(ctx context.Context, callID string) error {
	const op = "endCall"
	if err := c.http.Do(ctx, http.MethodPost, "/calls/end", map[string]string{"callId": callID}, nil); err != nil {
		return classify(op, err, false)
	}
	return nil
}

// GetActiveCall returns the caller's live call, or nil when there is none.
// The counterparty is derived from the record, never from local state.
func (c *Client) GetActiveCall(ctx context.Context) (*Record, error) {
	const op = "getActiveCall"
	var rec Record
	if err := c.http.Do(ctx, http.MethodGet, "/calls/user/active", nil, &rec); err != nil {
		if errors.Is(err, callerr.ErrNotFound) {
			return nil, nil
		}
		return nil, classify(op, err, false)
	}
	if rec.ID == "" {
		return nil, nil
	}
	c.resolveCounterparty(&rec)
	return &rec, nil
}

func (c *Client) resolveCounterparty(rec *Record) {
	self := c.self.UserID()
	rec.Outgoing = rec.InitiatorID == self
	if rec.GroupID != "" {
		rec.Scope = ScopeGroup
		rec.CounterpartyID = rec.GroupID
		return
	}
	rec.Scope = ScopeDirect
	if rec.Outgoing {
		rec.CounterpartyID = rec.ReceiverID
	} else {
		rec.CounterpartyID = rec.InitiatorID
	}
}

// LookupUser resolves a display identity. Failures give a placeholder.
func (c *Client) LookupUser(ctx context.Context, id string) Identity {
	return c.lookup(ctx, "/users/", "user:", id)
}

// LookupGroup resolves a group display identity. Failures give a placeholder.
func (c *Client) LookupGroup(ctx context.Context, id string) Identity {
	return c.lookup(ctx, "/groups/", "group:", id)
}

// LookupCounterparty picks the right directory for scope.
func (c *Client) LookupCounterparty(ctx context.Context, id string, scope Scope) Identity {
	if scope == ScopeGroup {
		return c.LookupGroup(ctx, id)
	}
	return c.LookupUser(ctx, id)
}

func (c *Client) lookup(ctx context.Context, prefix, key, id string) Identity {
	if v, ok := c.identities.Get(key + id); ok {
		return v
	}
	var raw struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Username    string `json:"username"`
		DisplayName string `json:"displayName"`
		Avatar      string `json:"avatar"`
	}
	if err := c.http.Do(ctx, http.MethodGet, prefix+url.PathEscape(id), nil, &raw); err != nil {
		log.Debug().Str("id", id).Err(err).Msg("CALLAPI: directory lookup failed, using placeholder")
		return placeholder(id)
	}
	ident := Identity{ID: id, Avatar: raw.Avatar}
	for _, n := range []string{raw.DisplayName, raw.Name, raw.Username} {
		if n != "" {
			ident.Name = n
			break
		}
	}
	if ident.Name == "" {
		return placeholder(id)
	}
	c.identities.Set(key+id, ident)
	return ident
}

func placeholder(id string) Identity {
	return Identity{ID: id, Name: "Unknown", Placeholder: true}
}

// classify keeps Unauthenticated/NotFound/network kinds from the transport,
// turns backend 4xx on initiate into PeerUnreachable, and everything else
// into Unknown, preserving the backend payload.
func classify(op string, err error, initiate bool) error {
	var ce *callerr.Error
	if !errors.As(err, &ce) {
		return callerr.Wrap(callerr.Unknown, op, err)
	}
	switch ce.Kind {
	case callerr.Unauthenticated, callerr.Timeout, callerr.TransportError, callerr.NetworkUnavailable:
		return &callerr.Error{Kind: ce.Kind, Op: op, Msg: ce.Msg, Err: err}
	}
	var se *transport.StatusError
	if initiate && errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
		return &callerr.Error{Kind: callerr.PeerUnreachable, Op: op, Msg: se.Body, Err: err}
	}
	if ce.Kind == callerr.NotFound {
		if initiate {
			return &callerr.Error{Kind: callerr.PeerUnreachable, Op: op, Msg: ce.Msg, Err: err}
		}
		return &callerr.Error{Kind: callerr.NotFound, Op: op, Msg: ce.Msg, Err: err}
	}
	return &callerr.Error{Kind: callerr.Unknown, Op: op, Msg: ce.Msg, Err: err}
}
