package callapi

import "time"

// Kind is the media kind of a call.
type Kind string

const (
	KindAudio Kind = "AUDIO"
	KindVideo Kind = "VIDEO"
)

func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

// Scope tells whether the counterparty is a user or a group.
type Scope string

const (
	ScopeDirect Scope = "DIRECT"
	ScopeGroup  Scope = "GROUP"
)

func (s Scope) Valid() bool { return s == ScopeDirect || s == ScopeGroup }

// Initiated is the backend's answer to POST /calls.
type Initiated struct {
	CallID string `json:"id"`
	RoomID string `json:"roomId"`
}

// Joined is the backend's answer to POST /calls/join.
type Joined struct {
	RoomID string `json:"roomId"`
	Kind   Kind   `json:"type"`
}

// Record is a call as the backend stores it, plus the counterparty
// resolved for the authenticated user.
type Record struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"roomId"`
	Kind        Kind       `json:"type"`
	Status      string     `json:"status"`
	InitiatorID string     `json:"initiatorId"`
	ReceiverID  string     `json:"receiverId,omitempty"`
	GroupID     string     `json:"groupId,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`

	// Filled by GetActiveCall, not by the backend.
	Scope          Scope  `json:"-"`
	CounterpartyID string `json:"-"`
	Outgoing       bool   `json:"-"`
}

// Identity is the display identity of a user or group.
type Identity struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Avatar      string `json:"avatar,omitempty"`
	Placeholder bool   `json:"placeholder,omitempty"`
}
