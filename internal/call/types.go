package call

import (
	"context"
	"time"

	"github.com/petervdpas/callsync/internal/callapi"
	"github.com/petervdpas/callsync/internal/media"
	"github.com/petervdpas/callsync/internal/signaling"
	"github.com/petervdpas/callsync/internal/storage"
)

type Status string

const (
	Waiting    Status = "WAITING"
	Connecting Status = "CONNECTING"
	Connected  Status = "CONNECTED"
	Rejected   Status = "REJECTED"
	Ended      Status = "ENDED"
)

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool { return s == Rejected || s == Ended }

type Direction string

const (
	Outgoing Direction = "OUTGOING"
	Incoming Direction = "INCOMING"
)

// CallSession is the canonical record of one call attempt. Values handed
// out by the package are copies.
type CallSession struct {
	CallID         string           `json:"callId,omitempty"`
	RoomID         string           `json:"roomId,omitempty"`
	Kind           callapi.Kind     `json:"kind"`
	Scope          callapi.Scope    `json:"scope"`
	CounterpartyID string           `json:"counterpartyId"`
	Counterparty   callapi.Identity `json:"counterparty"`
	Direction      Direction        `json:"direction"`
	Status         Status           `json:"status"`
	StartedAt      time.Time        `json:"startedAt"`
	ConnectedAt    *time.Time       `json:"connectedAt,omitempty"`
	EndedAt        *time.Time       `json:"endedAt,omitempty"`
	DurationSec    int              `json:"durationSec"`
	EndReason      string           `json:"endReason,omitempty"`
}

// Offer is an incoming call that has not been answered yet.
type Offer struct {
	CallID         string           `json:"callId"`
	RoomID         string           `json:"roomId,omitempty"`
	Kind           callapi.Kind     `json:"kind,omitempty"`
	Scope          callapi.Scope    `json:"scope,omitempty"`
	CounterpartyID string           `json:"counterpartyId,omitempty"`
	Counterparty   callapi.Identity `json:"counterparty"`
	ReceivedAt     time.Time        `json:"receivedAt"`
}

// Notice is a user-facing message. Level is info, warn or error.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	CallID  string `json:"callId,omitempty"`
}

type UpdateKind string

const (
	UpdateSession      UpdateKind = "session"
	UpdateOffer        UpdateKind = "offer"
	UpdateOfferRemoved UpdateKind = "offer-removed"
	UpdateNotice       UpdateKind = "notice"
)

// Update is one item of the stream the UI layer consumes.
type Update struct {
	Kind    UpdateKind   `json:"kind"`
	Session *CallSession `json:"session,omitempty"`
	Media   *media.State `json:"media,omitempty"`
	Offer   *Offer       `json:"offer,omitempty"`
	Notice  *Notice      `json:"notice,omitempty"`
}

// Directory is the call directory client.
type Directory interface {
	InitiateCall(ctx context.Context, counterpartyID string, kind callapi.Kind, scope callapi.Scope) (callapi.Initiated, error)
	JoinCall(ctx context.Context, callID string) (callapi.Joined, error)
	RejectCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context, callID string) error
	GetActiveCall(ctx context.Context) (*callapi.Record, error)
	LookupCounterparty(ctx context.Context, id string, scope callapi.Scope) callapi.Identity
}

// Media is the media negotiation controller.
type Media interface {
	InitWebRTC(ctx context.Context, roomID string, o media.InitOptions) error
	EndWebRTC()
	ToggleMute() (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	State() media.State
	Subscribe() (<-chan media.Event, func())
}

// Events is the deduplicated signaling stream.
type Events interface {
	Subscribe() (<-chan signaling.Event, func())
}

// CallLog receives every finished call.
type CallLog interface {
	AppendCall(e storage.CallEntry) error
}
