package signaling

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/petervdpas/callsync/internal/callapi"
	"github.com/petervdpas/callsync/internal/transport"
)

// Kind is the logical signaling event type.
type Kind string

const (
	Incoming Kind = "incoming"
	Accepted Kind = "accepted"
	Rejected Kind = "rejected"
	Ended    Kind = "ended"
)

var kindByName = map[string]Kind{
	transport.EventIncoming: Incoming,
	transport.EventAccepted: Accepted,
	transport.EventRejected: Rejected,
	transport.EventEnded:    Ended,
}

// Event is one logical signaling event, whatever socket and name it came in on.
type Event struct {
	Kind           Kind              `json:"kind"`
	CallID         string            `json:"callId"`
	RoomID         string            `json:"roomId,omitempty"`
	CounterpartyID string            `json:"counterpartyId,omitempty"`
	InitiatorID    string            `json:"initiatorId,omitempty"`
	CallKind       callapi.Kind      `json:"callKind,omitempty"`
	Scope          callapi.Scope     `json:"scope,omitempty"`
	Channel        transport.Channel `json:"channel"`
	RawName        string            `json:"rawName"`
	ReceivedAt     time.Time         `json:"receivedAt"`
}

// payload covers the shapes the backend has used for call events. Some
// senders nest the call record under "call".
type payload struct {
	CallID      string   `json:"callId"`
	ID          string   `json:"id"`
	RoomID      string   `json:"roomId"`
	Type        string   `json:"type"`
	CallType    string   `json:"callType"`
	InitiatorID string   `json:"initiatorId"`
	CallerID    string   `json:"callerId"`
	ReceiverID  string   `json:"receiverId"`
	GroupID     string   `json:"groupId"`
	Call        *payload `json:"call"`
}

func (p *payload) merge(o *payload) {
	if o == nil {
		return
	}
	pick := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	pick(&p.CallID, o.CallID)
	pick(&p.CallID, o.ID)
	pick(&p.RoomID, o.RoomID)
	pick(&p.Type, o.Type)
	pick(&p.CallType, o.CallType)
	pick(&p.InitiatorID, o.InitiatorID)
	pick(&p.CallerID, o.CallerID)
	pick(&p.ReceiverID, o.ReceiverID)
	pick(&p.GroupID, o.GroupID)
}

var (
	errUnknownKind = errors.New("not a call event")
	errNoCallID    = errors.New("missing call id")
)

// parse turns a transport message into an Event. selfID may be empty;
// when set it is used to pick the other party out of initiator/receiver.
func parse(msg transport.Message, selfID string, now time.Time) (Event, error) {
	kind, ok := kindByName[msg.Name]
	if !ok {
		return Event{}, errUnknownKind
	}
	var p payload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return Event{}, err
		}
	}
	if p.CallID == "" {
		p.CallID = p.ID
	}
	p.merge(p.Call)
	if p.CallID == "" {
		return Event{}, errNoCallID
	}

	ev := Event{
		Kind:        kind,
		CallID:      p.CallID,
		RoomID:      p.RoomID,
		InitiatorID: p.InitiatorID,
		Channel:     msg.Channel,
		RawName:     msg.RawName,
		ReceivedAt:  now,
	}
	if ev.InitiatorID == "" {
		ev.InitiatorID = p.CallerID
	}
	for _, t := range []string{p.Type, p.CallType} {
		if k := callapi.Kind(strings.ToUpper(t)); k.Valid() {
			ev.CallKind = k
			break
		}
	}
	switch {
	case p.GroupID != "":
		ev.Scope = callapi.ScopeGroup
		ev.CounterpartyID = p.GroupID
	case selfID != "" && ev.InitiatorID == selfID:
		ev.Scope = callapi.ScopeDirect
		ev.CounterpartyID = p.ReceiverID
	case ev.InitiatorID != "":
		ev.Scope = callapi.ScopeDirect
		ev.CounterpartyID = ev.InitiatorID
	case p.ReceiverID != "":
		ev.Scope = callapi.ScopeDirect
		ev.CounterpartyID = p.ReceiverID
	}
	return ev, nil
}
