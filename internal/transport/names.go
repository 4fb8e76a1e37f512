package transport

import (
	"bytes"
	"encoding/json"
)

// Canonical event names. Everything downstream of the adapter sees only these.
const (
	EventIncoming = "call:incoming"
	EventAccepted = "call:accepted"
	EventRejected = "call:rejected"
	EventEnded    = "call:ended"
)

// CallEvents lists the canonical call lifecycle names.
var CallEvents = []string{EventIncoming, EventAccepted, EventRejected, EventEnded}

var legacyNames = map[string]string{
	"incomingCall": EventIncoming,
	"callAccepted": EventAccepted,
	"callRejected": EventRejected,
	"callEnded":    EventEnded,
}

// Canonical maps a legacy event name to its current name. Unknown names pass
// through untouched.
func Canonical(name string) string {
	if c, ok := legacyNames[name]; ok {
		return c
	}
	return name
}

// frame is the wire shape. Both {"event","data"} and {"op","d"} are accepted
// inbound; outbound always uses event/data.
type frame struct {
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Op    string          `json:"op,omitempty"`
	D     json.RawMessage `json:"d,omitempty"`
}

// decodeFrame parses one inbound text message. ok is false when the message
// carries no event name.
func decodeFrame(b []byte) (name string, data json.RawMessage, ok bool) {
	var f frame
	if err := json.Unmarshal(bytes.TrimSpace(b), &f); err != nil {
		return "", nil, false
	}
	name, data = f.Event, f.Data
	if name == "" {
		name, data = f.Op, f.D
	}
	if name == "" {
		return "", nil, false
	}
	return name, data, true
}

func encodeFrame(name string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(frame{Event: name, Data: data})
}
