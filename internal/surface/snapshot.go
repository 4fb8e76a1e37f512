package surface

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/petervdpas/callsync/internal/callapi"
)

// SnapshotKey is the well-known key the pending call is stored under.
const SnapshotKey = "callsync.pending_call"

// Snapshot is the compact call identity a new surface needs to rebuild its
// own session without asking the backend.
type Snapshot struct {
	CallID         string        `json:"callId"`
	RoomID         string        `json:"roomId"`
	Kind           callapi.Kind  `json:"kind"`
	CounterpartyID string        `json:"counterpartyId"`
	Scope          callapi.Scope `json:"scope"`
	Direction      string        `json:"direction,omitempty"`
	Status         string        `json:"status,omitempty"`
	Owner          string        `json:"owner,omitempty"`
	StartedAt      time.Time     `json:"startedAt,omitzero"`
	ConnectedAt    *time.Time    `json:"connectedAt,omitempty"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Valid reports whether the snapshot carries enough to rebuild a session.
func (s Snapshot) Valid() bool {
	return s.CallID != "" && s.RoomID != "" && s.Kind.Valid() && s.CounterpartyID != ""
}

// Scope is a persisted key/value area shared by every surface of the same
// data directory.
type Scope interface {
	GetMeta(key string) (string, bool, error)
	SetMeta(key, value string) error
	DeleteMeta(key string) error
}

// MemoryScope is an in-process Scope.
type MemoryScope struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryScope() *MemoryScope {
	return &MemoryScope{m: make(map[string]string)}
}

func (s *MemoryScope) GetMeta(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok, nil
}

func (s *MemoryScope) SetMeta(key, value string) error {
	s.mu.Lock()
	s.m[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryScope) DeleteMeta(key string) error {
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
	return nil
}

func readSnapshot(sc Scope) (*Snapshot, error) {
	raw, ok, err := sc.GetMeta(SnapshotKey)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var s Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}

func writeSnapshot(sc Scope, s Snapshot) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return sc.SetMeta(SnapshotKey, string(b))
}
