package surface

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultSnapshotTTL bounds how old a stored snapshot may be before a
// loading surface ignores it and asks the backend instead.
const DefaultSnapshotTTL = 2 * time.Minute

// Ended is the payload of a session-ended notification.
type Ended struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Synchronizer mirrors one surface's call to the others. Only the surface
// that owns the live session writes the snapshot; the rest only read it.
type Synchronizer struct {
	scope Scope
	bus   Bus
	owner string
	ttl   time.Duration
	now   func() time.Time
}

// NewSynchronizer binds a scope and bus. owner names this surface in the
// snapshots it writes. ttl <= 0 uses DefaultSnapshotTTL.
func NewSynchronizer(scope Scope, bus Bus, owner string, ttl time.Duration) *Synchronizer {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Synchronizer{scope: scope, bus: bus, owner: owner, ttl: ttl, now: time.Now}
}

// Owner returns this surface's id.
func (s *Synchronizer) Owner() string { return s.owner }

// TTL is the age after which a snapshot counts as abandoned.
func (s *Synchronizer) TTL() time.Duration { return s.ttl }

// Bus returns the notification bus.
func (s *Synchronizer) Bus() Bus { return s.bus }

// Publish persists snap. Callers do this before handing the call to a new
// surface, so the newcomer finds it on load.
func (s *Synchronizer) Publish(snap Snapshot) error {
	snap.Owner = s.owner
	snap.UpdatedAt = s.now().UTC()
	if err := writeSnapshot(s.scope, snap); err != nil {
		return err
	}
	s.notify(TopicSessionUpdated, snap.CallID, snap)
	return nil
}

// Load returns the stored snapshot, or nil when it is absent, invalid or
// older than the TTL.
func (s *Synchronizer) Load() (*Snapshot, error) {
	snap, err := readSnapshot(s.scope)
	if err != nil || snap == nil {
		return nil, err
	}
	if !snap.Valid() {
		log.Debug().Msg("SURFACE: ignoring incomplete snapshot")
		return nil, nil
	}
	if s.now().Sub(snap.UpdatedAt) > s.ttl {
		log.Debug().Str("call_id", snap.CallID).Time("updated_at", snap.UpdatedAt).Msg("SURFACE: snapshot is stale")
		return nil, nil
	}
	return snap, nil
}

// Clear removes the snapshot if it still describes callID. A snapshot for
// a newer call is left alone.
func (s *Synchronizer) Clear(callID string) error {
	snap, err := readSnapshot(s.scope)
	if err != nil {
		return err
	}
	if snap == nil || (callID != "" && snap.CallID != callID) {
		return nil
	}
	return s.scope.DeleteMeta(SnapshotKey)
}

// AnnounceEnded tells every surface that callID reached a terminal state.
func (s *Synchronizer) AnnounceEnded(callID, status, reason string) {
	s.notify(TopicSessionEnded, callID, Ended{Status: status, Reason: reason})
}

func (s *Synchronizer) notify(topic, callID string, v any) {
	if s.bus == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.bus.Publish(Notification{Topic: topic, CallID: callID, Data: data}); err != nil {
		log.Warn().Str("topic", topic).Str("call_id", callID).Err(err).Msg("SURFACE: publish failed")
	}
}

// Watch calls fn for every session-ended notification about callID until
// ctx ends. An empty callID matches any call.
func (s *Synchronizer) Watch(ctx context.Context, callID string, fn func(callID string, e Ended)) {
	s.watch(ctx, TopicSessionEnded, func(n Notification) {
		if callID != "" && n.CallID != callID {
			return
		}
		var e Ended
		_ = json.Unmarshal(n.Data, &e)
		fn(n.CallID, e)
	})
}

// WatchUpdates calls fn with every snapshot an owner publishes until ctx
// ends. Mirrors follow the owner's session through it.
func (s *Synchronizer) WatchUpdates(ctx context.Context, fn func(Snapshot)) {
	s.watch(ctx, TopicSessionUpdated, func(n Notification) {
		var snap Snapshot
		if err := json.Unmarshal(n.Data, &snap); err != nil || snap.CallID == "" {
			log.Debug().Str("call_id", n.CallID).Msg("SURFACE: ignoring malformed session update")
			return
		}
		fn(snap)
	})
}

func (s *Synchronizer) watch(ctx context.Context, topic string, fn func(Notification)) {
	if s.bus == nil {
		return
	}
	ch, cancel := s.bus.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-ch:
				if !ok {
					return
				}
				if n.Topic == topic {
					fn(n)
				}
			}
		}
	}()
}
