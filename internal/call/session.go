package call

import (
	"context"
	"sync"
	"time"

	"github.com/petervdpas/callsync/internal/callapi"
)

// edges lists the allowed transitions. Terminal states have none.
var edges = map[Status][]Status{
	Waiting:    {Connecting, Rejected, Ended},
	Connecting: {Connected, Rejected, Ended},
	Connected:  {Ended},
}

func allowed(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session guards one CallSession. Every change goes through transition or
// bind, both of which check the current state first, so concurrent
// callers racing on the same session cannot leave it inconsistent.
type Session struct {
	mu sync.Mutex
	cs CallSession

	// owned is true on the surface that created the call. Only that
	// surface rewrites the shared snapshot and negotiates media; the others
	// mirror it.
	owned bool

	// stopMedia cancels the running negotiation. Reaching a terminal state
	// calls it.
	stopMedia context.CancelFunc

	tick     time.Duration
	onTick   func(CallSession)
	stopTick chan struct{}
}

func newSession(cs CallSession, owned bool, tick time.Duration, onTick func(CallSession)) *Session {
	if tick <= 0 {
		tick = time.Second
	}
	return &Session{cs: cs, owned: owned, tick: tick, onTick: onTick}
}

// Snapshot returns a copy of the session.
func (s *Session) Snapshot() CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cs
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cs.Status
}

// Owned reports whether this surface owns the call.
func (s *Session) Owned() bool { return s.owned }

func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cs.CallID
}

// bind records the backend identifiers of an outgoing call. It fails once
// the session is terminal, e.g. when the user hung up while the initiate
// request was in flight.
func (s *Session) bind(callID, roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cs.Status.Terminal() {
		return false
	}
	s.cs.CallID = callID
	s.cs.RoomID = roomID
	return true
}

func (s *Session) setCounterparty(id callapi.Identity) {
	s.mu.Lock()
	s.cs.Counterparty = id
	s.mu.Unlock()
}

// transition applies from -> to if the edge exists. It reports the new
// value and whether the change happened; a refused transition is a no-op.
func (s *Session) transition(to Status, reason string, now time.Time) (CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.cs.Status
	if !allowed(from, to) {
		return s.cs, false
	}
	s.cs.Status = to
	if from == Connected {
		s.stopTickerLocked()
	}
	switch {
	case to == Connected:
		t := now
		s.cs.ConnectedAt = &t
		s.startTickerLocked()
	case to.Terminal():
		t := now
		s.cs.EndedAt = &t
		s.cs.EndReason = reason
		if s.stopMedia != nil {
			s.stopMedia()
			s.stopMedia = nil
		}
	}
	return s.cs, true
}

// attachNegotiation records cancel as the stop func of the negotiation
// about to run. A terminal session refuses it and cancel is called at once.
func (s *Session) attachNegotiation(cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cs.Status.Terminal() {
		cancel()
		return false
	}
	s.stopMedia = cancel
	return true
}

// mirrorConnectedAt copies the owner's connect time so a mirror counts
// the same duration.
func (s *Session) mirrorConnectedAt(at, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cs.Status != Connected || at.IsZero() {
		return
	}
	t := at
	s.cs.ConnectedAt = &t
	if d := int(now.Sub(at) / time.Second); d > 0 {
		s.cs.DurationSec = d
	}
}

func (s *Session) startTickerLocked() {
	stop := make(chan struct{})
	s.stopTick = stop
	go func() {
		t := time.NewTicker(s.tick)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.mu.Lock()
				if s.cs.Status != Connected || s.stopTick != stop {
					s.mu.Unlock()
					return
				}
				s.cs.DurationSec++
				snap := s.cs
				s.mu.Unlock()
				if s.onTick != nil {
					s.onTick(snap)
				}
			}
		}
	}()
}

func (s *Session) stopTickerLocked() {
	if s.stopTick != nil {
		close(s.stopTick)
		s.stopTick = nil
	}
}
