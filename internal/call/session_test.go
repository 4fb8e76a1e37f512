package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	all := []Status{Waiting, Connecting, Connected, Rejected, Ended}
	want := map[Status]map[Status]bool{
		Waiting:    {Connecting: true, Rejected: true, Ended: true},
		Connecting: {Connected: true, Rejected: true, Ended: true},
		Connected:  {Ended: true},
	}
	for _, from := range all {
		for _, to := range all {
			s := newSession(CallSession{Status: from}, true, time.Hour, nil)
			_, ok := s.transition(to, "", time.Now())
			assert.Equal(t, want[from][to], ok, "%s -> %s", from, to)
			s.transition(Ended, "", time.Now())
		}
	}
}

func TestDurationCountsOnlyWhileConnected(t *testing.T) {
	ticks := make(chan int, 16)
	s := newSession(CallSession{Status: Connecting}, true, 5*time.Millisecond, func(cs CallSession) {
		ticks <- cs.DurationSec
	})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, s.Snapshot().DurationSec)

	cs, ok := s.transition(Connected, "", time.Now())
	assert.True(t, ok)
	assert.NotNil(t, cs.ConnectedAt)
	assert.Equal(t, 1, <-ticks)
	assert.Equal(t, 2, <-ticks)

	cs, ok = s.transition(Ended, "hung up", time.Now())
	assert.True(t, ok)
	assert.Equal(t, "hung up", cs.EndReason)
	stopped := s.Snapshot().DurationSec
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, s.Snapshot().DurationSec)
}

func TestBindRefusedAfterTerminal(t *testing.T) {
	s := newSession(CallSession{Status: Waiting}, true, time.Second, nil)
	s.transition(Rejected, "cancelled", time.Now())
	assert.False(t, s.bind("c1", "r1"))
	assert.Empty(t, s.CallID())
}
