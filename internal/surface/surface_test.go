package surface

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callsync/internal/callapi"
)

func recv(t *testing.T, ch <-chan Notification) Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("no notification")
	}
	return Notification{}
}

func TestLocalBusFanOut(t *testing.T) {
	b := NewLocalBus()
	a, cancelA := b.Subscribe()
	c, cancelC := b.Subscribe()
	defer cancelC()

	require.NoError(t, b.Publish(Notification{Topic: "call:ended", CallID: "c1"}))
	na, nc := recv(t, a), recv(t, c)
	assert.Equal(t, na.ID, nc.ID)
	assert.Equal(t, b.Origin(), na.Origin)
	assert.False(t, na.At.IsZero())

	cancelA()
	cancelA()
	_, open := <-a
	assert.False(t, open)
}

func TestDirBusCrossesInstances(t *testing.T) {
	dir := t.TempDir()
	one, err := NewDirBus(dir)
	require.NoError(t, err)
	defer one.Close()
	two, err := NewDirBus(dir)
	require.NoError(t, err)
	defer two.Close()

	got1, cancel1 := one.Subscribe()
	defer cancel1()
	got2, cancel2 := two.Subscribe()
	defer cancel2()

	require.NoError(t, one.Publish(Notification{Topic: TopicSessionEnded, CallID: "c1"}))

	local := recv(t, got1)
	remote := recv(t, got2)
	assert.Equal(t, local.ID, remote.ID)
	assert.Equal(t, one.Origin(), remote.Origin)

	select {
	case n := <-got1:
		t.Fatalf("self echo delivered: %+v", n)
	case <-time.After(200 * time.Millisecond):
	}
	select {
	case n := <-got2:
		t.Fatalf("duplicate delivered: %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func snap() Snapshot {
	return Snapshot{CallID: "c1", RoomID: "r1", Kind: callapi.KindAudio, CounterpartyID: "u2", Scope: callapi.ScopeDirect}
}

func TestSynchronizerRoundTrip(t *testing.T) {
	scope := NewMemoryScope()
	bus := NewLocalBus()
	s := NewSynchronizer(scope, bus, "surface-a", time.Minute)
	updates, cancel := bus.Subscribe()
	defer cancel()

	got, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Publish(snap()))
	assert.Equal(t, TopicSessionUpdated, recv(t, updates).Topic)

	other := NewSynchronizer(scope, bus, "surface-b", time.Minute)
	got, err = other.Load()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c1", got.CallID)
	assert.Equal(t, "surface-a", got.Owner)

	require.NoError(t, other.Clear("other-call"))
	got, _ = s.Load()
	assert.NotNil(t, got, "clear for a different call is ignored")

	require.NoError(t, other.Clear("c1"))
	got, _ = s.Load()
	assert.Nil(t, got)
}

func TestSynchronizerIgnoresStaleAndInvalid(t *testing.T) {
	scope := NewMemoryScope()
	s := NewSynchronizer(scope, nil, "a", time.Minute)
	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.Publish(snap()))

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	got, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, got)

	s.now = time.Now
	bad := snap()
	bad.RoomID = ""
	require.NoError(t, s.Publish(bad))
	got, err = s.Load()
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, scope.SetMeta(SnapshotKey, "{not json"))
	_, err = s.Load()
	assert.Error(t, err)
}

func TestWatchFiltersByCall(t *testing.T) {
	bus := NewLocalBus()
	s := NewSynchronizer(NewMemoryScope(), bus, "a", 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ended := make(chan Ended, 2)
	s.Watch(ctx, "c1", func(_ string, e Ended) { ended <- e })

	s.AnnounceEnded("c2", "ENDED", "")
	s.AnnounceEnded("c1", "REJECTED", "remote")

	select {
	case e := <-ended:
		assert.Equal(t, "REJECTED", e.Status)
		assert.Equal(t, "remote", e.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("session-ended not observed")
	}
	select {
	case e := <-ended:
		t.Fatalf("unexpected %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatchUpdatesCarriesTimes(t *testing.T) {
	bus := NewLocalBus()
	owner := NewSynchronizer(NewMemoryScope(), bus, "a", 0)
	viewer := NewSynchronizer(NewMemoryScope(), bus, "b", 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Snapshot, 4)
	viewer.WatchUpdates(ctx, func(s Snapshot) { got <- s })

	require.NoError(t, bus.Publish(Notification{Topic: TopicSessionUpdated, CallID: "c0", Data: []byte("{not json")}))

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	connected := started.Add(4 * time.Second)
	sn := snap()
	sn.Status = "CONNECTED"
	sn.StartedAt = started
	sn.ConnectedAt = &connected
	require.NoError(t, owner.Publish(sn))

	select {
	case s := <-got:
		assert.Equal(t, "c1", s.CallID)
		assert.Equal(t, "a", s.Owner)
		assert.True(t, started.Equal(s.StartedAt))
		require.NotNil(t, s.ConnectedAt)
		assert.True(t, connected.Equal(*s.ConnectedAt))
	case <-time.After(2 * time.Second):
		t.Fatal("session-updated not observed")
	}
	select {
	case s := <-got:
		t.Fatalf("unexpected %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}
