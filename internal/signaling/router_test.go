package signaling

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callsync/internal/callapi"
	"github.com/petervdpas/callsync/internal/surface"
	"github.com/petervdpas/callsync/internal/transport"
)

type tok string

func (t tok) Token() string { return string(t) }

func newRouter(t *testing.T, quarantine time.Duration, bus surface.Bus) (*Router, *transport.Client) {
	t.Helper()
	tc := transport.New(tok("t"), transport.Options{SocketURL: "ws://127.0.0.1:1"})
	r := New(tc, Options{Quarantine: quarantine, SelfID: func() string { return "u1" }, Notify: bus})
	r.Start()
	t.Cleanup(r.Stop)
	return r, tc
}

func frame(t *testing.T, name string, data any) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{"event": name, "data": data})
	require.NoError(t, err)
	return b
}

func drain(ch <-chan Event, wait time.Duration) []Event {
	var out []Event
	timeout := time.After(wait)
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-timeout:
			return out
		}
	}
}

func TestDuplicateAcrossChannelsAndNames(t *testing.T) {
	r, tc := newRouter(t, time.Minute, nil)
	events, cancel := r.Subscribe()
	defer cancel()

	body := map[string]string{"callId": "c1", "roomId": "r1"}
	tc.Deliver(transport.ChannelMain, frame(t, "callAccepted", body))
	tc.Deliver(transport.ChannelSignaling, frame(t, "call:accepted", body))
	tc.Deliver(transport.ChannelSignaling, frame(t, "callAccepted", body))
	tc.Deliver(transport.ChannelMain, frame(t, "call:accepted", body))

	got := drain(events, 100*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, Accepted, got[0].Kind)
	assert.Equal(t, "c1", got[0].CallID)
	assert.Equal(t, transport.ChannelMain, got[0].Channel)
}

func TestDifferentKindsSameCallPass(t *testing.T) {
	r, tc := newRouter(t, time.Minute, nil)
	events, cancel := r.Subscribe()
	defer cancel()

	tc.Deliver(transport.ChannelMain, frame(t, "incomingCall", map[string]string{"callId": "c1"}))
	tc.Deliver(transport.ChannelMain, frame(t, "callEnded", map[string]string{"callId": "c1"}))

	got := drain(events, 100*time.Millisecond)
	require.Len(t, got, 2)
	assert.Equal(t, Incoming, got[0].Kind, "arrival order kept")
	assert.Equal(t, Ended, got[1].Kind)
}

func TestReprocessedAfterQuarantine(t *testing.T) {
	r, tc := newRouter(t, 50*time.Millisecond, nil)
	events, cancel := r.Subscribe()
	defer cancel()

	tc.Deliver(transport.ChannelMain, frame(t, "call:ended", map[string]string{"callId": "c1"}))
	time.Sleep(120 * time.Millisecond)
	tc.Deliver(transport.ChannelSignaling, frame(t, "call:ended", map[string]string{"callId": "c1"}))

	assert.Len(t, drain(events, 100*time.Millisecond), 2)
}

func TestMalformedDropped(t *testing.T) {
	r, tc := newRouter(t, time.Minute, nil)
	events, cancel := r.Subscribe()
	defer cancel()

	tc.Deliver(transport.ChannelMain, frame(t, "call:accepted", map[string]string{"roomId": "r1"}))
	tc.Deliver(transport.ChannelMain, []byte(`{"event":"call:accepted","data":"nope"}`))
	r.Handle(transport.Message{Name: "message:new", Data: json.RawMessage(`{"callId":"x"}`)})

	assert.Empty(t, drain(events, 50*time.Millisecond))
}

func TestIncomingPayloadResolved(t *testing.T) {
	r, tc := newRouter(t, time.Minute, nil)
	events, cancel := r.Subscribe()
	defer cancel()

	tc.Deliver(transport.ChannelSignaling, frame(t, "incomingCall", map[string]any{
		"call": map[string]string{"id": "c7", "roomId": "r7", "type": "video", "initiatorId": "u9", "receiverId": "u1"},
	}))
	tc.Deliver(transport.ChannelSignaling, frame(t, "call:incoming", map[string]string{
		"callId": "c8", "callType": "AUDIO", "initiatorId": "u1", "receiverId": "u4",
	}))
	tc.Deliver(transport.ChannelSignaling, frame(t, "call:incoming", map[string]string{
		"callId": "c9", "groupId": "g1", "initiatorId": "u3",
	}))

	got := drain(events, 100*time.Millisecond)
	require.Len(t, got, 3)
	assert.Equal(t, "c7", got[0].CallID)
	assert.Equal(t, "r7", got[0].RoomID)
	assert.Equal(t, callapi.KindVideo, got[0].CallKind)
	assert.Equal(t, "u9", got[0].CounterpartyID)
	assert.Equal(t, callapi.ScopeDirect, got[0].Scope)

	assert.Equal(t, "u4", got[1].CounterpartyID, "we initiated, other party is the receiver")
	assert.Equal(t, callapi.KindAudio, got[1].CallKind)

	assert.Equal(t, callapi.ScopeGroup, got[2].Scope)
	assert.Equal(t, "g1", got[2].CounterpartyID)
}

func TestRepublishedOnBus(t *testing.T) {
	bus := surface.NewLocalBus()
	notes, cancelNotes := bus.Subscribe()
	defer cancelNotes()
	_, tc := newRouter(t, time.Minute, bus)

	tc.Deliver(transport.ChannelMain, frame(t, "callRejected", map[string]string{"callId": "c1"}))
	tc.Deliver(transport.ChannelSignaling, frame(t, "call:rejected", map[string]string{"callId": "c1"}))

	select {
	case n := <-notes:
		assert.Equal(t, transport.EventRejected, n.Topic)
		assert.Equal(t, "c1", n.CallID)
		var ev Event
		require.NoError(t, json.Unmarshal(n.Data, &ev))
		assert.Equal(t, Rejected, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("not republished")
	}
	select {
	case n := <-notes:
		t.Fatalf("duplicate republished: %+v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopClosesSubscribers(t *testing.T) {
	r, _ := newRouter(t, time.Minute, nil)
	events, cancel := r.Subscribe()
	r.Stop()
	_, open := <-events
	assert.False(t, open)
	cancel()
}

func TestReceivedAtUsesClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tc := transport.New(tok("t"), transport.Options{SocketURL: "ws://127.0.0.1:1"})
	r := New(tc, Options{Quarantine: time.Minute, Now: func() time.Time { return at }})
	r.Start()
	t.Cleanup(r.Stop)
	events, cancel := r.Subscribe()
	defer cancel()

	tc.Deliver(transport.ChannelMain, frame(t, "callEnded", map[string]string{"callId": "c1"}))
	got := drain(events, 100*time.Millisecond)
	require.Len(t, got, 1)
	assert.Equal(t, at, got[0].ReceivedAt)
}
