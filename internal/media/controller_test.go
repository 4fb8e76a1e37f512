package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callsync/internal/callerr"
	"github.com/petervdpas/callsync/internal/transport"
)

type fakeTrack struct {
	kind  TrackKind
	mu    sync.Mutex
	stops int
}

func (t *fakeTrack) Kind() TrackKind { return t.kind }
func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}
func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakeDevices struct {
	mu        sync.Mutex
	denyAudio bool
	denyVideo bool
	acquired  []*fakeTrack
}

func (d *fakeDevices) Acquire(_ context.Context, kind TrackKind) (Track, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if (kind == Audio && d.denyAudio) || (kind == Video && d.denyVideo) {
		return nil, callerr.New(callerr.PermissionDenied, "acquire", kind.String()+" refused")
	}
	t := &fakeTrack{kind: kind}
	d.acquired = append(d.acquired, t)
	return t, nil
}

func (d *fakeDevices) tracks() []*fakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTrack(nil), d.acquired...)
}

func (d *fakeDevices) setDenyVideo(v bool) {
	d.mu.Lock()
	d.denyVideo = v
	d.mu.Unlock()
}

type fakePeer struct {
	mu        sync.Mutex
	closes    int
	set       map[TrackKind]Track
	keyFrames int
}

func (p *fakePeer) SetTrack(kind TrackKind, t Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.set == nil {
		p.set = map[TrackKind]Track{}
	}
	p.set[kind] = t
	return nil
}

func (p *fakePeer) RequestKeyFrame() error {
	p.mu.Lock()
	p.keyFrames++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Stats() Stats { return Stats{AudioPackets: 1} }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closes++
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) track(kind TrackKind) Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.set[kind]
}

type fakeNegotiator struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, attempt int, o NegotiateOptions) (Peer, error)
}

func (n *fakeNegotiator) Negotiate(ctx context.Context, _ string, o NegotiateOptions) (Peer, error) {
	n.mu.Lock()
	n.calls++
	attempt := n.calls
	n.mu.Unlock()
	return n.fn(ctx, attempt, o)
}

func (n *fakeNegotiator) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type fakeNetwork struct {
	mu     sync.Mutex
	online bool
	wait   func(ctx context.Context) error
}

func (f *fakeNetwork) ConnectionState() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transport.State{Main: f.online}
}

func (f *fakeNetwork) WaitOnline(ctx context.Context) error {
	if f.wait != nil {
		return f.wait(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
	return ctx.Err()
}

func connectedPeer(p *fakePeer) func(context.Context, int, NegotiateOptions) (Peer, error) {
	return func(context.Context, int, NegotiateOptions) (Peer, error) { return p, nil }
}

func newTestController(neg Negotiator, dev Devices, s *sleeps) *Controller {
	return NewController(neg, dev, &fakeNetwork{online: true}, Options{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		BackoffFactor:  1.5,
		MaxBackoff:     4 * time.Second,
		Sleep:          s.sleep,
	})
}

func collect(ch <-chan Event) []EventType {
	var out []EventType
	for {
		select {
		case ev := <-ch:
			out = append(out, ev.Type)
		default:
			return out
		}
	}
}

func TestInitConnects(t *testing.T) {
	peer := &fakePeer{}
	dev := &fakeDevices{}
	c := newTestController(&fakeNegotiator{fn: connectedPeer(peer)}, dev, &sleeps{})
	events, cancel := c.Subscribe()
	defer cancel()

	require.NoError(t, c.InitWebRTC(context.Background(), "r1", InitOptions{Offerer: true, Video: true}))
	st := c.State()
	assert.True(t, st.Initialized)
	assert.Equal(t, "r1", st.RoomID)
	assert.Equal(t, 1, st.AttemptCount)
	assert.True(t, st.VideoEnabled)
	assert.Equal(t, []EventType{EventConnected}, collect(events))

	// Same room again is a no-op.
	require.NoError(t, c.InitWebRTC(context.Background(), "r1", InitOptions{}))
	assert.Len(t, dev.tracks(), 2)
}

func TestRetryBoundAndSchedule(t *testing.T) {
	s := &sleeps{}
	dev := &fakeDevices{}
	neg := &fakeNegotiator{fn: func(context.Context, int, NegotiateOptions) (Peer, error) {
		return nil, callerr.New(callerr.TransportError, "negotiate", "ice failed")
	}}
	c := newTestController(neg, dev, s)
	events, cancel := c.Subscribe()
	defer cancel()

	err := c.InitWebRTC(context.Background(), "r1", InitOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, callerr.ErrNegotiationFailed))
	var ce *callerr.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 3, neg.count())

	// TransportError backs off at half the base schedule: 1s*0.5, 1.5s*0.5.
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 750 * time.Millisecond}, s.d)
	assert.Equal(t, []EventType{EventRetry, EventRetry, EventAllAttemptsFailed}, collect(events))

	tracks := dev.tracks()
	require.Len(t, tracks, 1, "devices acquired once across retries")
	assert.Equal(t, 1, tracks[0].stopCount())
	assert.False(t, c.State().Initialized)
}

func TestPermissionDeniedNotRetried(t *testing.T) {
	neg := &fakeNegotiator{fn: connectedPeer(&fakePeer{})}
	c := newTestController(neg, &fakeDevices{denyAudio: true}, &sleeps{})

	err := c.InitWebRTC(context.Background(), "r1", InitOptions{})
	assert.True(t, errors.Is(err, callerr.ErrPermissionDenied))
	assert.Zero(t, neg.count())
}

func TestCameraDeniedAtStartFallsBackToAudio(t *testing.T) {
	var got NegotiateOptions
	neg := &fakeNegotiator{fn: func(_ context.Context, _ int, o NegotiateOptions) (Peer, error) {
		got = o
		return &fakePeer{}, nil
	}}
	c := newTestController(neg, &fakeDevices{denyVideo: true}, &sleeps{})

	require.NoError(t, c.InitWebRTC(context.Background(), "r1", InitOptions{Video: true}))
	assert.NotNil(t, got.Audio)
	assert.Nil(t, got.Video)
	assert.False(t, c.State().VideoEnabled)
}

func TestOfflineGate(t *testing.T) {
	neg := &fakeNegotiator{fn: connectedPeer(&fakePeer{})}
	c := NewController(neg, &fakeDevices{}, &fakeNetwork{online: false}, Options{OfflineWait: 30 * time.Millisecond})

	start := time.Now()
	err := c.InitWebRTC(context.Background(), "r1", InitOptions{})
	assert.True(t, errors.Is(err, callerr.ErrNetworkUnavailable))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Zero(t, neg.count())

	net := &fakeNetwork{online: false, wait: func(context.Context) error { return nil }}
	c = NewController(neg, &fakeDevices{}, net, Options{OfflineWait: time.Second})
	require.NoError(t, c.InitWebRTC(context.Background(), "r1", InitOptions{}))
}

func TestEndWebRTCIdempotent(t *testing.T) {
	peer := &fakePeer{}
	dev := &fakeDevices{}
	c := newTestController(&fakeNegotiator{fn: connectedPeer(peer)}, dev, &sleeps{})
	require.NoError(t, c.InitWebRTC(context.Background(), "r1", InitOptions{Video: true}))
	events, cancel := c.Subscribe()
	defer cancel()

	c.EndWebRTC()
	c.EndWebRTC()

	assert.Equal(t, 1, peer.closes)
	for _, tr := range dev.tracks() {
		assert.Equal(t, 1, tr.stopCount())
	}
	assert.Equal(t, []EventType{EventEnded}, collect(events))
	assert.Equal(t, State{}, c.State())

	// Nothing to release on a fresh controller either.
	fresh := newTestController(&fakeNegotiator{fn: connectedPeer(&fakePeer{})}, &fakeDevices{}, &sleeps{})
	fresh.EndWebRTC()
}

func TestEndDuringNegotiation(t *testing.T) {
	started := make(chan struct{})
	neg := &fakeNegotiator{fn: func(ctx context.Context, _ int, _ NegotiateOptions) (Peer, error) {
		close(started)
		<-ctx.Done()
		return nil, callerr.Wrap(callerr.Timeout, "negotiate", ctx.Err())
	}}
	dev := &fakeDevices{}
	c := newTestController(neg, dev, &sleeps{})

	done := make(chan error, 1)
	go func() { done <- c.InitWebRTC(context.Background(), "r1", InitOptions{}) }()
	<-started
	c.EndWebRTC()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("InitWebRTC did not return after EndWebRTC")
	}
	assert.Equal(t, 1, neg.count())
	for _, tr := range dev.tracks() {
		assert.Equal(t, 1, tr.stopCount())
	}
}

func TestNewRoomTearsDownPrior(t *testing.T) {
	first, second := &fakePeer{}, &fakePeer{}
	neg := &fakeNegotiator{fn: func(_ context.Context, attempt int, _ NegotiateOptions) (Peer, error) {
		if attempt == 1 {
			return first, nil
		}
		return second, nil
	}}
	dev := &fakeDevices{}
	c := newTestController(neg, dev, &sleeps{})

	require.NoError(t, c.InitWebRTC(context.Background(), "r1", InitOptions{}))
	require.NoError(t, c.InitWebRTC(context.Background(), "r2", InitOptions{}))

	assert.Equal(t, 1, first.closes)
	assert.Equal(t, 0, second.closes)
	assert.Equal(t, 1, dev.tracks()[0].stopCount())
	assert.Equal(t, "r2", c.State().RoomID)

	require.NoError(t, c.InitWebRTC(context.Background(), "r2", InitOptions{Force: true}))
	assert.Equal(t, 1, second.closes)
}

func TestToggleMute(t *testing.T) {
	peer := &fakePeer{}
	c := newTestController(&fakeNegotiator{fn: connectedPeer(peer)}, &fakeDevices{}, &sleeps{})
	require.NoError(t, c.InitWebRTC(context.Background(), "r1", InitOptions{}))

	muted, err := c.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.Nil(t, peer.track(Audio))
	assert.True(t, c.State().Muted)

	muted, err = c.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.NotNil(t, peer.track(Audio))
}

func TestToggleVideoReleasesAndReacquires(t *testing.T) {
	peer := &fakePeer{}
	dev := &fakeDevices{}
	c := newTestController(&fakeNegotiator{fn: connectedPeer(peer)}, dev, &sleeps{})
	require.NoError(t, c.InitWebRTC(context.Background(), "r1", InitOptions{Video: true}))
	firstVideo := dev.tracks()[1]

	on, err := c.ToggleVideo(context.Background())
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, 1, firstVideo.stopCount(), "camera released when disabled")

	on, err = c.ToggleVideo(context.Background())
	require.NoError(t, err)
	assert.True(t, on)
	tracks := dev.tracks()
	require.Len(t, tracks, 3)
	assert.Same(t, tracks[2], peer.track(Video))
	assert.Equal(t, 1, peer.keyFrames)
}

func TestToggleVideoDenied(t *testing.T) {
	peer := &fakePeer{}
	dev := &fakeDevices{}
	c := newTestController(&fakeNegotiator{fn: connectedPeer(peer)}, dev, &sleeps{})
	require.NoError(t, c.InitWebRTC(context.Background(), "r1", InitOptions{Video: false}))

	dev.setDenyVideo(true)
	on, err := c.ToggleVideo(context.Background())
	assert.False(t, on)
	assert.True(t, errors.Is(err, callerr.ErrPermissionDenied))
	assert.False(t, c.State().VideoEnabled)
	assert.True(t, c.State().Initialized)
}
