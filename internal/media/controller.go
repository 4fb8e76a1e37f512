// Package media owns local capture devices and the peer connection of one
// call attempt: bounded-retry negotiation, network gating, and mute/video
// toggles with device re-acquisition.
//
// The controller is written against the Negotiator and Devices interfaces;
// Pion implementations of both live alongside it.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petervdpas/callsync/internal/callerr"
	"github.com/petervdpas/callsync/internal/retry"
	"github.com/petervdpas/callsync/internal/transport"
)

// TrackKind is the media kind of a local track.
type TrackKind int

const (
	Audio TrackKind = iota
	Video
)

func (k TrackKind) String() string {
	if k == Video {
		return "video"
	}
	return "audio"
}

// Track is a captured local track. Stop releases the device.
type Track interface {
	Kind() TrackKind
	Stop()
}

// Devices acquires local tracks. A nil track with a nil error means the
// platform cannot capture that kind and the call proceeds receive-only.
// Refused access must come back as a PermissionDenied *callerr.Error.
type Devices interface {
	Acquire(ctx context.Context, kind TrackKind) (Track, error)
}

// Peer is an established peer connection.
type Peer interface {
	// SetTrack sends t for kind; nil stops sending that kind.
	SetTrack(kind TrackKind, t Track) error
	// RequestKeyFrame asks the remote side to refresh its video.
	RequestKeyFrame() error
	Stats() Stats
	Close() error
}

// NegotiateOptions parameterise one negotiation attempt.
type NegotiateOptions struct {
	Offerer bool
	Audio   Track
	Video   Track
}

// Negotiator runs one full negotiation for roomID and returns a connected
// peer, or an error classified as Timeout/TransportError/NetworkUnavailable.
type Negotiator interface {
	Negotiate(ctx context.Context, roomID string, o NegotiateOptions) (Peer, error)
}

// Network reports connectivity of the signaling transport.
type Network interface {
	ConnectionState() transport.State
	WaitOnline(ctx context.Context) error
}

// State is MediaNegotiationState: ephemeral, one per call attempt.
type State struct {
	RoomID        string    `json:"roomId,omitempty"`
	Initialized   bool      `json:"initialized"`
	AttemptCount  int       `json:"attemptCount"`
	LastAttemptAt time.Time `json:"lastAttemptAt,omitempty"`
	Muted         bool      `json:"muted"`
	VideoEnabled  bool      `json:"videoEnabled"`
}

// EventType names a lifecycle notification.
type EventType string

const (
	EventConnected         EventType = "connected"
	EventRetry             EventType = "retry"
	EventAllAttemptsFailed EventType = "all-attempts-failed"
	EventEnded             EventType = "ended"
)

type Event struct {
	Type    EventType
	RoomID  string
	Attempt int
	Delay   time.Duration
	Err     error
	Message string
}

// Options tune the controller. Zero values take the defaults below.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	OfflineWait    time.Duration
	Sleep          retry.Sleeper
}

const maxAttemptsCap = 3

func (o *Options) defaults() {
	if o.MaxAttempts <= 0 || o.MaxAttempts > maxAttemptsCap {
		o.MaxAttempts = maxAttemptsCap
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 1.5
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 4 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 15 * time.Second
	}
	if o.OfflineWait <= 0 {
		o.OfflineWait = 10 * time.Second
	}
}

// InitOptions are the per-call arguments of InitWebRTC.
type InitOptions struct {
	// Force tears down any prior attempt, even for the same room.
	Force   bool
	Offerer bool
	Video   bool
}

// attempt holds the resources of one call attempt. release runs once.
type attempt struct {
	roomID string
	cancel context.CancelFunc
	done   chan struct{} // closed when InitWebRTC returns

	audio Track
	video Track
	peer  Peer

	releaseOnce sync.Once
}

func (a *attempt) release() {
	a.releaseOnce.Do(func() {
		a.cancel()
		if a.peer != nil {
			if err := a.peer.Close(); err != nil {
				log.Debug().Str("room_id", a.roomID).Err(err).Msg("MEDIA: peer close")
			}
		}
		if a.audio != nil {
			a.audio.Stop()
		}
		if a.video != nil {
			a.video.Stop()
		}
		log.Info().Str("room_id", a.roomID).Msgf("MEDIA [%s]: resources released", a.roomID)
	})
}

// Controller is safe for concurrent use.
type Controller struct {
	neg  Negotiator
	dev  Devices
	net  Network
	opts Options

	mu     sync.Mutex
	state  State
	active *attempt

	subsMu sync.RWMutex
	subs   map[chan Event]struct{}
}

func NewController(neg Negotiator, dev Devices, net Network, opts Options) *Controller {
	opts.defaults()
	return &Controller{
		neg:  neg,
		dev:  dev,
		net:  net,
		opts: opts,
		subs: make(map[chan Event]struct{}),
	}
}

// State returns a copy of the current negotiation state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe streams lifecycle events until cancel is called.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	c.subsMu.Lock()
	c.subs[ch] = struct{}{}
	c.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, ch)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

func (c *Controller) emit(ev Event) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// InitWebRTC negotiates media for roomID. A prior attempt for another room,
// or any prior attempt when o.Force is set, is fully torn down first. An
// initialized attempt for the same room is left as is.
func (c *Controller) InitWebRTC(ctx context.Context, roomID string, o InitOptions) error {
	const op = "initWebRTC"
	if roomID == "" {
		return callerr.New(callerr.Unknown, op, "empty room id")
	}

	for {
		c.mu.Lock()
		prior := c.active
		if prior == nil {
			break
		}
		if prior.roomID == roomID && !o.Force {
			c.mu.Unlock()
			if c.State().Initialized {
				return nil
			}
			return callerr.New(callerr.CallInProgress, op, "negotiation already running for this room")
		}
		c.active = nil
		c.mu.Unlock()
		log.Info().Str("room_id", prior.roomID).Msg("MEDIA: cleaning up prior attempt")
		prior.release()
		<-prior.done
	}
	actx, cancel := context.WithCancel(ctx)
	a := &attempt{roomID: roomID, cancel: cancel, done: make(chan struct{})}
	c.active = a
	c.state = State{RoomID: roomID, VideoEnabled: o.Video}
	c.mu.Unlock()
	defer close(a.done)

	if err := c.gate(actx); err != nil {
		c.fail(a, err)
		return err
	}

	policy := retry.Policy{
		MaxAttempts:  c.opts.MaxAttempts,
		Initial:      c.opts.InitialBackoff,
		Multiplier:   c.opts.BackoffFactor,
		Max:          c.opts.MaxBackoff,
		Sleep:        c.opts.Sleep,
		AwaitNetwork: c.gate,
	}
	err := retry.Do(actx, policy, func(ctx context.Context, n int) error {
		return c.tryOnce(ctx, a, n, o)
	}, func(r retry.Attempt) {
		log.Warn().Str("room_id", roomID).Int("attempt", r.Number).Dur("delay", r.Delay).Err(r.Err).
			Msgf("MEDIA [%s]: attempt %d failed, retrying", roomID, r.Number)
		c.emit(Event{Type: EventRetry, RoomID: roomID, Attempt: r.Number, Delay: r.Delay, Err: r.Err, Message: r.Message})
	})
	if err != nil {
		if !c.isActive(a) {
			return callerr.New(callerr.Unknown, op, "negotiation cancelled")
		}
		c.fail(a, err)
		if errors.Is(err, callerr.ErrNegotiationFailed) {
			c.emit(Event{Type: EventAllAttemptsFailed, RoomID: roomID, Attempt: c.opts.MaxAttempts, Err: err, Message: callerr.UserMessage(err)})
		}
		return err
	}

	c.mu.Lock()
	if c.active != a {
		c.mu.Unlock()
		a.release()
		return callerr.New(callerr.Unknown, op, "negotiation cancelled")
	}
	c.state.Initialized = true
	c.mu.Unlock()
	log.Info().Str("room_id", roomID).Msgf("MEDIA [%s]: connected", roomID)
	c.emit(Event{Type: EventConnected, RoomID: roomID})
	return nil
}

// gate returns immediately when a socket is up, otherwise waits up to
// OfflineWait for one to come back.
func (c *Controller) gate(ctx context.Context) error {
	if c.net == nil || c.net.ConnectionState().Online() {
		return nil
	}
	log.Info().Dur("wait", c.opts.OfflineWait).Msg("MEDIA: offline, waiting for reconnection")
	wctx, cancel := context.WithTimeout(ctx, c.opts.OfflineWait)
	defer cancel()
	if err := c.net.WaitOnline(wctx); err != nil {
		return callerr.Wrap(callerr.NetworkUnavailable, "initWebRTC", err)
	}
	return nil
}

func (c *Controller) tryOnce(ctx context.Context, a *attempt, n int, o InitOptions) error {
	c.mu.Lock()
	if c.active != a {
		c.mu.Unlock()
		return callerr.New(callerr.NegotiationFailed, "initWebRTC", "attempt superseded")
	}
	c.state.AttemptCount = n
	c.state.LastAttemptAt = time.Now()
	c.mu.Unlock()

	if err := c.acquire(ctx, a, o.Video); err != nil {
		return err
	}

	c.mu.Lock()
	opts := NegotiateOptions{Offerer: o.Offerer, Audio: a.audio, Video: a.video}
	if c.state.Muted {
		opts.Audio = nil
	}
	c.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()
	peer, err := c.neg.Negotiate(actx, a.roomID, opts)
	if err != nil {
		if actx.Err() == context.DeadlineExceeded && callerr.KindOf(err) == callerr.Unknown {
			return callerr.Wrap(callerr.Timeout, "negotiate", err)
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != a {
		peer.Close()
		return callerr.New(callerr.NegotiationFailed, "initWebRTC", "attempt superseded")
	}
	a.peer = peer
	return nil
}

// acquire captures the tracks of attempt a once; later retries reuse them.
// Losing video is tolerated, losing audio is not.
func (c *Controller) acquire(ctx context.Context, a *attempt, wantVideo bool) error {
	c.mu.Lock()
	haveAudio := a.audio != nil
	c.mu.Unlock()
	if haveAudio {
		return nil
	}

	audio, err := c.dev.Acquire(ctx, Audio)
	if err != nil {
		return asPermission(err)
	}
	var video Track
	if wantVideo {
		video, err = c.dev.Acquire(ctx, Video)
		if err != nil {
			log.Warn().Str("room_id", a.roomID).Err(err).Msg("MEDIA: camera unavailable, continuing audio-only")
			video = nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != a {
		stopAll(audio, video)
		return callerr.New(callerr.NegotiationFailed, "initWebRTC", "attempt superseded")
	}
	a.audio, a.video = audio, video
	if video == nil {
		c.state.VideoEnabled = false
	}
	return nil
}

func (c *Controller) isActive(a *attempt) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == a
}

// fail releases a and clears it if it is still the active attempt.
func (c *Controller) fail(a *attempt, err error) {
	c.mu.Lock()
	if c.active == a {
		c.active = nil
		c.state.Initialized = false
	}
	c.mu.Unlock()
	log.Error().Str("room_id", a.roomID).Err(err).Msgf("MEDIA [%s]: negotiation failed", a.roomID)
	a.release()
}

// EndWebRTC releases devices and closes the peer. It is idempotent and
// safe to call in any state.
func (c *Controller) EndWebRTC() {
	c.mu.Lock()
	a := c.active
	c.active = nil
	c.state = State{}
	c.mu.Unlock()
	if a == nil {
		return
	}
	a.release()
	c.emit(Event{Type: EventEnded, RoomID: a.roomID})
}

// ToggleMute flips the microphone and returns the new muted state.
func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	muted := !c.state.Muted
	if a := c.active; a != nil && a.peer != nil {
		var t Track
		if !muted {
			t = a.audio
		}
		if err := a.peer.SetTrack(Audio, t); err != nil {
			return c.state.Muted, callerr.Wrap(callerr.TransportError, "toggleMute", err)
		}
	}
	c.state.Muted = muted
	return muted, nil
}

// ToggleVideo turns the camera off (stopping and releasing the track) or
// back on (acquiring a fresh one). When acquisition is refused the state
// is left unchanged and a PermissionDenied error is returned.
func (c *Controller) ToggleVideo(ctx context.Context) (bool, error) {
	const op = "toggleVideo"
	c.mu.Lock()
	a := c.active
	enabled := c.state.VideoEnabled
	if enabled {
		c.state.VideoEnabled = false
		var old Track
		var err error
		if a != nil {
			old, a.video = a.video, nil
			if a.peer != nil {
				err = a.peer.SetTrack(Video, nil)
			}
		}
		c.mu.Unlock()
		if old != nil {
			old.Stop()
		}
		if err != nil {
			log.Debug().Err(err).Msg("MEDIA: detach video")
		}
		return false, nil
	}
	c.mu.Unlock()

	t, err := c.dev.Acquire(ctx, Video)
	if err != nil {
		err = asPermission(err)
		log.Warn().Err(err).Msg("MEDIA: camera re-acquisition failed")
		return false, err
	}
	if t == nil {
		return false, callerr.New(callerr.PermissionDenied, op, "no camera available")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != a {
		t.Stop()
		return c.state.VideoEnabled, callerr.New(callerr.Unknown, op, "call attempt changed")
	}
	if a != nil {
		if a.peer != nil {
			if err := a.peer.SetTrack(Video, t); err != nil {
				t.Stop()
				return false, callerr.Wrap(callerr.TransportError, op, err)
			}
			if err := a.peer.RequestKeyFrame(); err != nil {
				log.Debug().Err(err).Msg("MEDIA: key frame request")
			}
		}
		a.video = t
	} else {
		t.Stop()
	}
	c.state.VideoEnabled = true
	return true, nil
}

// Stats returns inbound statistics of the live peer, if any.
func (c *Controller) Stats() (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.peer == nil {
		return Stats{}, false
	}
	return c.active.peer.Stats(), true
}

func asPermission(err error) error {
	if callerr.KindOf(err) == callerr.PermissionDenied {
		return err
	}
	var ce *callerr.Error
	if errors.As(err, &ce) {
		return err
	}
	return callerr.Wrap(callerr.PermissionDenied, "acquire", err)
}

func stopAll(ts ...Track) {
	for _, t := range ts {
		if t != nil {
			t.Stop()
		}
	}
}
