// Package call owns the call session state machine. The Manager is the
// single place where directory responses, signaling events, media
// negotiation results and cross-surface notifications are reconciled into
// one CallSession per surface.
package call

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petervdpas/callsync/internal/callapi"
	"github.com/petervdpas/callsync/internal/callerr"
	"github.com/petervdpas/callsync/internal/media"
	"github.com/petervdpas/callsync/internal/signaling"
	"github.com/petervdpas/callsync/internal/storage"
	"github.com/petervdpas/callsync/internal/surface"
)

// Options wire the optional collaborators. Zero values are usable.
type Options struct {
	// Tick is the duration counter interval. Defaults to one second.
	Tick time.Duration
	// Sync mirrors the session to other surfaces. Nil disables it.
	Sync *surface.Synchronizer
	// Log receives every finished call. Nil disables it.
	Log CallLog
	// RequestTimeout bounds best-effort directory calls made on behalf of
	// a transition, like ending a call the user already hung up.
	RequestTimeout time.Duration
	Now            func() time.Time
}

// Manager drives at most one non-terminal session at a time.
type Manager struct {
	dir   Directory
	media Media
	opts  Options

	mu     sync.Mutex
	cur    *Session
	offers map[string]Offer
	// early holds signaling that arrived for an outgoing call before the
	// backend told us its id.
	early []signaling.Event

	subsMu sync.Mutex
	subs   []chan Update

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Manager and starts consuming events and media
// notifications immediately.
func New(dir Directory, med Media, events Events, opts Options) *Manager {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dir:    dir,
		media:  med,
		opts:   opts,
		offers: make(map[string]Offer),
		ctx:    ctx,
		cancel: cancel,
	}

	var evs <-chan signaling.Event
	var unsubEvents func()
	if events != nil {
		evs, unsubEvents = events.Subscribe()
	}
	mev, unsubMedia := med.Subscribe()
	if opts.Sync != nil {
		opts.Sync.Watch(ctx, "", m.remoteEnded)
		opts.Sync.WatchUpdates(ctx, m.ownerUpdated)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsubMedia()
		if unsubEvents != nil {
			defer unsubEvents()
		}
		m.loop(evs, mev)
	}()
	return m
}

func (m *Manager) loop(evs <-chan signaling.Event, mev <-chan media.Event) {
	var refresh <-chan time.Time
	if m.opts.Sync != nil {
		t := time.NewTicker(m.opts.Sync.TTL() / 3)
		defer t.Stop()
		refresh = t.C
	}
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-refresh:
			m.refreshSnapshot()
		case ev, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			m.handleSignal(ev)
		case me, ok := <-mev:
			if !ok {
				mev = nil
				continue
			}
			m.handleMedia(me)
		}
	}
}

// Current returns a copy of the latest session, terminal or not.
func (m *Manager) Current() (CallSession, bool) {
	s := m.current()
	if s == nil {
		return CallSession{}, false
	}
	return s.Snapshot(), true
}

// Offers lists unanswered incoming calls.
func (m *Manager) Offers() []Offer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Offer, 0, len(m.offers))
	for _, o := range m.offers {
		out = append(out, o)
	}
	return out
}

// Media returns the negotiation state of the current attempt.
func (m *Manager) Media() media.State { return m.media.State() }

func (m *Manager) current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// claim installs s as the current session unless a live one exists.
func (m *Manager) claim(s *Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != nil && !m.cur.Status().Terminal() {
		return false
	}
	m.cur = s
	m.early = nil
	return true
}

func (m *Manager) busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur != nil && !m.cur.Status().Terminal()
}

func (m *Manager) newSession(cs CallSession, owned bool) *Session {
	return newSession(cs, owned, m.opts.Tick, func(cs CallSession) {
		m.emitSession(cs)
	})
}

// Start places an outgoing call. The returned session is WAITING until the
// counterparty answers.
func (m *Manager) Start(ctx context.Context, counterpartyID string, kind callapi.Kind, scope callapi.Scope) (CallSession, error) {
	const op = "start"
	if scope == "" {
		scope = callapi.ScopeDirect
	}
	if counterpartyID == "" || !kind.Valid() || !scope.Valid() {
		return CallSession{}, callerr.New(callerr.Unknown, op, "invalid call parameters")
	}
	s := m.newSession(CallSession{
		Kind:           kind,
		Scope:          scope,
		CounterpartyID: counterpartyID,
		Direction:      Outgoing,
		Status:         Waiting,
		StartedAt:      m.opts.Now(),
	}, true)
	if !m.claim(s) {
		return CallSession{}, callerr.New(callerr.CallInProgress, op, "")
	}
	m.emitSession(s.Snapshot())

	out, err := m.dir.InitiateCall(ctx, counterpartyID, kind, scope)
	if err != nil {
		log.Warn().Str("to", counterpartyID).Err(err).Msg("CALL: initiate failed")
		m.transition(s, Ended, "initiate failed")
		m.notice("error", callerr.UserMessage(err), "")
		return s.Snapshot(), err
	}
	if !s.bind(out.CallID, out.RoomID) {
		// Hung up while the request was in flight.
		log.Info().Str("call_id", out.CallID).Msg("CALL: cancelled before the backend answered")
		m.endRemote(out.CallID)
		return s.Snapshot(), nil
	}
	log.Info().Str("call_id", out.CallID).Str("room_id", out.RoomID).Msgf("CALL [%s]: ringing %s", out.CallID, counterpartyID)
	cs := s.Snapshot()
	m.publish(s, cs)
	m.emitSession(cs)

	s.setCounterparty(m.dir.LookupCounterparty(ctx, counterpartyID, scope))
	m.emitSession(s.Snapshot())
	m.replayEarly(s)
	return s.Snapshot(), nil
}

// Accept answers an incoming call and starts media negotiation in the
// background. The session starts in CONNECTING.
func (m *Manager) Accept(ctx context.Context, callID string) (CallSession, error) {
	const op = "accept"
	if callID == "" {
		return CallSession{}, callerr.New(callerr.Unknown, op, "missing call id")
	}
	if m.busy() {
		return CallSession{}, callerr.New(callerr.CallInProgress, op, "")
	}
	m.mu.Lock()
	offer, known := m.offers[callID]
	m.mu.Unlock()

	joined, err := m.dir.JoinCall(ctx, callID)
	if err != nil {
		m.notice("error", callerr.UserMessage(err), callID)
		return CallSession{}, err
	}
	if !known {
		rec, err := m.dir.GetActiveCall(ctx)
		if err != nil {
			m.endRemote(callID)
			return CallSession{}, err
		}
		if rec == nil || rec.ID != callID {
			m.endRemote(callID)
			return CallSession{}, callerr.New(callerr.NotFound, op, "call is no longer available")
		}
		offer = Offer{CallID: rec.ID, RoomID: rec.RoomID, Kind: rec.Kind, Scope: rec.Scope, CounterpartyID: rec.CounterpartyID}
	}

	cs := CallSession{
		CallID:         callID,
		RoomID:         firstNonEmpty(joined.RoomID, offer.RoomID),
		Kind:           joined.Kind,
		Scope:          offer.Scope,
		CounterpartyID: offer.CounterpartyID,
		Counterparty:   offer.Counterparty,
		Direction:      Incoming,
		Status:         Connecting,
		StartedAt:      m.opts.Now(),
	}
	if !cs.Kind.Valid() {
		cs.Kind = offer.Kind
	}
	if !cs.Kind.Valid() {
		cs.Kind = callapi.KindAudio
	}
	if !cs.Scope.Valid() {
		cs.Scope = callapi.ScopeDirect
	}
	s := m.newSession(cs, true)

	m.mu.Lock()
	if _, still := m.offers[callID]; known && !still {
		// The caller hung up while we were joining.
		m.mu.Unlock()
		m.endRemote(callID)
		m.notice("info", "The caller hung up before the call connected.", callID)
		return CallSession{}, callerr.New(callerr.NotFound, op, "call is no longer available")
	}
	if m.cur != nil && !m.cur.Status().Terminal() {
		m.mu.Unlock()
		return CallSession{}, callerr.New(callerr.CallInProgress, op, "")
	}
	delete(m.offers, callID)
	m.cur = s
	m.early = nil
	m.mu.Unlock()

	m.emit(Update{Kind: UpdateOfferRemoved, Offer: &offer})
	log.Info().Str("call_id", callID).Str("room_id", cs.RoomID).Msgf("CALL [%s]: accepted", callID)
	m.publish(s, cs)
	m.emitSession(cs)
	if cs.Counterparty.ID == "" && cs.CounterpartyID != "" {
		s.setCounterparty(m.dir.LookupCounterparty(ctx, cs.CounterpartyID, cs.Scope))
		m.emitSession(s.Snapshot())
	}
	m.negotiate(s, false)
	return s.Snapshot(), nil
}

// Reject declines an incoming call. Other surfaces showing the same offer
// are told through the bus.
func (m *Manager) Reject(ctx context.Context, callID string) error {
	err := m.dir.RejectCall(ctx, callID)
	if err != nil && callerr.KindOf(err) != callerr.NotFound {
		m.notice("error", callerr.UserMessage(err), callID)
		return err
	}
	m.removeOffer(callID)
	if s := m.current(); s != nil && s.CallID() == callID {
		if cs, ok := m.transition(s, Rejected, "rejected"); ok {
			m.announceFromMirror(s, cs)
			return nil
		}
	}
	if m.opts.Sync != nil {
		m.opts.Sync.AnnounceEnded(callID, string(Rejected), "rejected")
	}
	return nil
}

// Hangup ends the current call. A call nobody answered yet is recorded as
// REJECTED. Calling it again, or with no call, does nothing.
func (m *Manager) Hangup(ctx context.Context) error {
	s := m.current()
	if s == nil {
		return nil
	}
	to, reason := Ended, "hung up"
	if s.Status() == Waiting {
		to, reason = Rejected, "cancelled"
	}
	cs, ok := m.transition(s, to, reason)
	if !ok || cs.CallID == "" {
		return nil
	}
	m.announceFromMirror(s, cs)
	if err := m.dir.EndCall(ctx, cs.CallID); err != nil && callerr.KindOf(err) != callerr.NotFound {
		log.Warn().Str("call_id", cs.CallID).Err(err).Msg("CALL: end request failed")
	}
	return nil
}

// EndByID hangs up a call known only by id, e.g. one started from another
// surface or a previous run.
func (m *Manager) EndByID(ctx context.Context, callID string) error {
	if s := m.current(); s != nil && s.CallID() == callID && !s.Status().Terminal() {
		return m.Hangup(ctx)
	}
	err := m.dir.EndCall(ctx, callID)
	if err != nil && callerr.KindOf(err) != callerr.NotFound {
		return err
	}
	if m.opts.Sync != nil {
		if err := m.opts.Sync.Clear(callID); err != nil {
			log.Warn().Str("call_id", callID).Err(err).Msg("CALL: clear snapshot failed")
		}
		m.opts.Sync.AnnounceEnded(callID, string(Ended), "hung up")
	}
	return nil
}

// ToggleMute flips the microphone and returns the new muted state.
func (m *Manager) ToggleMute() (bool, error) {
	muted, err := m.media.ToggleMute()
	if err != nil {
		m.notice("warn", callerr.UserMessage(err), m.currentID())
		return muted, err
	}
	m.emitCurrent()
	return muted, nil
}

// ToggleVideo flips the camera. A denied camera leaves the session and the
// video state as they were.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	enabled, err := m.media.ToggleVideo(ctx)
	if err != nil {
		m.notice("warn", callerr.UserMessage(err), m.currentID())
		return enabled, err
	}
	m.emitCurrent()
	return enabled, nil
}

// Recover rebuilds the session of a freshly started surface. The snapshot
// left by the owning surface wins; without one the backend is asked. It
// returns nil when there is nothing to recover.
func (m *Manager) Recover(ctx context.Context) (*CallSession, error) {
	if s := m.current(); s != nil && !s.Status().Terminal() {
		cs := s.Snapshot()
		return &cs, nil
	}
	if m.opts.Sync != nil {
		snap, err := m.opts.Sync.Load()
		if err != nil {
			log.Warn().Err(err).Msg("CALL: reading snapshot failed")
		}
		if snap != nil {
			return m.adopt(ctx, snap), nil
		}
	}

	rec, err := m.dir.GetActiveCall(ctx)
	if err != nil || rec == nil {
		return nil, err
	}
	if !rec.Outgoing && ringing(rec.Status) {
		m.addOffer(Offer{
			CallID:         rec.ID,
			RoomID:         rec.RoomID,
			Kind:           rec.Kind,
			Scope:          rec.Scope,
			CounterpartyID: rec.CounterpartyID,
			Counterparty:   m.dir.LookupCounterparty(ctx, rec.CounterpartyID, rec.Scope),
			ReceivedAt:     m.opts.Now(),
		})
		return nil, nil
	}
	cs := CallSession{
		CallID:         rec.ID,
		RoomID:         rec.RoomID,
		Kind:           rec.Kind,
		Scope:          rec.Scope,
		CounterpartyID: rec.CounterpartyID,
		Direction:      Incoming,
		Status:         Connecting,
		StartedAt:      m.opts.Now(),
	}
	if rec.StartedAt != nil {
		cs.StartedAt = *rec.StartedAt
	}
	if rec.Outgoing {
		cs.Direction = Outgoing
		if ringing(rec.Status) {
			cs.Status = Waiting
		}
	}
	s := m.newSession(cs, true)
	if !m.claim(s) {
		return nil, callerr.New(callerr.CallInProgress, "recover", "")
	}
	log.Info().Str("call_id", cs.CallID).Str("status", string(cs.Status)).Msgf("CALL [%s]: recovered from backend", cs.CallID)
	m.publish(s, cs)
	m.emitSession(cs)
	s.setCounterparty(m.dir.LookupCounterparty(ctx, cs.CounterpartyID, cs.Scope))
	m.emitSession(s.Snapshot())
	if cs.Status == Connecting {
		m.negotiate(s, cs.Direction == Outgoing)
	}
	out := s.Snapshot()
	return &out, nil
}

// adopt mirrors the session another surface owns. The mirror never
// negotiates media and never ends the call on its own; it follows the
// owner's snapshots and only a user action on it reaches the backend.
func (m *Manager) adopt(ctx context.Context, snap *surface.Snapshot) *CallSession {
	cs := CallSession{
		CallID:         snap.CallID,
		RoomID:         snap.RoomID,
		Kind:           snap.Kind,
		Scope:          snap.Scope,
		CounterpartyID: snap.CounterpartyID,
		Direction:      Direction(snap.Direction),
		Status:         Waiting,
		StartedAt:      snap.StartedAt,
	}
	if cs.StartedAt.IsZero() {
		cs.StartedAt = m.opts.Now()
	}
	if cs.Direction != Incoming {
		cs.Direction = Outgoing
	}
	if !cs.Scope.Valid() {
		cs.Scope = callapi.ScopeDirect
	}
	s := m.newSession(cs, false)
	if !m.claim(s) {
		cur := m.current().Snapshot()
		return &cur
	}
	log.Info().Str("call_id", cs.CallID).Str("owner", snap.Owner).Msgf("CALL [%s]: mirroring the call of another surface", cs.CallID)
	m.emitSession(cs)
	m.follow(s, *snap)
	s.setCounterparty(m.dir.LookupCounterparty(ctx, cs.CounterpartyID, cs.Scope))
	m.emitSession(s.Snapshot())
	out := s.Snapshot()
	return &out
}

// follow moves a mirror to the owner's status. Terminal statuses arrive
// as session-ended notifications instead.
func (m *Manager) follow(s *Session, snap surface.Snapshot) {
	switch Status(snap.Status) {
	case Connecting:
		m.transition(s, Connecting, "")
	case Connected:
		m.transition(s, Connecting, "")
		if _, ok := m.transition(s, Connected, ""); ok && snap.ConnectedAt != nil {
			s.mirrorConnectedAt(*snap.ConnectedAt, m.opts.Now())
			m.emitSession(s.Snapshot())
		}
	}
}

// ownerUpdated applies a snapshot published by the owning surface.
func (m *Manager) ownerUpdated(snap surface.Snapshot) {
	s := m.current()
	if s == nil || s.Owned() || s.CallID() != snap.CallID {
		return
	}
	m.follow(s, snap)
}

// refreshSnapshot keeps an owner's snapshot from going stale during a long
// call. A mirror whose owner stopped refreshing drops its copy.
func (m *Manager) refreshSnapshot() {
	s := m.current()
	if s == nil || s.Status().Terminal() {
		return
	}
	if s.Owned() {
		m.publish(s, s.Snapshot())
		return
	}
	snap, err := m.opts.Sync.Load()
	if err != nil {
		log.Warn().Err(err).Msg("CALL: reading snapshot failed")
		return
	}
	if snap == nil || snap.CallID != s.CallID() {
		m.transition(s, Ended, "owner surface went away")
	}
}

// Close hangs up the call this surface owns and stops the manager. A
// mirrored call is left to its owner.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if s := m.current(); s != nil && s.Owned() {
			ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
			_ = m.Hangup(ctx)
			cancel()
		}
		m.cancel()
		m.wg.Wait()

		m.subsMu.Lock()
		for _, ch := range m.subs {
			close(ch)
		}
		m.subs = nil
		m.subsMu.Unlock()
	})
}

// ── Event handling ─────────────────────────────────────────────────────────

func (m *Manager) handleSignal(ev signaling.Event) {
	if ev.Kind == signaling.Incoming {
		m.incoming(ev)
		return
	}
	m.removeOffer(ev.CallID)

	s := m.current()
	if s == nil {
		return
	}
	cs := s.Snapshot()
	if cs.Status.Terminal() {
		return
	}
	if cs.CallID == "" && cs.Direction == Outgoing {
		m.mu.Lock()
		if m.cur == s {
			m.early = append(m.early, ev)
		}
		m.mu.Unlock()
		return
	}
	if cs.CallID != ev.CallID {
		return
	}
	m.apply(s, ev)
}

func (m *Manager) apply(s *Session, ev signaling.Event) {
	switch ev.Kind {
	case signaling.Accepted:
		if s.Snapshot().Direction != Outgoing {
			return
		}
		if _, ok := m.transition(s, Connecting, ""); ok {
			m.negotiate(s, true)
		}
	case signaling.Rejected:
		m.transition(s, Rejected, "rejected by the other party")
	case signaling.Ended:
		m.transition(s, Ended, "ended by the other party")
	}
}

func (m *Manager) replayEarly(s *Session) {
	m.mu.Lock()
	if m.cur != s {
		m.mu.Unlock()
		return
	}
	early := m.early
	m.early = nil
	m.mu.Unlock()

	id := s.CallID()
	for _, ev := range early {
		if ev.CallID == id {
			m.apply(s, ev)
		}
	}
}

func (m *Manager) incoming(ev signaling.Event) {
	if s := m.current(); s != nil && s.CallID() == ev.CallID {
		return
	}
	o := Offer{
		CallID:         ev.CallID,
		RoomID:         ev.RoomID,
		Kind:           ev.CallKind,
		Scope:          ev.Scope,
		CounterpartyID: ev.CounterpartyID,
		ReceivedAt:     ev.ReceivedAt,
	}
	log.Info().Str("call_id", o.CallID).Str("from", o.CounterpartyID).Msgf("CALL [%s]: incoming %s call", o.CallID, o.Kind)
	m.addOffer(o)
	if o.CounterpartyID == "" {
		return
	}
	// The directory may be slow; the event loop must keep up with endings.
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.RequestTimeout)
		defer cancel()
		m.updateOffer(o.CallID, m.dir.LookupCounterparty(ctx, o.CounterpartyID, o.Scope))
	}()
}

func (m *Manager) handleMedia(ev media.Event) {
	switch ev.Type {
	case media.EventRetry:
		msg := ev.Message
		if msg == "" {
			msg = callerr.UserMessage(ev.Err)
		}
		m.notice("warn", msg, m.currentID())
	case media.EventConnected, media.EventEnded:
		m.emitCurrent()
	}
}

// remoteEnded applies a session-ended notification from another surface.
func (m *Manager) remoteEnded(callID string, e surface.Ended) {
	m.removeOffer(callID)
	s := m.current()
	if s == nil || s.CallID() != callID {
		return
	}
	to := Status(e.Status)
	if !to.Terminal() {
		to = Ended
	}
	if _, ok := m.transition(s, to, e.Reason); ok {
		log.Info().Str("call_id", callID).Msgf("CALL [%s]: ended on another surface", callID)
	}
}

// negotiate runs media setup for s in the background. Only success moves
// the session forward, and only if nothing terminated it meanwhile. The
// attempt runs under a context the session cancels when it ends; mirrors
// never negotiate.
func (m *Manager) negotiate(s *Session, offerer bool) {
	if !s.Owned() {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	if !s.attachNegotiation(cancel) {
		return
	}
	cs := s.Snapshot()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		err := m.media.InitWebRTC(ctx, cs.RoomID, media.InitOptions{
			Offerer: offerer,
			Video:   cs.Kind == callapi.KindVideo,
		})
		if s.Status().Terminal() {
			// finish may have run before the attempt existed.
			m.releaseMedia(cs.RoomID)
			return
		}
		if err != nil {
			log.Error().Str("call_id", cs.CallID).Err(err).Msgf("CALL [%s]: media negotiation failed", cs.CallID)
			if ended, ok := m.transition(s, Ended, "connection failed"); ok {
				m.notice("error", callerr.UserMessage(err), ended.CallID)
				m.endRemote(ended.CallID)
			}
			return
		}
		if _, ok := m.transition(s, Connected, ""); !ok {
			m.releaseMedia(cs.RoomID)
		}
	}()
}

// releaseMedia ends the media attempt if it still belongs to roomID.
func (m *Manager) releaseMedia(roomID string) {
	if m.media.State().RoomID == roomID {
		m.media.EndWebRTC()
	}
}

// transition applies a state change and its side effects.
func (m *Manager) transition(s *Session, to Status, reason string) (CallSession, bool) {
	cs, ok := s.transition(to, reason, m.opts.Now())
	if !ok {
		return cs, false
	}
	ev := log.Info().Str("call_id", cs.CallID).Str("status", string(to))
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	ev.Msgf("CALL [%s]: %s", cs.CallID, strings.ToLower(string(to)))
	if to.Terminal() {
		m.finish(s, cs)
	} else {
		m.publish(s, cs)
	}
	m.emitSession(cs)
	return cs, true
}

// finish releases everything a terminal session held. The owner also
// tells the other surfaces and records the call; a mirror only drops the
// snapshot of the finished call.
func (m *Manager) finish(s *Session, cs CallSession) {
	if s.Owned() {
		m.media.EndWebRTC()
	}
	if cs.CallID == "" {
		return
	}
	if m.opts.Sync != nil {
		if err := m.opts.Sync.Clear(cs.CallID); err != nil {
			log.Warn().Str("call_id", cs.CallID).Err(err).Msg("CALL: clear snapshot failed")
		}
		if s.Owned() {
			m.opts.Sync.AnnounceEnded(cs.CallID, string(cs.Status), cs.EndReason)
		}
	}
	if !s.Owned() {
		return
	}
	if m.opts.Log != nil {
		e := storage.CallEntry{
			CallID:         cs.CallID,
			RoomID:         cs.RoomID,
			Kind:           string(cs.Kind),
			Scope:          string(cs.Scope),
			Direction:      string(cs.Direction),
			CounterpartyID: cs.CounterpartyID,
			Status:         string(cs.Status),
			StartedAt:      cs.StartedAt,
			ConnectedAt:    cs.ConnectedAt,
			DurationSec:    cs.DurationSec,
		}
		if cs.EndedAt != nil {
			e.EndedAt = *cs.EndedAt
		}
		if err := m.opts.Log.AppendCall(e); err != nil {
			log.Warn().Str("call_id", cs.CallID).Err(err).Msg("CALL: call log write failed")
		}
	}
}

// publish rewrites the shared snapshot. Only the owning surface does.
func (m *Manager) publish(s *Session, cs CallSession) {
	if m.opts.Sync == nil || !s.owned || cs.CallID == "" || cs.RoomID == "" {
		return
	}
	err := m.opts.Sync.Publish(surface.Snapshot{
		CallID:         cs.CallID,
		RoomID:         cs.RoomID,
		Kind:           cs.Kind,
		CounterpartyID: cs.CounterpartyID,
		Scope:          cs.Scope,
		Direction:      string(cs.Direction),
		Status:         string(cs.Status),
		StartedAt:      cs.StartedAt.UTC(),
		ConnectedAt:    cs.ConnectedAt,
	})
	if err != nil {
		log.Warn().Str("call_id", cs.CallID).Err(err).Msg("CALL: snapshot write failed")
	}
}

// announceFromMirror passes a user's hangup or reject on a mirror to the
// other surfaces, the owner included.
func (m *Manager) announceFromMirror(s *Session, cs CallSession) {
	if s.Owned() || m.opts.Sync == nil || cs.CallID == "" {
		return
	}
	m.opts.Sync.AnnounceEnded(cs.CallID, string(cs.Status), cs.EndReason)
}

func (m *Manager) endRemote(callID string) {
	if callID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()
	if err := m.dir.EndCall(ctx, callID); err != nil && callerr.KindOf(err) != callerr.NotFound {
		log.Warn().Str("call_id", callID).Err(err).Msg("CALL: end request failed")
	}
}

func (m *Manager) addOffer(o Offer) {
	m.mu.Lock()
	m.offers[o.CallID] = o
	m.mu.Unlock()
	m.emit(Update{Kind: UpdateOffer, Offer: &o})
}

// updateOffer fills in the identity of a pending offer once the directory
// answers. An offer that was withdrawn meanwhile stays gone.
func (m *Manager) updateOffer(callID string, id callapi.Identity) {
	m.mu.Lock()
	o, ok := m.offers[callID]
	if ok {
		o.Counterparty = id
		m.offers[callID] = o
	}
	m.mu.Unlock()
	if ok {
		m.emit(Update{Kind: UpdateOffer, Offer: &o})
	}
}

func (m *Manager) removeOffer(callID string) {
	m.mu.Lock()
	o, ok := m.offers[callID]
	delete(m.offers, callID)
	m.mu.Unlock()
	if ok {
		m.emit(Update{Kind: UpdateOfferRemoved, Offer: &o})
	}
}

func (m *Manager) currentID() string {
	if s := m.current(); s != nil {
		return s.CallID()
	}
	return ""
}

func ringing(status string) bool {
	switch strings.ToUpper(status) {
	case "", "PENDING", "RINGING", "WAITING", "INITIATED":
		return true
	}
	return false
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}

// ── Subscribers ────────────────────────────────────────────────────────────

// Subscribe returns a stream of updates and a cancel func. Slow readers
// miss updates rather than block the manager.
func (m *Manager) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 64)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			defer m.subsMu.Unlock()
			for i, c := range m.subs {
				if c == ch {
					m.subs = append(m.subs[:i], m.subs[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
}

func (m *Manager) emit(u Update) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- u:
		default:
			log.Warn().Str("kind", string(u.Kind)).Msg("CALL: subscriber too slow, update dropped")
		}
	}
}

func (m *Manager) emitSession(cs CallSession) {
	st := m.media.State()
	m.emit(Update{Kind: UpdateSession, Session: &cs, Media: &st})
}

func (m *Manager) emitCurrent() {
	if s := m.current(); s != nil {
		m.emitSession(s.Snapshot())
	}
}

func (m *Manager) notice(level, msg, callID string) {
	if msg == "" {
		return
	}
	m.emit(Update{Kind: UpdateNotice, Notice: &Notice{Level: level, Message: msg, CallID: callID}})
}
