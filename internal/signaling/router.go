// Package signaling turns the redundant call events of both sockets into one
// in-order stream with each logical event delivered once.
//
// The same event can arrive on the main and the signaling socket, under its
// legacy and its current name, in either order. The router keeps the
// (kind, call id) pairs it has seen for a quarantine window and drops
// repeats inside it. It never filters by session ownership; consumers decide
// whether an event concerns them.
package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/petervdpas/callsync/internal/cache"
	"github.com/petervdpas/callsync/internal/surface"
	"github.com/petervdpas/callsync/internal/transport"
)

// DefaultQuarantine is how long a handled (kind, call id) pair suppresses
// its duplicates.
const DefaultQuarantine = 3 * time.Second

// Source is the part of the transport the router listens on.
type Source interface {
	OnEvent(name string, h transport.Handler) transport.Unsubscribe
}

// Publisher receives every accepted event as a generic notification.
type Publisher interface {
	Publish(n surface.Notification) error
}

type Options struct {
	Quarantine time.Duration
	// SelfID returns the signed-in user id; used to pick the counterparty.
	SelfID func() string
	Notify Publisher
	// Now stamps ReceivedAt. Defaults to time.Now.
	Now func() time.Time
}

type Router struct {
	src  Source
	opts Options
	seen *cache.TTL[string, struct{}]

	// mu serialises handling so subscribers see arrival order across sockets.
	mu     sync.Mutex
	unsubs []transport.Unsubscribe

	subsMu sync.RWMutex
	subs   map[chan Event]struct{}
}

func New(src Source, opts Options) *Router {
	if opts.Quarantine <= 0 {
		opts.Quarantine = DefaultQuarantine
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Router{
		src:  src,
		opts: opts,
		seen: cache.New[string, struct{}](opts.Quarantine, opts.Quarantine),
		subs: make(map[chan Event]struct{}),
	}
}

// Start registers for all four call events. Calling it twice is a no-op.
func (r *Router) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubs != nil {
		return
	}
	for _, name := range transport.CallEvents {
		r.unsubs = append(r.unsubs, r.src.OnEvent(name, r.Handle))
	}
	log.Info().Dur("quarantine", r.opts.Quarantine).Msg("SIGNAL: router started")
}

// Stop unregisters from the transport and closes every subscriber channel.
func (r *Router) Stop() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	r.seen.Close()

	r.subsMu.Lock()
	for ch := range r.subs {
		delete(r.subs, ch)
		close(ch)
	}
	r.subsMu.Unlock()
}

// Subscribe returns a channel of deduplicated events and a cancel func.
func (r *Router) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subsMu.Lock()
			if _, ok := r.subs[ch]; ok {
				delete(r.subs, ch)
				close(ch)
			}
			r.subsMu.Unlock()
		})
	}
}

// Handle processes one transport message. It never panics; malformed
// events are logged and dropped.
func (r *Router) Handle(msg transport.Message) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("event", msg.RawName).Interface("panic", p).Msg("SIGNAL: handler panicked, event dropped")
		}
	}()

	self := ""
	if r.opts.SelfID != nil {
		self = r.opts.SelfID()
	}
	ev, err := parse(msg, self, r.opts.Now())
	if err != nil {
		log.Warn().Str("event", msg.RawName).Str("channel", string(msg.Channel)).Err(err).Msg("SIGNAL: dropping malformed event")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.seen.Claim(string(ev.Kind)+"|"+ev.CallID, struct{}{}) {
		log.Debug().Str("call_id", ev.CallID).Str("kind", string(ev.Kind)).Str("channel", string(ev.Channel)).
			Msg("SIGNAL: duplicate suppressed")
		return
	}
	log.Info().Str("call_id", ev.CallID).Str("kind", string(ev.Kind)).Str("channel", string(ev.Channel)).
		Msgf("SIGNAL [%s]: %s", ev.CallID, ev.Kind)

	r.fanOut(ev)
	r.republish(msg.Name, ev)
}

func (r *Router) fanOut(ev Event) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("call_id", ev.CallID).Msg("SIGNAL: subscriber full, event dropped")
		}
	}
}

func (r *Router) republish(topic string, ev Event) {
	if r.opts.Notify == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := r.opts.Notify.Publish(surface.Notification{Topic: topic, CallID: ev.CallID, Data: data}); err != nil {
		log.Warn().Str("call_id", ev.CallID).Err(err).Msg("SIGNAL: republish failed")
	}
}
