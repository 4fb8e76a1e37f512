// Package surface keeps independently running surfaces (CLI processes, API
// servers, windows of a desktop shell) converged on the same call.
//
// Two mechanisms are involved: a persisted snapshot of the pending call in a
// shared key/value scope, and a Bus of generic notifications that any surface
// can observe without holding a socket of its own.
package surface

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Topics carried on the bus besides the canonical signaling event names.
const (
	TopicSessionEnded   = "session-ended"
	TopicSessionUpdated = "session-updated"
)

// Notification is one generic, cross-surface event.
type Notification struct {
	ID     string          `json:"id"`
	Origin string          `json:"origin"`
	Topic  string          `json:"topic"`
	CallID string          `json:"callId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	At     time.Time       `json:"at"`
}

// Bus is a pub/sub channel shared by surfaces.
type Bus interface {
	Publish(n Notification) error
	Subscribe() (<-chan Notification, func())
}

const subscriberBuffer = 64

// LocalBus fans notifications out to subscribers in the same process.
type LocalBus struct {
	origin string

	mu   sync.RWMutex
	subs map[chan Notification]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		origin: uuid.NewString(),
		subs:   make(map[chan Notification]struct{}),
	}
}

// Origin identifies this bus instance in published notifications.
func (b *LocalBus) Origin() string { return b.origin }

func (b *LocalBus) stamp(n *Notification) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Origin == "" {
		n.Origin = b.origin
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
}

func (b *LocalBus) Publish(n Notification) error {
	b.stamp(&n)
	b.deliver(n)
	return nil
}

func (b *LocalBus) deliver(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- n:
		default:
			log.Warn().Str("topic", n.Topic).Str("call_id", n.CallID).Msg("SURFACE: subscriber full, dropping notification")
		}
	}
}

// Subscribe returns a channel of notifications and a cancel func that
// closes it. Cancel is safe to call more than once.
func (b *LocalBus) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}
