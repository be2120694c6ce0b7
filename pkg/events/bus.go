// Package events is the in-process pub/sub for slide, job and tile
// lifecycle events, with an optional relay to a cross-process channel
// for external subscribers.
package events

import (
	"sync"
	"time"

	"github.com/moby/pubsub"
	"github.com/sirupsen/logrus"
)

// Event kinds emitted by the agent core.
const (
	KindSlideImport      = "slide.import"
	KindSlideReady       = "slide.ready"
	KindTileGenerated    = "tile.generated"
	KindTilesReady       = "tiles.ready"
	KindPreviewPublished = "preview.published"
	KindCleanupComplete  = "cleanup.complete"
	KindSlideDeleted     = "slide.deleted"
)

// Event is one structured lifecycle notification.
type Event struct {
	Kind    string                 `json:"kind"`
	SlideID string                 `json:"slideId,omitempty"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}

// Relay delivers selected events to an external, cross-process channel.
// Implementations must not block.
type Relay interface {
	Relay(Event)
}

// Bus fans events out to registered in-process listeners (synchronous,
// in registration order) and to channel subscribers (buffered, dropped
// when slow, so the bus never stalls producers).
type Bus struct {
	pub *pubsub.Publisher
	log *logrus.Entry

	mu         sync.RWMutex
	listeners  map[string][]func(Event)
	relay      Relay
	relayKinds map[string]bool
}

// NewBus returns a ready Bus.
func NewBus(log *logrus.Entry) *Bus {
	return &Bus{
		pub:       pubsub.NewPublisher(100*time.Millisecond, 64),
		log:       log,
		listeners: map[string][]func(Event){},
	}
}

// On registers a synchronous listener for one event kind.
func (b *Bus) On(kind string, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], fn)
}

// Subscribe returns a channel receiving every event. Slow consumers
// miss events rather than blocking emitters.
func (b *Bus) Subscribe() chan interface{} {
	return b.pub.Subscribe()
}

// SubscribeKinds returns a channel receiving only the named kinds.
func (b *Bus) SubscribeKinds(kinds ...string) chan interface{} {
	want := map[string]bool{}
	for _, k := range kinds {
		want[k] = true
	}
	return b.pub.SubscribeTopic(func(v interface{}) bool {
		ev, ok := v.(Event)
		return ok && want[ev.Kind]
	})
}

// Evict removes a channel subscription.
func (b *Bus) Evict(ch chan interface{}) {
	b.pub.Evict(ch)
}

// SetRelay routes the named kinds to an external publisher. A nil
// relay disables external delivery.
func (b *Bus) SetRelay(r Relay, kinds ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = r
	b.relayKinds = map[string]bool{}
	for _, k := range kinds {
		b.relayKinds[k] = true
	}
}

// Emit delivers ev to listeners of its kind, then to subscribers and,
// when configured, the external relay.
func (b *Bus) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	listeners := b.listeners[ev.Kind]
	relay := b.relay
	relayed := b.relayKinds[ev.Kind]
	b.mu.RUnlock()

	for _, fn := range listeners {
		fn(ev)
	}
	b.pub.Publish(ev)
	if relay != nil && relayed {
		relay.Relay(ev)
	}
	if b.log != nil {
		b.log.WithFields(logrus.Fields{"kind": ev.Kind, "slide_id": ev.SlideID}).Debug("event emitted")
	}
}

// Close tears down all channel subscriptions.
func (b *Bus) Close() {
	b.pub.Close()
}
