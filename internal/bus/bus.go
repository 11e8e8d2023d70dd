package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds published by the sync core. Subscribers filter by prefix, so
// "message." receives every message.* kind.
const (
	KindChannelStatus       = "channel.status_changed"
	KindConversationChanged = "conversation.changed"
	KindMessageConfirmed    = "message.confirmed"
	KindMessageDeleted      = "message.deleted"
	KindMessageSendFailed   = "message.send_failed"
	KindPresenceChanged     = "presence.changed"
	KindMessageStored       = "store.message_stored"
)

// Event is a change notification published on the bus. Key is the
// conversation id or user code the event is about.
type Event struct {
	Kind      string
	Key       string
	Timestamp time.Time
	Payload   any
}

// Bus is an in-process publish/subscribe event bus with namespace filtering.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]*Subscription
	next    int
	dropped atomic.Uint64
}

// Subscription is a live registration on the bus.
type Subscription struct {
	C <-chan Event

	namespace string
	ch        chan Event
	once      sync.Once
	cancel    func()
}

// Close removes the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Publish delivers evt to every subscriber whose namespace prefixes evt.Kind.
// A full subscriber buffer drops the event rather than blocking the publisher.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers for events matching namespace. bufSize bounds how far a
// slow subscriber may lag before events are dropped.
func (b *Bus) Subscribe(namespace string, bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, namespace: namespace, ch: ch}

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	sub.cancel = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return sub
}

// Dropped returns how many events were discarded because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
