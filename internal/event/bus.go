// Package event carries the typed pub/sub bus and the external TCP publisher
// for Supvisors state deltas.
package event

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/supvisors/supvisors/pkg/types"
)

// Message is one delta on a topic.
type Message struct {
	Topic   types.Topic `json:"topic"`
	Payload interface{} `json:"payload"`
}

// Publisher accepts state deltas. Implementations must not block the caller.
type Publisher interface {
	Publish(topic types.Topic, payload interface{})
}

// Bus fans deltas out to subscriber channels. Delivery is fire-and-forget:
// a subscriber that cannot keep up loses messages. Ordering is preserved per
// subscriber channel.
type Bus struct {
	mu          sync.RWMutex
	logger      zerolog.Logger
	subscribers map[int]subscription
	nextID      int
	closed      bool
}

type subscription struct {
	topics map[types.Topic]bool
	ch     chan Message
}

// NewBus creates an event bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		logger:      logger.With().Str("component", "event").Logger(),
		subscribers: make(map[int]subscription),
	}
}

// Subscribe registers a buffered channel for the given topics. An empty topic
// list subscribes to everything. The returned cancel function closes the
// channel.
func (b *Bus) Subscribe(buffer int, topics ...types.Topic) (<-chan Message, func()) {
	topicSet := make(map[types.Topic]bool, len(topics))
	for _, topic := range topics {
		topicSet[topic] = true
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = subscription{topics: topicSet, ch: ch}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub.ch)
		}
	}
}

// Publish delivers a delta to every matching subscriber, dropping it for
// subscribers whose buffer is full.
func (b *Bus) Publish(topic types.Topic, payload interface{}) {
	message := Message{Topic: topic, Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		if len(sub.topics) > 0 && !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- message:
		default:
			b.logger.Debug().Str("topic", string(topic)).Msg("subscriber lagging, delta dropped")
		}
	}
}

// Close tears the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
