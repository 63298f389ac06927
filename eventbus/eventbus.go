// Package eventbus implements the in-process publish/subscribe fan-out for
// transfer lifecycle events. Subscribers receive messages over buffered
// channels; a subscriber that stops draining its channel is evicted so a
// slow consumer can never block publishers or other subscribers.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aionpay/relayer/log"
	"github.com/aionpay/relayer/types"
)

// Lifecycle topics. Every status transition publishes on its status topic
// and on the per-transfer topic returned by TransferTopic.
const (
	TopicAccepted    = "payment_accepted"
	TopicPending     = "payment_pending"
	TopicSubmitted   = "payment_submitted"
	TopicConfirmed   = "payment_confirmed"
	TopicFailed      = "payment_failed"
	TopicRetryQueued = "retry_queued"
)

// TransferTopic returns the per-transfer topic for the given transfer ID.
func TransferTopic(id int64) string {
	return fmt.Sprintf("transfer:%d", id)
}

// TopicForStatus maps a lifecycle status to its broadcast topic. Statuses
// without a public topic (received) map to the empty string.
func TopicForStatus(status types.TransferStatus) string {
	switch status {
	case types.TransferStatusValidated:
		return TopicAccepted
	case types.TransferStatusPending:
		// The submitted topic is published separately once the transaction
		// hash is known; the status flip itself is "pending".
		return TopicPending
	case types.TransferStatusConfirmed:
		return TopicConfirmed
	case types.TransferStatusFailed, types.TransferStatusPermanentlyFailed:
		return TopicFailed
	}
	return ""
}

// Message is the payload delivered to subscribers. The transfer is a
// snapshot taken at publish time and must not be mutated by consumers.
type Message struct {
	Topic     string                `json:"topic"`
	Transfer  *types.SignedTransfer `json:"transfer"`
	Timestamp time.Time             `json:"timestamp"`
}

// Subscriber is a registered consumer of one or more topics.
type Subscriber struct {
	id     uuid.UUID
	topics []string
	ch     chan *Message
}

// C returns the channel the subscriber receives messages on. The channel is
// closed when the subscriber is unsubscribed or evicted.
func (s *Subscriber) C() <-chan *Message { return s.ch }

const defaultBufferSize = 32

// Bus is the in-process pub/sub hub.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[uuid.UUID]*Subscriber
	buffer int
	closed bool
}

// New creates a Bus. bufferSize is the per-subscriber channel depth; zero or
// negative selects the default.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		topics: make(map[string]map[uuid.UUID]*Subscriber),
		buffer: bufferSize,
	}
}

// Subscribe registers a new subscriber for the given topics.
func (b *Bus) Subscribe(topics ...string) *Subscriber {
	sub := &Subscriber{
		id:     uuid.New(),
		topics: topics,
		ch:     make(chan *Message, b.buffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	for _, topic := range topics {
		if b.topics[topic] == nil {
			b.topics[topic] = make(map[uuid.UUID]*Subscriber)
		}
		b.topics[topic][sub.id] = sub
	}
	return sub
}

// Unsubscribe removes the subscriber from all its topics and closes its
// channel. Calling it twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

func (b *Bus) removeLocked(sub *Subscriber) {
	removed := false
	for _, topic := range sub.topics {
		if subs, ok := b.topics[topic]; ok {
			if _, ok := subs[sub.id]; ok {
				delete(subs, sub.id)
				removed = true
			}
			if len(subs) == 0 {
				delete(b.topics, topic)
			}
		}
	}
	if removed {
		close(sub.ch)
	}
}

// Publish delivers a snapshot of the transfer to every subscriber of topic.
// Publish never blocks: a subscriber whose buffer is full is evicted.
func (b *Bus) Publish(topic string, transfer *types.SignedTransfer) {
	msg := &Message{
		Topic:     topic,
		Transfer:  transfer,
		Timestamp: time.Now().UTC(),
	}

	// Sends happen under the read lock: channels are only closed under the
	// write lock, so a send can never race a close.
	b.mu.RLock()
	var evicted []*Subscriber
	for _, sub := range b.topics[topic] {
		select {
		case sub.ch <- msg:
		default:
			evicted = append(evicted, sub)
		}
	}
	b.mu.RUnlock()
	if len(evicted) == 0 {
		return
	}
	b.mu.Lock()
	for _, sub := range evicted {
		log.Warnw("evicting slow event subscriber", "subscriber", sub.id.String(), "topic", topic)
		b.removeLocked(sub)
	}
	b.mu.Unlock()
}

// Close evicts all subscribers and rejects further subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	seen := make(map[uuid.UUID]bool)
	for _, subs := range b.topics {
		for _, sub := range subs {
			if !seen[sub.id] {
				seen[sub.id] = true
				close(sub.ch)
			}
		}
	}
	b.topics = make(map[string]map[uuid.UUID]*Subscriber)
}
