package bus

import (
	"context"
	"errors"
	"sync"
)

const memoryBufferSize = 100

var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker is an in-process Broker for single-instance deployments and
// tests. Delivery is non-blocking: a subscriber whose buffer is full misses
// the message, matching the at-most-once contract.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[int]*memorySubscription
	nextID int
	closed bool
}

type memorySubscription struct {
	broker *MemoryBroker
	id     int
	topic  string
	ch     chan []byte
	once   sync.Once
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[int]*memorySubscription)}
}

func (b *MemoryBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	for _, sub := range b.subs {
		if sub.topic != topic {
			continue
		}
		// Non-blocking send; drop on full buffer.
		select {
		case sub.ch <- payload:
		default:
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, topic string) (BrokerSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	b.nextID++
	sub := &memorySubscription{
		broker: b,
		id:     b.nextID,
		topic:  topic,
		ch:     make(chan []byte, memoryBufferSize),
	}
	b.subs[sub.id] = sub
	return sub, nil
}

// Close drops all subscriptions and closes their channels.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*memorySubscription)
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.broker.mu.Lock()
	delete(s.broker.subs, s.id)
	s.broker.mu.Unlock()
	s.once.Do(func() { close(s.ch) })
	return nil
}
