package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBroker backs the channel bus with Redis native pub/sub, giving fanout
// across gateway instances and backend subscribers without any coordination
// of our own.
type RedisBroker struct {
	client *redis.Client
}

type redisSubscription struct {
	pubsub *redis.PubSub
	msgs   chan []byte
}

// NewRedisBroker wraps an existing Redis client. The caller owns the client's
// lifecycle; Close here only severs this broker's subscriptions.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Ping verifies broker reachability.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %q: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (BrokerSubscription, error) {
	pubsub := b.client.Subscribe(ctx, topic)
	// Force the subscription handshake so a dead broker fails here rather
	// than silently delivering nothing.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %q: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		msgs:   make(chan []byte, memoryBufferSize),
	}
	go func() {
		defer close(sub.msgs)
		for msg := range pubsub.Channel() {
			sub.msgs <- []byte(msg.Payload)
		}
	}()
	return sub, nil
}

func (b *RedisBroker) Close() error {
	return nil
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.msgs
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
