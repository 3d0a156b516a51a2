// Package bus provides the named-channel publish/subscribe layer shared by
// the gateway and backend services. Logical channels are mapped onto broker
// topics with a fixed prefix; cross-process fanout relies entirely on the
// broker's native pub/sub.
package bus

import "context"

// BrokerSubscription is one live broker-level subscription.
type BrokerSubscription interface {
	// Messages yields raw payloads until Close. The channel is closed when
	// the subscription ends.
	Messages() <-chan []byte
	Close() error
}

// Broker is the transport under the channel bus. Delivery is fire-and-forget,
// at-most-once, with no ordering guarantee across topics.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (BrokerSubscription, error)
	Close() error
}
