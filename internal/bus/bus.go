package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ChannelPrefix is the topic prefix for gateway channels: logical channel
// "guide" rides on broker topic "websocket:guide".
const ChannelPrefix = "websocket"

// EventPrefix is the topic prefix for the generic named-event variants used
// by non-WebSocket callers.
const EventPrefix = "event"

// Handler consumes one decoded message. Handlers run on the subscription's
// listener goroutine; a panic is caught and logged per message.
type Handler func(message map[string]any)

// Subscription is a live handler registration on one channel.
type Subscription struct {
	channel   string
	brokerSub BrokerSubscription
	done      chan struct{}
	once      sync.Once
}

// Channel returns the logical channel this subscription listens on.
func (s *Subscription) Channel() string {
	return s.channel
}

// Bus maps logical channels onto prefixed broker topics and runs a
// supervised listener goroutine per subscription.
type Bus struct {
	broker Broker
	prefix string
	logger *slog.Logger
}

// New creates a Bus over the given broker. prefix defaults to ChannelPrefix.
func New(broker Broker, prefix string, logger *slog.Logger) *Bus {
	if prefix == "" {
		prefix = ChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{broker: broker, prefix: prefix, logger: logger}
}

// Topic returns the broker topic for a logical channel.
func (b *Bus) Topic(channel string) string {
	return b.prefix + ":" + channel
}

// Publish serializes the message and publishes it on the channel's topic.
// A broker failure comes back as an error result; nothing is retried and the
// message is dropped.
func (b *Bus) Publish(ctx context.Context, channel string, message map[string]any, source string) error {
	if source != "" {
		copied := make(map[string]any, len(message)+1)
		for k, v := range message {
			copied[k] = v
		}
		copied["source"] = source
		message = copied
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode message for %q: %w", channel, err)
	}
	if err := b.broker.Publish(ctx, b.Topic(channel), payload); err != nil {
		b.logger.Error("bus: publish failed", "channel", channel, "error", err)
		return err
	}
	return nil
}

// Subscribe opens a broker subscription on the channel and starts a listener
// goroutine that invokes handler for each message. Handler panics and decode
// failures are logged and skipped; they never terminate the listener.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) (*Subscription, error) {
	brokerSub, err := b.broker.Subscribe(ctx, b.Topic(channel))
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}
	sub := &Subscription{
		channel:   channel,
		brokerSub: brokerSub,
		done:      make(chan struct{}),
	}
	go b.listen(sub, handler)
	return sub, nil
}

// Unsubscribe closes the broker subscription and waits for the listener
// goroutine to drain and exit. Safe to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		_ = sub.brokerSub.Close()
	})
	<-sub.done
}

func (b *Bus) listen(sub *Subscription, handler Handler) {
	defer close(sub.done)
	for payload := range sub.brokerSub.Messages() {
		var message map[string]any
		if err := json.Unmarshal(payload, &message); err != nil {
			b.logger.Warn("bus: dropping undecodable message", "channel", sub.channel, "error", err)
			continue
		}
		b.deliver(sub.channel, handler, message)
	}
}

// deliver isolates one handler invocation so a panic cannot kill the
// listener goroutine.
func (b *Bus) deliver(channel string, handler Handler, message map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus: handler panic", "channel", channel, "panic", r)
		}
	}()
	handler(message)
}
