// Package messaging is the service-facing facade over the gateway, the
// channel bus and the message history store. Calls return failure results
// instead of raising so that callers can degrade when the broker is down.
package messaging

import (
	"context"
	"errors"
	"log/slog"

	"github.com/symphainy/relay/internal/bus"
	"github.com/symphainy/relay/internal/persistence"
)

const (
	StatusPublished  = "published"
	StatusSubscribed = "subscribed"
	StatusError      = "error"
)

// MessageFormat describes the canonical inbound envelope for clients that
// negotiate capabilities through GetWebsocketEndpoint.
var MessageFormat = map[string]string{
	"channel": "string",
	"intent":  "string",
	"payload": "object",
}

// DirectSender is the gateway's direct-push surface.
type DirectSender interface {
	SendToConnection(ctx context.Context, connectionID string, message any) bool
}

// RealmResolver reports the channels a realm may use.
type RealmResolver interface {
	RealmChannels(realm string) ([]string, bool)
}

type Config struct {
	// WebsocketURL is this gateway's public connection URL, advertised to
	// services through GetWebsocketEndpoint.
	WebsocketURL string
	ChannelBus   *bus.Bus
	EventBus     *bus.Bus
	Sender       DirectSender
	Realms       RealmResolver
	Store        *persistence.Store
	Logger       *slog.Logger
}

type Facade struct {
	cfg Config
}

func New(cfg Config) *Facade {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Facade{cfg: cfg}
}

type Endpoint struct {
	WebsocketURL  string            `json:"websocket_url"`
	Channels      []string          `json:"channels"`
	MessageFormat map[string]string `json:"message_format"`
}

var ErrUnknownRealm = errors.New("unknown realm")

// GetWebsocketEndpoint returns the gateway URL and the channel set the
// given realm is permitted to use. The session token is not validated here;
// admission happens when the client actually connects.
func (f *Facade) GetWebsocketEndpoint(_ context.Context, _ string, realm string) (Endpoint, error) {
	channels, ok := f.cfg.Realms.RealmChannels(realm)
	if !ok {
		return Endpoint{}, ErrUnknownRealm
	}
	return Endpoint{
		WebsocketURL:  f.cfg.WebsocketURL,
		Channels:      channels,
		MessageFormat: MessageFormat,
	}, nil
}

type PublishResult struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
	Error   string `json:"error,omitempty"`
}

// PublishToAgentChannel injects a message into a channel on behalf of a
// backend process with no live WebSocket connection. Broker failures come
// back as a status, never a panic.
func (f *Facade) PublishToAgentChannel(ctx context.Context, channel string, message map[string]any, realm string) PublishResult {
	if err := f.cfg.ChannelBus.Publish(ctx, channel, message, "facade:"+realm); err != nil {
		f.cfg.Logger.Error("facade: publish failed", "channel", channel, "realm", realm, "error", err)
		return PublishResult{Status: StatusError, Channel: channel, Error: err.Error()}
	}
	return PublishResult{Status: StatusPublished, Channel: channel}
}

type SubscribeResult struct {
	Status  string `json:"status"`
	Channel string `json:"channel"`
	Error   string `json:"error,omitempty"`

	handle *bus.Subscription
}

// Handle returns the bus subscription for a successful subscribe, for use
// with Unsubscribe.
func (r SubscribeResult) Handle() *bus.Subscription {
	return r.handle
}

// SubscribeToChannel registers a callback for client-originated messages on
// a channel.
func (f *Facade) SubscribeToChannel(ctx context.Context, channel string, callback bus.Handler, realm string) SubscribeResult {
	sub, err := f.cfg.ChannelBus.Subscribe(ctx, channel, callback)
	if err != nil {
		f.cfg.Logger.Error("facade: subscribe failed", "channel", channel, "realm", realm, "error", err)
		return SubscribeResult{Status: StatusError, Channel: channel, Error: err.Error()}
	}
	return SubscribeResult{Status: StatusSubscribed, Channel: channel, handle: sub}
}

// Unsubscribe releases a channel subscription obtained from
// SubscribeToChannel.
func (f *Facade) Unsubscribe(result SubscribeResult) {
	if result.handle != nil {
		f.cfg.ChannelBus.Unsubscribe(result.handle)
	}
}

type SendResult struct {
	Success bool `json:"success"`
}

// SendToConnection pushes a message to one live connection via the gateway.
func (f *Facade) SendToConnection(ctx context.Context, connectionID string, message any) SendResult {
	return SendResult{Success: f.cfg.Sender.SendToConnection(ctx, connectionID, message)}
}

// SendMessage stores a point-to-point message, then attempts immediate
// delivery: first over the recipient's live connections is out of scope
// here, so the message is published on the recipient's channel and marked
// delivered only when the publish succeeds.
func (f *Facade) SendMessage(ctx context.Context, senderID, recipientID, channel, content string) (string, error) {
	id, err := f.cfg.Store.InsertMessage(ctx, senderID, recipientID, channel, content)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"message_id":   id,
		"sender_id":    senderID,
		"recipient_id": recipientID,
		"content":      content,
	}
	if err := f.cfg.ChannelBus.Publish(ctx, channel, payload, "facade:direct"); err != nil {
		f.cfg.Logger.Warn("facade: message stored but not delivered", "message_id", id, "error", err)
		return id, nil
	}
	if err := f.cfg.Store.UpdateStatus(ctx, id, persistence.MessageStatusDelivered); err != nil {
		f.cfg.Logger.Warn("facade: delivery status update failed", "message_id", id, "error", err)
	}
	return id, nil
}

// GetMessages returns the stored messages addressed to a recipient.
func (f *Facade) GetMessages(ctx context.Context, recipientID string, limit int) ([]persistence.Message, error) {
	return f.cfg.Store.ListMessagesFor(ctx, recipientID, limit)
}

// GetMessageStatus reports the delivery status of one stored message.
func (f *Facade) GetMessageStatus(ctx context.Context, messageID string) (persistence.MessageStatus, error) {
	m, err := f.cfg.Store.GetMessage(ctx, messageID)
	if err != nil {
		return "", err
	}
	return m.Status, nil
}

// MarkMessageRead records that a recipient has seen a message.
func (f *Facade) MarkMessageRead(ctx context.Context, messageID string) error {
	return f.cfg.Store.UpdateStatus(ctx, messageID, persistence.MessageStatusRead)
}

// RouteEvent publishes a named event and reports the outcome, for callers
// that want the result-shaped API rather than an error.
func (f *Facade) RouteEvent(ctx context.Context, event string, data map[string]any) PublishResult {
	if err := f.PublishEvent(ctx, event, data); err != nil {
		return PublishResult{Status: StatusError, Channel: event, Error: err.Error()}
	}
	return PublishResult{Status: StatusPublished, Channel: event}
}

// PublishEvent publishes a named event on the event bus.
func (f *Facade) PublishEvent(ctx context.Context, event string, data map[string]any) error {
	return f.cfg.EventBus.Publish(ctx, event, data, "facade:event")
}

// SubscribeToEvents registers a handler for a named event.
func (f *Facade) SubscribeToEvents(ctx context.Context, event string, handler bus.Handler) (*bus.Subscription, error) {
	return f.cfg.EventBus.Subscribe(ctx, event, handler)
}

// UnsubscribeFromEvents releases an event subscription.
func (f *Facade) UnsubscribeFromEvents(sub *bus.Subscription) {
	f.cfg.EventBus.Unsubscribe(sub)
}
