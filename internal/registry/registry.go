// Package registry tracks open gateway connections and enforces admission
// quotas. Counters are process-local; a multi-instance deployment needs a
// shared counter store for admission decisions.
package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/symphainy/relay/internal/session"
)

// AnonymousBucket is the quota bucket for connections without a session token.
const AnonymousBucket = "anonymous"

// Default admission limits.
const (
	DefaultMaxPerUser = 5
	DefaultMaxGlobal  = 1000
)

// RejectReason classifies an admission rejection.
type RejectReason string

const (
	RejectUserLimit        RejectReason = "user_limit"
	RejectGlobalLimit      RejectReason = "global_limit"
	RejectValidationFailed RejectReason = "validation_failed"
)

// Limits holds the admission quota configuration.
type Limits struct {
	MaxPerUser int
	MaxGlobal  int
}

func (l Limits) withDefaults() Limits {
	if l.MaxPerUser <= 0 {
		l.MaxPerUser = DefaultMaxPerUser
	}
	if l.MaxGlobal <= 0 {
		l.MaxGlobal = DefaultMaxGlobal
	}
	return l
}

// Connection is the registry's record of one open connection.
type Connection struct {
	ID             string
	UserID         string
	Bucket         string
	SessionToken   string
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

// Admission is the tagged outcome of a Register call: either OK with an
// allocated connection ID, or Rejected with a reason. Rejections are expected
// conditions, not errors.
type Admission struct {
	OK           bool
	ConnectionID string
	UserID       string
	Bucket       string
	Reason       RejectReason
}

// Registry is the in-process connection registry and admission controller.
// Register and Deregister execute as atomic units; no I/O happens inside the
// critical section.
type Registry struct {
	validator session.Validator
	logger    *slog.Logger

	mu          sync.Mutex
	limits      Limits
	conns       map[string]*Connection
	perBucket   map[string]int
	globalCount int
	channels    map[string]map[string]struct{} // channel → set of connection IDs
}

// New creates a Registry. validator may be nil, in which case every
// connection lands in the anonymous bucket.
func New(validator session.Validator, limits Limits, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		validator: validator,
		logger:    logger,
		limits:    limits.withDefaults(),
		conns:     make(map[string]*Connection),
		perBucket: make(map[string]int),
		channels:  make(map[string]map[string]struct{}),
	}
}

// Register resolves the session token, checks quotas, and on success
// allocates a connection ID and increments the counters. Token validation
// happens before the lock is taken so no blocking call runs inside the
// mutation.
func (r *Registry) Register(ctx context.Context, sessionToken string) Admission {
	userID := ""
	bucket := AnonymousBucket
	if sessionToken != "" && r.validator != nil {
		resolved, err := r.validator.Validate(ctx, sessionToken)
		if err != nil {
			r.logger.Warn("registry: session validation failed", "error", err)
			return Admission{Reason: RejectValidationFailed}
		}
		userID = resolved
		bucket = resolved
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.perBucket[bucket] >= r.limits.MaxPerUser {
		return Admission{Bucket: bucket, Reason: RejectUserLimit}
	}
	if r.globalCount >= r.limits.MaxGlobal {
		return Admission{Bucket: bucket, Reason: RejectGlobalLimit}
	}

	// Bucket-prefixed IDs keep log lines correlatable to a user.
	id := bucket + "-" + strings.Split(uuid.NewString(), "-")[0]
	for {
		if _, taken := r.conns[id]; !taken {
			break
		}
		id = bucket + "-" + strings.Split(uuid.NewString(), "-")[0]
	}

	now := time.Now().UTC()
	r.conns[id] = &Connection{
		ID:             id,
		UserID:         userID,
		Bucket:         bucket,
		SessionToken:   sessionToken,
		ConnectedAt:    now,
		LastActivityAt: now,
	}
	r.perBucket[bucket]++
	r.globalCount++

	return Admission{OK: true, ConnectionID: id, UserID: userID, Bucket: bucket}
}

// Deregister removes a connection and decrements its counters. Calling it
// with an unknown ID is a no-op, so disconnect paths can call it
// unconditionally without driving counters negative.
func (r *Registry) Deregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return
	}
	delete(r.conns, connectionID)

	if r.perBucket[conn.Bucket] > 0 {
		r.perBucket[conn.Bucket]--
	}
	if r.perBucket[conn.Bucket] == 0 {
		delete(r.perBucket, conn.Bucket)
	}
	if r.globalCount > 0 {
		r.globalCount--
	}

	for channel, subs := range r.channels {
		delete(subs, connectionID)
		if len(subs) == 0 {
			delete(r.channels, channel)
		}
	}
}

// Touch updates a connection's last-activity timestamp.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connectionID]; ok {
		conn.LastActivityAt = time.Now().UTC()
	}
}

// Get returns a snapshot of the connection record.
func (r *Registry) Get(connectionID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// SetLimits swaps the admission limits. Existing connections are not evicted;
// the new limits apply to subsequent Register calls.
func (r *Registry) SetLimits(limits Limits) {
	limits = limits.withDefaults()
	r.mu.Lock()
	r.limits = limits
	r.mu.Unlock()
	r.logger.Info("registry: admission limits updated",
		"max_per_user", limits.MaxPerUser, "max_global", limits.MaxGlobal)
}

// Limits returns the current admission limits.
func (r *Registry) Limits() Limits {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limits
}

// Count returns the number of open connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.globalCount
}

// BucketCount returns the number of open connections in one quota bucket.
func (r *Registry) BucketCount(bucket string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perBucket[bucket]
}

// SubscribeChannel records that a connection participates in a channel's
// fanout. Unknown connections are ignored so a racing disconnect cannot
// leave a dangling reference.
func (r *Registry) SubscribeChannel(channel, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connectionID]; !ok {
		return
	}
	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[string]struct{})
		r.channels[channel] = subs
	}
	subs[connectionID] = struct{}{}
}

// UnsubscribeChannel removes a connection from a channel's fanout set.
func (r *Registry) UnsubscribeChannel(channel, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.channels[channel]; ok {
		delete(subs, connectionID)
		if len(subs) == 0 {
			delete(r.channels, channel)
		}
	}
}

// ChannelSubscribers returns the connection IDs currently in a channel's
// fanout set.
func (r *Registry) ChannelSubscribers(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.channels[channel]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// IdleSince returns the IDs of connections with no activity since the cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for id, conn := range r.conns {
		if conn.LastActivityAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}
