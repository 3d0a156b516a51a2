// Package sweeper closes idle WebSocket connections on a cron schedule so
// abandoned clients stop holding admission quota.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// IdleLister reports connections whose last activity predates the cutoff.
type IdleLister interface {
	IdleSince(cutoff time.Time) []string
}

// Closer force-closes a connection by ID, reporting whether it was found.
type Closer interface {
	CloseConnection(connectionID string, reason string) bool
}

// Config holds the dependencies for the idle sweeper.
type Config struct {
	Registry    IdleLister
	Gateway     Closer
	Schedule    string        // 5-field cron expression; defaults to every minute
	IdleTimeout time.Duration // defaults to 30 minutes
	Logger      *slog.Logger
	// Swept, if set, is called with the number of connections closed each
	// sweep. Used for metrics.
	Swept func(n int)
}

// Sweeper runs the idle sweep on its cron schedule.
type Sweeper struct {
	registry    IdleLister
	gateway     Closer
	schedule    cronlib.Schedule
	idleTimeout time.Duration
	logger      *slog.Logger
	swept       func(n int)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper. It returns an error when the cron expression does
// not parse.
func New(cfg Config) (*Sweeper, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "* * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", expr, err)
	}
	timeout := cfg.IdleTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry:    cfg.Registry,
		gateway:     cfg.Gateway,
		schedule:    schedule,
		idleTimeout: timeout,
		logger:      logger,
		swept:       cfg.Swept,
	}, nil
}

// Start begins the sweep loop in a background goroutine. It respects the
// provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweeper started", "idle_timeout", s.idleTimeout)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep()
		}
	}
}

// Sweep closes every connection idle past the timeout and returns how many
// were closed.
func (s *Sweeper) Sweep() int {
	cutoff := time.Now().Add(-s.idleTimeout)
	idle := s.registry.IdleSince(cutoff)
	closed := 0
	for _, id := range idle {
		if s.gateway.CloseConnection(id, "idle timeout") {
			closed++
			s.logger.Info("sweeper: closed idle connection", "connection_id", id)
		}
	}
	if s.swept != nil && closed > 0 {
		s.swept(closed)
	}
	return closed
}
