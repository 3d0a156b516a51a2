// Package gateway terminates WebSocket connections, runs admission through
// the connection registry, and forwards normalized envelopes onto the
// channel bus.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/symphainy/relay/internal/audit"
	"github.com/symphainy/relay/internal/bus"
	otelx "github.com/symphainy/relay/internal/otel"
	"github.com/symphainy/relay/internal/registry"
)

// CloseCodes maps admission rejection reasons to WebSocket close codes.
// These are local conventions, configurable rather than a fixed protocol.
type CloseCodes struct {
	ValidationFailed int
	UserLimit        int
	GlobalLimit      int
}

func (c CloseCodes) forReason(reason registry.RejectReason) websocket.StatusCode {
	switch reason {
	case registry.RejectUserLimit:
		return websocket.StatusCode(c.UserLimit)
	case registry.RejectGlobalLimit:
		return websocket.StatusCode(c.GlobalLimit)
	default:
		return websocket.StatusCode(c.ValidationFailed)
	}
}

type Config struct {
	Registry   *registry.Registry
	Bus        *bus.Bus
	Schemas    *SchemaValidator
	CloseCodes CloseCodes
	// AllowOrigins is passed to the websocket accept as origin patterns.
	// Same-origin requests are always allowed by the library.
	AllowOrigins []string
	// InstanceID identifies this gateway in published message metadata.
	InstanceID string
	Logger     *slog.Logger
	Metrics    *otelx.Metrics
	Tracer     trace.Tracer
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

type Server struct {
	cfg Config

	clientsMu sync.Mutex
	clients   map[string]*client
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(otelx.TracerName)
	}
	return &Server{
		cfg:     cfg,
		clients: map[string]*client{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.cfg.Registry.Count(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	limits := s.cfg.Registry.Limits()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"active_connections": s.cfg.Registry.Count(),
		"max_per_user":       limits.MaxPerUser,
		"max_global":         limits.MaxGlobal,
		"admission_rejects":  audit.RejectCount(),
		"instance_id":        s.cfg.InstanceID,
	})
}

// handleWS accepts the handshake first, then runs admission. Rejections
// close the socket with a reason-specific code; admitted connections get a
// welcome frame and enter the read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	sessionToken := r.URL.Query().Get("session_token")
	admCtx, admSpan := otelx.StartServerSpan(r.Context(), s.cfg.Tracer, "gateway.admit",
		otelx.AttrInstanceID.String(s.cfg.InstanceID),
	)
	adm := s.cfg.Registry.Register(admCtx, sessionToken)
	admSpan.SetAttributes(otelx.AttrBucket.String(adm.Bucket))
	admSpan.End()
	if !adm.OK {
		audit.Record("reject", adm.Bucket, string(adm.Reason), "")
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AdmissionRejects.Add(r.Context(), 1)
		}
		s.cfg.Logger.Info("ws: admission rejected", "bucket", adm.Bucket, "reason", adm.Reason)
		_ = conn.Close(s.cfg.CloseCodes.forReason(adm.Reason), string(adm.Reason))
		return
	}
	audit.Record("admit", adm.Bucket, "", adm.ConnectionID)

	c := &client{conn: conn}
	s.addClient(adm.ConnectionID, c)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveConnections.Add(r.Context(), 1)
	}
	s.cfg.Logger.Info("ws: connected", "connection_id", adm.ConnectionID, "bucket", adm.Bucket)

	defer func() {
		s.removeClient(adm.ConnectionID)
		s.cfg.Registry.Deregister(adm.ConnectionID)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveConnections.Add(context.Background(), -1)
		}
		s.cfg.Logger.Info("ws: disconnected", "connection_id", adm.ConnectionID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	welcome := map[string]any{
		"type":          "system",
		"message":       "connected",
		"connection_id": adm.ConnectionID,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.write(r.Context(), welcome); err != nil {
		s.cfg.Logger.Error("ws: welcome write failed", "connection_id", adm.ConnectionID, "error", err)
		return
	}

	s.readLoop(r.Context(), adm.ConnectionID, c)
}

// readLoop processes inbound frames until the connection closes. A frame
// that fails to parse or validate yields one error frame and the loop
// continues; a publish failure is logged and the loop continues.
func (s *Server) readLoop(ctx context.Context, connectionID string, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		s.cfg.Registry.Touch(connectionID)

		env, err := Normalize(data)
		if err == nil {
			err = s.cfg.Schemas.Validate(env)
		}
		if err != nil {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.EnvelopeErrors.Add(ctx, 1)
			}
			s.cfg.Logger.Warn("ws: bad frame", "connection_id", connectionID, "error", err)
			errFrame := map[string]any{
				"type":      "error",
				"message":   err.Error(),
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}
			if werr := c.write(ctx, errFrame); werr != nil {
				return
			}
			continue
		}

		s.cfg.Registry.SubscribeChannel(env.Channel, connectionID)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.EnvelopesIn.Add(ctx, 1)
		}

		spanCtx, span := otelx.StartProducerSpan(ctx, s.cfg.Tracer, "gateway.publish",
			otelx.AttrConnectionID.String(connectionID),
			otelx.AttrChannel.String(env.Channel),
			otelx.AttrIntent.String(env.Intent),
		)
		message := map[string]any{
			"channel":       env.Channel,
			"intent":        env.Intent,
			"payload":       env.Payload,
			"connection_id": connectionID,
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
		}
		start := time.Now()
		err = s.cfg.Bus.Publish(spanCtx, env.Channel, message, s.cfg.InstanceID)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.PublishDuration.Record(spanCtx, time.Since(start).Seconds())
			if err != nil {
				s.cfg.Metrics.PublishErrors.Add(spanCtx, 1)
			} else {
				s.cfg.Metrics.Publishes.Add(spanCtx, 1)
			}
		}
		if err != nil {
			span.RecordError(err)
			s.cfg.Logger.Error("ws: publish failed", "connection_id", connectionID, "channel", env.Channel, "error", err)
		}
		span.End()
	}
}

// SendToConnection writes a message directly to one connection. Returns
// whether the write succeeded; a failed write is reported, not retried.
func (s *Server) SendToConnection(ctx context.Context, connectionID string, message any) bool {
	s.clientsMu.Lock()
	c, ok := s.clients[connectionID]
	s.clientsMu.Unlock()
	if !ok {
		return false
	}
	if err := c.write(ctx, message); err != nil {
		s.cfg.Logger.Warn("ws: direct send failed", "connection_id", connectionID, "error", err)
		return false
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.DirectSends.Add(ctx, 1)
	}
	return true
}

// CloseConnection force-closes a connection, if present. The read loop's
// deferred cleanup handles deregistration.
func (s *Server) CloseConnection(connectionID string, reason string) bool {
	s.clientsMu.Lock()
	c, ok := s.clients[connectionID]
	s.clientsMu.Unlock()
	if !ok {
		return false
	}
	_ = c.conn.Close(websocket.StatusGoingAway, reason)
	return true
}

func (s *Server) addClient(connectionID string, c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[connectionID] = c
}

func (s *Server) removeClient(connectionID string) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, connectionID)
}
