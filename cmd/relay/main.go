// Command relay runs the WebSocket messaging gateway: admission-controlled
// ingress on /ws, a broker-backed channel bus, and the HTTP facade for
// backend services.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/symphainy/relay/internal/audit"
	"github.com/symphainy/relay/internal/bus"
	"github.com/symphainy/relay/internal/config"
	"github.com/symphainy/relay/internal/gateway"
	"github.com/symphainy/relay/internal/messaging"
	otelx "github.com/symphainy/relay/internal/otel"
	"github.com/symphainy/relay/internal/persistence"
	"github.com/symphainy/relay/internal/registry"
	"github.com/symphainy/relay/internal/session"
	"github.com/symphainy/relay/internal/sweeper"
	"github.com/symphainy/relay/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "relay: %s: %v\n", code, err)
	os.Exit(1)
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: $RELAY_HOME/config.yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	// Broker: Redis for multi-instance fanout, in-process otherwise.
	var broker bus.Broker
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		rb := bus.NewRedisBroker(client)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := rb.Ping(pingCtx); err != nil {
			cancel()
			fatalStartup(logger, "E_REDIS_CONNECT", err)
		}
		cancel()
		broker = rb
		logger.Info("broker connected", "kind", "redis", "addr", cfg.Redis.Addr)
	} else {
		broker = bus.NewMemoryBroker()
		logger.Info("broker connected", "kind", "memory")
	}
	defer broker.Close()

	channelBus := bus.New(broker, bus.ChannelPrefix, logger)
	eventBus := bus.New(broker, bus.EventPrefix, logger)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	var validator session.Validator
	switch {
	case cfg.SessionValidatorURL != "":
		validator = session.NewHTTPValidator(cfg.SessionValidatorURL, 5*time.Second)
	case len(cfg.DevSessions) > 0:
		logger.Warn("using static dev sessions; not for production")
		validator = session.Static(cfg.DevSessions)
	}

	reg := registry.New(validator, registry.Limits{
		MaxPerUser: cfg.MaxConnectionsPerUser,
		MaxGlobal:  cfg.MaxConnectionsTotal,
	}, logger)

	schemas, err := gateway.NewSchemaValidator(cfg.ChannelSchemas)
	if err != nil {
		fatalStartup(logger, "E_SCHEMA_COMPILE", err)
	}

	gw := gateway.New(gateway.Config{
		Registry: reg,
		Bus:      channelBus,
		Schemas:  schemas,
		CloseCodes: gateway.CloseCodes{
			ValidationFailed: cfg.CloseCodes.ValidationFailed,
			UserLimit:        cfg.CloseCodes.UserLimit,
			GlobalLimit:      cfg.CloseCodes.GlobalLimit,
		},
		AllowOrigins: cfg.AllowOrigins,
		InstanceID:   cfg.InstanceID,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
	})

	wsURL := cfg.PublicURL
	if wsURL == "" {
		wsURL = "ws://" + cfg.BindAddr
	}
	facade := messaging.New(messaging.Config{
		WebsocketURL: wsURL + "/ws",
		ChannelBus:   channelBus,
		EventBus:     eventBus,
		Sender:       gw,
		Realms:       cfg,
		Store:        store,
		Logger:       logger,
	})

	if cfg.Sweeper.Enabled {
		sw, err := sweeper.New(sweeper.Config{
			Registry:    reg,
			Gateway:     gw,
			Schedule:    cfg.Sweeper.Schedule,
			IdleTimeout: time.Duration(cfg.Sweeper.IdleTimeoutMinutes) * time.Minute,
			Logger:      logger,
			Swept: func(n int) {
				metrics.SweptConnections.Add(context.Background(), int64(n))
			},
		})
		if err != nil {
			fatalStartup(logger, "E_SWEEPER_INIT", err)
		}
		sw.Start(ctx)
		defer sw.Stop()
	}

	// Hot-reload admission limits on config.yaml changes.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				reg.SetLimits(registry.Limits{
					MaxPerUser: reloaded.MaxConnectionsPerUser,
					MaxGlobal:  reloaded.MaxConnectionsTotal,
				})
				logger.Info("admission limits reloaded",
					"max_per_user", reloaded.MaxConnectionsPerUser,
					"max_global", reloaded.MaxConnectionsTotal,
					"fingerprint", reloaded.Fingerprint())
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/", gw.Handler())
	mux.Handle("/api/", messaging.NewHTTPHandler(facade))

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: mux,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.BindAddr, "ws", "/ws", "instance", cfg.InstanceID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}
