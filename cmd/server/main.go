package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/cab-dispatch/internal/config"
	"github.com/example/cab-dispatch/internal/dispatch"
	"github.com/example/cab-dispatch/internal/gateway"
	"github.com/example/cab-dispatch/internal/geo"
	"github.com/example/cab-dispatch/internal/heartbeat"
	httpapi "github.com/example/cab-dispatch/internal/http"
	"github.com/example/cab-dispatch/internal/ingest"
	"github.com/example/cab-dispatch/internal/logging"
	"github.com/example/cab-dispatch/internal/matcher"
	"github.com/example/cab-dispatch/internal/payments"
	"github.com/example/cab-dispatch/internal/presence"
	"github.com/example/cab-dispatch/internal/route"
	"github.com/example/cab-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	reg := presence.NewRegistry()
	store := geo.NewStore(cfg.LocationStaleAfter)
	checks := map[string]httpapi.ReadyCheck{}
	var closers []func() error

	var repos storage.Multi
	var sinks []gateway.Sink
	var status gateway.StatusPublisher

	if cfg.RedisAddr != "" {
		mirror := geo.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.RedisLocationChannel)
		sinks = append(sinks, gateway.Sink{Name: "redis", Publisher: mirror})
		status = mirror
		checks["redis"] = mirror.Ping
		closers = append(closers, mirror.Close)
		logger.Info("redis mirror enabled", "addr", cfg.RedisAddr, "geo_key", cfg.RedisGeoKey)
	}

	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaDispatchTopic)
		sinks = append(sinks, gateway.Sink{Name: "kafka", Publisher: kp})
		repos = append(repos, kp)
		closers = append(closers, kp.Close)
		logger.Info("kafka producer enabled", "brokers", cfg.KafkaBrokers, "location_topic", cfg.KafkaLocationTopic, "dispatch_topic", cfg.KafkaDispatchTopic)
	}

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx, "migrations"); err != nil {
				logger.Error("migration failed", "error", err)
			} else {
				logger.Info("migration applied", "file", "001_create_rides.sql")
			}
		}
		repos = append(repos, pg)
		checks["postgres"] = pg.Ping
		closers = append(closers, pg.Close)
	}
	if len(repos) == 0 {
		repos = append(repos, storage.NewMemoryStore())
	}

	var listeners []dispatch.Listener
	var fares gateway.FareSettler
	if cfg.StripeAPIKey != "" {
		fh := payments.NewFareHold(payments.NewStripeClient(cfg.StripeAPIKey), cfg.PaymentCurrency, logger)
		listeners = append(listeners, fh)
		fares = fh
	}

	coord := dispatch.NewCoordinator(dispatch.Config{
		Timeout:       cfg.DispatchTimeout,
		RadiusKm:      cfg.DispatchRadiusKm,
		MaxCandidates: cfg.DispatchMaxCandidates,
		Retention:     cfg.DispatchRetention,
		SendTimeout:   cfg.SessionSendTimeout,
	}, dispatch.Deps{
		Presence:  reg,
		Locations: store,
		Finder:    matcher.NewFinder(store, reg),
		Estimator: newEstimator(cfg, logger),
		Repo:      repos,
		Listeners: listeners,
		Logger:    logger,
	})

	monitor := heartbeat.NewMonitor(reg, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, logger)
	if status != nil {
		monitor.Status = status
	}

	gw := gateway.New(gateway.Config{
		Registry:    reg,
		Locations:   store,
		Coordinator: coord,
		Monitor:     monitor,
		Sinks:       sinks,
		Status:      status,
		Fares:       fares,
		Logger:      logger,
	})

	api := httpapi.NewServer(httpapi.Options{
		Gateway:     gw,
		Registry:    reg,
		Locations:   store,
		Coordinator: coord,
		Logger:      logger,
		SendBuffer:  cfg.SessionSendBuffer,
		SendTimeout: cfg.SessionSendTimeout,
		Checks:      checks,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go monitor.Run(monitorCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("cab-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	stopMonitor()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	// websocket connections are hijacked, so Shutdown does not wait for them
	coord.Close()
	reg.Drain()
	store.Clear()
	for _, c := range closers {
		if err := c(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
	return nil
}

// newEstimator prefers Google Directions, then OSRM, then straight-line, with
// a cache in front of the network routers.
func newEstimator(cfg config.ServerConfig, logger *slog.Logger) route.Estimator {
	fares := route.FareTable{Base: cfg.FareBase, PerKm: cfg.FarePerKm, PerMinute: cfg.FarePerMinute, Surge: cfg.FareSurge}
	var r route.Router = route.Straight{SpeedMps: cfg.DefaultSpeedMps}
	switch {
	case cfg.GoogleMapsAPIKey != "":
		g, err := route.NewGoogleRouter(cfg.GoogleMapsAPIKey)
		if err != nil {
			logger.Warn("google router disabled", "error", err)
			break
		}
		r = route.NewCache(g, cfg.RouteCacheTTL)
		logger.Info("route estimator", "kind", "google")
	case cfg.OSRMEndpoint != "":
		r = route.NewCache(route.NewOSRMClient(cfg.OSRMEndpoint), cfg.RouteCacheTTL)
		logger.Info("route estimator", "kind", "osrm", "endpoint", cfg.OSRMEndpoint)
	}
	return route.NewService(r, fares)
}
