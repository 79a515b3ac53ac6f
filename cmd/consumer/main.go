package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/cab-dispatch/internal/config"
	"github.com/example/cab-dispatch/internal/logging"
	"github.com/example/cab-dispatch/internal/models"
	"github.com/example/cab-dispatch/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total dispatch events consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	rideUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_ride_updates_total",
		Help: "Total ride rows written",
	})
	rideErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_ride_errors_total",
		Help: "Total ride writes that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, rideUpdates, rideErrors)
}

// pinger is the readiness probe of the backing store.
type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		logger.Error("postgres unavailable", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	go serveMetrics(cfg.MetricsAddr, pg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.Topic, GroupID: cfg.Group, MinBytes: 1, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.Topic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)
	consume(ctx, r, pg, logger)
	logger.Info("shutting down consumer")
}

func serveMetrics(addr string, db pinger, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "postgres not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("metrics server stopped", "error", err)
	}
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx is done, backing off on broker errors.
func consume(ctx context.Context, r MessageReader, repo storage.RideRepository, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second
		msgsConsumed.Inc()

		var ev models.DispatchEvent
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RideID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := applyWithRetry(ctx, repo, ev, 3, 200*time.Millisecond); err != nil {
			rideErrors.Inc()
			logger.Error("ride update failed", "ride_id", ev.RideID, "state", ev.State, "error", err)
			continue
		}
		rideUpdates.Inc()
	}
}

// applyWithRetry writes ev with exponential backoff. Events with an unknown
// state are not retried.
func applyWithRetry(ctx context.Context, repo storage.RideRepository, ev models.DispatchEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = storage.Apply(ctx, repo, ev); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrInvalidMessage) || i == attempts-1 {
			return err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
