package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("defaults should load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.DispatchTimeout != 30*time.Second || cfg.DispatchMaxCandidates != 5 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.HeartbeatTimeout != 300*time.Second || cfg.LocationStaleAfter != 120*time.Second {
		t.Fatalf("unexpected liveness defaults %+v", cfg)
	}
	if cfg.FareBase != 50 || cfg.FarePerKm != 12 || cfg.FarePerMinute != 2 {
		t.Fatalf("unexpected fare defaults %+v", cfg)
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("DISPATCH_TIMEOUT", "45s")
	t.Setenv("DISPATCH_RADIUS_KM", "3.5")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("PAYMENT_CURRENCY", " USD ")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":9000" || cfg.DispatchTimeout != 45*time.Second || cfg.DispatchRadiusKm != 3.5 {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if !cfg.RunMigrations || cfg.PaymentCurrency != "usd" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected flags %+v", cfg)
	}
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("DISPATCH_TIMEOUT", "soon")
	t.Setenv("DISPATCH_MAX_CANDIDATES", "0")
	t.Setenv("DISPATCH_RADIUS_KM", "-1")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"invalid DISPATCH_TIMEOUT", "DISPATCH_MAX_CANDIDATES must be > 0", "DISPATCH_RADIUS_KM must be > 0"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("missing %q in %v", want, err)
		}
	}
}

func TestHeartbeatIntervalBound(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "10m")
	if _, err := LoadServerConfig(); err == nil || !strings.Contains(err.Error(), "HEARTBEAT_INTERVAL") {
		t.Fatalf("expected interval error, got %v", err)
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("PG_DSN", "")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatalf("PG_DSN should be required")
	}
	t.Setenv("PG_DSN", "postgres://localhost/rides")
	t.Setenv("KAFKA_GROUP", "g1")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Group != "g1" || cfg.Topic != "dispatch-events" || cfg.MetricsAddr != ":2112" {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}
}
