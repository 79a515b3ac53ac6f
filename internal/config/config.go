package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Values are loaded from environment variables with defaults that let the
// binary run locally with no backing services.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	DispatchTimeout       time.Duration
	DispatchRadiusKm      float64
	DispatchMaxCandidates int
	DispatchRetention     time.Duration

	LocationStaleAfter time.Duration
	HeartbeatInterval  time.Duration
	HeartbeatTimeout   time.Duration

	SessionSendTimeout time.Duration
	SessionSendBuffer  int

	OSRMEndpoint     string
	GoogleMapsAPIKey string
	RouteCacheTTL    time.Duration
	DefaultSpeedMps  float64
	FareBase         float64
	FarePerKm        float64
	FarePerMinute    float64
	FareSurge        float64

	RedisAddr            string
	RedisPassword        string
	RedisGeoKey          string
	RedisLocationChannel string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaDispatchTopic string

	PGDSN         string
	RunMigrations bool

	StripeAPIKey    string
	PaymentCurrency string

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		DispatchTimeout:       30 * time.Second,
		DispatchRadiusKm:      5,
		DispatchMaxCandidates: 5,
		DispatchRetention:     5 * time.Minute,

		LocationStaleAfter: 120 * time.Second,
		HeartbeatInterval:  60 * time.Second,
		HeartbeatTimeout:   300 * time.Second,

		SessionSendTimeout: 5 * time.Second,
		SessionSendBuffer:  32,

		RouteCacheTTL:   5 * time.Minute,
		DefaultSpeedMps: 8,
		FareBase:        50,
		FarePerKm:       12,
		FarePerMinute:   2,
		FareSurge:       1.0,

		RedisGeoKey:          "drivers_geo",
		RedisLocationChannel: "driver_locations",

		KafkaLocationTopic: "driver-locations",
		KafkaDispatchTopic: "dispatch-events",

		PaymentCurrency: "inr",
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.DispatchTimeout, "DISPATCH_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.DispatchRadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.DispatchMaxCandidates, "DISPATCH_MAX_CANDIDATES", &errs)
	setDurationFromEnv(&cfg.DispatchRetention, "DISPATCH_RETENTION", &errs)

	setDurationFromEnv(&cfg.LocationStaleAfter, "LOCATION_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", &errs)
	setDurationFromEnv(&cfg.HeartbeatTimeout, "HEARTBEAT_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.SessionSendTimeout, "SESSION_SEND_TIMEOUT", &errs)
	setIntFromEnv(&cfg.SessionSendBuffer, "SESSION_SEND_BUFFER", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GoogleMapsAPIKey = strings.TrimSpace(os.Getenv("GOOGLE_MAPS_API_KEY"))
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setFloatFromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setFloatFromEnv(&cfg.FarePerMinute, "FARE_PER_MINUTE", &errs)
	setFloatFromEnv(&cfg.FareSurge, "FARE_SURGE", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.RedisLocationChannel, "REDIS_LOCATION_CHANNEL")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaDispatchTopic, "KAFKA_DISPATCH_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))
	if v := os.Getenv("PAYMENT_CURRENCY"); v != "" {
		cfg.PaymentCurrency = strings.ToLower(strings.TrimSpace(v))
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"DISPATCH_TIMEOUT", c.DispatchTimeout},
		{"LOCATION_STALE_AFTER", c.LocationStaleAfter},
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"HEARTBEAT_TIMEOUT", c.HeartbeatTimeout},
		{"SESSION_SEND_TIMEOUT", c.SessionSendTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", d.key))
		}
	}
	if c.DispatchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if c.DispatchMaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if c.DispatchRetention < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RETENTION must be >= 0"))
	}
	if c.SessionSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_SEND_BUFFER must be > 0"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}
	if c.FareSurge <= 0 {
		errs = append(errs, fmt.Errorf("FARE_SURGE must be > 0"))
	}
	if c.HeartbeatInterval > c.HeartbeatTimeout && c.HeartbeatTimeout > 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL must not exceed HEARTBEAT_TIMEOUT"))
	}
	return errs
}

// ConsumerConfig configures the dispatch-event persister.
type ConsumerConfig struct {
	KafkaBrokers []string
	Topic        string
	Group        string
	PGDSN        string
	MetricsAddr  string
	LogLevel     string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		Topic:        "dispatch-events",
		Group:        "dispatch-persister",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_DISPATCH_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	cfg.PGDSN = strings.TrimSpace(os.Getenv("PG_DSN"))
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
