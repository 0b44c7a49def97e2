package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are loaded from environment variables (optionally seeded from a
// .env file) with defaults that run locally on the in-memory store.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN         string
	RunMigrations bool

	StripeAPIKey string

	Dispatch DispatchConfig
	Alerts   AlertConfig

	DirectoryTTL    time.Duration
	SweepInterval   time.Duration
	LiveLocationTTL time.Duration

	LogLevel string
}

type DispatchConfig struct {
	AvgSpeedKmh          float64
	DefaultMaxDistanceKm float64
	MaxCandidates        int
	MatchTimeout         time.Duration
}

type AlertConfig struct {
	ArrivedKm          float64
	ApproachingKm      float64
	DeviationKm        float64
	DeviationWindow    time.Duration
	DeviationMinPoints int
	ETAWindow          time.Duration
}

// ConsumerConfig is the ping consumer: the same stores and thresholds as the
// server plus its own metrics listener.
type ConsumerConfig struct {
	ServerConfig
	MetricsAddr string
}

// Defaults is the configuration with no environment applied.
func Defaults() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "location-pings",
		KafkaGroup:      "driver-dispatch-consumer",
		Dispatch: DispatchConfig{
			AvgSpeedKmh:          40,
			DefaultMaxDistanceKm: 10,
			MaxCandidates:        5,
			MatchTimeout:         3 * time.Second,
		},
		Alerts: AlertConfig{
			ArrivedKm:          0.5,
			ApproachingKm:      2.0,
			DeviationKm:        1.0,
			DeviationWindow:    5 * time.Minute,
			DeviationMinPoints: 3,
			ETAWindow:          30 * time.Second,
		},
		DirectoryTTL:    time.Hour,
		SweepInterval:   time.Minute,
		LiveLocationTTL: 5 * time.Minute,
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := Defaults()
	var errs []error
	loadDotEnv(&errs)

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	cfg.StripeAPIKey = strings.TrimSpace(os.Getenv("STRIPE_API_KEY"))

	d := &cfg.Dispatch
	setFloatFromEnv(&d.AvgSpeedKmh, "DISPATCH_AVG_SPEED_KMH", &errs)
	setFloatFromEnv(&d.DefaultMaxDistanceKm, "DISPATCH_DEFAULT_MAX_DISTANCE_KM", &errs)
	setIntFromEnv(&d.MaxCandidates, "DISPATCH_MAX_CANDIDATES", &errs)
	setDurationFromEnv(&d.MatchTimeout, "DISPATCH_MATCH_TIMEOUT", &errs)

	a := &cfg.Alerts
	setFloatFromEnv(&a.ArrivedKm, "ALERT_ARRIVED_KM", &errs)
	setFloatFromEnv(&a.ApproachingKm, "ALERT_APPROACHING_KM", &errs)
	setFloatFromEnv(&a.DeviationKm, "ALERT_DEVIATION_KM", &errs)
	setDurationFromEnv(&a.DeviationWindow, "ALERT_DEVIATION_WINDOW", &errs)
	setIntFromEnv(&a.DeviationMinPoints, "ALERT_DEVIATION_MIN_POINTS", &errs)
	setDurationFromEnv(&a.ETAWindow, "ALERT_ETA_WINDOW", &errs)

	setDurationFromEnv(&cfg.DirectoryTTL, "REALTIME_DIRECTORY_TTL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "REALTIME_SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.LiveLocationTTL, "LIVE_LOCATION_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	base, err := LoadServerConfig()
	cfg := ConsumerConfig{ServerConfig: base, MetricsAddr: ":2112"}
	setStringFromEnv(&cfg.MetricsAddr, "CONSUMER_METRICS_ADDR")
	if len(cfg.KafkaBrokers) == 0 {
		err = errors.Join(err, errors.New("KAFKA_BROKERS is required for the consumer"))
	}
	return cfg, err
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.Dispatch.AvgSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_AVG_SPEED_KMH must be > 0"))
	}
	if c.Dispatch.DefaultMaxDistanceKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_DEFAULT_MAX_DISTANCE_KM must be > 0"))
	}
	if c.Dispatch.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if c.Alerts.ArrivedKm <= 0 || c.Alerts.DeviationKm <= 0 {
		errs = append(errs, fmt.Errorf("alert distances must be > 0"))
	}
	if c.Alerts.ApproachingKm <= c.Alerts.ArrivedKm {
		errs = append(errs, fmt.Errorf("ALERT_APPROACHING_KM must exceed ALERT_ARRIVED_KM"))
	}
	if c.Alerts.DeviationMinPoints < 2 {
		errs = append(errs, fmt.Errorf("ALERT_DEVIATION_MIN_POINTS must be >= 2"))
	}
	if c.DirectoryTTL <= 0 || c.LiveLocationTTL <= 0 {
		errs = append(errs, fmt.Errorf("TTLs must be > 0"))
	}
	// queued pings are processed by another process; both must share
	// bookings, the driver index and fan-out
	if len(c.KafkaBrokers) > 0 {
		if c.PGDSN == "" {
			errs = append(errs, fmt.Errorf("PG_DSN is required when KAFKA_BROKERS is set"))
		}
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR is required when KAFKA_BROKERS is set"))
		}
	}
	return errs
}

// loadDotEnv seeds the environment from .env. Variables already set win.
func loadDotEnv(errs *[]error) {
	path := os.Getenv("DOTENV_PATH")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		*errs = append(*errs, fmt.Errorf("load %s: %w", path, err))
	}
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
