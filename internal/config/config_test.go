package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.KafkaTopic != "location-pings" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Dispatch.AvgSpeedKmh != 40 || cfg.Dispatch.MaxCandidates != 5 || cfg.Dispatch.MatchTimeout != 3*time.Second {
		t.Fatalf("unexpected dispatch defaults %+v", cfg.Dispatch)
	}
	if cfg.Alerts.ArrivedKm != 0.5 || cfg.Alerts.ApproachingKm != 2 || cfg.Alerts.ETAWindow != 30*time.Second {
		t.Fatalf("unexpected alert defaults %+v", cfg.Alerts)
	}
	if cfg.DirectoryTTL != time.Hour {
		t.Fatalf("unexpected directory ttl %v", cfg.DirectoryTTL)
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("PG_DSN", "postgres://dispatch@db/dispatch")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("DISPATCH_MAX_CANDIDATES", "9")
	t.Setenv("ALERT_DEVIATION_WINDOW", "10m")
	t.Setenv("LOG_LEVEL", "DEBUG")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.Dispatch.MaxCandidates != 9 || cfg.Alerts.DeviationWindow != 10*time.Minute || cfg.LogLevel != "debug" {
		t.Fatalf("overrides not applied %+v", cfg)
	}
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("DISPATCH_AVG_SPEED_KMH", "0")
	t.Setenv("ALERT_APPROACHING_KM", "0.4")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"HTTP_READ_TIMEOUT", "DISPATCH_AVG_SPEED_KMH", "ALERT_APPROACHING_KM"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("PG_DSN=postgres://from-file\nHTTP_ADDR=:9999\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOTENV_PATH", path)
	t.Setenv("HTTP_ADDR", ":7000")
	t.Setenv("PG_DSN", "")
	os.Unsetenv("PG_DSN")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTPAddr != ":7000" || cfg.PGDSN != "postgres://from-file" {
		t.Fatalf("unexpected %q %q", cfg.HTTPAddr, cfg.PGDSN)
	}
}

func TestLoadConsumerConfigRequiresBrokers(t *testing.T) {
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("KAFKA_BROKERS", "")
	if _, err := LoadConsumerConfig(); err == nil {
		t.Fatal("expected missing brokers error")
	}
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("PG_DSN", "postgres://dispatch@db/dispatch")
	t.Setenv("REDIS_ADDR", "redis:6379")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MetricsAddr != ":2112" || cfg.KafkaGroup != "driver-dispatch-consumer" {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}
}

func TestKafkaRequiresSharedStores(t *testing.T) {
	t.Setenv("DOTENV_PATH", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("PG_DSN", "")
	t.Setenv("REDIS_ADDR", "")

	_, err := LoadConsumerConfig()
	if err == nil {
		t.Fatal("expected consumer config without postgres and redis to fail")
	}
	for _, want := range []string{"PG_DSN", "REDIS_ADDR"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
	if _, err := LoadServerConfig(); err == nil || !strings.Contains(err.Error(), "PG_DSN") {
		t.Fatalf("expected server config with kafka to require PG_DSN, got %v", err)
	}

	t.Setenv("KAFKA_BROKERS", "")
	if _, err := LoadServerConfig(); err != nil {
		t.Fatalf("server without kafka should run standalone: %v", err)
	}
}
