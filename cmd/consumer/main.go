package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/driver-dispatch/internal/app"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/logging"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/tracking"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total location ping messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total undecodable messages received",
	})
	pingsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_pings_rejected_total",
		Help: "Pings rejected by the tracking pipeline without retry",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, pingsRejected)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger("dispatch-consumer", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg.ServerConfig, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()
	go a.Run(ctx)

	go serveMetrics(cfg.MetricsAddr, a, logger)

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, a.Tracking, logger)
	logger.Info("shutting down consumer")
}

func serveMetrics(addr string, a *app.App, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if a.Redis != nil {
			if err := a.Redis.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "err", err)
	}
}

// MessageReader is the part of *kafka.Reader the loop needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// PingProcessor runs one ping through the tracking pipeline.
type PingProcessor interface {
	Process(ctx context.Context, cmd tracking.PingCommand) (*tracking.PingResult, error)
}

const maxBackoff = 30 * time.Second

func consume(ctx context.Context, r MessageReader, p PingProcessor, logger *slog.Logger) {
	backoff := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "err", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		msg, err := ingest.Decode(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "err", err)
			continue
		}
		err = processWithRetry(ctx, p, msg.Command(), 3, 200*time.Millisecond)
		switch {
		case err == nil:
		case permanent(err):
			pingsRejected.Inc()
			logger.Info("ping rejected", "booking_id", msg.BookingID, "driver_id", msg.DriverID, "err", err)
		default:
			observability.ConsumerErrors.Inc()
			logger.Error("ping processing failed", "booking_id", msg.BookingID, "err", err)
		}
	}
}

// permanent errors mean the ping itself is wrong; retrying cannot help.
func permanent(err error) bool {
	return errors.Is(err, tracking.ErrInvalidPing) ||
		errors.Is(err, tracking.ErrBookingNotFound) ||
		errors.Is(err, tracking.ErrDriverMismatch) ||
		errors.Is(err, tracking.ErrBookingNotActive)
}

// processWithRetry retries transient failures with doubling delay.
func processWithRetry(ctx context.Context, p PingProcessor, cmd tracking.PingCommand, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = p.Process(ctx, cmd); err == nil || permanent(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if !sleep(ctx, delay) {
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
