package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/availability"
	"github.com/example/driver-dispatch/internal/booking"
	"github.com/example/driver-dispatch/internal/config"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/ingest"
	"github.com/example/driver-dispatch/internal/matcher"
	"github.com/example/driver-dispatch/internal/payments"
	"github.com/example/driver-dispatch/internal/realtime"
	"github.com/example/driver-dispatch/internal/servicearea"
	"github.com/example/driver-dispatch/internal/storage"
	"github.com/example/driver-dispatch/internal/tracking"
)

// App is the wired engine shared by the server and the consumer.
type App struct {
	Config config.ServerConfig
	Logger *slog.Logger

	Store    storage.Store
	Redis    *redis.Client
	Hub      *realtime.Hub
	Notifier *realtime.Notifier

	Areas    *servicearea.Service
	Drivers  *availability.Service
	Bookings *booking.Service
	Matcher  *matcher.Service
	Tracking *tracking.Processor
	// Pings is nil unless Kafka brokers are configured.
	Pings *ingest.KafkaProducer

	memDirectory *realtime.MemoryDirectory
	closers      []func() error
}

// New opens the configured backends and wires the services. With no
// PG_DSN or REDIS_ADDR everything runs in process.
func New(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if cfg.RedisAddr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.closers = append(a.closers, a.Redis.Close)
	}

	var (
		index     geo.Index
		directory realtime.Directory
		cache     tracking.LiveCache
	)
	if a.Redis != nil {
		index = geo.NewRedisGeo(a.Redis, cfg.RedisGeoKey)
		directory = realtime.NewRedisDirectory(a.Redis, cfg.DirectoryTTL)
		cache = tracking.NewRedisLiveCache(a.Redis, cfg.LiveLocationTTL)
	} else {
		index = geo.NewMemoryIndex()
		a.memDirectory = realtime.NewMemoryDirectory(cfg.DirectoryTTL)
		directory = a.memDirectory
		cache = tracking.NewMemoryLiveCache(cfg.LiveLocationTTL)
	}

	a.Hub = realtime.NewHub(directory, logger)
	if a.Redis != nil {
		a.Hub.SetRelay(realtime.NewRedisRelay(a.Redis, realtime.DefaultRelayChannel, logger))
	}
	a.Notifier = realtime.NewNotifier(a.Hub, a.Store, logger)

	a.Areas = servicearea.NewService(a.Store, cfg.Dispatch.AvgSpeedKmh, logger)
	a.Drivers = availability.NewService(a.Store, index, a.Notifier, logger)

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeClient(cfg.StripeAPIKey)
	}
	a.Bookings = &booking.Service{
		Store:    a.Store,
		Quoter:   a.Areas,
		Drivers:  a.Drivers,
		Payments: gateway,
		Events:   a.Notifier,
		Logger:   logger,
	}
	a.Matcher = &matcher.Service{
		Store:                a.Store,
		Drivers:              a.Drivers,
		Dispatch:             a.Notifier,
		Logger:               logger,
		AvgSpeedKmh:          cfg.Dispatch.AvgSpeedKmh,
		DefaultMaxDistanceKm: cfg.Dispatch.DefaultMaxDistanceKm,
		MaxCandidates:        cfg.Dispatch.MaxCandidates,
		Timeout:              cfg.Dispatch.MatchTimeout,
	}
	a.Tracking = tracking.NewProcessor(a.Store, tracking.Options{
		Bookings: a.Bookings,
		Drivers:  a.Drivers,
		Notifier: a.Notifier,
		Cache:    cache,
		Thresholds: tracking.Thresholds{
			ArrivedKm:          cfg.Alerts.ArrivedKm,
			ApproachingKm:      cfg.Alerts.ApproachingKm,
			DeviationKm:        cfg.Alerts.DeviationKm,
			DeviationWindow:    cfg.Alerts.DeviationWindow,
			DeviationMinPoints: cfg.Alerts.DeviationMinPoints,
			ETAWindow:          cfg.Alerts.ETAWindow,
			AvgSpeedKmh:        cfg.Dispatch.AvgSpeedKmh,
		},
		Logger: logger,
	})

	if len(cfg.KafkaBrokers) > 0 {
		a.Pings = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, a.Pings.Close)
	}

	a.Hub.OnDisconnect(a.driverDisconnected)

	if n, err := a.Drivers.Reindex(ctx); err != nil {
		logger.Warn("driver index rebuild failed", "err", err)
	} else {
		logger.Info("driver index rebuilt", "drivers", n)
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	if a.Config.PGDSN == "" {
		a.Store = storage.NewMemoryStore()
		a.Logger.Info("using in-memory store")
		return nil
	}
	pg, err := storage.NewPostgresStore(ctx, a.Config.PGDSN)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	if a.Config.RunMigrations {
		applied, err := pg.ApplyMigrations(ctx, "migrations")
		if err != nil {
			_ = pg.Close()
			return err
		}
		a.Logger.Info("migrations applied", "files", applied)
	}
	a.Store = pg
	a.closers = append(a.closers, pg.Close)
	return nil
}

// driverDisconnected forces a busy driver offline once their last session
// is gone, so the dispatcher sees the dropped provider.
func (a *App) driverDisconnected(s *realtime.Session, lastForUser bool) {
	if !lastForUser || s.DriverID == "" {
		return
	}
	ctx := context.Background()
	changed, err := a.Drivers.ForceOffline(ctx, s.TenantID, s.DriverID)
	if err != nil {
		a.Logger.Warn("force offline failed", "driver_id", s.DriverID, "err", err)
		return
	}
	if changed {
		a.Logger.Info("driver disconnected mid-trip", "driver_id", s.DriverID)
	}
}

// Run starts the background loops and blocks until ctx is done.
func (a *App) Run(ctx context.Context) {
	if a.memDirectory != nil {
		go a.memDirectory.Run(ctx, a.Config.SweepInterval)
	}
	if err := a.Hub.RunRelay(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("relay stopped", "err", err)
	}
	<-ctx.Done()
}

func (a *App) Close() error {
	if a.Hub != nil {
		a.Hub.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
