// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/contest-discovery/internal/api"
	"github.com/JakeFAU/contest-discovery/internal/clock/system"
	"github.com/JakeFAU/contest-discovery/internal/config"
	"github.com/JakeFAU/contest-discovery/internal/discovery"
	"github.com/JakeFAU/contest-discovery/internal/id/uuid"
	"github.com/JakeFAU/contest-discovery/internal/ingest"
	"github.com/JakeFAU/contest-discovery/internal/metrics"
	"github.com/JakeFAU/contest-discovery/internal/progress"
	"github.com/JakeFAU/contest-discovery/internal/progress/sinks"
	"github.com/JakeFAU/contest-discovery/internal/provider/retry"
	"github.com/JakeFAU/contest-discovery/internal/provider/youtube"
	"github.com/JakeFAU/contest-discovery/internal/publisher"
	"github.com/JakeFAU/contest-discovery/internal/publisher/pubsub"
	"github.com/JakeFAU/contest-discovery/internal/quota"
	"github.com/JakeFAU/contest-discovery/internal/runner"
	"github.com/JakeFAU/contest-discovery/internal/schedule"
	"github.com/JakeFAU/contest-discovery/internal/searchcache"
	"github.com/JakeFAU/contest-discovery/internal/storage/memory"
	"github.com/JakeFAU/contest-discovery/internal/storage/migrations"
	"github.com/JakeFAU/contest-discovery/internal/storage/postgres"
	"github.com/JakeFAU/contest-discovery/internal/storage/sqlite"
)

const shutdownTimeout = 10 * time.Second

// App holds all the shared, long-lived services for the application.
// It is initialized once at startup and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store      discovery.Store
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	governor   *quota.Governor
	cache      *searchcache.Cache
	hub        *progress.Hub
	controller *runner.Controller
	driver     *schedule.Driver
	server     *api.Server

	cancelRuns context.CancelFunc
	closeOnce  sync.Once
	closeErr   error
}

// Option overrides a collaborator normally built from configuration.
type Option func(*overrides)

type overrides struct {
	store     discovery.Store
	provider  discovery.Provider
	clock     discovery.Clock
	publisher publisher.Publisher
}

// WithStore injects a store instead of opening db.driver.
func WithStore(s discovery.Store) Option {
	return func(o *overrides) { o.store = s }
}

// WithProvider injects a provider instead of the YouTube client.
func WithProvider(p discovery.Provider) Option {
	return func(o *overrides) { o.provider = p }
}

// WithClock injects a clock instead of the system clock.
func WithClock(c discovery.Clock) Option {
	return func(o *overrides) { o.clock = c }
}

// WithPublisher injects the progress publisher instead of connecting to Pub/Sub.
func WithPublisher(p publisher.Publisher) Option {
	return func(o *overrides) { o.publisher = p }
}

// New builds every service from cfg. It fails fast if a critical service
// cannot be initialized and releases what it already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o overrides
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	clock := o.clock
	if clock == nil {
		clock = system.New()
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.metrics, err = metrics.New(a.registry); err != nil {
		return nil, err
	}

	a.store = o.store
	if a.store == nil {
		if a.store, err = OpenStore(ctx, cfg.DB, logger); err != nil {
			return nil, err
		}
	}

	a.governor, err = quota.NewGovernor(a.store, clock, cfg.Quota.DailyLimit, cfg.Costs(),
		quota.WithMetrics(a.metrics),
		quota.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("init quota governor: %w", err)
	}
	a.cache = searchcache.New(a.store, clock, cfg.Cache.TTL, a.metrics, logger)

	provider := o.provider
	if provider == nil {
		if provider, err = newYouTube(ctx, cfg, a.metrics, logger); err != nil {
			return nil, err
		}
	}

	ingestor, err := ingest.New(a.store, provider, a.governor, ingest.Options{
		Vocabulary:       cfg.Classifier.Keywords,
		DetailsChunkSize: cfg.Ingest.DetailsChunkSize,
		FetchChannels:    cfg.Ingest.FetchChannels,
		Clock:            clock,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init ingestor: %w", err)
	}

	progressSinks, err := a.buildSinks(ctx, o.publisher)
	if err != nil {
		return nil, err
	}
	a.hub = progress.NewHub(progress.Config{
		BufferSize:       cfg.Progress.BufferSize,
		SubscriberBuffer: cfg.Progress.SubscriberBuffer,
		MaxBatchEvents:   cfg.Progress.MaxBatchEvents,
		MaxBatchWait:     cfg.Progress.MaxBatchWait,
		Logger:           logger,
	}, progressSinks...)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancelRuns = cancel
	a.controller, err = runner.New(runner.Options{
		Runs:               a.store,
		Settings:           a.store,
		Cache:              a.cache,
		Provider:           provider,
		Quota:              a.governor,
		Ingestor:           ingestor,
		Progress:           a.hub,
		Clock:              clock,
		IDs:                uuid.New(),
		DefaultSettings:    cfg.Defaults.Settings,
		PageSize:           cfg.Search.PageSize,
		MaxPagesPerKeyword: cfg.Search.MaxPagesPerKeyword,
		LookbackDays:       cfg.Search.LookbackDays,
		BaseContext:        runCtx,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init run controller: %w", err)
	}

	a.driver, err = schedule.NewDriver(schedule.Options{
		Store:   a.store,
		Starter: a.controller,
		Clock:   clock,
		Default: cfg.Defaults.Cron,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init schedule driver: %w", err)
	}

	a.server, err = api.NewServer(api.Options{
		Controller: a.controller,
		Scheduler:  a.driver,
		Quota:      a.governor,
		Store:      a.store,
		Events:     a.hub,
		Metrics:    a.metrics,
		Gatherer:   a.registry,
		Ready: func(ctx context.Context) error {
			_, err := a.governor.Usage(ctx)
			return err
		},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init api server: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("db_driver", cfg.DB.Driver),
		zap.Int64("daily_limit", cfg.Quota.DailyLimit),
	)
	return a, nil
}

// OpenStore opens the configured backend, applying migrations first when
// db.migrate_on_start is set.
func OpenStore(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (discovery.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		logger.Info("using in-memory store; data is lost on exit")
		return memory.New(), nil
	case config.DriverSQLite:
		if cfg.MigrateOnStart {
			if err := Migrate(cfg, logger); err != nil {
				return nil, err
			}
		}
		store, err := sqlite.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.DriverPostgres:
		if cfg.MigrateOnStart {
			if err := Migrate(cfg, logger); err != nil {
				return nil, err
			}
		}
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
	}
}

// Migrate applies pending migrations for a SQL driver.
func Migrate(cfg config.DBConfig, logger *zap.Logger) error {
	if cfg.Driver != config.DriverSQLite && cfg.Driver != config.DriverPostgres {
		return fmt.Errorf("db driver %q has no migrations", cfg.Driver)
	}
	if err := migrations.Up(cfg.Driver, cfg.DSN); err != nil {
		return err
	}
	version, dirty, err := migrations.Version(cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}
	logger.Info("database schema up to date",
		zap.String("db_driver", cfg.Driver),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

func newYouTube(ctx context.Context, cfg config.Config, m *metrics.Metrics, logger *zap.Logger) (*youtube.Client, error) {
	yc := cfg.YouTube
	client, err := youtube.New(ctx, youtube.Options{
		APIKey:            yc.APIKey,
		Endpoint:          yc.Endpoint,
		Timeout:           cfg.ProviderTimeout(),
		RequestsPerSecond: yc.RequestsPerSecond,
		Burst:             yc.Burst,
		Policy: retry.NewExponentialPolicy(
			yc.MaxRetries,
			time.Duration(yc.BackoffInitialMs)*time.Millisecond,
			time.Duration(yc.BackoffMaxMs)*time.Millisecond,
		),
		RegionCode:        yc.RegionCode,
		RelevanceLanguage: yc.RelevanceLanguage,
		Metrics:           m,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init youtube provider: %w", err)
	}
	return client, nil
}

func (a *App) buildSinks(ctx context.Context, pub publisher.Publisher) ([]progress.Sink, error) {
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("init prometheus sink: %w", err)
	}
	out := []progress.Sink{sinks.NewLogSink(a.logger), promSink}

	ps := a.cfg.PubSub
	if pub == nil && ps.ProjectID != "" && ps.TopicName != "" {
		client, err := pubsub.Connect(ctx, ps.ProjectID, ps.TopicName)
		if err != nil {
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.logger.Info("publishing progress to pubsub", zap.String("topic", ps.TopicName))
		pub = client
	}
	if pub != nil {
		out = append(out, sinks.NewPublisherSink(pub, ps.TopicName, a.logger))
	}
	return out, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Controller returns the run controller.
func (a *App) Controller() *runner.Controller {
	return a.controller
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.server.Handler()
}

// Run serves HTTP, drives the schedule and sweeps the search cache until ctx
// is cancelled, then shuts the server down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.driver.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("schedule driver stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		a.cache.RunCleanupLoop(ctx, a.cfg.Cache.CleanupInterval)
	}()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
		close(serveErr)
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	if err, ok := <-serveErr; ok && err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// RunOnce executes one discovery run in the foreground and returns its record.
// Cancelling ctx stops the run.
func (a *App) RunOnce(ctx context.Context) (discovery.RunRecord, error) {
	runID, err := a.controller.Start(ctx)
	if err != nil {
		return discovery.RunRecord{}, fmt.Errorf("start run: %w", err)
	}
	stopOnCancel := context.AfterFunc(ctx, func() { a.controller.Stop() })
	defer stopOnCancel()

	if err := a.controller.Wait(context.WithoutCancel(ctx)); err != nil {
		return discovery.RunRecord{}, fmt.Errorf("wait for run: %w", err)
	}
	runs, err := a.store.ListRuns(context.WithoutCancel(ctx), 10)
	if err != nil {
		return discovery.RunRecord{}, fmt.Errorf("load run %s: %w", runID, err)
	}
	for _, r := range runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return discovery.RunRecord{}, fmt.Errorf("load run %s: %w", runID, discovery.ErrNotFound)
}

// Close stops any active run, flushes progress sinks and closes the store.
// It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.logger.Info("shutting down application services")
		var errs []error
		if a.cancelRuns != nil {
			a.cancelRuns()
		}
		if a.controller != nil {
			waitCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			if err := a.controller.Wait(waitCtx); err != nil {
				errs = append(errs, fmt.Errorf("wait for active run: %w", err))
			}
			cancel()
		}
		if a.hub != nil {
			if err := a.hub.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if a.store != nil {
			if err := a.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
		}
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}
