package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradeguard/internal/alerting"
	"tradeguard/internal/api"
	"tradeguard/internal/breaker"
	"tradeguard/internal/config"
	"tradeguard/internal/fetcher"
	"tradeguard/internal/lock"
	"tradeguard/internal/metrics"
	"tradeguard/internal/quality"
	"tradeguard/internal/scheduler"
	"tradeguard/internal/service"
	"tradeguard/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// backend is what both the PostgreSQL store and the in-memory store provide.
type backend interface {
	breaker.Repository
	breaker.EventStore
	storage.QualityScoreStore
	ListEvents(ctx context.Context, tenantID, breakerID string, limit int) ([]breaker.TradingEvent, error)
}

// runtime bundles the wired components of one command invocation.
type runtime struct {
	store      backend
	pg         *storage.Store
	metrics    *metrics.Recorder
	dispatcher *alerting.Dispatcher
	engine     *breaker.Engine
	monitor    *quality.Monitor
	closers    []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// openStore returns the PostgreSQL store when a DSN is configured and an
// in-memory store otherwise.
func (a *App) openStore(ctx context.Context) (backend, *storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		a.Logger.Warn().Msg("database.dsn not configured; using in-memory store")
		return storage.NewMemoryStore(storage.WithScoreCapacity(a.Config.Quality.HistoryCapacity)), nil, func() {}, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, nil, err
	}

	store := storage.NewStore(pool)
	return store, store, store.Close, nil
}

func (a *App) requirePostgres(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn 未配置")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewStore(pool)
	return store, store.Close, nil
}

func (a *App) newLocker(ctx context.Context) (lock.Locker, func(), error) {
	if !a.Config.Redis.Enabled {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	locker := lock.NewRedisLocker(client, lock.RedisOptions{
		Prefix: a.Config.Redis.LockPrefix,
		TTL:    a.Config.Redis.LockTTL,
	})
	return locker, func() { _ = client.Close() }, nil
}

// newDispatcher registers every configured alert channel. Outbound channels
// are wrapped in a rate-limited circuit guard.
func (a *App) newDispatcher(rec *metrics.Recorder) (*alerting.Dispatcher, func(), error) {
	d := alerting.NewDispatcher(a.Logger, rec)
	closer := func() {}
	if !a.Config.Alerting.Enabled {
		return d, closer, nil
	}

	cfg := a.Config.Alerting
	guard := alerting.GuardOptions{
		RatePerSecond: cfg.Guard.RatePerSecond,
		Burst:         cfg.Guard.Burst,
		MaxFailures:   cfg.Guard.MaxFailures,
		OpenTimeout:   cfg.Guard.OpenTimeout,
	}

	if cfg.Log {
		d.Register("log", alerting.NewLogNotifier(a.Logger))
	}
	if cfg.Telegram.Enabled {
		tg := alerting.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, cfg.Telegram.Timeout, a.Logger)
		d.Register("telegram", alerting.NewGuarded("telegram", tg, guard, a.Logger))
	}
	if cfg.Kafka.Enabled {
		writer, err := alerting.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.WriteTimeout)
		if err != nil {
			return nil, nil, err
		}
		kn := alerting.NewKafkaNotifier(writer, a.Logger)
		d.Register("kafka", alerting.NewGuarded("kafka", kn, guard, a.Logger))
		closer = func() {
			if err := kn.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka writer")
			}
		}
	}
	return d, closer, nil
}

func (a *App) newMonitor(store quality.HistoryStore, d *alerting.Dispatcher, rec *metrics.Recorder) (*quality.Monitor, error) {
	m := quality.NewMonitor(a.Logger,
		quality.WithConfig(a.Config.Quality.Scoring),
		quality.WithHistoryCapacity(a.Config.Quality.HistoryCapacity),
		quality.WithHistoryStore(store),
		quality.WithDispatcher(d),
		quality.WithMetrics(rec),
	)
	for dataType, threshold := range a.Config.Quality.Thresholds {
		if err := m.SetQualityThreshold(quality.DataType(strings.ToUpper(dataType)), threshold); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (a *App) newFeeds() []fetcher.Feed {
	feeds := make([]fetcher.Feed, 0, len(a.Config.Feeds.Price)+1)
	for _, fc := range a.Config.Feeds.Price {
		dataType := quality.DataType(strings.ToUpper(fc.DataType))
		if dataType == "" {
			dataType = quality.DataTypePrice
		}
		feeds = append(feeds, fetcher.NewSeries(fetcher.SeriesOptions{
			SourceID:       fc.SourceID,
			Symbol:         fc.Symbol,
			DataType:       dataType,
			URL:            fc.URL,
			ExpectedPoints: fc.ExpectedPoints,
			Timeout:        fc.RequestTimeout,
			UserAgent:      fc.UserAgent,
		}, a.Logger))
	}

	chain := a.Config.Feeds.Chain
	if chain.Enabled {
		feeds = append(feeds, fetcher.NewChain(fetcher.ChainOptions{
			SourceID:       chain.SourceID,
			Symbol:         chain.Symbol,
			RPCURL:         chain.RPCURL,
			OracleAddress:  chain.OracleAddress,
			OracleDecimals: chain.OracleDecimals,
			Blocks:         chain.Blocks,
			Timeout:        chain.RequestTimeout,
		}, a.Logger))
	}
	return feeds
}

// build wires store, alerting, engine and monitor for one command.
func (a *App) build(ctx context.Context) (*runtime, error) {
	rt := &runtime{metrics: metrics.NewRecorder()}

	store, pg, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	rt.store, rt.pg = store, pg
	rt.closers = append(rt.closers, closeStore)

	locker, closeLocker, err := a.newLocker(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, closeLocker)

	dispatcher, closeDispatcher, err := a.newDispatcher(rt.metrics)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.dispatcher = dispatcher
	rt.closers = append(rt.closers, closeDispatcher)

	rt.engine = breaker.NewEngine(store, store, a.Logger,
		breaker.WithLocker(locker),
		breaker.WithDispatcher(dispatcher),
		breaker.WithMetrics(rt.metrics),
	)

	rt.monitor, err = a.newMonitor(store, dispatcher, rt.metrics)
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (a *App) newService(rt *runtime, sched *scheduler.Scheduler) *service.Service {
	opts := []service.Option{service.WithFeeds(a.newFeeds()...)}
	if rt.pg != nil {
		opts = append(opts, service.WithAdvisoryLock(rt.pg, a.Config.Scheduler.AdvisoryLockKey))
	}
	return service.New(a.Config, sched, rt.engine, rt.monitor, rt.store, a.Logger, opts...)
}

// Run executes the long-running service: the sweep loop and the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if a.Config.Breaker.SeedFile != "" {
		if _, err := a.seed(ctx, rt.engine, a.Config.Breaker.SeedFile); err != nil {
			return err
		}
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Cron:         a.Config.Scheduler.Cron,
	}, a.Logger)
	if err != nil {
		return err
	}
	svc := a.newService(rt, sched)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if a.Config.API.Enabled {
		server := api.NewServer(a.Config.API, rt.engine, rt.monitor, rt.metrics, a.Logger)
		g.Go(func() error {
			return server.ListenAndServe(gctx)
		})
	}

	a.Logger.Info().Bool("api", a.Config.API.Enabled).Int("feeds", len(a.Config.Feeds.Price)).Msg("starting tradeguard")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("tradeguard stopped")
	return nil
}

// ExportOptions hold parameters for exporting quality history.
type ExportOptions struct {
	SourceID  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the breakers list command.
type ShowOptions struct {
	TenantID string
	Events   int
}

// SeedOptions configure the seed command.
type SeedOptions struct {
	Path   string
	DryRun bool
}
