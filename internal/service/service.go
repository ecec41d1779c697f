package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tradeguard/internal/breaker"
	"tradeguard/internal/config"
	"tradeguard/internal/fetcher"
	"tradeguard/internal/quality"
	"tradeguard/internal/scheduler"
	"tradeguard/internal/storage"
)

// TenantSource lists tenants that own breakers.
type TenantSource interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// Service runs the periodic maintenance sweep: auto-reset of breakers and
// quality scoring of the configured feeds.
type Service struct {
	scheduler *scheduler.Scheduler
	engine    *breaker.Engine
	monitor   *quality.Monitor
	tenants   TenantSource
	feeds     []fetcher.Feed
	logger    zerolog.Logger

	staticTenants []string
	locker        storage.AdvisoryLocker
	lockKey       int64
}

// Option customises a Service.
type Option func(*Service)

// WithAdvisoryLock makes every tick take a cluster-wide lock first so only one
// replica sweeps at a time.
func WithAdvisoryLock(locker storage.AdvisoryLocker, key int64) Option {
	return func(s *Service) {
		s.locker = locker
		s.lockKey = key
	}
}

// WithFeeds sets the feeds sampled on every tick.
func WithFeeds(feeds ...fetcher.Feed) Option {
	return func(s *Service) { s.feeds = append(s.feeds, feeds...) }
}

// New constructs the sweep service.
func New(cfg *config.Config, sched *scheduler.Scheduler, engine *breaker.Engine, monitor *quality.Monitor, tenants TenantSource, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		scheduler: sched,
		engine:    engine,
		monitor:   monitor,
		tenants:   tenants,
		logger:    logger.With().Str("component", "service").Logger(),
	}
	if cfg != nil {
		s.staticTenants = cfg.Breaker.Tenants
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run begins the scheduled sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 执行单次维护任务：熔断器自动恢复与数据质量评估。
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	var errs []error
	reports, err := s.SweepBreakers(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	scores, err := s.SampleFeeds(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	s.logger.Info().Time("bucket", bucket).
		Int("tenants", len(reports)).
		Int("scores", len(scores)).
		Msg("tick processed")
	return errors.Join(errs...)
}

// SweepBreakers runs ProcessAutoReset for every known tenant.
func (s *Service) SweepBreakers(ctx context.Context) ([]breaker.AutoResetReport, error) {
	if s.engine == nil {
		return nil, nil
	}
	tenants, err := s.tenantIDs(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]breaker.AutoResetReport, 0, len(tenants))
	var errs []error
	for _, tenant := range tenants {
		report, err := s.engine.ProcessAutoReset(ctx, tenant)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
		if n := len(report.HalfOpened) + len(report.Closed) + len(report.Retripped); n > 0 {
			s.logger.Info().Str("tenant_id", tenant).
				Strs("half_opened", report.HalfOpened).
				Strs("closed", report.Closed).
				Strs("retripped", report.Retripped).
				Msg("auto reset advanced breakers")
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

// SampleFeeds fetches every feed and assesses the batch. A failing feed does
// not stop the others.
func (s *Service) SampleFeeds(ctx context.Context) ([]quality.Score, error) {
	if s.monitor == nil {
		return nil, nil
	}
	scores := make([]quality.Score, 0, len(s.feeds))
	var errs []error
	for _, feed := range s.feeds {
		sample, err := feed.Fetch(ctx)
		if err != nil {
			s.logger.Error().Err(err).Str("source_id", feed.SourceID()).Msg("failed to fetch feed")
			errs = append(errs, fmt.Errorf("fetch %s: %w", feed.SourceID(), err))
			continue
		}
		score, alerted, err := s.monitor.Assess(ctx, sample.SourceID, sample.Symbol, sample.DataType, sample.Input)
		if err != nil {
			errs = append(errs, fmt.Errorf("assess %s: %w", sample.SourceID, err))
		}
		s.logger.Info().Str("source_id", sample.SourceID).
			Str("symbol", sample.Symbol).
			Float64("overall_score", score.OverallScore).
			Int("anomalies", len(score.Anomalies)).
			Bool("alerted", alerted).
			Msg("feed assessed")
		scores = append(scores, score)
	}
	return scores, errors.Join(errs...)
}

func (s *Service) tenantIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, t := range s.staticTenants {
		seen[t] = struct{}{}
	}
	if s.tenants != nil {
		stored, err := s.tenants.ListTenants(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tenants: %w", err)
		}
		for _, t := range stored {
			seen[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		if t != "" {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
