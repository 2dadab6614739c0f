// Package jobs runs the daemon's periodic work: registry snapshots and
// conservation audits.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"loaner/native/loaner"
	"loaner/observability"
	"loaner/state"
)

// Snapshotter writes registry snapshots to the state store.
type Snapshotter struct {
	registry *loaner.Registry
	store    *state.Store
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu sync.Mutex
}

func NewSnapshotter(registry *loaner.Registry, store *state.Store, metrics *observability.Metrics, logger *slog.Logger) *Snapshotter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Snapshotter{registry: registry, store: store, metrics: metrics, logger: logger}
}

// SnapshotNow captures the registry and persists it. Concurrent callers are
// serialised so saves never interleave.
func (s *Snapshotter) SnapshotNow(ctx context.Context) (state.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return state.Manifest{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	start := time.Now()
	manifest, err := s.snapshot()
	if s.metrics != nil {
		s.metrics.RecordSnapshot(time.Since(start), err)
	}
	if err != nil {
		s.logger.Error("snapshot failed", slog.Any("error", err))
		return state.Manifest{}, err
	}
	s.logger.Info("snapshot saved",
		slog.Int64("taken_at", manifest.TakenAt),
		slog.Int("communities", manifest.Communities),
		slog.Int("pools", manifest.Pools),
		slog.Int("loans", manifest.Loans))
	return manifest, nil
}

func (s *Snapshotter) snapshot() (state.Manifest, error) {
	st, err := s.registry.Snapshot()
	if err != nil {
		return state.Manifest{}, fmt.Errorf("capture: %w", err)
	}
	manifest, err := s.store.Save(st)
	if err != nil {
		return state.Manifest{}, fmt.Errorf("persist: %w", err)
	}
	return manifest, nil
}

// Auditor runs the registry conservation audit and publishes the results as
// metrics.
type Auditor struct {
	registry *loaner.Registry
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewAuditor(registry *loaner.Registry, metrics *observability.Metrics, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{registry: registry, metrics: metrics, logger: logger}
}

// Run audits the registry. Failed checks are logged and counted; the returned
// error is non-nil only when the audit itself could not run.
func (a *Auditor) Run(ctx context.Context) (loaner.AuditReport, error) {
	if err := ctx.Err(); err != nil {
		return loaner.AuditReport{}, err
	}
	report, err := a.registry.Audit()
	if err != nil && len(report.Failures) == 0 {
		return report, err
	}
	if a.metrics != nil {
		a.metrics.RecordAudit(len(report.Failures))
		for _, p := range report.Pools {
			a.metrics.SetPool(p.Pool.String(), p.TotalLiquid, p.MarketDeposit, p.Outstanding)
		}
	}
	for _, failure := range report.Failures {
		a.logger.Error("audit check failed", slog.String("failure", failure))
	}
	if report.OK() {
		a.logger.Debug("audit passed", slog.Int("pools", len(report.Pools)), slog.Int("loans", report.Loans))
	}
	return report, nil
}

// Scheduler runs named jobs on cron schedules. A job still running when its
// next tick arrives is skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler whose jobs each run under timeout.
func NewScheduler(logger *slog.Logger, timeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	cronLog := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers fn under spec. An empty spec leaves the job disabled.
func (s *Scheduler) Add(name, spec string, fn func(context.Context) error) error {
	if spec == "" {
		s.logger.Info("job disabled", slog.String("job", name))
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.logger.Error("job failed", slog.String("job", name), slog.Any("error", err))
			return
		}
		s.logger.Debug("job finished", slog.String("job", name), slog.Duration("elapsed", time.Since(start)))
	})
	if err != nil {
		return fmt.Errorf("jobs: schedule %s %q: %w", name, spec, err)
	}
	return nil
}

// Len reports the number of scheduled jobs.
func (s *Scheduler) Len() int { return len(s.cron.Entries()) }

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append([]interface{}{slog.Any("error", err)}, keysAndValues...)...)
}
