package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/workspace-activity/internal/domain/activity"
	"github.com/davidleathers/workspace-activity/internal/metrics"
)

// Replayer re-submits events parked after a failed write
type Replayer interface {
	Replay(ctx context.Context) (int, error)
}

// SchedulerConfig controls the periodic aggregation job
type SchedulerConfig struct {
	Interval time.Duration
	Lookback time.Duration
	Periods  []activity.PeriodType
}

// DefaultSchedulerConfig returns default configuration
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval: 5 * time.Minute,
		Lookback: 2 * time.Hour,
		Periods:  []activity.PeriodType{activity.PeriodHour, activity.PeriodDay},
	}
}

// Scheduler recomputes recent buckets on a ticker. A failed pass is logged
// and left for the next tick; recomputation makes retries safe.
type Scheduler struct {
	service  Service
	replayer Replayer
	config   SchedulerConfig
	logger   *zap.Logger
	metrics  *metrics.Registry
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastRun *RunReport
}

// NewScheduler creates a scheduler. replayer may be nil.
func NewScheduler(service Service, replayer Replayer, config SchedulerConfig, logger *zap.Logger, registry *metrics.Registry) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Lookback <= 0 {
		config.Lookback = defaults.Lookback
	}
	if len(config.Periods) == 0 {
		config.Periods = defaults.Periods
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		service:  service,
		replayer: replayer,
		config:   config,
		logger:   logger,
		metrics:  registry,
		now:      time.Now,
	}
}

// Start runs one pass immediately and then one per interval until Stop
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)

	s.logger.Info("Aggregation scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("lookback", s.config.Lookback),
	)
}

// Stop cancels the loop and waits for the running pass to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("Aggregation scheduler stopped")
}

// LastRun returns the report of the last successful pass
func (s *Scheduler) LastRun() *RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce replays parked events and aggregates the lookback window
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.replayer != nil {
		replayed, err := s.replayer.Replay(ctx)
		if err != nil {
			s.logger.Warn("Dead letter replay incomplete", zap.Int("replayed", replayed), zap.Error(err))
		} else if replayed > 0 {
			s.logger.Info("Replayed dead letter events", zap.Int("replayed", replayed))
		}
	}

	to := s.now().UTC()
	from := to.Add(-s.config.Lookback)

	start := time.Now()
	report, err := s.service.AggregateWindow(ctx, s.config.Periods, from, to)
	if err != nil {
		s.metrics.ObserveAggregation("window", metrics.OutcomeFailed, time.Since(start).Seconds())
		s.logger.Error("Aggregation pass failed",
			zap.Time("from", from),
			zap.Time("to", to),
			zap.Error(err),
		)
		return
	}

	s.metrics.ObserveAggregation("window", metrics.OutcomeSuccess, time.Since(start).Seconds())

	s.mu.Lock()
	s.lastRun = report
	s.mu.Unlock()

	s.logger.Debug("Aggregation pass completed",
		zap.Int("events", report.EventsScanned),
		zap.Int("scope_summaries", report.ScopeSummaries),
		zap.Int("user_summaries", report.UserSummaries),
	)
}
