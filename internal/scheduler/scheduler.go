// Package scheduler drives the tracking pipeline on a fixed cadence.
// Each tick records the most recent fully elapsed window; ticks are
// joined, so a slow cycle delays the next rather than overlapping it.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/stfc-cloud/carbonledger/internal/clock"
	obsmetrics "github.com/stfc-cloud/carbonledger/internal/observability/metrics"
	"github.com/stfc-cloud/carbonledger/internal/tracker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	Log     *zap.Logger
	Tracker tracker.Runner
	Clock   clock.Clock
	Config  Config `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	clock   clock.Clock
	tracker tracker.Runner
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Tracker == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		clock:   p.Clock,
		tracker: p.Tracker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	log.Info("job started", zap.Time("at", start))

	pipeMetrics := obsmetrics.Pipeline()
	pipeMetrics.IncJobRun(name)

	err := fn(ctx)
	pipeMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		log.Info("job finished", zap.Duration("took", time.Since(start)))
		return nil
	}

	pipeMetrics.IncJobError(name)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// soft timeout: the window is re-tracked on the next tick
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	log.Warn("job failed", zap.Error(err))
	return err
}

// RunOnce tracks the last complete window before now. Because upserts
// are keyed by window start, retrying the same window is harmless.
func (s *Scheduler) RunOnce(parent context.Context) error {
	windowStart := s.clock.Now().Truncate(s.cfg.Granularity).Add(-s.cfg.Granularity)

	return s.runJob(parent, "track_usage", s.cfg.JobTimeout, func(ctx context.Context) error {
		result, err := s.tracker.TrackAll(ctx, windowStart)
		if err != nil {
			return err
		}
		obsmetrics.Pipeline().ObserveBatchSize(len(result.Entries))
		if result.Errored > 0 {
			s.log.Warn("some entities were not tracked",
				zap.Time("window_start", windowStart),
				zap.Int("errored", result.Errored),
			)
		}
		return nil
	})
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	pipeMetrics := obsmetrics.Pipeline()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			pipeMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
