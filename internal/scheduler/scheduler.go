package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpulse/internal/clock"
	obsmetrics "github.com/smallbiznis/marketpulse/internal/observability/metrics"
	"github.com/smallbiznis/marketpulse/internal/ratelimit"
	researchdomain "github.com/smallbiznis/marketpulse/internal/research/domain"
	"github.com/smallbiznis/marketpulse/internal/scheduler/guard"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log      *zap.Logger
	Research researchdomain.Service
	Locker   ratelimit.JobLocker
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config                    `optional:"true"`
	Metrics  *obsmetrics.WorkerMetrics `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	research researchdomain.Service
	locker   ratelimit.JobLocker
	metrics  *obsmetrics.WorkerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Research == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		research: p.Research,
		locker:   p.Locker,
		metrics:  p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.newJobRun(ctx, name, batchSize)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	key := s.cfg.LeaseKeyBase + ":" + name
	err := guard.WithLease(ctx, s.locker, key, s.cfg.LeaseTTL, func(ctx context.Context) error {
		s.logJobStart(ctx, run)
		err := fn(ctx, run)
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
		return err
	})
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if errors.Is(err, guard.ErrNotAcquired) {
		log.Debug("job lease held elsewhere, skipping")
		return nil
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the remaining batch runs on the next tick
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	s.metrics.IncJobError(name, err)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context, *jobRun) error
	}{
		{JobRefundReconcile, s.RefundReconcileJob},
		{JobStaleTaskRecovery, s.StaleTaskRecoveryJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if lag := s.clock.Now().Sub(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// RefundReconcileJob retries refunds that exhausted their inline retries.
func (s *Scheduler) RefundReconcileJob(ctx context.Context, run *jobRun) error {
	settled, err := s.research.ReconcileRefunds(ctx, run.batchSize)
	run.AddProcessed(settled)
	s.metrics.AddBatchProcessed(JobRefundReconcile, obsmetrics.LockResourceRefunds, settled)
	if err != nil {
		s.logJobError(ctx, run, "refund reconcile left tasks pending", err)
	}
	return err
}

// StaleTaskRecoveryJob fails and refunds tasks whose worker stopped heartbeating.
func (s *Scheduler) StaleTaskRecoveryJob(ctx context.Context, run *jobRun) error {
	recovered, err := s.research.RecoverStale(ctx, run.batchSize)
	run.AddProcessed(recovered)
	s.metrics.AddBatchProcessed(JobStaleTaskRecovery, obsmetrics.LockResourceStaleTasks, recovered)
	if err != nil {
		s.logJobError(ctx, run, "stale task recovery incomplete", err)
	}
	return err
}
