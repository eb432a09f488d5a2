package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/smallbiznis/marketpulse/internal/checkpoint"
	"github.com/smallbiznis/marketpulse/internal/clock"
	creditdomain "github.com/smallbiznis/marketpulse/internal/credit/domain"
	"github.com/smallbiznis/marketpulse/internal/engine"
	obscontext "github.com/smallbiznis/marketpulse/internal/observability/context"
	obslogger "github.com/smallbiznis/marketpulse/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/marketpulse/internal/observability/metrics"
	"github.com/smallbiznis/marketpulse/internal/observability/tracing"
	"github.com/smallbiznis/marketpulse/internal/research/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeAborted   = "aborted"

	refundPendingMarker = "; refund pending: "
	staleDetail         = "worker heartbeat lost"
)

func (s *Service) Execute(ctx context.Context, task *domain.ResearchTask) (err error) {
	ctx = obscontext.WithTaskID(obscontext.WithUserID(ctx, task.UserID), task.ID)
	ctx, span := tracing.StartTaskSpan(ctx, "research.execute", task.ID,
		attribute.String("research.depth", task.ResearchDepth),
		attribute.Int("research.attempt", task.Attempts),
	)
	defer func() { tracing.EndSpan(span, err) }()

	log := obslogger.WithContext(ctx, s.log)
	outcome := outcomeFailed
	done := s.workerMetrics.TaskStarted(task.ResearchDepth)
	defer func() { done(outcome) }()

	if err := s.tracker.Start(ctx, task.ID); err != nil {
		log.Warn("checkpoint tracker start failed", zap.Error(err))
	}

	var aborted atomic.Bool
	sink := s.checkpointSink(task, &aborted, log)

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout := s.policy.Get().EngineTimeout; timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	started := s.clock.Now()
	report, runErr := s.runEngine(runCtx, task, sink, aborted.Load)

	switch {
	case aborted.Load() || errors.Is(runErr, engine.ErrAborted):
		outcome = outcomeAborted
		s.markTrackerStopped(ctx, task.ID, log)
		log.Info("research stopped at checkpoint boundary after abort")
	case runErr == nil:
		completed, err := s.finishCompleted(ctx, task, report, started)
		if err != nil {
			return err
		}
		if completed {
			outcome = outcomeCompleted
		} else {
			outcome = outcomeAborted
		}
	default:
		failed, err := s.finishFailed(ctx, task, runErr)
		if err != nil {
			return err
		}
		if !failed {
			outcome = outcomeAborted
		}
	}
	return nil
}

func (s *Service) runEngine(ctx context.Context, task *domain.ResearchTask, sink engine.Sink, abort engine.AbortFunc) (report *engine.Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			report = nil
			err = fmt.Errorf("%w: panic: %v", engine.ErrEngineFailure, r)
		}
	}()
	report, err = s.engine.Run(ctx, engine.Request{
		RequestID:  task.ID,
		Idea:       task.ProductIdea,
		Depth:      task.ResearchDepth,
		MaxSources: task.MaxSources,
	}, sink, abort)
	if err == nil && report == nil {
		err = fmt.Errorf("%w: engine returned no report", engine.ErrEngineFailure)
	}
	return report, err
}

// checkpointSink advances the tracker, persists accepted checkpoints and
// raises aborted once the task left processing.
func (s *Service) checkpointSink(task *domain.ResearchTask, aborted *atomic.Bool, log *zap.Logger) engine.Sink {
	return func(ctx context.Context, ev engine.Event) error {
		snapshot, applied, err := s.tracker.Advance(ctx, task.ID, ev.Index)
		if err != nil {
			s.workerMetrics.IncCheckpointDropped("tracker_error")
			log.Warn("checkpoint tracker advance failed", zap.Int("checkpoint", ev.Index), zap.Error(err))
			return s.observeAbortFromStore(ctx, task.ID, aborted)
		}
		if !applied {
			if snapshot.Terminal() {
				aborted.Store(true)
				return nil
			}
			reason := obsmetrics.CheckpointDropDuplicate
			if _, ok := checkpoint.ByIndex(ev.Index); !ok {
				reason = obsmetrics.CheckpointDropOutOfRange
			}
			s.workerMetrics.IncCheckpointDropped(reason)
			log.Debug("checkpoint dropped", zap.Int("checkpoint", ev.Index), zap.String("reason", reason))
			return nil
		}
		s.workerMetrics.IncCheckpointApplied()

		stillRunning, err := s.repo.UpdateProgress(ctx, s.db, task.ID, domain.ProgressUpdate{
			Progress:             snapshot.Progress,
			CurrentStep:          snapshot.CurrentStep,
			CompletedCheckpoints: snapshot.Completed,
			Checkpoints:          snapshot.CompletedCheckpoints,
			UpdatedAt:            s.clock.Now(),
		})
		if err != nil {
			return fmt.Errorf("persist checkpoint %d: %w", ev.Index, err)
		}
		if !stillRunning {
			aborted.Store(true)
		}
		return nil
	}
}

// observeAbortFromStore keeps cooperative abort working while the tracker is
// unavailable.
func (s *Service) observeAbortFromStore(ctx context.Context, taskID string, aborted *atomic.Bool) error {
	current, err := s.repo.FindByID(ctx, s.db, taskID)
	if err != nil {
		return fmt.Errorf("read task status: %w", err)
	}
	if current == nil || current.Status != domain.StatusProcessing {
		aborted.Store(true)
	}
	return nil
}

// markTrackerStopped re-marks the tracker entry after an abort was observed;
// Start may have reset the marker an earlier Abort wrote.
func (s *Service) markTrackerStopped(ctx context.Context, taskID string, log *zap.Logger) {
	status := checkpoint.StatusAborted
	if current, err := s.repo.FindByID(ctx, s.db, taskID); err == nil && current != nil && current.Status == domain.StatusFailed {
		status = checkpoint.StatusFailed
	}
	if err := s.tracker.MarkTerminal(ctx, taskID, status); err != nil {
		log.Warn("mark tracker stopped failed", zap.String("status", status), zap.Error(err))
	}
}

func (s *Service) finishCompleted(ctx context.Context, task *domain.ResearchTask, report *engine.Report, started time.Time) (bool, error) {
	log := obslogger.WithContext(ctx, s.log)
	payload, err := json.Marshal(report)
	if err != nil {
		return s.finishFailed(ctx, task, fmt.Errorf("%w: encode report: %v", engine.ErrEngineFailure, err))
	}

	now := s.clock.Now()
	completed, err := s.repo.Complete(ctx, s.db, task.ID, domain.Completion{
		Report:      payload,
		Sector:      report.Sector,
		CompletedAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("complete research task: %w", err)
	}
	if !completed {
		log.Info("research finished after the task was aborted, discarding report")
		return false, nil
	}

	if _, err := s.tracker.Complete(ctx, task.ID); err != nil {
		log.Warn("checkpoint tracker complete failed", zap.Error(err))
	}
	task.Status = domain.StatusCompleted
	task.Progress = 100
	task.Report = payload
	task.Sector = report.Sector
	task.CompletedAt = &now
	s.index(ctx, task)
	s.obsMetrics.RecordOutcome(ctx, task.ResearchDepth, outcomeCompleted)

	log.Info("research task completed",
		zap.String("sector", report.Sector),
		zap.Duration("duration", now.Sub(started)),
	)
	return true, nil
}

func (s *Service) finishFailed(ctx context.Context, task *domain.ResearchTask, cause error) (bool, error) {
	log := obslogger.WithContext(ctx, s.log)
	detail := tracing.SafeError(cause).Error()

	now := s.clock.Now()
	failed, err := s.repo.Fail(ctx, s.db, task.ID, detail, now)
	if err != nil {
		return false, fmt.Errorf("fail research task: %w", err)
	}
	if !failed {
		return false, nil
	}

	if err := s.tracker.MarkTerminal(ctx, task.ID, checkpoint.StatusFailed); err != nil {
		log.Warn("mark tracker failed", zap.Error(err))
	}
	task.Status = domain.StatusFailed
	task.ErrorDetail = &detail
	task.CompletedAt = &now
	s.index(ctx, task)
	s.obsMetrics.RecordOutcome(ctx, task.ResearchDepth, outcomeFailed)
	log.Error("research task failed", zap.Error(cause))

	if err := s.settleRefund(ctx, task, outcomeFailed); err != nil {
		log.Error("refund for failed task left pending", zap.Error(err))
	}
	return true, nil
}

// settleRefund refunds the task cost and records the result on the task. A
// refund that keeps failing leaves refund_pending set for reconciliation.
func (s *Service) settleRefund(ctx context.Context, task *domain.ResearchTask, reason string) error {
	log := obslogger.WithTask(obslogger.WithContext(ctx, s.log), task.ID)
	refundErr := s.refundWithRetry(ctx, task)
	now := s.clock.Now()
	base := baseDetail(task.ErrorDetail)

	if refundErr != nil {
		detail := base + refundPendingMarker + tracing.SafeError(refundErr).Error()
		if base == "" {
			detail = strings.TrimPrefix(refundPendingMarker, "; ") + tracing.SafeError(refundErr).Error()
		}
		if err := s.repo.SetRefundState(ctx, s.db, task.ID, domain.RefundState{
			Pending:     true,
			ErrorDetail: &detail,
			UpdatedAt:   now,
		}); err != nil {
			log.Error("record pending refund failed", zap.Error(err))
		}
		task.RefundPending = true
		task.ErrorDetail = &detail
		s.obsMetrics.RecordRefund(ctx, "pending")
		return fmt.Errorf("%w: %v", domain.ErrRefundPending, refundErr)
	}

	state := domain.RefundState{Pending: false, RefundedAt: &now, UpdatedAt: now}
	if task.ErrorDetail != nil && base != *task.ErrorDetail {
		state.ErrorDetail = &base
	}
	if err := s.repo.SetRefundState(ctx, s.db, task.ID, state); err != nil {
		return fmt.Errorf("record refund: %w", err)
	}
	task.RefundPending = false
	task.RefundedAt = &now
	log.Info("research credits refunded",
		zap.String("reason", reason),
		zap.Int64("amount", task.CreditsCharged),
		zap.String("billing_month", task.BillingMonth),
	)
	return nil
}

func (s *Service) refundWithRetry(ctx context.Context, task *domain.ResearchTask) error {
	policy := s.policy.Get().RefundRetry
	attempts := max(policy.Attempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		_, err := s.ledger.Credit(ctx, creditdomain.CreditRequest{
			UserID:        task.UserID,
			Month:         task.BillingMonth,
			Amount:        task.CreditsCharged,
			CorrelationID: task.ID,
		})
		if err == nil {
			return nil
		}
		if !retryableRefundErr(err) {
			return err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if err := clock.SleepContext(ctx, policy.Backoff(attempt)); err != nil {
			return errors.Join(lastErr, err)
		}
	}
	return fmt.Errorf("refund gave up after %d attempts: %w", attempts, lastErr)
}

func (s *Service) ReconcileRefunds(ctx context.Context, limit int) (int, error) {
	tasks, err := s.repo.ListRefundPending(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	var errs []error
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := s.settleRefund(ctx, task, "reconcile"); err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		settled++
	}
	return settled, errors.Join(errs...)
}

// RecoverStale fails processing tasks whose worker stopped heartbeating and
// refunds them.
func (s *Service) RecoverStale(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now()
	before := now.Add(-s.policy.Get().StaleAfter)
	tasks, err := s.repo.ListStale(ctx, s.db, before, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	var errs []error
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		failed, err := s.finishFailed(ctx, task, errors.New(staleDetail))
		if err != nil {
			errs = append(errs, fmt.Errorf("task %s: %w", task.ID, err))
			continue
		}
		if failed {
			recovered++
		}
	}
	return recovered, errors.Join(errs...)
}

func baseDetail(detail *string) string {
	if detail == nil {
		return ""
	}
	d := *detail
	if i := strings.Index(d, refundPendingMarker); i >= 0 {
		return d[:i]
	}
	if strings.HasPrefix(d, strings.TrimPrefix(refundPendingMarker, "; ")) {
		return ""
	}
	return d
}

func retryableRefundErr(err error) bool {
	switch {
	case errors.Is(err, creditdomain.ErrInvalidUser),
		errors.Is(err, creditdomain.ErrInvalidMonth),
		errors.Is(err, creditdomain.ErrInvalidAmount),
		errors.Is(err, creditdomain.ErrInvalidCorrelation),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
