package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/marketpulse/internal/clock"
	obsmetrics "github.com/smallbiznis/marketpulse/internal/observability/metrics"
	"github.com/smallbiznis/marketpulse/internal/ratelimit"
	researchdomain "github.com/smallbiznis/marketpulse/internal/research/domain"
	"go.uber.org/zap"
)

type fakeResearch struct {
	researchdomain.Service
	reconcileCalls int
	staleCalls     int
	reconcileLimit int
	reconcileErr   error
	staleFn        func(ctx context.Context) (int, error)
}

func (f *fakeResearch) ReconcileRefunds(_ context.Context, limit int) (int, error) {
	f.reconcileCalls++
	f.reconcileLimit = limit
	return 2, f.reconcileErr
}

func (f *fakeResearch) RecoverStale(ctx context.Context, _ int) (int, error) {
	f.staleCalls++
	if f.staleFn != nil {
		return f.staleFn(ctx)
	}
	return 1, nil
}

func newTestScheduler(t *testing.T, research *fakeResearch, locker ratelimit.JobLocker, cfg Config) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	registry := prometheus.NewRegistry()
	s, err := New(Params{
		Log:      zap.NewNop(),
		Research: research,
		Locker:   locker,
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)),
		Config:   cfg,
		Metrics:  obsmetrics.NewWorkerMetricsForRegistry(registry),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, registry
}

func TestRunOnceRunsBothJobs(t *testing.T) {
	research := &fakeResearch{}
	s, registry := newTestScheduler(t, research, nil, Config{BatchSize: 7})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if research.reconcileCalls != 1 || research.staleCalls != 1 {
		t.Fatalf("expected one call per job, got reconcile=%d stale=%d", research.reconcileCalls, research.staleCalls)
	}
	if research.reconcileLimit != 7 {
		t.Fatalf("expected batch size 7, got %d", research.reconcileLimit)
	}
	labels := map[string]string{"service": "marketpulse", "env": "test", "job": JobRefundReconcile, "resource": obsmetrics.LockResourceRefunds}
	if got := getCounterValue(t, registry, "marketpulse_scheduler_batch_processed_total", labels); got != 2 {
		t.Fatalf("expected processed 2, got %v", got)
	}
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	want := errors.New("ledger unavailable")
	research := &fakeResearch{reconcileErr: want}
	s, registry := newTestScheduler(t, research, nil, Config{})

	err := s.RunOnce(context.Background())
	if !errors.Is(err, want) {
		t.Fatalf("expected joined ledger error, got %v", err)
	}
	if research.staleCalls != 1 {
		t.Fatalf("a failing job must not block the next one")
	}
	labels := map[string]string{"service": "marketpulse", "env": "test", "job": JobRefundReconcile, "reason": obsmetrics.JobReasonUnknown}
	if got := getCounterValue(t, registry, "marketpulse_scheduler_job_errors_total", labels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	research := &fakeResearch{staleFn: func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	s, registry := newTestScheduler(t, research, nil, Config{JobTimeout: 5 * time.Millisecond, EnabledJobs: []string{JobStaleTaskRecovery}})

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if research.reconcileCalls != 0 {
		t.Fatalf("disabled job ran")
	}
	labels := map[string]string{"service": "marketpulse", "env": "test", "job": JobStaleTaskRecovery}
	if got := getCounterValue(t, registry, "marketpulse_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}
}

func TestRunJobSkipsWhenLeaseHeld(t *testing.T) {
	research := &fakeResearch{}
	locker := ratelimit.NewLocalLocker(clock.NewFakeClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)))
	s, _ := newTestScheduler(t, research, locker, Config{})

	if _, ok, _ := locker.TryLock(context.Background(), s.cfg.LeaseKeyBase+":"+JobRefundReconcile, time.Minute); !ok {
		t.Fatalf("pre-acquire lease")
	}
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if research.reconcileCalls != 0 {
		t.Fatalf("job ran while another replica held the lease")
	}
	if research.staleCalls != 1 {
		t.Fatalf("other job must still run")
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
