// Package worker claims pending research tasks from the task table and
// executes them on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/smallbiznis/marketpulse/internal/config"
	obsmetrics "github.com/smallbiznis/marketpulse/internal/observability/metrics"
	"github.com/smallbiznis/marketpulse/internal/research/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     domain.Repository
	Research domain.Service
	Clock    clock.Clock
	Config   config.Config
	Metrics  *obsmetrics.WorkerMetrics `optional:"true"`
}

type Worker struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	research domain.Service
	clock    clock.Clock
	metrics  *obsmetrics.WorkerMetrics

	id                string
	concurrency       int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
}

func NewWorker(p Params) *Worker {
	cfg := p.Config.Worker
	concurrency := max(cfg.Concurrency, 1)
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	id := "worker-" + uuid.NewString()
	return &Worker{
		db:                p.DB,
		log:               p.Log.Named("research.worker").With(zap.String("worker_id", id)),
		repo:              p.Repo,
		research:          p.Research,
		clock:             p.Clock,
		metrics:           p.Metrics,
		id:                id,
		concurrency:       concurrency,
		pollInterval:      poll,
		heartbeatInterval: heartbeat,
	}
}

// Run blocks until ctx is done. Each slot claims and executes one task at a
// time.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("starting research worker pool", zap.Int("concurrency", w.concurrency))

	g, ctx := errgroup.WithContext(ctx)
	for slot := 1; slot <= w.concurrency; slot++ {
		g.Go(func() error {
			w.runLoop(ctx, slot)
			return nil
		})
	}
	return g.Wait()
}

func (w *Worker) runLoop(ctx context.Context, slot int) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	log := w.log.With(zap.Int("slot", slot))

	for {
		// drain the queue before waiting for the next tick
		for ctx.Err() == nil {
			ran, err := w.RunOnce(ctx)
			if err != nil {
				log.Warn("claim pending task failed", zap.Error(err))
				break
			}
			if !ran {
				break
			}
		}

		select {
		case <-ctx.Done():
			log.Info("worker loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims the oldest pending task and executes it. It reports whether
// a task was claimed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	start := time.Now()
	task, err := w.repo.ClaimPending(ctx, w.db, w.id, w.clock.Now())
	w.metrics.ObserveDBLockWait(obsmetrics.LockResourcePendingTasks, time.Since(start))
	if err != nil {
		return false, err
	}
	if task == nil {
		w.metrics.IncClaimEmpty()
		return false, nil
	}

	log := w.log.With(zap.String("task_id", task.ID), zap.Int("attempt", task.Attempts))
	log.Info("research task claimed")

	if err := w.execute(ctx, task); err != nil {
		log.Error("research task execution error", zap.Error(err))
	}
	return true, nil
}

func (w *Worker) execute(ctx context.Context, task *domain.ResearchTask) (err error) {
	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.heartbeat(hbCtx, task.ID)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	defer func() {
		if r := recover(); r != nil {
			err = errors.Join(err, fmt.Errorf("panic during execution: %v", r))
		}
	}()
	return w.research.Execute(ctx, task)
}

func (w *Worker) heartbeat(ctx context.Context, taskID string) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			owned, err := w.repo.Heartbeat(ctx, w.db, taskID, w.id, w.clock.Now())
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					w.log.Warn("heartbeat failed", zap.String("task_id", taskID), zap.Error(err))
				}
				continue
			}
			if !owned {
				return
			}
		}
	}
}
