package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/smallbiznis/marketpulse/internal/config"
	obsmetrics "github.com/smallbiznis/marketpulse/internal/observability/metrics"
	"github.com/smallbiznis/marketpulse/internal/research/domain"
	"github.com/smallbiznis/marketpulse/internal/research/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type recordingResearch struct {
	domain.Service
	mu    sync.Mutex
	seen  []*domain.ResearchTask
	delay time.Duration
	panic bool
}

func (r *recordingResearch) Execute(ctx context.Context, task *domain.ResearchTask) error {
	r.mu.Lock()
	r.seen = append(r.seen, task)
	r.mu.Unlock()
	if r.panic {
		panic("engine exploded")
	}
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
		}
	}
	return nil
}

func (r *recordingResearch) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

type testEnv struct {
	db       *gorm.DB
	clock    *clock.FakeClock
	repo     domain.Repository
	research *recordingResearch
	registry *prometheus.Registry
	worker   *Worker
}

func newTestEnv(t *testing.T, workerCfg config.WorkerConfig) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&domain.ResearchTask{}))

	env := &testEnv{
		db:       db,
		clock:    clock.NewFakeClock(time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)),
		repo:     repository.Provide(),
		research: &recordingResearch{},
		registry: prometheus.NewRegistry(),
	}
	env.worker = NewWorker(Params{
		DB:       db,
		Log:      zaptest.NewLogger(t),
		Repo:     env.repo,
		Research: env.research,
		Clock:    env.clock,
		Config:   config.Config{Worker: workerCfg},
		Metrics:  obsmetrics.NewWorkerMetricsForRegistry(env.registry),
	})
	return env
}

func (e *testEnv) insertPending(t *testing.T, id string) {
	t.Helper()
	now := e.clock.Now()
	require.NoError(t, e.repo.Insert(context.Background(), e.db, &domain.ResearchTask{
		ID:             id,
		UserID:         "u1",
		ProductIdea:    "idea " + id,
		ResearchDepth:  "basic",
		MaxSources:     5,
		Status:         domain.StatusPending,
		CreditsCharged: 6,
		BillingMonth:   "2025-04",
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
	e.clock.Advance(time.Second)
}

func TestRunOnceEmptyQueue(t *testing.T) {
	env := newTestEnv(t, config.WorkerConfig{})
	ran, err := env.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1.0, counterValue(t, env.registry, "marketpulse_worker_claim_empty_total"))
}

func TestRunOnceClaimsOldestFirst(t *testing.T) {
	env := newTestEnv(t, config.WorkerConfig{})
	env.insertPending(t, "research_a")
	env.insertPending(t, "research_b")

	ran, err := env.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 1, env.research.count())

	claimed := env.research.seen[0]
	assert.Equal(t, "research_a", claimed.ID)
	assert.Equal(t, domain.StatusProcessing, claimed.Status)
	assert.Equal(t, env.worker.id, *claimed.WorkerID)
	assert.Equal(t, 1, claimed.Attempts)

	stored, err := env.repo.FindByID(context.Background(), env.db, "research_b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestRunOnceRecoversPanic(t *testing.T) {
	env := newTestEnv(t, config.WorkerConfig{})
	env.research.panic = true
	env.insertPending(t, "research_p")

	ran, err := env.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestHeartbeatWhileExecuting(t *testing.T) {
	env := newTestEnv(t, config.WorkerConfig{HeartbeatInterval: 5 * time.Millisecond})
	env.research.delay = 60 * time.Millisecond
	env.insertPending(t, "research_h")
	claimedAt := env.clock.Now()

	go func() {
		time.Sleep(10 * time.Millisecond)
		env.clock.Advance(time.Minute)
	}()
	_, err := env.worker.RunOnce(context.Background())
	require.NoError(t, err)

	stored, err := env.repo.FindByID(context.Background(), env.db, "research_h")
	require.NoError(t, err)
	require.NotNil(t, stored.HeartbeatAt)
	assert.True(t, stored.HeartbeatAt.After(claimedAt), "heartbeat must move past the claim time")
}

func TestRunDrainsQueueAndStops(t *testing.T) {
	env := newTestEnv(t, config.WorkerConfig{Concurrency: 2, PollInterval: 5 * time.Millisecond})
	for i := 0; i < 3; i++ {
		env.insertPending(t, fmt.Sprintf("research_%d", i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.worker.Run(ctx) }()

	require.Eventually(t, func() bool { return env.research.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name && len(mf.Metric) > 0 {
			return mf.Metric[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
