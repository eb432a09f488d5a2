package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	ErrorTypeDeadlineExceeded = "deadline_exceeded"
	ErrorTypeDB               = "db"
	ErrorTypeBusinessRule     = "business_rule"
	ErrorTypeUnknown          = "unknown"
)

const (
	JobReasonDeadlineExceeded     = "deadline_exceeded"
	JobReasonDBLockTimeout        = "db_lock_timeout"
	JobReasonSerializationFailure = "serialization_failure"
	JobReasonUniqueViolation      = "unique_violation"
	JobReasonUnknown              = "unknown"
)

const (
	CheckpointDropDuplicate  = "duplicate"
	CheckpointDropOutOfRange = "out_of_range"
)

const (
	LockResourcePendingTasks = "research_tasks_pending"
	LockResourceStaleTasks   = "research_tasks_stale"
	LockResourceRefunds      = "research_tasks_refund_pending"
)

// WorkerMetrics captures research execution and background job signals.
type WorkerMetrics struct {
	taskExecutions     *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	tasksInFlight      prometheus.Gauge
	checkpointsApplied prometheus.Counter
	checkpointsDropped *prometheus.CounterVec
	claimEmpty         prometheus.Counter
	jobRuns            *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	jobTimeouts        *prometheus.CounterVec
	jobErrors          *prometheus.CounterVec
	batchProcessed     *prometheus.CounterVec
	runLoopLag         prometheus.Observer
	dbLockWait         *prometheus.HistogramVec
}

var (
	workerMetricsOnce sync.Once
	workerMetrics     *WorkerMetrics
)

// Worker returns the singleton worker metrics registry.
func Worker() *WorkerMetrics {
	return WorkerWithConfig(Config{})
}

// WorkerWithConfig returns the singleton worker metrics registry using config labels.
func WorkerWithConfig(cfg Config) *WorkerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetrics = newWorkerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return workerMetrics
}

// NewWorkerMetricsForRegistry builds an unshared instance, for tests.
func NewWorkerMetricsForRegistry(registerer prometheus.Registerer) *WorkerMetrics {
	return newWorkerMetrics(registerer, Config{ServiceName: "marketpulse", Environment: "test"})
}

func newWorkerMetrics(registerer prometheus.Registerer, cfg Config) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "marketpulse"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	taskExecutions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "marketpulse_worker_task_executions_total",
		Help:        "Research task executions by depth and terminal outcome.",
		ConstLabels: constLabels,
	}, []string{"depth", "outcome"})
	taskDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "marketpulse_worker_task_duration_seconds",
		Help:        "Wall time of one research execution.",
		Buckets:     []float64{1, 5, 15, 30, 60, 90, 120, 180, 300, 600, 1200},
		ConstLabels: constLabels,
	}, []string{"depth"})
	tasksInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "marketpulse_worker_tasks_in_flight",
		Help:        "Research tasks currently executing in this process.",
		ConstLabels: constLabels,
	})
	checkpointsApplied := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "marketpulse_checkpoints_applied_total",
		Help:        "Checkpoint events accepted by the tracker.",
		ConstLabels: constLabels,
	})
	checkpointsDropped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "marketpulse_checkpoints_dropped_total",
		Help:        "Checkpoint events ignored as stale, duplicate or out of range.",
		ConstLabels: constLabels,
	}, []string{"reason"})
	claimEmpty := prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "marketpulse_worker_claim_empty_total",
		Help:        "Worker polls that found no pending task.",
		ConstLabels: constLabels,
	})
	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "marketpulse_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "marketpulse_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "marketpulse_scheduler_job_timeouts_total",
		Help:        "Scheduler job timeouts.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "marketpulse_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "marketpulse_scheduler_batch_processed_total",
		Help:        "Scheduler batch items processed.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "marketpulse_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "marketpulse_db_lock_wait_seconds",
		Help:        "Time spent claiming rows with SELECT FOR UPDATE SKIP LOCKED.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		taskExecutions,
		taskDuration,
		tasksInFlight,
		checkpointsApplied,
		checkpointsDropped,
		claimEmpty,
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		runLoopLag,
		dbLockWait,
	)

	return &WorkerMetrics{
		taskExecutions:     taskExecutions,
		taskDuration:       taskDuration,
		tasksInFlight:      tasksInFlight,
		checkpointsApplied: checkpointsApplied,
		checkpointsDropped: checkpointsDropped,
		claimEmpty:         claimEmpty,
		jobRuns:            jobRuns,
		jobDuration:        jobDuration,
		jobTimeouts:        jobTimeouts,
		jobErrors:          jobErrors,
		batchProcessed:     batchProcessed,
		runLoopLag:         runLoopLag,
		dbLockWait:         dbLockWait,
	}
}

// TaskStarted marks one execution as in flight and returns the func that ends it.
func (m *WorkerMetrics) TaskStarted(depth string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.tasksInFlight.Inc()
	return func(outcome string) {
		m.tasksInFlight.Dec()
		m.taskDuration.WithLabelValues(depth).Observe(time.Since(start).Seconds())
		m.taskExecutions.WithLabelValues(depth, outcome).Inc()
	}
}

func (m *WorkerMetrics) IncCheckpointApplied() {
	if m == nil {
		return
	}
	m.checkpointsApplied.Inc()
}

func (m *WorkerMetrics) IncCheckpointDropped(reason string) {
	if m == nil {
		return
	}
	m.checkpointsDropped.WithLabelValues(reason).Inc()
}

func (m *WorkerMetrics) IncClaimEmpty() {
	if m == nil {
		return
	}
	m.claimEmpty.Inc()
}

// IncJobRun increments the run counter for a scheduler job.
func (m *WorkerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *WorkerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *WorkerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the job error counter with classification.
func (m *WorkerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *WorkerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *WorkerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// ClassifyErrorType returns a low-cardinality error type for logging.
func ClassifyErrorType(err error) string {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTypeDeadlineExceeded
	}
	if isDBError(err) {
		return ErrorTypeDB
	}
	return ErrorTypeBusinessRule
}

// IsRetryable reports whether a background error is worth retrying on the next tick.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return isDBError(err)
}

// ClassifyJobReason maps job errors to low-cardinality reasons.
func ClassifyJobReason(err error) string {
	switch {
	case err == nil:
		return JobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return JobReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return JobReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return JobReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505"):
		return JobReasonUniqueViolation
	default:
		return JobReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
