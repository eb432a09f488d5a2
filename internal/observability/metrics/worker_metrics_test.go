package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifyJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: JobReasonDeadlineExceeded},
		{name: "wrapped_deadline", err: fmt.Errorf("refund_reconcile: %w", context.Canceled), want: JobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: JobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: JobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: JobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: JobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestClassifyErrorTypeAndRetryable(t *testing.T) {
	if got := ClassifyErrorType(&pgconn.PgError{Code: "40001"}); got != ErrorTypeDB {
		t.Fatalf("expected db error type, got %q", got)
	}
	if got := ClassifyErrorType(gorm.ErrRecordNotFound); got != ErrorTypeBusinessRule {
		t.Fatalf("expected business_rule for not found, got %q", got)
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Fatalf("deadline should be retryable")
	}
	if IsRetryable(errors.New("invalid state")) {
		t.Fatalf("plain errors should not be retryable")
	}
}

func TestTaskStartedRecordsOutcome(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWorkerMetricsForRegistry(registry)

	done := m.TaskStarted("standard")
	if got := testutil.ToFloat64(m.tasksInFlight); got != 1 {
		t.Fatalf("expected 1 in flight, got %v", got)
	}
	done("failed")

	if got := testutil.ToFloat64(m.tasksInFlight); got != 0 {
		t.Fatalf("expected 0 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(m.taskExecutions.WithLabelValues("standard", "failed")); got != 1 {
		t.Fatalf("expected one failed execution, got %v", got)
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewWorkerMetricsForRegistry(registry)

	m.AddBatchProcessed("stale_task_recovery", "research_tasks", 3)
	m.AddBatchProcessed("stale_task_recovery", "research_tasks", 0)

	got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("stale_task_recovery", "research_tasks"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
}

func TestHTTPMetricsMiddlewareCountsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{})

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.GET("/api/research/tasks/:id/status", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/api/research/tasks/abc/status", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	got := testutil.ToFloat64(m.requests.WithLabelValues("GET", "/api/research/tasks/:id/status", "204"))
	if got != 1 {
		t.Fatalf("expected 1 request recorded, got %v", got)
	}
}
