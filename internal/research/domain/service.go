package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/marketpulse/internal/engine"
)

type SubmitRequest struct {
	UserID        string
	ProductIdea   string
	ResearchDepth string
	MaxSources    int
}

type SubmitResult struct {
	RequestID      string `json:"request_id"`
	Status         Status `json:"status"`
	CreditsCharged int64  `json:"credits_charged"`
	Message        string `json:"message"`
}

type AbortResult struct {
	RequestID string `json:"request_id"`
	Status    Status `json:"status"`
	Refunded  bool   `json:"refunded"`
}

// StatusView merges the live tracker entry with the durable task record.
type StatusView struct {
	RequestID            string     `json:"request_id"`
	Status               Status     `json:"status"`
	Progress             int        `json:"progress"`
	CurrentStep          string     `json:"current_step"`
	CompletedCheckpoints int        `json:"completed_checkpoints"`
	TotalCheckpoints     int        `json:"total_checkpoints"`
	Checkpoints          []string   `json:"checkpoints"`
	ProductIdea          string     `json:"product_idea"`
	ResearchDepth        string     `json:"research_depth"`
	RefundPending        bool       `json:"refund_pending"`
	Error                *string    `json:"error,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	LastUpdated          time.Time  `json:"last_updated"`
}

type ListRequest struct {
	UserID   string
	Page     int
	PageSize int
	Status   string
}

type ListResult struct {
	Tasks      []*ResearchTask `json:"research_tasks"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	Total      int64           `json:"total"`
	TotalPages int             `json:"total_pages"`
}

type Service interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	Status(ctx context.Context, userID, taskID string) (*StatusView, error)
	Get(ctx context.Context, userID, taskID string) (*ResearchTask, error)
	Report(ctx context.Context, userID, taskID string) (*ResearchTask, *engine.Report, error)
	List(ctx context.Context, req ListRequest) (*ListResult, error)
	Abort(ctx context.Context, userID, taskID string) (*AbortResult, error)
	Rerun(ctx context.Context, userID, taskID string) (*SubmitResult, error)
	Delete(ctx context.Context, userID, taskID string) error

	// Execute runs a claimed task to a terminal state. Engine failures are
	// recorded on the task and refunded rather than returned.
	Execute(ctx context.Context, task *ResearchTask) error
	ReconcileRefunds(ctx context.Context, limit int) (int, error)
	RecoverStale(ctx context.Context, limit int) (int, error)
}

var (
	ErrInvalidUser       = errors.New("invalid_user")
	ErrInvalidIdea       = errors.New("invalid_product_idea")
	ErrInvalidMaxSources = errors.New("invalid_max_sources")
	ErrInvalidStatus     = errors.New("invalid_status_filter")
	ErrTaskNotFound      = errors.New("research_task_not_found")
	ErrInvalidState      = errors.New("invalid_task_state")
	ErrReportNotReady    = errors.New("report_not_ready")
	ErrRefundPending     = errors.New("refund_pending")
)
