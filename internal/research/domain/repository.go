package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type ListFilter struct {
	UserID string
	Status Status
	Offset int
	Limit  int
}

type ProgressUpdate struct {
	Progress             int
	CurrentStep          string
	CompletedCheckpoints int
	Checkpoints          []string
	UpdatedAt            time.Time
}

type Completion struct {
	Report      []byte
	Sector      string
	CompletedAt time.Time
}

type RefundState struct {
	Pending     bool
	ErrorDetail *string
	RefundedAt  *time.Time
	UpdatedAt   time.Time
}

// Repository methods that change status are conditional on the current status
// and report whether a row changed.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, task *ResearchTask) error
	FindByID(ctx context.Context, db *gorm.DB, id string) (*ResearchTask, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*ResearchTask, int64, error)

	ClaimPending(ctx context.Context, db *gorm.DB, workerID string, now time.Time) (*ResearchTask, error)
	Heartbeat(ctx context.Context, db *gorm.DB, id, workerID string, now time.Time) (bool, error)
	UpdateProgress(ctx context.Context, db *gorm.DB, id string, update ProgressUpdate) (bool, error)
	Complete(ctx context.Context, db *gorm.DB, id string, completion Completion) (bool, error)
	Fail(ctx context.Context, db *gorm.DB, id, detail string, now time.Time) (bool, error)
	Abort(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error)
	SetRefundState(ctx context.Context, db *gorm.DB, id string, state RefundState) error
	Delete(ctx context.Context, db *gorm.DB, id string) (bool, error)

	ListRefundPending(ctx context.Context, db *gorm.DB, limit int) ([]*ResearchTask, error)
	ListStale(ctx context.Context, db *gorm.DB, heartbeatBefore time.Time, limit int) ([]*ResearchTask, error)
}
