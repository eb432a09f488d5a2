package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/marketpulse/internal/research/domain"
	pkgdb "github.com/smallbiznis/marketpulse/pkg/db"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, task *domain.ResearchTask) error {
	return db.WithContext(ctx).Create(task).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.ResearchTask, error) {
	var task domain.ResearchTask
	err := db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.ResearchTask, int64, error) {
	query := db.WithContext(ctx).Model(&domain.ResearchTask{}).Where("user_id = ?", filter.UserID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []*domain.ResearchTask
	err := query.
		Omit("report").
		Order("created_at DESC").
		Order("id DESC").
		Offset(filter.Offset).
		Limit(filter.Limit).
		Find(&tasks).Error
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

// ClaimPending moves the oldest pending task to processing for workerID. It
// returns nil when the queue is empty or another worker won the row.
func (r *repo) ClaimPending(ctx context.Context, db *gorm.DB, workerID string, now time.Time) (*domain.ResearchTask, error) {
	lockClause := ""
	if pkgdb.SupportsSkipLocked(db) {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}

	var claimed *domain.ResearchTask
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Raw(
			`SELECT id FROM research_tasks
			 WHERE status = ?
			 ORDER BY created_at ASC, id ASC
			 LIMIT 1`+lockClause,
			domain.StatusPending,
		).Scan(&ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}

		res := tx.Exec(
			`UPDATE research_tasks
			 SET status = ?, worker_id = ?, attempts = attempts + 1, heartbeat_at = ?, started_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			domain.StatusProcessing,
			workerID,
			now,
			now,
			now,
			ids[0],
			domain.StatusPending,
		)
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}

		claimed, err = r.FindByID(ctx, tx, ids[0])
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repo) Heartbeat(ctx context.Context, db *gorm.DB, id, workerID string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE research_tasks SET heartbeat_at = ?
		 WHERE id = ? AND worker_id = ? AND status = ?`,
		now,
		id,
		workerID,
		domain.StatusProcessing,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) UpdateProgress(ctx context.Context, db *gorm.DB, id string, update domain.ProgressUpdate) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE research_tasks
		 SET progress = CASE WHEN progress > ? THEN progress ELSE ? END,
		     current_step = ?,
		     completed_checkpoints = ?,
		     checkpoints = ?,
		     updated_at = ?
		 WHERE id = ? AND status = ? AND completed_checkpoints < ?`,
		update.Progress,
		update.Progress,
		update.CurrentStep,
		update.CompletedCheckpoints,
		datatypes.NewJSONSlice(update.Checkpoints),
		update.UpdatedAt,
		id,
		domain.StatusProcessing,
		update.CompletedCheckpoints,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	// a stale index is not a status change; only report false when the task
	// left processing
	var status domain.Status
	if err := db.WithContext(ctx).Raw(`SELECT status FROM research_tasks WHERE id = ?`, id).Scan(&status).Error; err != nil {
		return false, err
	}
	return status == domain.StatusProcessing, nil
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, id string, completion domain.Completion) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE research_tasks
		 SET status = ?, progress = 100, report = ?, sector = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusCompleted,
		datatypes.JSON(completion.Report),
		completion.Sector,
		completion.CompletedAt,
		completion.CompletedAt,
		id,
		domain.StatusProcessing,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) Fail(ctx context.Context, db *gorm.DB, id, detail string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE research_tasks
		 SET status = ?, error_detail = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusFailed,
		detail,
		now,
		now,
		id,
		domain.StatusProcessing,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) Abort(ctx context.Context, db *gorm.DB, id string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE research_tasks
		 SET status = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.StatusAborted,
		now,
		now,
		id,
		domain.StatusPending,
		domain.StatusProcessing,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) SetRefundState(ctx context.Context, db *gorm.DB, id string, state domain.RefundState) error {
	return db.WithContext(ctx).Exec(
		`UPDATE research_tasks
		 SET refund_pending = ?, error_detail = COALESCE(?, error_detail), refunded_at = ?, updated_at = ?
		 WHERE id = ?`,
		state.Pending,
		state.ErrorDetail,
		state.RefundedAt,
		state.UpdatedAt,
		id,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	terminal := domain.TerminalStatuses()
	res := db.WithContext(ctx).Exec(
		`DELETE FROM research_tasks WHERE id = ? AND status IN (?, ?, ?)`,
		id,
		terminal[0],
		terminal[1],
		terminal[2],
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) ListRefundPending(ctx context.Context, db *gorm.DB, limit int) ([]*domain.ResearchTask, error) {
	var tasks []*domain.ResearchTask
	err := db.WithContext(ctx).
		Omit("report").
		Where("refund_pending = ?", true).
		Order("updated_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, heartbeatBefore time.Time, limit int) ([]*domain.ResearchTask, error) {
	var tasks []*domain.ResearchTask
	err := db.WithContext(ctx).
		Omit("report").
		Where("status = ? AND (heartbeat_at IS NULL OR heartbeat_at < ?)", domain.StatusProcessing, heartbeatBefore).
		Order("heartbeat_at ASC").
		Limit(limit).
		Find(&tasks).Error
	return tasks, err
}
