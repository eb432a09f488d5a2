package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpulse/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, userID, month string) (*domain.CreditBalance, error) {
	var balance domain.CreditBalance
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, month, current_balance, monthly_limit, total_used, research_count, version, created_at, updated_at
		 FROM credit_balances WHERE user_id = ? AND month = ?`,
		userID,
		month,
	).Scan(&balance).Error
	if err != nil {
		return nil, err
	}
	if balance.ID == 0 {
		return nil, nil
	}
	return &balance, nil
}

func (r *repo) InsertBalance(ctx context.Context, db *gorm.DB, balance *domain.CreditBalance) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_balances (id, user_id, month, current_balance, monthly_limit, total_used, research_count, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		balance.ID,
		balance.UserID,
		balance.Month,
		balance.CurrentBalance,
		balance.MonthlyLimit,
		balance.TotalUsed,
		balance.ResearchCount,
		balance.Version,
		balance.CreatedAt,
		balance.UpdatedAt,
	).Error
}

func (r *repo) CompareAndSwap(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, next domain.BalanceState) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET current_balance = ?, total_used = ?, research_count = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		next.CurrentBalance,
		next.TotalUsed,
		next.ResearchCount,
		next.UpdatedAt,
		id,
		expectedVersion,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.CreditTransaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (id, balance_id, user_id, month, kind, amount, balance_after, correlation_id, research_depth, refund_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.BalanceID,
		txn.UserID,
		txn.Month,
		txn.Kind,
		txn.Amount,
		txn.BalanceAfter,
		txn.CorrelationID,
		txn.ResearchDepth,
		txn.RefundKey,
		txn.CreatedAt,
	).Error
}

func (r *repo) HasRefund(ctx context.Context, db *gorm.DB, correlationID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM credit_transactions WHERE correlation_id = ? AND amount > 0`,
		correlationID,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, userID string, cursor *domain.TransactionCursor, limit int) ([]*domain.CreditTransaction, error) {
	var txns []*domain.CreditTransaction
	stmt := db.WithContext(ctx).
		Model(&domain.CreditTransaction{}).
		Where("user_id = ?", userID)
	if cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)", cursor.CreatedAt, cursor.CreatedAt, cursor.ID)
	}
	err := stmt.
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) ListTransactionsByCorrelation(ctx context.Context, db *gorm.DB, correlationID string) ([]*domain.CreditTransaction, error) {
	var txns []*domain.CreditTransaction
	err := db.WithContext(ctx).
		Model(&domain.CreditTransaction{}).
		Where("correlation_id = ?", correlationID).
		Order("created_at asc, id asc").
		Find(&txns).Error
	if err != nil {
		return nil, err
	}
	return txns, nil
}
