package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// BalanceState is the set of columns a CAS write replaces.
type BalanceState struct {
	CurrentBalance int64
	TotalUsed      int64
	ResearchCount  int64
	UpdatedAt      time.Time
}

type TransactionCursor struct {
	CreatedAt time.Time
	ID        string
}

type Repository interface {
	FindBalance(ctx context.Context, db *gorm.DB, userID, month string) (*CreditBalance, error)
	InsertBalance(ctx context.Context, db *gorm.DB, balance *CreditBalance) error
	// CompareAndSwap applies next only when the stored version still equals
	// expectedVersion. It reports whether the row was updated.
	CompareAndSwap(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, next BalanceState) (bool, error)
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *CreditTransaction) error
	HasRefund(ctx context.Context, db *gorm.DB, correlationID string) (bool, error)
	ListTransactions(ctx context.Context, db *gorm.DB, userID string, cursor *TransactionCursor, limit int) ([]*CreditTransaction, error)
	ListTransactionsByCorrelation(ctx context.Context, db *gorm.DB, correlationID string) ([]*CreditTransaction, error)
}
