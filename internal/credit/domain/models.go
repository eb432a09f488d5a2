package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CreditBalance is the per-user, per-month credit wallet. Version is bumped on
// every mutation and guards writes with compare-and-swap.
type CreditBalance struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	UserID         string       `gorm:"type:varchar(128);not null;uniqueIndex:ux_credit_balances_user_month" json:"user_id"`
	Month          string       `gorm:"type:varchar(7);not null;uniqueIndex:ux_credit_balances_user_month" json:"month"`
	CurrentBalance int64        `gorm:"not null" json:"current_balance"`
	MonthlyLimit   int64        `gorm:"not null" json:"monthly_limit"`
	TotalUsed      int64        `gorm:"not null;default:0" json:"total_used"`
	ResearchCount  int64        `gorm:"not null;default:0" json:"research_count"`
	Version        int64        `gorm:"not null;default:0" json:"version"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

type TransactionKind string

const (
	KindDebit  TransactionKind = "debit"
	KindRefund TransactionKind = "refund"
	KindTopUp  TransactionKind = "topup"
)

// CreditTransaction is an immutable ledger line. BalanceAfter equals the
// owning balance's CurrentBalance right after the line was applied.
type CreditTransaction struct {
	ID            string          `gorm:"primaryKey;type:varchar(40)" json:"id"`
	BalanceID     snowflake.ID    `gorm:"not null;index" json:"balance_id"`
	Balance       *CreditBalance  `gorm:"foreignKey:BalanceID;constraint:OnDelete:CASCADE" json:"-"`
	UserID        string          `gorm:"type:varchar(128);not null;index:ix_credit_transactions_user_created" json:"user_id"`
	Month         string          `gorm:"type:varchar(7);not null" json:"month"`
	Kind          TransactionKind `gorm:"type:varchar(16);not null" json:"kind"`
	Amount        int64           `gorm:"not null" json:"amount"`
	BalanceAfter  int64           `gorm:"not null" json:"balance_after"`
	CorrelationID *string         `gorm:"type:varchar(128);index" json:"correlation_id,omitempty"`
	ResearchDepth *string         `gorm:"type:varchar(16)" json:"research_depth,omitempty"`
	RefundKey     *string         `gorm:"type:varchar(128);uniqueIndex" json:"-"`
	CreatedAt     time.Time       `gorm:"not null;index:ix_credit_transactions_user_created" json:"created_at"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }
