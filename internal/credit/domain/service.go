package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/marketpulse/pkg/db/pagination"
)

type DebitRequest struct {
	UserID        string
	Month         string
	Amount        int64
	CorrelationID string
	Depth         Tier
}

type CreditRequest struct {
	UserID        string
	Month         string
	Amount        int64
	CorrelationID string
}

type AddCreditsRequest struct {
	UserID string
	Amount int64
}

// Mutation is the outcome of one ledger write. Applied is false when a refund
// was skipped because one already exists for the correlation id.
type Mutation struct {
	Applied     bool               `json:"applied"`
	Balance     CreditBalance      `json:"balance"`
	Transaction *CreditTransaction `json:"transaction,omitempty"`
}

type Remaining struct {
	UserID            string         `json:"user_id"`
	Month             string         `json:"month"`
	CreditBalance     int64          `json:"credit_balance"`
	SearchesRemaining map[Tier]int64 `json:"searches_remaining"`
}

type ListTransactionsRequest struct {
	UserID    string
	PageToken string
	PageSize  int
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []*CreditTransaction `json:"transactions"`
}

type Service interface {
	Debit(ctx context.Context, req DebitRequest) (*Mutation, error)
	Credit(ctx context.Context, req CreditRequest) (*Mutation, error)
	AddCredits(ctx context.Context, req AddCreditsRequest) (*Mutation, error)
	GetRemaining(ctx context.Context, userID string) (*Remaining, error)
	GetBalance(ctx context.Context, userID, month string) (*CreditBalance, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (*ListTransactionsResponse, error)
	RefundIssued(ctx context.Context, correlationID string) (bool, error)
}

var (
	ErrInvalidUser         = errors.New("invalid_user")
	ErrInvalidMonth        = errors.New("invalid_month")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidTier         = errors.New("invalid_research_depth")
	ErrInvalidCorrelation  = errors.New("invalid_correlation_id")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
	ErrBalanceNotFound     = errors.New("balance_not_found")
)
