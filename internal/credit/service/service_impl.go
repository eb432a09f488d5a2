package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/marketpulse/internal/cache"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/smallbiznis/marketpulse/internal/config"
	"github.com/smallbiznis/marketpulse/internal/credit/domain"
	obslogger "github.com/smallbiznis/marketpulse/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/marketpulse/internal/observability/metrics"
	pkgdb "github.com/smallbiznis/marketpulse/pkg/db"
	"github.com/smallbiznis/marketpulse/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultTransactionPageSize = 20
	maxTransactionPageSize     = 100
)

var (
	errVersionConflict = errors.New("credit balance version changed")
	errRefundExists    = errors.New("refund already recorded")
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Policy     *config.ResearchPolicyHolder
	Repo       domain.Repository
	Cache      cache.RemainingCache `optional:"true"`
	ObsMetrics *obsmetrics.Metrics  `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         domain.Repository
	policy       *config.ResearchPolicyHolder
	cache        cache.RemainingCache
	obsMetrics   *obsmetrics.Metrics
	monthlyLimit int64
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	policy := p.Policy
	if policy == nil {
		policy = config.NewStaticPolicyHolder(config.DefaultResearchPolicy())
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("credit.service"),
		genID:        p.GenID,
		clock:        clk,
		repo:         p.Repo,
		policy:       policy,
		cache:        p.Cache,
		obsMetrics:   p.ObsMetrics,
		monthlyLimit: p.Config.DefaultMonthlyLimit,
	}
}

// mutationSpec describes one ledger write; apply derives the next balance
// state from a freshly read row and may reject it.
type mutationSpec struct {
	kind          domain.TransactionKind
	userID        string
	month         string
	amount        int64
	correlationID string
	depth         domain.Tier
	apply         func(domain.CreditBalance) (domain.BalanceState, error)
}

func (s *Service) Debit(ctx context.Context, req domain.DebitRequest) (*domain.Mutation, error) {
	userID, month, err := normalizeOwner(req.UserID, req.Month)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		return nil, domain.ErrInvalidCorrelation
	}

	amount := req.Amount
	return s.mutate(ctx, mutationSpec{
		kind:          domain.KindDebit,
		userID:        userID,
		month:         month,
		amount:        -amount,
		correlationID: correlationID,
		depth:         req.Depth,
		apply: func(b domain.CreditBalance) (domain.BalanceState, error) {
			if b.CurrentBalance < amount {
				return domain.BalanceState{}, fmt.Errorf("%w: balance %d, required %d", domain.ErrInsufficientCredits, b.CurrentBalance, amount)
			}
			return domain.BalanceState{
				CurrentBalance: b.CurrentBalance - amount,
				TotalUsed:      b.TotalUsed + amount,
				ResearchCount:  b.ResearchCount + 1,
			}, nil
		},
	})
}

// Credit refunds a prior debit. It is idempotent per correlation id.
func (s *Service) Credit(ctx context.Context, req domain.CreditRequest) (*domain.Mutation, error) {
	userID, month, err := normalizeOwner(req.UserID, req.Month)
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	correlationID := strings.TrimSpace(req.CorrelationID)
	if correlationID == "" {
		return nil, domain.ErrInvalidCorrelation
	}

	exists, err := s.repo.HasRefund(ctx, s.db, correlationID)
	if err != nil {
		return nil, err
	}
	if exists {
		s.obsMetrics.RecordRefund(ctx, "duplicate")
		return s.skippedRefund(ctx, userID, month)
	}

	amount := req.Amount
	mutation, err := s.mutate(ctx, mutationSpec{
		kind:          domain.KindRefund,
		userID:        userID,
		month:         month,
		amount:        amount,
		correlationID: correlationID,
		apply: func(b domain.CreditBalance) (domain.BalanceState, error) {
			return domain.BalanceState{
				CurrentBalance: b.CurrentBalance + amount,
				TotalUsed:      max(b.TotalUsed-amount, 0),
				ResearchCount:  max(b.ResearchCount-1, 0),
			}, nil
		},
	})
	if errors.Is(err, errRefundExists) {
		s.obsMetrics.RecordRefund(ctx, "duplicate")
		return s.skippedRefund(ctx, userID, month)
	}
	if err != nil {
		s.obsMetrics.RecordRefund(ctx, "failed")
		return nil, err
	}
	s.obsMetrics.RecordRefund(ctx, "applied")
	return mutation, nil
}

func (s *Service) AddCredits(ctx context.Context, req domain.AddCreditsRequest) (*domain.Mutation, error) {
	userID, month, err := normalizeOwner(req.UserID, clock.MonthKey(s.clock.Now()))
	if err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	amount := req.Amount
	return s.mutate(ctx, mutationSpec{
		kind:   domain.KindTopUp,
		userID: userID,
		month:  month,
		amount: amount,
		apply: func(b domain.CreditBalance) (domain.BalanceState, error) {
			return domain.BalanceState{
				CurrentBalance: b.CurrentBalance + amount,
				TotalUsed:      b.TotalUsed,
				ResearchCount:  b.ResearchCount,
			}, nil
		},
	})
}

func (s *Service) GetRemaining(ctx context.Context, userID string) (*domain.Remaining, error) {
	userID, month, err := normalizeOwner(userID, clock.MonthKey(s.clock.Now()))
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, userID, month); ok {
			return &cached, nil
		}
	}

	balance, err := s.repo.FindBalance(ctx, s.db, userID, month)
	if err != nil {
		return nil, err
	}
	current := s.monthlyLimit
	if balance != nil {
		current = balance.CurrentBalance
	}

	remaining := domain.Remaining{
		UserID:            userID,
		Month:             month,
		CreditBalance:     current,
		SearchesRemaining: make(map[domain.Tier]int64, len(domain.Tiers())),
	}
	for _, tier := range domain.Tiers() {
		remaining.SearchesRemaining[tier] = current / tier.Cost()
	}
	if s.cache != nil {
		s.cache.Set(ctx, userID, month, remaining)
	}
	return &remaining, nil
}

func (s *Service) GetBalance(ctx context.Context, userID, month string) (*domain.CreditBalance, error) {
	if strings.TrimSpace(month) == "" {
		month = clock.MonthKey(s.clock.Now())
	}
	userID, month, err := normalizeOwner(userID, month)
	if err != nil {
		return nil, err
	}
	balance, err := s.repo.FindBalance(ctx, s.db, userID, month)
	if err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, domain.ErrBalanceNotFound
	}
	return balance, nil
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListTransactionsRequest) (*domain.ListTransactionsResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = defaultTransactionPageSize
	}
	if pageSize > maxTransactionPageSize {
		pageSize = maxTransactionPageSize
	}

	var cursor *domain.TransactionCursor
	if token := strings.TrimSpace(req.PageToken); token != "" {
		decoded, err := pagination.DecodeCursor(token)
		if err != nil {
			return nil, domain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil || decoded.ID == "" {
			return nil, domain.ErrInvalidPageToken
		}
		cursor = &domain.TransactionCursor{CreatedAt: createdAt, ID: decoded.ID}
	}

	rows, err := s.repo.ListTransactions(ctx, s.db, userID, cursor, pageSize+1)
	if err != nil {
		return nil, err
	}

	rows, info := pagination.BuildCursorPageInfo(rows, pageSize, func(t *domain.CreditTransaction) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{
			ID:        t.ID,
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		return token
	})

	return &domain.ListTransactionsResponse{
		PageInfo:     *info,
		Transactions: rows,
	}, nil
}

func (s *Service) RefundIssued(ctx context.Context, correlationID string) (bool, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return false, domain.ErrInvalidCorrelation
	}
	return s.repo.HasRefund(ctx, s.db, correlationID)
}

func (s *Service) mutate(ctx context.Context, spec mutationSpec) (*domain.Mutation, error) {
	policy := s.policy.Get().CAS
	log := obslogger.WithContext(ctx, s.log)

	for attempt := 1; ; attempt++ {
		mutation, err := s.attempt(ctx, spec)
		if err == nil {
			s.afterMutation(ctx, spec, mutation)
			return mutation, nil
		}
		if !errors.Is(err, errVersionConflict) {
			return nil, err
		}

		s.obsMetrics.RecordCASRetry(ctx, string(spec.kind))
		if attempt >= policy.Attempts {
			log.Warn("credit balance cas exhausted",
				zap.String("user_id", spec.userID),
				zap.String("month", spec.month),
				zap.String("kind", string(spec.kind)),
				zap.Int("attempts", attempt),
			)
			return nil, fmt.Errorf("%w: gave up after %d attempts", domain.ErrConcurrencyConflict, attempt)
		}
		if err := clock.SleepContext(ctx, policy.Backoff(attempt)); err != nil {
			return nil, err
		}
	}
}

func (s *Service) attempt(ctx context.Context, spec mutationSpec) (*domain.Mutation, error) {
	balance, err := s.ensureBalance(ctx, spec.userID, spec.month)
	if err != nil {
		return nil, err
	}

	next, err := spec.apply(*balance)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	next.UpdatedAt = now

	txn := &domain.CreditTransaction{
		ID:           newTransactionID(now),
		BalanceID:    balance.ID,
		UserID:       spec.userID,
		Month:        spec.month,
		Kind:         spec.kind,
		Amount:       spec.amount,
		BalanceAfter: next.CurrentBalance,
		CreatedAt:    now,
	}
	if spec.correlationID != "" {
		correlationID := spec.correlationID
		txn.CorrelationID = &correlationID
		if spec.kind == domain.KindRefund {
			txn.RefundKey = &correlationID
		}
	}
	if spec.depth != "" {
		depth := spec.depth.String()
		txn.ResearchDepth = &depth
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		swapped, err := s.repo.CompareAndSwap(ctx, tx, balance.ID, balance.Version, next)
		if err != nil {
			return err
		}
		if !swapped {
			return errVersionConflict
		}
		if err := s.repo.InsertTransaction(ctx, tx, txn); err != nil {
			if spec.kind == domain.KindRefund && pkgdb.IsDuplicateKeyErr(err) {
				return errRefundExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	updated := *balance
	updated.CurrentBalance = next.CurrentBalance
	updated.TotalUsed = next.TotalUsed
	updated.ResearchCount = next.ResearchCount
	updated.Version = balance.Version + 1
	updated.UpdatedAt = now

	return &domain.Mutation{Applied: true, Balance: updated, Transaction: txn}, nil
}

// ensureBalance returns the (user, month) row, creating it at the monthly limit
// when this is the first write of the month.
func (s *Service) ensureBalance(ctx context.Context, userID, month string) (*domain.CreditBalance, error) {
	balance, err := s.repo.FindBalance(ctx, s.db, userID, month)
	if err != nil {
		return nil, err
	}
	if balance != nil {
		return balance, nil
	}

	now := s.clock.Now()
	fresh := &domain.CreditBalance{
		ID:             s.genID.Generate(),
		UserID:         userID,
		Month:          month,
		CurrentBalance: s.monthlyLimit,
		MonthlyLimit:   s.monthlyLimit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.InsertBalance(ctx, s.db, fresh); err != nil {
		if !pkgdb.IsDuplicateKeyErr(err) {
			return nil, err
		}
		// lost the creation race; the winner's row is authoritative
		balance, err = s.repo.FindBalance(ctx, s.db, userID, month)
		if err != nil {
			return nil, err
		}
		if balance == nil {
			return nil, domain.ErrBalanceNotFound
		}
		return balance, nil
	}
	return fresh, nil
}

func (s *Service) skippedRefund(ctx context.Context, userID, month string) (*domain.Mutation, error) {
	balance, err := s.repo.FindBalance(ctx, s.db, userID, month)
	if err != nil {
		return nil, err
	}
	mutation := &domain.Mutation{Applied: false}
	if balance != nil {
		mutation.Balance = *balance
	}
	return mutation, nil
}

func (s *Service) afterMutation(ctx context.Context, spec mutationSpec, mutation *domain.Mutation) {
	log := obslogger.WithContext(ctx, s.log)
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, spec.userID, spec.month); err != nil {
			log.Warn("searches-remaining cache invalidation failed",
				zap.String("user_id", spec.userID),
				zap.String("month", spec.month),
				zap.Error(err),
			)
		}
	}
	s.obsMetrics.RecordLedgerMutation(ctx, string(spec.kind))
	log.Debug("credit ledger mutated",
		zap.String("user_id", spec.userID),
		zap.String("month", spec.month),
		zap.String("kind", string(spec.kind)),
		zap.Int64("amount", spec.amount),
		zap.Int64("balance_after", mutation.Balance.CurrentBalance),
		zap.Int64("version", mutation.Balance.Version),
		zap.String("correlation_id", spec.correlationID),
	)
}

func normalizeOwner(userID, month string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", "", domain.ErrInvalidUser
	}
	month = strings.TrimSpace(month)
	if _, err := time.Parse("2006-01", month); err != nil {
		return "", "", domain.ErrInvalidMonth
	}
	return userID, month, nil
}

func newTransactionID(now time.Time) string {
	return "txn_" + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}
