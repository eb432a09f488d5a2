package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/marketpulse/internal/checkpoint"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/smallbiznis/marketpulse/internal/config"
	creditdomain "github.com/smallbiznis/marketpulse/internal/credit/domain"
	"github.com/smallbiznis/marketpulse/internal/engine"
	obslogger "github.com/smallbiznis/marketpulse/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/marketpulse/internal/observability/metrics"
	"github.com/smallbiznis/marketpulse/internal/research/domain"
	"github.com/smallbiznis/marketpulse/internal/search"
	"github.com/smallbiznis/marketpulse/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxIdeaLength = 2000

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Policy        *config.ResearchPolicyHolder
	Repo          domain.Repository
	Ledger        creditdomain.Service
	Tracker       checkpoint.Tracker
	Engine        engine.Engine
	Search        search.Index              `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics       `optional:"true"`
	WorkerMetrics *obsmetrics.WorkerMetrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	policy        *config.ResearchPolicyHolder
	repo          domain.Repository
	ledger        creditdomain.Service
	tracker       checkpoint.Tracker
	engine        engine.Engine
	search        search.Index
	obsMetrics    *obsmetrics.Metrics
	workerMetrics *obsmetrics.WorkerMetrics
}

func New(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("research.service"),
		genID:         p.GenID,
		clock:         clk,
		policy:        p.Policy,
		repo:          p.Repo,
		ledger:        p.Ledger,
		tracker:       p.Tracker,
		engine:        p.Engine,
		search:        p.Search,
		obsMetrics:    p.ObsMetrics,
		workerMetrics: p.WorkerMetrics,
	}
}

func (s *Service) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResult, error) {
	return s.submit(ctx, req, nil)
}

func (s *Service) submit(ctx context.Context, req domain.SubmitRequest, rerunOf *string) (*domain.SubmitResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	idea := strings.TrimSpace(req.ProductIdea)
	if idea == "" || len(idea) > maxIdeaLength {
		return nil, domain.ErrInvalidIdea
	}
	tier, err := creditdomain.ParseTier(req.ResearchDepth)
	if err != nil {
		return nil, err
	}
	maxSources := req.MaxSources
	if maxSources == 0 {
		maxSources = s.policy.Get().MaxSources
	}
	if maxSources < 1 || maxSources > 100 {
		return nil, domain.ErrInvalidMaxSources
	}

	now := s.clock.Now()
	id := s.newRequestID(now)
	month := clock.MonthKey(now)
	log := obslogger.WithTask(obslogger.WithContext(ctx, s.log), id)

	if _, err := s.ledger.Debit(ctx, creditdomain.DebitRequest{
		UserID:        userID,
		Month:         month,
		Amount:        tier.Cost(),
		CorrelationID: id,
		Depth:         tier,
	}); err != nil {
		return nil, err
	}

	task := &domain.ResearchTask{
		ID:             id,
		UserID:         userID,
		ProductIdea:    idea,
		ResearchDepth:  tier.String(),
		MaxSources:     maxSources,
		Status:         domain.StatusPending,
		CreditsCharged: tier.Cost(),
		BillingMonth:   month,
		RerunOf:        rerunOf,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, s.db, task); err != nil {
		log.Error("research task insert failed after debit, refunding", zap.Error(err))
		if refundErr := s.refundWithRetry(ctx, task); refundErr != nil {
			log.Error("refund after failed insert did not apply", zap.Error(refundErr))
		}
		return nil, fmt.Errorf("create research task: %w", err)
	}

	s.index(ctx, task)
	s.obsMetrics.RecordSubmitted(ctx, tier.String())
	log.Info("research task submitted",
		zap.String("user_id", userID),
		zap.String("research_depth", tier.String()),
		zap.Int64("credits_charged", tier.Cost()),
	)

	return &domain.SubmitResult{
		RequestID:      id,
		Status:         task.Status,
		CreditsCharged: task.CreditsCharged,
		Message:        "Research task submitted",
	}, nil
}

func (s *Service) Get(ctx context.Context, userID, taskID string) (*domain.ResearchTask, error) {
	userID = strings.TrimSpace(userID)
	taskID = strings.TrimSpace(taskID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	if taskID == "" {
		return nil, domain.ErrTaskNotFound
	}
	task, err := s.repo.FindByID(ctx, s.db, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil || task.UserID != userID {
		return nil, domain.ErrTaskNotFound
	}
	return task, nil
}

func (s *Service) Status(ctx context.Context, userID, taskID string) (*domain.StatusView, error) {
	task, err := s.Get(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}

	view := &domain.StatusView{
		RequestID:            task.ID,
		Status:               task.Status,
		Progress:             task.Progress,
		CurrentStep:          task.CurrentStep,
		CompletedCheckpoints: task.CompletedCheckpoints,
		TotalCheckpoints:     checkpoint.Total,
		Checkpoints:          []string(task.Checkpoints),
		ProductIdea:          task.ProductIdea,
		ResearchDepth:        task.ResearchDepth,
		RefundPending:        task.RefundPending,
		Error:                task.ErrorDetail,
		StartedAt:            task.StartedAt,
		CompletedAt:          task.CompletedAt,
		LastUpdated:          task.UpdatedAt,
	}

	switch snapshot, err := s.tracker.Get(ctx, task.ID); {
	case err == nil:
		// live progress is ahead of the last persisted checkpoint
		if snapshot.Completed >= view.CompletedCheckpoints {
			view.Progress = max(view.Progress, snapshot.Progress)
			view.CompletedCheckpoints = snapshot.Completed
			view.Checkpoints = snapshot.CompletedCheckpoints
			if snapshot.CurrentStep != "" {
				view.CurrentStep = snapshot.CurrentStep
			}
			if snapshot.LastUpdated.After(view.LastUpdated) {
				view.LastUpdated = snapshot.LastUpdated
			}
		}
	case errors.Is(err, checkpoint.ErrNotFound):
	default:
		obslogger.WithContext(ctx, s.log).Warn("checkpoint tracker read failed, serving stored progress",
			zap.String("task_id", task.ID), zap.Error(err))
	}

	if view.Checkpoints == nil {
		view.Checkpoints = []string{}
	}
	if task.Status == domain.StatusCompleted {
		view.Progress = 100
	}
	return view, nil
}

func (s *Service) Report(ctx context.Context, userID, taskID string) (*domain.ResearchTask, *engine.Report, error) {
	task, err := s.Get(ctx, userID, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.Status != domain.StatusCompleted {
		return task, nil, fmt.Errorf("%w: task is %s", domain.ErrReportNotReady, task.Status)
	}
	report, err := task.DecodeReport()
	if err != nil {
		return nil, nil, fmt.Errorf("decode report: %w", err)
	}
	if report == nil {
		return task, nil, domain.ErrReportNotReady
	}
	return task, report, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (*domain.ListResult, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	var status domain.Status
	if raw := strings.TrimSpace(req.Status); raw != "" {
		parsed, ok := domain.ParseStatus(strings.ToLower(raw))
		if !ok {
			return nil, domain.ErrInvalidStatus
		}
		status = parsed
	}

	page := pagination.Page{Page: req.Page, PageSize: req.PageSize}.Normalize()
	tasks, total, err := s.repo.List(ctx, s.db, domain.ListFilter{
		UserID: userID,
		Status: status,
		Offset: page.Offset(),
		Limit:  page.PageSize,
	})
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []*domain.ResearchTask{}
	}
	return &domain.ListResult{
		Tasks:      tasks,
		Page:       page.Page,
		PageSize:   page.PageSize,
		Total:      total,
		TotalPages: pagination.TotalPages(total, page.PageSize),
	}, nil
}

// Abort is idempotent: on a terminal task it reports the unchanged status.
func (s *Service) Abort(ctx context.Context, userID, taskID string) (*domain.AbortResult, error) {
	task, err := s.Get(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return &domain.AbortResult{RequestID: task.ID, Status: task.Status}, nil
	}

	now := s.clock.Now()
	aborted, err := s.repo.Abort(ctx, s.db, task.ID, now)
	if err != nil {
		return nil, err
	}
	if !aborted {
		// reached a terminal state between the read and the update
		current, err := s.repo.FindByID(ctx, s.db, task.ID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, domain.ErrTaskNotFound
		}
		return &domain.AbortResult{RequestID: current.ID, Status: current.Status}, nil
	}

	log := obslogger.WithTask(obslogger.WithContext(ctx, s.log), task.ID)
	if err := s.tracker.MarkTerminal(ctx, task.ID, checkpoint.StatusAborted); err != nil {
		log.Warn("mark tracker aborted failed", zap.Error(err))
	}
	task.Status = domain.StatusAborted
	task.CompletedAt = &now
	s.index(ctx, task)
	s.obsMetrics.RecordOutcome(ctx, task.ResearchDepth, string(domain.StatusAborted))

	refunded := s.settleRefund(ctx, task, "aborted") == nil
	log.Info("research task aborted", zap.Bool("refunded", refunded))
	return &domain.AbortResult{RequestID: task.ID, Status: domain.StatusAborted, Refunded: refunded}, nil
}

// Rerun submits a fresh task with the same input. The source task is not modified.
func (s *Service) Rerun(ctx context.Context, userID, taskID string) (*domain.SubmitResult, error) {
	task, err := s.Get(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.Terminal() {
		return nil, fmt.Errorf("%w: cannot rerun a %s task", domain.ErrInvalidState, task.Status)
	}
	source := task.ID
	return s.submit(ctx, domain.SubmitRequest{
		UserID:        task.UserID,
		ProductIdea:   task.ProductIdea,
		ResearchDepth: task.ResearchDepth,
		MaxSources:    task.MaxSources,
	}, &source)
}

// Delete removes a terminal task with its tracker and search entries. Ledger
// history is kept.
func (s *Service) Delete(ctx context.Context, userID, taskID string) error {
	task, err := s.Get(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return fmt.Errorf("%w: cannot delete a %s task", domain.ErrInvalidState, task.Status)
	}
	deleted, err := s.repo.Delete(ctx, s.db, task.ID)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrInvalidState
	}

	log := obslogger.WithTask(obslogger.WithContext(ctx, s.log), task.ID)
	if err := s.tracker.Forget(ctx, task.ID); err != nil {
		log.Warn("forget tracker entry failed", zap.Error(err))
	}
	if s.search != nil {
		if err := s.search.Remove(ctx, task.ID); err != nil {
			log.Warn("remove search entry failed", zap.Error(err))
		}
	}
	log.Info("research task deleted")
	return nil
}

func (s *Service) newRequestID(now time.Time) string {
	return fmt.Sprintf("research_%s_%s", now.UTC().Format("20060102_150405"), s.genID.Generate().Base36())
}

func (s *Service) index(ctx context.Context, task *domain.ResearchTask) {
	if s.search == nil {
		return
	}
	doc := search.Document{
		RequestID:     task.ID,
		UserID:        task.UserID,
		ProductIdea:   task.ProductIdea,
		ResearchDepth: task.ResearchDepth,
		Status:        string(task.Status),
		StartedAt:     task.StartedAt,
		CompletedAt:   task.CompletedAt,
	}
	if report, err := task.DecodeReport(); err == nil && report != nil {
		doc.ReportText = report.Text()
	}
	if err := s.search.Index(ctx, doc); err != nil {
		obslogger.WithContext(ctx, s.log).Warn("search index update failed",
			zap.String("task_id", task.ID), zap.Error(err))
	}
}
