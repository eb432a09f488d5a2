package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/marketpulse/internal/authorization"
	"github.com/smallbiznis/marketpulse/internal/checkpoint"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/smallbiznis/marketpulse/internal/config"
	creditdomain "github.com/smallbiznis/marketpulse/internal/credit/domain"
	creditrepo "github.com/smallbiznis/marketpulse/internal/credit/repository"
	creditservice "github.com/smallbiznis/marketpulse/internal/credit/service"
	"github.com/smallbiznis/marketpulse/internal/engine"
	"github.com/smallbiznis/marketpulse/internal/observability"
	"github.com/smallbiznis/marketpulse/internal/providers/pdf"
	"github.com/smallbiznis/marketpulse/internal/ratelimit"
	researchdomain "github.com/smallbiznis/marketpulse/internal/research/domain"
	researchrepo "github.com/smallbiznis/marketpulse/internal/research/repository"
	researchservice "github.com/smallbiznis/marketpulse/internal/research/service"
	"github.com/smallbiznis/marketpulse/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testAdminKey = "admin-secret"

type testEnv struct {
	t      *testing.T
	db     *gorm.DB
	clock  *clock.FakeClock
	repo   researchdomain.Repository
	svc    researchdomain.Service
	engine *gin.Engine
}

func newTestEnv(t *testing.T, limit int64, submitLimit int) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&creditdomain.CreditBalance{}, &creditdomain.CreditTransaction{}, &researchdomain.ResearchTask{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC))
	holder := config.NewStaticPolicyHolder(config.DefaultResearchPolicy())

	hash, err := authorization.HashAdminKey(testAdminKey)
	require.NoError(t, err)
	cfg := config.Config{
		DefaultMonthlyLimit: limit,
		AdminKeyHash:        hash,
		SubmitRateLimit:     submitLimit,
		SubmitRateWindow:    time.Minute,
	}

	ledger := creditservice.New(creditservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Config: cfg,
		Policy: holder,
		Repo:   creditrepo.Provide(),
	})
	index := search.NewMemoryIndex(clk)
	repo := researchrepo.Provide()
	svc := researchservice.New(researchservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Policy:  holder,
		Repo:    repo,
		Ledger:  ledger,
		Tracker: checkpoint.NewMemoryTracker(clk, func() time.Duration { return time.Minute }),
		Engine:  engine.NewSimulated(0, clk),
		Search:  index,
	})

	enforcer, err := authorization.NewEnforcer(authorization.EnforcerParams{DB: db})
	require.NoError(t, err)

	r := NewEngine(observability.Config{Environment: "test"}, nil)
	NewServer(ServerParams{
		Gin:         r,
		Cfg:         cfg,
		Log:         zap.NewNop(),
		ResearchSvc: svc,
		CreditSvc:   ledger,
		SearchIndex: index,
		AuthzSvc:    authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer}),
		SubmitLimiter: ratelimit.NewSubmitLimiter(ratelimit.SubmitParams{
			Config: cfg,
			Clock:  clk,
			Log:    zap.NewNop(),
		}),
		PDFProvider: pdf.New(),
	})

	return &testEnv{t: t, db: db, clock: clk, repo: repo, svc: svc, engine: r}
}

func (e *testEnv) do(method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.engine.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) submit(user, idea, depth string) string {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/research", user, map[string]any{"product_idea": idea, "research_depth": depth})
	require.Equal(e.t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		RequestID string `json:"request_id"`
		Status    string `json:"status"`
	}
	require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(e.t, "pending", resp.Status)
	return resp.RequestID
}

func (e *testEnv) runNext() {
	e.t.Helper()
	task, err := e.repo.ClaimPending(context.Background(), e.db, "worker-test", e.clock.Now())
	require.NoError(e.t, err)
	require.NotNil(e.t, task)
	require.NoError(e.t, e.svc.Execute(context.Background(), task))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type errorBody struct {
	Error struct {
		Type    string            `json:"type"`
		Message string            `json:"message"`
		Errors  []ValidationError `json:"errors"`
	} `json:"error"`
}

func TestResearchLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, 100, 0)
	id := env.submit("alice", "AI meal planner for busy parents", "standard")

	rec := env.do(http.MethodGet, "/api/research/tasks/"+id+"/status", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[researchdomain.StatusView](t, rec)
	assert.Equal(t, researchdomain.StatusPending, status.Status)
	assert.Equal(t, 17, status.TotalCheckpoints)

	rec = env.do(http.MethodGet, "/api/research/tasks/"+id+"/report", "alice", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "report_not_ready", decode[errorBody](t, rec).Error.Type)

	env.runNext()

	rec = env.do(http.MethodGet, "/api/research/tasks/"+id+"/status", "alice", nil)
	status = decode[researchdomain.StatusView](t, rec)
	assert.Equal(t, researchdomain.StatusCompleted, status.Status)
	assert.Equal(t, 100, status.Progress)

	rec = env.do(http.MethodGet, "/api/research/tasks/"+id+"/result", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[map[string]any](t, rec)
	assert.NotNil(t, result["result"])
	assert.Equal(t, "Food & Beverage", result["metadata"].(map[string]any)["sector"])

	rec = env.do(http.MethodGet, "/api/research/tasks/"+id+"/report", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "final_report")

	rec = env.do(http.MethodGet, "/api/research/tasks/"+id+"/report.md", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "# "))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "ai-meal-planner-for-busy-parents.md")

	rec = env.do(http.MethodGet, "/api/research/tasks/"+id+"/report.pdf", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")))

	rec = env.do(http.MethodGet, "/api/research/tasks/"+id+"/status", "mallory", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitErrorsMapToStatusCodes(t *testing.T) {
	env := newTestEnv(t, 10, 0)

	rec := env.do(http.MethodPost, "/api/research", "bob", map[string]any{"product_idea": "  ", "research_depth": "basic"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "validation_error", body.Error.Type)
	require.Len(t, body.Error.Errors, 1)
	assert.Equal(t, "product_idea", body.Error.Errors[0].Field)

	rec = env.do(http.MethodPost, "/api/research", "bob", map[string]any{"product_idea": "idea", "research_depth": "deep"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/api/research", "bob", map[string]any{"product_idea": "idea", "research_depth": "standard"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "insufficient_credits", decode[errorBody](t, rec).Error.Type)

	rec = env.do(http.MethodGet, "/api/research", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[researchdomain.ListResult](t, rec)
	assert.Zero(t, list.Total)
}

func TestAbortRerunDeleteOverHTTP(t *testing.T) {
	env := newTestEnv(t, 100, 0)
	id := env.submit("carol", "Solar panels for balconies", "basic")

	rec := env.do(http.MethodDelete, "/api/research/tasks/"+id, "carol", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(http.MethodPost, "/api/research/tasks/"+id+"/rerun", "carol", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	for i := 0; i < 2; i++ {
		rec = env.do(http.MethodPost, "/api/research/tasks/"+id+"/abort", "carol", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "aborted", decode[map[string]any](t, rec)["status"])
	}

	rec = env.do(http.MethodGet, "/api/research/searches-remaining", "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	remaining := decode[creditdomain.Remaining](t, rec)
	assert.Equal(t, int64(100), remaining.CreditBalance)
	assert.Equal(t, int64(16), remaining.SearchesRemaining[creditdomain.TierBasic])

	rec = env.do(http.MethodPost, "/api/research/tasks/"+id+"/rerun", "carol", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	rerunID := decode[map[string]any](t, rec)["request_id"]
	assert.NotEqual(t, id, rerunID)

	rec = env.do(http.MethodDelete, "/api/research/tasks/"+id, "carol", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodGet, "/api/research/tasks/"+id+"/status", "carol", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchEndpoints(t *testing.T) {
	env := newTestEnv(t, 100, 0)
	env.submit("dana", "Electric cargo bikes", "basic")
	env.runNext()

	rec := env.do(http.MethodGet, "/api/research/search?query=cargo", "dana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	found := decode[struct {
		Results []search.Result `json:"results"`
		Total   int             `json:"total"`
		Query   string          `json:"query"`
	}](t, rec)
	assert.Equal(t, 1, found.Total)
	assert.Equal(t, "cargo", found.Query)

	rec = env.do(http.MethodGet, "/api/research/search", "dana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/api/research/search/suggestions?partial_query=elec", "dana", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	suggestions := decode[struct {
		Suggestions []search.Suggestion `json:"suggestions"`
	}](t, rec)
	require.Len(t, suggestions.Suggestions, 1)
	assert.Equal(t, search.MatchWordStart, suggestions.Suggestions[0].MatchType)

	rec = env.do(http.MethodGet, "/api/research/search/suggestions?partial_query=elec", "erin", nil)
	assert.Empty(t, decode[struct {
		Suggestions []search.Suggestion `json:"suggestions"`
	}](t, rec).Suggestions)
}

func TestAdminCreditTopUp(t *testing.T) {
	env := newTestEnv(t, 10, 0)

	rec := env.do(http.MethodPost, "/api/credits/add", "", map[string]any{"user_id": "frank", "amount": 20})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(http.MethodPost, "/api/credits/add", "", map[string]any{"user_id": "frank", "amount": 20}, HeaderAdminKey, "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/api/credits/add", "", map[string]any{"user_id": "frank", "amount": 20}, HeaderAdminKey, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	added := decode[map[string]any](t, rec)
	assert.Equal(t, true, added["success"])
	assert.EqualValues(t, 30, added["balance_after"])

	rec = env.do(http.MethodPost, "/api/credits/add", "", map[string]any{"user_id": "frank", "amount": 0}, HeaderAdminKey, testAdminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.submit("frank", "Pet insurance comparison", "standard")

	rec = env.do(http.MethodGet, "/api/credits/transactions?page_size=10", "frank", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	txns := decode[creditdomain.ListTransactionsResponse](t, rec)
	require.Len(t, txns.Transactions, 2)
	assert.Equal(t, creditdomain.KindDebit, txns.Transactions[0].Kind)
	assert.Equal(t, creditdomain.KindTopUp, txns.Transactions[1].Kind)

	rec = env.do(http.MethodGet, "/api/credits/transactions?user_id=frank", "other", nil, HeaderAdminKey, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[creditdomain.ListTransactionsResponse](t, rec).Transactions, 2)

	rec = env.do(http.MethodPost, "/api/admin/refunds/reconcile", "", nil, HeaderAdminKey, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, rec)["reconciled"])
}

func TestSubmitRateLimitReturns429(t *testing.T) {
	env := newTestEnv(t, 100, 2)

	env.submit("gina", "Idea one", "basic")
	env.submit("gina", "Idea two", "basic")

	rec := env.do(http.MethodPost, "/api/research", "gina", map[string]any{"product_idea": "Idea three", "research_depth": "basic"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode[errorBody](t, rec).Error.Type)

	env.submit("hank", "Idea one", "basic")
}

func TestDefaultUserAndUnknownRoutes(t *testing.T) {
	env := newTestEnv(t, 100, 0)
	id := env.submit("", "Default user idea", "basic")

	rec := env.do(http.MethodGet, "/api/research/tasks/"+id+"/status", defaultUserID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/api/nothing-here", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorBody](t, rec).Error.Type)

	rec = env.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
