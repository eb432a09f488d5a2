package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/marketpulse/internal/authorization"
	"github.com/smallbiznis/marketpulse/internal/config"
	creditdomain "github.com/smallbiznis/marketpulse/internal/credit/domain"
	"github.com/smallbiznis/marketpulse/internal/observability"
	obsmiddleware "github.com/smallbiznis/marketpulse/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/marketpulse/internal/observability/metrics"
	obstracing "github.com/smallbiznis/marketpulse/internal/observability/tracing"
	"github.com/smallbiznis/marketpulse/internal/providers/pdf"
	"github.com/smallbiznis/marketpulse/internal/ratelimit"
	researchdomain "github.com/smallbiznis/marketpulse/internal/research/domain"
	"github.com/smallbiznis/marketpulse/internal/search"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(nil))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type ginParams struct {
	fx.In

	ObsCfg      observability.Config
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
}

func registerGin(p ginParams) *gin.Engine {
	return NewEngine(p.ObsCfg, p.HTTPMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	researchSvc   researchdomain.Service
	creditSvc     creditdomain.Service
	searchIndex   search.Index
	authzSvc      authorization.Service
	submitLimiter *ratelimit.SubmitLimiter
	pdfProvider   pdf.Provider
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	ResearchSvc   researchdomain.Service
	CreditSvc     creditdomain.Service
	SearchIndex   search.Index
	AuthzSvc      authorization.Service
	SubmitLimiter *ratelimit.SubmitLimiter `optional:"true"`
	PDFProvider   pdf.Provider
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		researchSvc:   p.ResearchSvc,
		creditSvc:     p.CreditSvc,
		searchIndex:   p.SearchIndex,
		authzSvc:      p.AuthzSvc,
		submitLimiter: p.SubmitLimiter,
		pdfProvider:   p.PDFProvider,
	}

	svc.registerResearchRoutes()
	svc.registerCreditRoutes()
	svc.registerAdminRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerResearchRoutes() {
	research := s.engine.Group("/api/research")
	research.Use(s.UserContext())

	research.POST("",
		s.authorize(authorization.ObjectResearchTask, authorization.ActionResearchSubmit),
		s.SubmitRateLimit(),
		s.SubmitResearch,
	)
	research.GET("", s.authorize(authorization.ObjectResearchTask, authorization.ActionResearchView), s.ListResearch)

	// -------- Tasks --------
	view := s.authorize(authorization.ObjectResearchTask, authorization.ActionResearchView)
	manage := s.authorize(authorization.ObjectResearchTask, authorization.ActionResearchManage)

	research.GET("/tasks/:id/status", view, s.GetResearchStatus)
	research.GET("/tasks/:id/result", view, s.GetResearchResult)
	research.GET("/tasks/:id/report", view, s.GetResearchReport)
	research.GET("/tasks/:id/report.pdf", view, s.DownloadReportPDF)
	research.GET("/tasks/:id/report.md", view, s.DownloadReportMarkdown)
	research.POST("/tasks/:id/abort", manage, s.AbortResearch)
	research.POST("/tasks/:id/rerun",
		manage,
		s.authorize(authorization.ObjectResearchTask, authorization.ActionResearchSubmit),
		s.SubmitRateLimit(),
		s.RerunResearch,
	)
	research.DELETE("/tasks/:id", manage, s.DeleteResearch)

	// -------- Credits & search --------
	research.GET("/searches-remaining", s.authorize(authorization.ObjectCredits, authorization.ActionCreditsView), s.GetSearchesRemaining)
	research.GET("/search", view, s.SearchResearch)
	research.GET("/search/suggestions", view, s.SearchSuggestions)
}

func (s *Server) registerCreditRoutes() {
	credits := s.engine.Group("/api/credits")

	credits.POST("/add",
		s.AdminRequired(),
		s.authorize(authorization.ObjectCredits, authorization.ActionCreditsTopUp),
		s.AddCredits,
	)
	credits.GET("/transactions",
		s.OptionalAdmin(),
		s.UserContext(),
		s.authorize(authorization.ObjectCredits, authorization.ActionCreditsTransactions),
		s.ListCreditTransactions,
	)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/api/admin")
	admin.Use(s.AdminRequired())

	admin.POST("/refunds/reconcile",
		s.authorize(authorization.ObjectRefunds, authorization.ActionRefundsReconcile),
		s.ReconcileRefunds,
	)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
