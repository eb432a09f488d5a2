package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketpulse/internal/checkpoint"
	"github.com/smallbiznis/marketpulse/internal/report"
	researchdomain "github.com/smallbiznis/marketpulse/internal/research/domain"
	"github.com/smallbiznis/marketpulse/pkg/db/pagination"
)

type submitResearchRequest struct {
	ProductIdea   string `json:"product_idea"`
	ResearchDepth string `json:"research_depth"`
	MaxSources    int    `json:"max_sources"`
}

func (s *Server) SubmitResearch(c *gin.Context) {
	var req submitResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	depth := strings.TrimSpace(req.ResearchDepth)
	if depth == "" {
		depth = "standard"
	}

	resp, err := s.researchSvc.Submit(c.Request.Context(), researchdomain.SubmitRequest{
		UserID:        userIDFromContext(c),
		ProductIdea:   req.ProductIdea,
		ResearchDepth: depth,
		MaxSources:    req.MaxSources,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) ListResearch(c *gin.Context) {
	var query struct {
		pagination.Page
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	page := query.Page.Normalize()
	resp, err := s.researchSvc.List(c.Request.Context(), researchdomain.ListRequest{
		UserID:   userIDFromContext(c),
		Page:     page.Page,
		PageSize: page.PageSize,
		Status:   strings.TrimSpace(query.Status),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetResearchStatus(c *gin.Context) {
	resp, err := s.researchSvc.Status(c.Request.Context(), userIDFromContext(c), taskIDParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type resultMetadata struct {
	ProductIdea          string     `json:"product_idea"`
	ResearchDepth        string     `json:"research_depth"`
	Sector               string     `json:"sector,omitempty"`
	CreditsCharged       int64      `json:"credits_charged"`
	CompletedCheckpoints int        `json:"completed_checkpoints"`
	TotalCheckpoints     int        `json:"total_checkpoints"`
	RefundPending        bool       `json:"refund_pending"`
	RerunOf              *string    `json:"rerun_of,omitempty"`
	Error                *string    `json:"error,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
}

// GetResearchResult answers for every status; result stays null until the
// task completes.
func (s *Server) GetResearchResult(c *gin.Context) {
	task, err := s.researchSvc.Get(c.Request.Context(), userIDFromContext(c), taskIDParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := task.DecodeReport()
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id": task.ID,
		"status":     task.Status,
		"result":     result,
		"metadata": resultMetadata{
			ProductIdea:          task.ProductIdea,
			ResearchDepth:        task.ResearchDepth,
			Sector:               task.Sector,
			CreditsCharged:       task.CreditsCharged,
			CompletedCheckpoints: task.CompletedCheckpoints,
			TotalCheckpoints:     checkpoint.Total,
			RefundPending:        task.RefundPending,
			RerunOf:              task.RerunOf,
			Error:                task.ErrorDetail,
			StartedAt:            task.StartedAt,
			CompletedAt:          task.CompletedAt,
		},
	})
}

func (s *Server) GetResearchReport(c *gin.Context) {
	task, rep, err := s.researchSvc.Report(c.Request.Context(), userIDFromContext(c), taskIDParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"request_id":   task.ID,
		"status":       task.Status,
		"final_report": rep,
	})
}

func (s *Server) DownloadReportPDF(c *gin.Context) {
	ctx := c.Request.Context()
	task, rep, err := s.researchSvc.Report(ctx, userIDFromContext(c), taskIDParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	reader, err := s.pdfProvider.RenderReport(ctx, rep)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+report.Filename(task.ProductIdea, "pdf")+`"`)
	c.Data(http.StatusOK, "application/pdf", body)
}

func (s *Server) DownloadReportMarkdown(c *gin.Context) {
	task, rep, err := s.researchSvc.Report(c.Request.Context(), userIDFromContext(c), taskIDParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+report.Filename(task.ProductIdea, "md")+`"`)
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", report.Markdown(rep))
}

func (s *Server) AbortResearch(c *gin.Context) {
	resp, err := s.researchSvc.Abort(c.Request.Context(), userIDFromContext(c), taskIDParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) RerunResearch(c *gin.Context) {
	resp, err := s.researchSvc.Rerun(c.Request.Context(), userIDFromContext(c), taskIDParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) DeleteResearch(c *gin.Context) {
	id := taskIDParam(c)
	if err := s.researchSvc.Delete(c.Request.Context(), userIDFromContext(c), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "research task " + id + " deleted"})
}

func taskIDParam(c *gin.Context) string {
	return strings.TrimSpace(c.Param("id"))
}
