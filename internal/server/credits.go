package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/marketpulse/internal/credit/domain"
	"github.com/smallbiznis/marketpulse/internal/observability/logger"
	"github.com/smallbiznis/marketpulse/pkg/db/pagination"
	"go.uber.org/zap"
)

const defaultReconcileLimit = 100

type addCreditsRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

func (s *Server) AddCredits(c *gin.Context) {
	var req addCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "required", "user_id is required"))
		return
	}

	ctx := c.Request.Context()
	mut, err := s.creditSvc.AddCredits(ctx, creditdomain.AddCreditsRequest{
		UserID: userID,
		Amount: req.Amount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(ctx).Info("credits added",
		zap.String("user_id", userID),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance_after", mut.Balance.CurrentBalance),
	)

	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"message":       fmt.Sprintf("added %d credits to %s", req.Amount, userID),
		"balance_after": mut.Balance.CurrentBalance,
	})
}

func (s *Server) ListCreditTransactions(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.ListTransactions(c.Request.Context(), creditdomain.ListTransactionsRequest{
		UserID:    userIDFromContext(c),
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) GetSearchesRemaining(c *gin.Context) {
	resp, err := s.creditSvc.GetRemaining(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ReconcileRefunds(c *gin.Context) {
	limit := defaultReconcileLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
			return
		}
		limit = parsed
	}

	n, err := s.researchSvc.ReconcileRefunds(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reconciled": n})
}
