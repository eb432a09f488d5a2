package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/marketpulse/internal/search"
)

const (
	defaultSearchLimit     = 10
	maxSearchLimit         = 50
	defaultSuggestionLimit = 5
	maxSuggestionLimit     = 20
)

func (s *Server) SearchResearch(c *gin.Context) {
	var query struct {
		Query string `form:"query"`
		Limit int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	q := strings.TrimSpace(query.Query)
	if q == "" {
		AbortWithError(c, newValidationError("query", "required", "query is required"))
		return
	}

	results, err := s.searchIndex.Search(c.Request.Context(), userIDFromContext(c), q, clampLimit(query.Limit, defaultSearchLimit, maxSearchLimit))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}

	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"total":   len(results),
		"query":   q,
	})
}

func (s *Server) SearchSuggestions(c *gin.Context) {
	var query struct {
		PartialQuery string `form:"partial_query"`
		Limit        int    `form:"limit"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	partial := strings.TrimSpace(query.PartialQuery)
	if partial == "" {
		c.JSON(http.StatusOK, gin.H{"suggestions": []search.Suggestion{}})
		return
	}

	suggestions, err := s.searchIndex.Suggest(c.Request.Context(), userIDFromContext(c), partial, clampLimit(query.Limit, defaultSuggestionLimit, maxSuggestionLimit))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if suggestions == nil {
		suggestions = []search.Suggestion{}
	}

	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

func clampLimit(v, def, limit int) int {
	if v <= 0 {
		return def
	}
	if v > limit {
		return limit
	}
	return v
}
