// Package search indexes research tasks for substring search and query
// suggestions.
package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

const (
	MatchWordStart = "word_start"
	MatchContains  = "contains"

	previewRadius    = 30
	previewFallback  = 100
	suggestionWindow = 50
)

var ErrMissingRequestID = errors.New("search_missing_request_id")

type Document struct {
	RequestID     string
	UserID        string
	ProductIdea   string
	ResearchDepth string
	Status        string
	ReportText    string
	StartedAt     time.Time
	CompletedAt   *time.Time
}

type Result struct {
	RequestID     string     `json:"request_id"`
	ProductIdea   string     `json:"query"`
	ResearchDepth string     `json:"research_depth"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Relevance     float64    `json:"relevance"`
	MatchPreview  string     `json:"match_preview"`
}

type Suggestion struct {
	Query     string    `json:"query"`
	RequestID string    `json:"request_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	MatchType string    `json:"match_type"`
}

type Index interface {
	Index(ctx context.Context, doc Document) error
	Remove(ctx context.Context, requestID string) error
	Search(ctx context.Context, userID, query string, limit int) ([]Result, error)
	Suggest(ctx context.Context, userID, partial string, limit int) ([]Suggestion, error)
}

// entry is the stored form shared by both index implementations.
type entry struct {
	doc        Document
	searchText string
	indexedAt  time.Time
}

func newEntry(doc Document, now time.Time) entry {
	return entry{doc: doc, searchText: searchText(doc), indexedAt: now}
}

func searchText(doc Document) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{doc.ProductIdea, doc.Status, doc.ReportText} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

// relevance is the share of query words found in text.
func relevance(text, query string) float64 {
	words := strings.Fields(query)
	if len(words) == 0 {
		return 0
	}
	matched := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			matched++
		}
	}
	return float64(matched) / float64(len(words))
}

func matchPreview(text, query string) string {
	idx := -1
	if query != "" {
		idx = strings.Index(strings.ToLower(text), strings.ToLower(query))
	}
	if idx < 0 {
		if len(text) > previewFallback {
			return text[:previewFallback] + "..."
		}
		return text
	}
	start := max(0, idx-previewRadius)
	end := min(len(text), idx+len(query)+previewRadius)
	preview := text[start:end]
	if start > 0 {
		preview = "..." + preview
	}
	if end < len(text) {
		preview += "..."
	}
	return preview
}

func matchType(idea, partial string) string {
	lower := strings.ToLower(idea)
	for _, w := range strings.Fields(lower) {
		if strings.HasPrefix(w, partial) {
			return MatchWordStart
		}
	}
	if strings.Contains(lower, partial) {
		return MatchContains
	}
	return ""
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// searchEntries filters entries (newest first) and ranks hits by relevance,
// then start time.
func searchEntries(entries []entry, userID, query string, limit int) []Result {
	query = normalizeQuery(query)
	if query == "" || limit <= 0 {
		return []Result{}
	}
	results := make([]Result, 0)
	for _, e := range entries {
		if e.doc.UserID != userID || !strings.Contains(e.searchText, query) {
			continue
		}
		results = append(results, Result{
			RequestID:     e.doc.RequestID,
			ProductIdea:   e.doc.ProductIdea,
			ResearchDepth: e.doc.ResearchDepth,
			Status:        e.doc.Status,
			StartedAt:     e.doc.StartedAt,
			CompletedAt:   e.doc.CompletedAt,
			Relevance:     relevance(e.searchText, query),
			MatchPreview:  matchPreview(e.doc.ProductIdea, query),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Relevance != results[j].Relevance {
			return results[i].Relevance > results[j].Relevance
		}
		return results[i].StartedAt.After(results[j].StartedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// suggestEntries looks at the user's newest window of entries only.
func suggestEntries(entries []entry, userID, partial string, limit int) []Suggestion {
	partial = normalizeQuery(partial)
	if partial == "" || limit <= 0 {
		return []Suggestion{}
	}
	seen := make(map[string]struct{})
	out := make([]Suggestion, 0)
	window := 0
	for _, e := range entries {
		if e.doc.UserID != userID {
			continue
		}
		if window++; window > suggestionWindow {
			break
		}
		if e.doc.ProductIdea == "" {
			continue
		}
		key := strings.ToLower(e.doc.ProductIdea)
		if _, dup := seen[key]; dup {
			continue
		}
		mt := matchType(e.doc.ProductIdea, partial)
		if mt == "" {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Suggestion{
			Query:     e.doc.ProductIdea,
			RequestID: e.doc.RequestID,
			Status:    e.doc.Status,
			StartedAt: e.doc.StartedAt,
			MatchType: mt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].MatchType != out[j].MatchType {
			return out[i].MatchType == MatchWordStart
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
