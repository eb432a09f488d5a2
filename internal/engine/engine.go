// Package engine runs the research workflow behind a single interface. An
// engine reports progress through a Sink and stops at the next checkpoint
// boundary once the abort signal is raised.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrAborted       = errors.New("research_aborted")
	ErrEngineFailure = errors.New("engine_failure")
)

type Request struct {
	RequestID  string `json:"request_id"`
	Idea       string `json:"product_idea"`
	Depth      string `json:"research_depth"`
	MaxSources int    `json:"max_sources"`
}

type Event struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Sink receives checkpoint events in emission order.
type Sink func(ctx context.Context, ev Event) error

// AbortFunc reports whether the task was asked to stop.
type AbortFunc func() bool

type Section struct {
	Key     string   `json:"key"`
	Heading string   `json:"heading"`
	Body    string   `json:"body"`
	Bullets []string `json:"bullets,omitempty"`
}

type Source struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

type Report struct {
	Title            string    `json:"title"`
	ProductIdea      string    `json:"product_idea"`
	ResearchDepth    string    `json:"research_depth"`
	Sector           string    `json:"sector"`
	ExecutiveSummary string    `json:"executive_summary"`
	Sections         []Section `json:"sections"`
	Sources          []Source  `json:"sources,omitempty"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// Text flattens the report for search indexing.
func (r *Report) Text() string {
	if r == nil {
		return ""
	}
	parts := []string{r.Title, r.ExecutiveSummary}
	for _, s := range r.Sections {
		parts = append(parts, s.Heading, s.Body)
		parts = append(parts, s.Bullets...)
	}
	return strings.Join(parts, " ")
}

type Engine interface {
	Run(ctx context.Context, req Request, sink Sink, abort AbortFunc) (*Report, error)
}

// emitRange reports checkpoints from..to inclusive, checking abort before each.
func emitRange(ctx context.Context, sink Sink, abort AbortFunc, from, to int, names func(int) string) error {
	for idx := from; idx <= to; idx++ {
		if abort != nil && abort() {
			return ErrAborted
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sink(ctx, Event{Index: idx, Name: names(idx)}); err != nil {
			return err
		}
	}
	return nil
}
