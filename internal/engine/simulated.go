package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/marketpulse/internal/clock"
)

var depthSources = map[string]int{
	"basic":         5,
	"standard":      10,
	"comprehensive": 20,
}

// Simulated produces a deterministic report from the idea alone. StepDelay is
// slept once per stage.
type Simulated struct {
	StepDelay time.Duration
	Clock     clock.Clock
}

func NewSimulated(stepDelay time.Duration, clk clock.Clock) *Simulated {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Simulated{StepDelay: stepDelay, Clock: clk}
}

func (s *Simulated) Run(ctx context.Context, req Request, sink Sink, abort AbortFunc) (*Report, error) {
	idea := strings.TrimSpace(req.Idea)
	sector := DetectSector(idea)

	sections, err := runStages(ctx, sink, abort, func(ctx context.Context, st stage) (Section, error) {
		if err := clock.Sleep(ctx, s.Clock, s.StepDelay); err != nil {
			return Section{}, err
		}
		return simulatedSection(st, idea, sector), nil
	})
	if err != nil {
		return nil, err
	}

	return &Report{
		Title:            reportTitle(idea),
		ProductIdea:      idea,
		ResearchDepth:    req.Depth,
		Sector:           sector,
		ExecutiveSummary: fmt.Sprintf("%q targets the %s sector. Demand signals are moderate and the competitive field is fragmented.", idea, sector),
		Sections:         sections,
		Sources:          simulatedSources(sector, req),
		GeneratedAt:      s.Clock.Now(),
	}, nil
}

func simulatedSection(st stage, idea, sector string) Section {
	switch st.key {
	case "plan":
		return Section{
			Body: fmt.Sprintf("Validate demand for %q, map competitors in %s and profile early adopters.", idea, sector),
			Bullets: []string{
				fmt.Sprintf("%s market size and growth", sector),
				fmt.Sprintf("alternatives to %s", idea),
				"customer pain points and willingness to pay",
			},
		}
	case "market":
		return Section{
			Body: fmt.Sprintf("The %s sector shows steady growth with room for focused entrants.", sector),
			Bullets: []string{
				"Adoption is driven by convenience and cost savings",
				"Mobile-first distribution lowers acquisition cost",
			},
		}
	case "competitor":
		return Section{
			Body: "Incumbents compete on breadth; few focus narrowly on this use case.",
			Bullets: []string{
				"Large platforms bundle the feature as an add-on",
				"Niche players lack integrations",
			},
		}
	case "customer":
		return Section{
			Body: "Early adopters are time-constrained professionals who already pay for adjacent tools.",
			Bullets: []string{
				"Primary pain: fragmented workflow",
				"Secondary pain: unclear pricing of alternatives",
			},
		}
	default:
		return Section{
			Body: "Launch with a narrow wedge, charge from day one and measure retention weekly.",
			Bullets: []string{
				"Run five customer interviews per week",
				"Ship a landing page with a waitlist before building",
			},
		}
	}
}

func simulatedSources(sector string, req Request) []Source {
	n := depthSources[req.Depth]
	if n == 0 {
		n = depthSources["basic"]
	}
	if req.MaxSources > 0 && n > req.MaxSources {
		n = req.MaxSources
	}
	sectorSlug := slug.Make(sector)
	out := make([]Source, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Source{
			Title: fmt.Sprintf("%s industry note %d", sector, i),
			URL:   fmt.Sprintf("https://research.example.com/%s/%d", sectorSlug, i),
		})
	}
	return out
}
