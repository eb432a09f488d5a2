package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/marketpulse/internal/checkpoint"
)

// stage groups the checkpoints one unit of engine work produces. Start is
// emitted before the work runs and the rest after it returns.
type stage struct {
	key     string
	heading string
	start   int
	end     int
}

var stages = []stage{
	{key: "plan", heading: "Research Plan", start: 1, end: 2},
	{key: "market", heading: "Market Analysis", start: 3, end: 6},
	{key: "competitor", heading: "Competitor Landscape", start: 7, end: 10},
	{key: "customer", heading: "Customer Insights", start: 11, end: 14},
	{key: "report", heading: "Recommendations", start: 15, end: 17},
}

func checkpointName(idx int) string {
	cp, _ := checkpoint.ByIndex(idx)
	return cp.Name
}

var sectorKeywords = []struct {
	sector   string
	keywords []string
}{
	{"Healthcare", []string{"health", "medical", "clinic", "patient", "fitness", "wellness"}},
	{"Financial Services", []string{"bank", "payment", "finance", "invest", "loan", "budget", "crypto"}},
	{"Education", []string{"learn", "school", "student", "course", "tutor", "education"}},
	{"Food & Beverage", []string{"food", "meal", "restaurant", "coffee", "recipe", "grocery"}},
	{"Retail & E-commerce", []string{"shop", "store", "retail", "ecommerce", "marketplace"}},
	{"Travel & Hospitality", []string{"travel", "hotel", "trip", "flight", "tour"}},
	{"Software & SaaS", []string{"app", "software", "saas", "platform", "api", "ai"}},
}

// DetectSector picks a sector from keywords in the idea.
func DetectSector(idea string) string {
	words := strings.FieldsFunc(strings.ToLower(idea), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	for _, entry := range sectorKeywords {
		for _, w := range words {
			for _, kw := range entry.keywords {
				if w == kw || strings.HasPrefix(w, kw) && len(kw) > 3 {
					return entry.sector
				}
			}
		}
	}
	return "General Consumer"
}

func reportTitle(idea string) string {
	idea = strings.TrimSpace(idea)
	if len(idea) > 80 {
		idea = strings.TrimSpace(idea[:80]) + "..."
	}
	return "Product-Market Fit Report: " + idea
}

type stageWork func(ctx context.Context, st stage) (Section, error)

// runStages drives every stage in order and returns the produced sections.
// The stage's first checkpoint is emitted before work runs; an in-flight
// stage always finishes before abort is observed again.
func runStages(ctx context.Context, sink Sink, abort AbortFunc, work stageWork) ([]Section, error) {
	sections := make([]Section, 0, len(stages))
	for _, st := range stages {
		if err := emitRange(ctx, sink, abort, st.start, st.start, checkpointName); err != nil {
			return nil, err
		}
		section, err := work(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("%w: %s stage: %v", ErrEngineFailure, st.key, err)
		}
		if section.Key == "" {
			section.Key = st.key
		}
		if section.Heading == "" {
			section.Heading = st.heading
		}
		sections = append(sections, section)
		if err := emitRange(ctx, sink, abort, st.start+1, st.end, checkpointName); err != nil {
			return nil, err
		}
	}
	return sections, nil
}
