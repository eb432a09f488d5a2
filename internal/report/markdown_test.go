package report

import (
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/smallbiznis/marketpulse/internal/engine"
)

func sampleReport() *engine.Report {
	return &engine.Report{
		Title:            "Market Research: Smart Water Bottle",
		ProductIdea:      "smart water bottle",
		ResearchDepth:    "basic",
		Sector:           "Healthcare",
		ExecutiveSummary: "Demand is growing.",
		Sections: []engine.Section{
			{Key: "market", Heading: "Market Analysis", Body: "The market is large.", Bullets: []string{"TAM $2B", "CAGR 8%"}},
			{Key: "competitors", Heading: "Competitor Analysis", Body: "Three incumbents."},
		},
		Sources:     []engine.Source{{Title: "Hydro Report", URL: "https://research.example.com/hydro"}},
		GeneratedAt: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMarkdownGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "report_markdown", Markdown(sampleReport()))
}

func TestMarkdownNil(t *testing.T) {
	if got := Markdown(nil); got != nil {
		t.Fatalf("expected nil, got %q", got)
	}
}

func TestFilename(t *testing.T) {
	cases := []struct {
		idea, ext, want string
	}{
		{"AI meal planner for busy parents!", "pdf", "ai-meal-planner-for-busy-parents.pdf"},
		{"   ", ".md", "research-report.md"},
		{strings.Repeat("word ", 30), "pdf", strings.TrimRight(strings.Repeat("word-", 12), "-") + ".pdf"},
	}
	for _, tc := range cases {
		if got := Filename(tc.idea, tc.ext); got != tc.want {
			t.Fatalf("Filename(%q, %q) = %q, want %q", tc.idea, tc.ext, got, tc.want)
		}
	}
}
