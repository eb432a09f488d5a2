package pdf

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/smallbiznis/marketpulse/internal/engine"
)

func TestRenderReportProducesPDF(t *testing.T) {
	report := &engine.Report{
		Title:            "Market Research: Smart Water Bottle",
		ProductIdea:      "smart water bottle",
		ResearchDepth:    "basic",
		Sector:           "Healthcare",
		ExecutiveSummary: "Demand is growing.",
		Sections: []engine.Section{
			{Key: "market", Heading: "Market Analysis", Body: "The market is large.", Bullets: []string{"TAM $2B"}},
		},
		Sources:     []engine.Source{{Title: "Hydro Report", URL: "https://research.example.com/hydro"}},
		GeneratedAt: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	r, err := New().RenderReport(context.Background(), report)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.HasPrefix(body, []byte("%PDF-")) {
		t.Fatalf("expected a PDF header, got %q", body[:min(len(body), 8)])
	}
}

func TestRenderReportRejectsNil(t *testing.T) {
	if _, err := New().RenderReport(context.Background(), nil); err != ErrEmptyReport {
		t.Fatalf("expected ErrEmptyReport, got %v", err)
	}
}
