package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/core"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/smallbiznis/marketpulse/internal/engine"
)

var ErrEmptyReport = errors.New("empty_report")

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) RenderReport(ctx context.Context, report *engine.Report) (io.Reader, error) {
	if report == nil {
		return nil, ErrEmptyReport
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(14,
		text.NewCol(12, report.Title, props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
	)

	meta := col.New(12).Add(
		text.New("Product idea: "+report.ProductIdea, props.Text{Top: 0, Size: 9}),
		text.New("Research depth: "+report.ResearchDepth, props.Text{Top: 4, Size: 9}),
		text.New("Sector: "+report.Sector, props.Text{Top: 8, Size: 9}),
	)
	if !report.GeneratedAt.IsZero() {
		meta.Add(text.New("Generated: "+report.GeneratedAt.UTC().Format(time.RFC1123), props.Text{Top: 12, Size: 9}))
	}
	m.AddRow(20, meta)

	if report.ExecutiveSummary != "" {
		addHeading(m, "Executive Summary")
		m.AddAutoRow(text.NewCol(12, report.ExecutiveSummary, props.Text{Size: 10}))
	}

	for _, section := range report.Sections {
		addHeading(m, section.Heading)
		if section.Body != "" {
			m.AddAutoRow(text.NewCol(12, section.Body, props.Text{Size: 10}))
		}
		for _, bullet := range section.Bullets {
			m.AddAutoRow(
				col.New(1),
				text.NewCol(11, "- "+bullet, props.Text{Size: 9, Top: 1}),
			)
		}
	}

	if len(report.Sources) > 0 {
		addHeading(m, "Sources")
		for i, source := range report.Sources {
			m.AddAutoRow(text.NewCol(12, fmt.Sprintf("%d. %s (%s)", i+1, source.Title, source.URL), props.Text{Size: 8, Top: 1}))
		}
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}

func addHeading(m core.Maroto, heading string) {
	m.AddRow(12,
		text.NewCol(12, heading, props.Text{
			Size:  13,
			Style: fontstyle.Bold,
			Top:   4,
		}),
	)
}
