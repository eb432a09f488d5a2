// Package report renders finished research reports for download.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/marketpulse/internal/engine"
)

const maxSlugLength = 60

// Markdown renders r as a standalone markdown document.
func Markdown(r *engine.Report) []byte {
	if r == nil {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", r.Title)
	fmt.Fprintf(&b, "- **Product idea:** %s\n", r.ProductIdea)
	fmt.Fprintf(&b, "- **Research depth:** %s\n", r.ResearchDepth)
	fmt.Fprintf(&b, "- **Sector:** %s\n", r.Sector)
	if !r.GeneratedAt.IsZero() {
		fmt.Fprintf(&b, "- **Generated:** %s\n", r.GeneratedAt.UTC().Format(time.RFC3339))
	}
	if summary := strings.TrimSpace(r.ExecutiveSummary); summary != "" {
		fmt.Fprintf(&b, "\n## Executive Summary\n\n%s\n", summary)
	}
	for _, section := range r.Sections {
		fmt.Fprintf(&b, "\n## %s\n", section.Heading)
		if body := strings.TrimSpace(section.Body); body != "" {
			fmt.Fprintf(&b, "\n%s\n", body)
		}
		if len(section.Bullets) > 0 {
			b.WriteString("\n")
			for _, item := range section.Bullets {
				fmt.Fprintf(&b, "- %s\n", item)
			}
		}
	}
	if len(r.Sources) > 0 {
		b.WriteString("\n## Sources\n\n")
		for i, src := range r.Sources {
			fmt.Fprintf(&b, "%d. [%s](%s)\n", i+1, src.Title, src.URL)
		}
	}
	return []byte(b.String())
}

// Filename builds a download name such as "smart-water-bottle.pdf".
func Filename(idea, ext string) string {
	base := slug.Make(idea)
	if len(base) > maxSlugLength {
		base = strings.TrimRight(base[:maxSlugLength], "-")
	}
	if base == "" {
		base = "research-report"
	}
	return base + "." + strings.TrimPrefix(ext, ".")
}
