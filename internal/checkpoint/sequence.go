// Package checkpoint tracks per-task progress through the fixed research
// milestone sequence.
package checkpoint

import "math"

type Phase string

const (
	PhaseInitialization  Phase = "initialization"
	PhaseQueryGeneration Phase = "query_generation"
	PhaseMarket          Phase = "market"
	PhaseCompetitor      Phase = "competitor"
	PhaseCustomer        Phase = "customer"
	PhaseReport          Phase = "report"
	PhaseCompletion      Phase = "completion"
)

type Checkpoint struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Display string `json:"display"`
	Phase   Phase  `json:"phase"`
}

var sequence = []Checkpoint{
	{1, "research_plan_created", "Research plan created", PhaseInitialization},
	{2, "queries_generated", "Search queries generated", PhaseQueryGeneration},
	{3, "market_search_started", "Market search started", PhaseMarket},
	{4, "market_search_completed", "Market search completed", PhaseMarket},
	{5, "market_extraction_completed", "Market data extracted", PhaseMarket},
	{6, "market_analysis_completed", "Market analysis completed", PhaseMarket},
	{7, "competitor_search_started", "Competitor search started", PhaseCompetitor},
	{8, "competitor_search_completed", "Competitor search completed", PhaseCompetitor},
	{9, "competitor_extraction_completed", "Competitor data extracted", PhaseCompetitor},
	{10, "competitor_analysis_completed", "Competitor analysis completed", PhaseCompetitor},
	{11, "customer_search_started", "Customer search started", PhaseCustomer},
	{12, "customer_search_completed", "Customer search completed", PhaseCustomer},
	{13, "customer_extraction_completed", "Customer data extracted", PhaseCustomer},
	{14, "customer_analysis_completed", "Customer analysis completed", PhaseCustomer},
	{15, "report_generation_started", "Report generation started", PhaseReport},
	{16, "report_generation_completed", "Report generation completed", PhaseReport},
	{17, "final_report_delivered", "Final report delivered", PhaseCompletion},
}

// Total is the number of checkpoints in a full run.
var Total = len(sequence)

// Sequence returns a copy of the ordered checkpoint list.
func Sequence() []Checkpoint {
	out := make([]Checkpoint, len(sequence))
	copy(out, sequence)
	return out
}

// ByIndex looks up a 1-based checkpoint index.
func ByIndex(index int) (Checkpoint, bool) {
	if index < 1 || index > Total {
		return Checkpoint{}, false
	}
	return sequence[index-1], true
}

func ByName(name string) (Checkpoint, bool) {
	for _, cp := range sequence {
		if cp.Name == name {
			return cp, true
		}
	}
	return Checkpoint{}, false
}

// Progress maps a completed checkpoint count to a percentage in [0, 100].
func Progress(completed int) int {
	p := int(math.Round(100 * float64(completed) / float64(Total)))
	return min(max(p, 0), 100)
}
