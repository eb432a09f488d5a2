package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"go.uber.org/zap"
)

// Generator is the subset of the Ollama client the engine calls.
type Generator interface {
	Generate(ctx context.Context, req *api.GenerateRequest, fn api.GenerateResponseFunc) error
}

var sectionFormat = json.RawMessage(`{
  "type": "object",
  "properties": {
    "body": {"type": "string"},
    "bullets": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["body", "bullets"]
}`)

var stagePrompts = map[string]string{
	"plan":       "Write a short research plan for validating the product idea below. List the questions to answer as bullets.",
	"market":     "Analyse the market for the product idea below: size, growth and demand drivers. Put key findings in bullets.",
	"competitor": "Describe the competitor landscape for the product idea below. Put notable competitors and gaps in bullets.",
	"customer":   "Profile the target customers of the product idea below. Put pain points and buying triggers in bullets.",
	"report":     "Give go-to-market recommendations for the product idea below. Put concrete next steps in bullets.",
}

type Ollama struct {
	client Generator
	model  string
	clock  clock.Clock
	log    *zap.Logger
}

func NewOllama(client Generator, model string, clk clock.Clock, log *zap.Logger) *Ollama {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Ollama{client: client, model: model, clock: clk, log: log.Named("engine.ollama")}
}

func (o *Ollama) Run(ctx context.Context, req Request, sink Sink, abort AbortFunc) (*Report, error) {
	idea := strings.TrimSpace(req.Idea)
	sector := DetectSector(idea)

	sections, err := runStages(ctx, sink, abort, func(ctx context.Context, st stage) (Section, error) {
		return o.generateSection(ctx, st, idea, sector, req)
	})
	if err != nil {
		return nil, err
	}

	summary := sections[0].Body
	if len(sections) > 1 {
		summary = sections[len(sections)-1].Body
	}
	return &Report{
		Title:            reportTitle(idea),
		ProductIdea:      idea,
		ResearchDepth:    req.Depth,
		Sector:           sector,
		ExecutiveSummary: summary,
		Sections:         sections,
		GeneratedAt:      o.clock.Now(),
	}, nil
}

func (o *Ollama) generateSection(ctx context.Context, st stage, idea, sector string, req Request) (Section, error) {
	stream := false
	prompt := fmt.Sprintf("%s\n\nProduct idea: %s\nSector: %s\nResearch depth: %s\nMaximum sources to consider: %d\n\nAnswer in JSON.",
		stagePrompts[st.key], idea, sector, req.Depth, req.MaxSources)

	var out strings.Builder
	err := o.client.Generate(ctx, &api.GenerateRequest{
		Model:  o.model,
		System: "You are a market research analyst. Be concise and specific to the product.",
		Prompt: prompt,
		Stream: &stream,
		Format: sectionFormat,
	}, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return Section{}, err
	}

	section, err := parseSection(out.String())
	if err != nil {
		o.log.Warn("ollama returned unparseable section",
			zap.String("request_id", req.RequestID),
			zap.String("stage", st.key),
			zap.Error(err),
		)
		return Section{}, err
	}
	return section, nil
}

func parseSection(raw string) (Section, error) {
	var payload struct {
		Body    string   `json:"body"`
		Bullets []string `json:"bullets"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &payload); err != nil {
		return Section{}, fmt.Errorf("decode section: %w", err)
	}
	if strings.TrimSpace(payload.Body) == "" {
		return Section{}, fmt.Errorf("decode section: empty body")
	}
	return Section{Body: payload.Body, Bullets: payload.Bullets}, nil
}
