package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/smallbiznis/marketpulse/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func collect(events *[]Event) Sink {
	return func(_ context.Context, ev Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestSimulatedEmitsAllCheckpoints(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))
	eng := NewSimulated(0, clk)

	var events []Event
	report, err := eng.Run(context.Background(), Request{
		RequestID: "r1", Idea: "meal planning app for busy parents", Depth: "standard", MaxSources: 20,
	}, collect(&events), nil)
	require.NoError(t, err)

	require.Len(t, events, 17)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Index)
		assert.NotEmpty(t, ev.Name)
	}
	assert.Equal(t, "final_report_delivered", events[16].Name)
	assert.Equal(t, "Food & Beverage", report.Sector)
	assert.Len(t, report.Sections, len(stages))
	assert.Len(t, report.Sources, 10)
	assert.Equal(t, clk.Now(), report.GeneratedAt)
	assert.Contains(t, report.Text(), "Market Analysis")
}

func TestSimulatedStepDelayRunsOnInjectedClock(t *testing.T) {
	start := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(start)
	eng := NewSimulated(time.Hour, clk)

	var events []Event
	report, err := eng.Run(context.Background(), Request{
		RequestID: "r-delay", Idea: "meal kit subscription", Depth: "basic",
	}, collect(&events), nil)
	require.NoError(t, err)

	require.Len(t, events, 17)
	assert.Equal(t, start.Add(time.Duration(len(stages))*time.Hour), clk.Now())
	assert.Equal(t, clk.Now(), report.GeneratedAt)
	require.Len(t, report.Sources, 5)
	assert.Equal(t, "https://research.example.com/food-and-beverage/1", report.Sources[0].URL)
}

func TestSimulatedStopsAtCheckpointBoundaryOnAbort(t *testing.T) {
	eng := NewSimulated(0, nil)

	var events []Event
	aborted := false
	sink := func(_ context.Context, ev Event) error {
		events = append(events, ev)
		if ev.Index == 4 {
			aborted = true
		}
		return nil
	}
	_, err := eng.Run(context.Background(), Request{Idea: "x", Depth: "basic"}, sink, func() bool { return aborted })
	require.ErrorIs(t, err, ErrAborted)
	assert.Len(t, events, 4)
}

func TestSimulatedSourcesRespectMaxSources(t *testing.T) {
	eng := NewSimulated(0, nil)
	report, err := eng.Run(context.Background(), Request{Idea: "budget tracker", Depth: "comprehensive", MaxSources: 7},
		func(context.Context, Event) error { return nil }, nil)
	require.NoError(t, err)
	assert.Len(t, report.Sources, 7)
	assert.Equal(t, "Financial Services", report.Sector)
}

func TestSinkErrorStopsRun(t *testing.T) {
	eng := NewSimulated(0, nil)
	boom := errors.New("tracker down")
	_, err := eng.Run(context.Background(), Request{Idea: "x"}, func(_ context.Context, ev Event) error {
		if ev.Index == 2 {
			return boom
		}
		return nil
	}, nil)
	require.ErrorIs(t, err, boom)
}

func TestDetectSector(t *testing.T) {
	assert.Equal(t, "Healthcare", DetectSector("A clinic booking tool"))
	assert.Equal(t, "Education", DetectSector("online tutoring marketplace for students"))
	assert.Equal(t, "General Consumer", DetectSector("a nicer umbrella"))
}

type fakeGenerator struct {
	calls    int
	response string
	err      error
}

func (f *fakeGenerator) Generate(_ context.Context, req *api.GenerateRequest, fn api.GenerateResponseFunc) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if req.Stream == nil || *req.Stream {
		return errors.New("expected non-streaming request")
	}
	return fn(api.GenerateResponse{Model: req.Model, Response: f.response, Done: true})
}

func TestOllamaBuildsReportFromSections(t *testing.T) {
	gen := &fakeGenerator{response: `{"body":"Demand is strong.","bullets":["a","b"]}`}
	eng := NewOllama(gen, "llama3.2", nil, zap.NewNop())

	var events []Event
	report, err := eng.Run(context.Background(), Request{Idea: "coffee subscription", Depth: "basic", MaxSources: 5}, collect(&events), nil)
	require.NoError(t, err)
	assert.Equal(t, len(stages), gen.calls)
	assert.Len(t, events, 17)
	assert.Equal(t, "Demand is strong.", report.ExecutiveSummary)
	assert.Equal(t, []string{"a", "b"}, report.Sections[1].Bullets)
}

func TestOllamaFailureIsEngineFailure(t *testing.T) {
	gen := &fakeGenerator{response: "not json"}
	eng := NewOllama(gen, "llama3.2", nil, zap.NewNop())

	var events []Event
	_, err := eng.Run(context.Background(), Request{Idea: "x"}, collect(&events), nil)
	require.ErrorIs(t, err, ErrEngineFailure)
	assert.Len(t, events, 1)
}

func TestRemoteStreamsCheckpointsAndReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/research", r.URL.Path)
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "r9", req.RequestID)

		w.Header().Set("Content-Type", "application/x-ndjson")
		for i := 1; i <= 3; i++ {
			fmt.Fprintf(w, `{"type":"checkpoint","index":%d}`+"\n", i)
		}
		fmt.Fprintln(w, `{"type":"report","report":{"title":"Remote","sector":"Software & SaaS"}}`)
	}))
	defer srv.Close()

	var events []Event
	report, err := NewRemote(srv.URL, srv.Client()).Run(context.Background(), Request{RequestID: "r9", Idea: "x"}, collect(&events), nil)
	require.NoError(t, err)
	assert.Equal(t, "Remote", report.Title)
	require.Len(t, events, 3)
	assert.Equal(t, "market_search_started", events[2].Name)
}

func TestRemoteErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"checkpoint","index":1}`)
		fmt.Fprintln(w, `{"type":"error","message":"search quota exceeded"}`)
	}))
	defer srv.Close()

	var events []Event
	_, err := NewRemote(srv.URL, nil).Run(context.Background(), Request{Idea: "x"}, collect(&events), nil)
	require.ErrorIs(t, err, ErrEngineFailure)
	assert.Contains(t, err.Error(), "search quota exceeded")
}

func TestRemoteAbortStopsReading(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 1; i <= 17; i++ {
			fmt.Fprintf(w, `{"type":"checkpoint","index":%d}`+"\n", i)
		}
	}))
	defer srv.Close()

	var events []Event
	abort := func() bool { return len(events) >= 2 }
	_, err := NewRemote(srv.URL, nil).Run(context.Background(), Request{Idea: "x"}, collect(&events), abort)
	require.ErrorIs(t, err, ErrAborted)
	assert.Len(t, events, 2)
}

func TestRemoteNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL, nil).Run(context.Background(), Request{Idea: "x"}, collect(new([]Event)), nil)
	require.ErrorIs(t, err, ErrEngineFailure)
}
