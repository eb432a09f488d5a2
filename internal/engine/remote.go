package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/smallbiznis/marketpulse/internal/checkpoint"
)

// Remote calls an engine service that streams newline-delimited JSON frames:
// {"type":"checkpoint","index":3}, then one {"type":"report",...} or
// {"type":"error","message":"..."}.
type Remote struct {
	url    string
	client *http.Client
}

type remoteFrame struct {
	Type    string  `json:"type"`
	Index   int     `json:"index,omitempty"`
	Name    string  `json:"name,omitempty"`
	Report  *Report `json:"report,omitempty"`
	Message string  `json:"message,omitempty"`
}

func NewRemote(url string, client *http.Client) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	return &Remote{url: strings.TrimRight(url, "/"), client: client}
}

func (r *Remote) Run(ctx context.Context, req Request, sink Sink, abort AbortFunc) (*Report, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/v1/research", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: remote status %d: %s", ErrEngineFailure, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame remoteFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			return nil, fmt.Errorf("%w: decode frame: %v", ErrEngineFailure, err)
		}

		switch frame.Type {
		case "checkpoint":
			if abort != nil && abort() {
				// closing the body tells the remote side to stop
				return nil, ErrAborted
			}
			name := frame.Name
			if cp, ok := checkpoint.ByIndex(frame.Index); ok && name == "" {
				name = cp.Name
			}
			if err := sink(ctx, Event{Index: frame.Index, Name: name}); err != nil {
				return nil, err
			}
		case "report":
			if frame.Report == nil {
				return nil, fmt.Errorf("%w: empty report frame", ErrEngineFailure)
			}
			return frame.Report, nil
		case "error":
			return nil, fmt.Errorf("%w: %s", ErrEngineFailure, frame.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read stream: %v", ErrEngineFailure, err)
	}
	return nil, fmt.Errorf("%w: stream ended without report", ErrEngineFailure)
}
