package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/recibo-labs/recibo/pkg/schema"
)

// Stub is a scriptable Client for tests. Each call pops the next
// scripted result; when the script is exhausted the last entry repeats.
type Stub struct {
	ProviderTag schema.Provider
	Script      []StubResult
	Calls       int
}

// StubResult is one scripted outcome.
type StubResult struct {
	Text string
	Err  error
}

// Provider returns the configured provider tag.
func (s *Stub) Provider() schema.Provider {
	if s.ProviderTag == "" {
		return schema.ProviderGemini
	}
	return s.ProviderTag
}

// Extract pops the next scripted result.
func (s *Stub) Extract(ctx context.Context, _ [][]byte, _ string, _ json.RawMessage) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i := s.Calls
	if i >= len(s.Script) {
		i = len(s.Script) - 1
	}
	s.Calls++
	if i < 0 {
		return &Response{Text: "", Latency: time.Millisecond}, nil
	}
	r := s.Script[i]
	if r.Err != nil {
		return nil, r.Err
	}
	return &Response{
		Text:    r.Text,
		Usage:   Usage{InputTokens: 1200, OutputTokens: 400},
		Latency: 5 * time.Millisecond,
	}, nil
}
