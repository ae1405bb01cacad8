// Package llm provides the structured-extraction capability over two
// vision model providers. The extractor selects the implementation per
// attempt; no client state is shared across attempts.
package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/recibo-labs/recibo/pkg/schema"
)

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the raw model output. Text is free text that downstream
// code parses as JSON after stripping code fences.
type Response struct {
	Text    string
	Usage   Usage
	Latency time.Duration
}

// Client extracts structured data from page images. Implementations
// must honor the context deadline and classify rate limits and 5xx
// responses as transient.
type Client interface {
	// Provider identifies the backend for logging and metrics.
	Provider() schema.Provider
	// Extract sends the page images and prompt to the model. The
	// optional responseSchema steers providers that support constrained
	// JSON output; providers without support ignore it.
	Extract(ctx context.Context, images [][]byte, prompt string, responseSchema json.RawMessage) (*Response, error)
}
