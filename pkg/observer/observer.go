// Package observer traces and scores LLM generations. The contract is
// strict: no observer method may ever surface an error to a stage.
// Failures are logged once and swallowed so extraction outcomes are
// identical with the observer enabled, disabled, or broken.
package observer

import (
	"context"
)

// GenerationAttrs annotates a generation trace.
type GenerationAttrs struct {
	VendorType      string
	Provider        string
	TemplateVersion string
	PageCount       int
	SourceURI       string
}

// Observer is the tracing/scoring sink for LLM calls.
type Observer interface {
	// StartGeneration opens a generation trace and returns a context
	// carrying it.
	StartGeneration(ctx context.Context, name string, attrs GenerationAttrs) context.Context
	// EndGeneration closes the trace with the final output or error.
	EndGeneration(ctx context.Context, output string, err error)
	// Score attaches a named numeric score to the current generation.
	Score(ctx context.Context, name string, value float64)
	// TraceID returns the trace identifier carried by ctx, if any.
	TraceID(ctx context.Context) string
	// Flush forces pending telemetry out. Called on shutdown; a flush
	// failure must not delay handler completion.
	Flush(ctx context.Context)
}

// Noop discards everything. Used when observability is disabled.
type Noop struct{}

func (Noop) StartGeneration(ctx context.Context, _ string, _ GenerationAttrs) context.Context {
	return ctx
}
func (Noop) EndGeneration(context.Context, string, error) {}
func (Noop) Score(context.Context, string, float64)       {}
func (Noop) TraceID(context.Context) string               { return "" }
func (Noop) Flush(context.Context)                        {}
