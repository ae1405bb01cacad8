package observer_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/recibo-labs/recibo/pkg/observer"
)

// panicky blows up on every call. Stands in for a broken exporter.
type panicky struct{}

func (panicky) StartGeneration(ctx context.Context, _ string, _ observer.GenerationAttrs) context.Context {
	panic("exporter down")
}
func (panicky) EndGeneration(context.Context, string, error) { panic("exporter down") }
func (panicky) Score(context.Context, string, float64)       { panic("exporter down") }
func (panicky) TraceID(context.Context) string               { panic("exporter down") }
func (panicky) Flush(context.Context)                        { panic("exporter down") }

// A broken observer must never affect the caller, and must log its
// failure exactly once per process, not once per call.
func TestSilent_SwallowsPanicsAndLogsOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := observer.NewSilent(panicky{}, logger)

	ctx := context.Background()
	out := s.StartGeneration(ctx, "g", observer.GenerationAttrs{})
	assert.Equal(t, ctx, out) // recovered, caller keeps its context

	s.EndGeneration(ctx, "output", nil)
	s.Score(ctx, "confidence", 0.9)
	assert.Equal(t, "", s.TraceID(ctx))
	s.Flush(ctx)

	logged := buf.String()
	assert.Equal(t, 1, strings.Count(logged, "observer failure swallowed"), logged)
}

func TestSilent_NilInnerDegradesToNoop(t *testing.T) {
	var buf bytes.Buffer
	s := observer.NewSilent(nil, slog.New(slog.NewTextHandler(&buf, nil)))

	ctx := context.Background()
	assert.Equal(t, ctx, s.StartGeneration(ctx, "g", observer.GenerationAttrs{}))
	s.EndGeneration(ctx, "", nil)
	assert.Empty(t, buf.String())
}

func TestNoop(t *testing.T) {
	n := observer.Noop{}
	ctx := context.Background()
	assert.Equal(t, ctx, n.StartGeneration(ctx, "g", observer.GenerationAttrs{}))
	assert.Equal(t, "", n.TraceID(ctx))
}
