package observer

import (
	"context"
	"log/slog"
	"sync"
)

// Silent wraps an Observer and enforces the never-throws contract:
// panics from the inner observer are recovered, logged once per
// process, and swallowed. Stage outcomes cannot depend on observer
// health.
type Silent struct {
	inner  Observer
	logger *slog.Logger
	once   sync.Once
}

// NewSilent wraps inner. A nil inner degrades to Noop.
func NewSilent(inner Observer, logger *slog.Logger) *Silent {
	if inner == nil {
		inner = Noop{}
	}
	return &Silent{inner: inner, logger: logger.With("component", "observer")}
}

func (s *Silent) shield(op string) func() {
	return func() {
		if r := recover(); r != nil {
			s.once.Do(func() {
				s.logger.Error("observer failure swallowed", "op", op, "panic", r)
			})
		}
	}
}

func (s *Silent) StartGeneration(ctx context.Context, name string, attrs GenerationAttrs) (out context.Context) {
	// On panic the caller keeps its own context.
	out = ctx
	defer s.shield("start_generation")()
	return s.inner.StartGeneration(ctx, name, attrs)
}

func (s *Silent) EndGeneration(ctx context.Context, output string, err error) {
	defer s.shield("end_generation")()
	s.inner.EndGeneration(ctx, output, err)
}

func (s *Silent) Score(ctx context.Context, name string, value float64) {
	defer s.shield("score")()
	s.inner.Score(ctx, name, value)
}

func (s *Silent) TraceID(ctx context.Context) string {
	defer s.shield("trace_id")()
	return s.inner.TraceID(ctx)
}

func (s *Silent) Flush(ctx context.Context) {
	defer s.shield("flush")()
	s.inner.Flush(ctx)
}
