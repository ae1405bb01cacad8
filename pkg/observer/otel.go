package observer

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline-specific trace attributes.
var (
	attrVendorType      = attribute.Key("invoice.vendor_type")
	attrProvider        = attribute.Key("invoice.llm.provider")
	attrTemplateVersion = attribute.Key("invoice.prompt.template_version")
	attrPageCount       = attribute.Key("invoice.page_count")
	attrSourceURI       = attribute.Key("invoice.source_uri")
)

// OTelConfig configures the OTLP-exporting observer.
type OTelConfig struct {
	ServiceName string
	Endpoint    string // host:port for OTLP gRPC
	PublicKey   string // forwarded as otlp auth headers when set
	SecretKey   string
	Insecure    bool
}

// OTel implements Observer on an OpenTelemetry tracer with OTLP export.
type OTel struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewOTel builds the observer and installs a batching OTLP exporter.
func NewOTel(ctx context.Context, cfg OTelConfig) (*OTel, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if cfg.PublicKey != "" {
		opts = append(opts, otlptracegrpc.WithHeaders(map[string]string{
			"x-observability-public-key": cfg.PublicKey,
			"x-observability-secret-key": cfg.SecretKey,
		}))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observer: create otlp exporter: %w", err)
	}

	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observer: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)

	return &OTel{
		provider: provider,
		tracer:   provider.Tracer("recibo.pipeline"),
	}, nil
}

// StartGeneration opens a span carrying the generation attributes.
func (o *OTel) StartGeneration(ctx context.Context, name string, attrs GenerationAttrs) context.Context {
	ctx, _ = o.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attrVendorType.String(attrs.VendorType),
			attrProvider.String(attrs.Provider),
			attrTemplateVersion.String(attrs.TemplateVersion),
			attrPageCount.Int(attrs.PageCount),
			attrSourceURI.String(attrs.SourceURI),
		),
	)
	return ctx
}

// EndGeneration closes the current span, recording the outcome.
func (o *OTel) EndGeneration(ctx context.Context, output string, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("invoice.llm.output_bytes", len(output)))
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Score attaches a named score as a span event.
func (o *OTel) Score(ctx context.Context, name string, value float64) {
	trace.SpanFromContext(ctx).AddEvent("score",
		trace.WithAttributes(
			attribute.String("score.name", name),
			attribute.Float64("score.value", value),
		),
	)
}

// TraceID returns the hex trace id for the current span context.
func (o *OTel) TraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Flush forces pending spans to the exporter with a short deadline.
func (o *OTel) Flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = o.provider.ForceFlush(ctx)
}

// Shutdown drains and stops the provider.
func (o *OTel) Shutdown(ctx context.Context) error {
	return o.provider.Shutdown(ctx)
}
