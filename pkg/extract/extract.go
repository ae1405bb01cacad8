// Package extract implements the third pipeline stage: turning page
// images into a validated invoice via an LLM. The attempt budget is
// fixed at three calls per delivery: primary, primary again after a
// jittered backoff, then the fallback provider. Exhausting the budget
// produces failure artifacts and a dead-letter, never a retry loop.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/recibo-labs/recibo/pkg/bus"
	"github.com/recibo-labs/recibo/pkg/errs"
	"github.com/recibo-labs/recibo/pkg/llm"
	"github.com/recibo-labs/recibo/pkg/objstore"
	"github.com/recibo-labs/recibo/pkg/observer"
	"github.com/recibo-labs/recibo/pkg/prompts"
	"github.com/recibo-labs/recibo/pkg/schema"
)

const StageName = "extract"

// Options tunes the attempt loop. Zero values take the production
// defaults.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 8 * time.Second
	}
}

// Processor runs LLM extraction over classified invoices.
type Processor struct {
	store           objstore.Store
	pub             bus.Publisher
	primary         llm.Client
	fallback        llm.Client
	obs             observer.Observer
	failedBucket    string
	classifiedTopic string
	extractedTopic  string
	opts            Options
	logger          *slog.Logger
}

// New wires the extractor against its adapters.
func New(store objstore.Store, pub bus.Publisher, primary, fallback llm.Client, obs observer.Observer,
	failedBucket, classifiedTopic, extractedTopic string, opts Options, logger *slog.Logger) *Processor {
	opts.defaults()
	if obs == nil {
		obs = observer.Noop{}
	}
	return &Processor{
		store:           store,
		pub:             pub,
		primary:         primary,
		fallback:        fallback,
		obs:             obs,
		failedBucket:    failedBucket,
		classifiedTopic: classifiedTopic,
		extractedTopic:  extractedTopic,
		opts:            opts,
		logger:          logger.With("stage", StageName),
	}
}

// attemptRecord is one entry of the failure sidecar's attempts array.
type attemptRecord struct {
	Attempt   int    `json:"attempt"`
	Provider  string `json:"provider"`
	Error     string `json:"error"`
	LatencyMS int64  `json:"latency_ms"`
}

// failureSidecar is the JSON document written next to a failed TIFF.
// last_raw_output holds the most recent model text that reached the
// validation chain, so a human can see what the model actually said.
type failureSidecar struct {
	EventTime     time.Time       `json:"event_time"`
	SourceURI     string          `json:"source_uri"`
	VendorType    string          `json:"vendor_type"`
	Attempts      []attemptRecord `json:"attempts"`
	LastError     string          `json:"last_error"`
	LastRawOutput string          `json:"last_raw_output,omitempty"`
}

// Handle processes one classified-invoice event end to end.
func (p *Processor) Handle(ctx context.Context, msg *bus.Message) error {
	started := time.Now()

	var event schema.InvoiceClassified
	if err := schema.Decode(msg.Data, &event); err != nil {
		return p.deadLetter(ctx, msg, "malformed envelope", msg.DeliveryAttempt, err)
	}
	if len(event.ConvertedURIs) == 0 || !event.VendorType.Valid() {
		return p.deadLetter(ctx, msg, "envelope missing pages or vendor", msg.DeliveryAttempt, nil)
	}
	logger := p.logger.With("source_uri", event.SourceURI, "vendor_type", event.VendorType, "message_id", msg.ID)

	images, err := p.downloadPages(ctx, event.ConvertedURIs)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return p.deadLetter(ctx, msg, "page image missing", msg.DeliveryAttempt, err)
		}
		return err
	}

	tpl, err := prompts.ForVendor(event.VendorType)
	if err != nil {
		return err
	}

	inv, canonical, outcome, err := p.runAttempts(ctx, images, tpl, event)
	if err != nil {
		// A cancelled or expired handler context is not exhaustion: the
		// attempt budget was cut short, so the message must come back.
		// No artifacts, no dead-letter.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Budget exhausted. Record the artifacts, dead-letter, ack.
		logger.Warn("extraction failed after all attempts", "attempts", len(outcome.attempts), "error", err)
		if artErr := p.writeFailureArtifacts(ctx, event, outcome, err); artErr != nil {
			return artErr
		}
		return p.deadLetter(ctx, msg, "extraction_failed", len(outcome.attempts), err)
	}

	hash := sha256.Sum256(canonical)
	out := schema.InvoiceExtracted{
		EventTime:      time.Now().UTC(),
		SourceURI:      event.SourceURI,
		VendorType:     event.VendorType,
		Provider:       outcome.provider,
		LLMLatencyMS:   outcome.llmLatency.Milliseconds(),
		Confidence:     confidence(inv),
		Extracted:      canonical,
		TotalLatencyMS: time.Since(started).Milliseconds(),
		AttemptCount:   len(outcome.attempts),
		InputTokens:    outcome.usage.InputTokens,
		OutputTokens:   outcome.usage.OutputTokens,
		TraceID:        outcome.traceID,
		ContentHash:    hex.EncodeToString(hash[:]),
	}
	payload, err := schema.Encode(out)
	if err != nil {
		return err
	}
	if _, err := p.pub.Publish(ctx, p.extractedTopic, payload, nil); err != nil {
		return fmt.Errorf("extract: publish extracted event: %w", err)
	}

	logger.Info("extracted",
		"invoice_id", inv.InvoiceID,
		"provider", outcome.provider,
		"attempts", len(outcome.attempts),
		"confidence", out.Confidence,
		"llm_latency_ms", out.LLMLatencyMS)
	return nil
}

// ExtractPages runs the attempt loop directly over in-memory page
// images, bypassing the bus. The CLI uses this to run extraction
// in-process; failure routing stays with the caller. The returned
// attempt count includes the failed attempts of an unsuccessful run.
func (p *Processor) ExtractPages(ctx context.Context, images [][]byte, vendor schema.VendorType, sourceURI string) (*schema.Invoice, []byte, int, error) {
	tpl, err := prompts.ForVendor(vendor)
	if err != nil {
		return nil, nil, 0, err
	}
	event := schema.InvoiceClassified{
		EventTime:  time.Now().UTC(),
		SourceURI:  sourceURI,
		VendorType: vendor,
		PageCount:  len(images),
	}
	inv, canonical, outcome, err := p.runAttempts(ctx, images, tpl, event)
	return inv, canonical, len(outcome.attempts), err
}

// downloadPages fetches all page PNGs concurrently, preserving page
// order in the result.
func (p *Processor) downloadPages(ctx context.Context, uris []string) ([][]byte, error) {
	images := make([][]byte, len(uris))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, uri := range uris {
		g.Go(func() error {
			bucket, path, err := objstore.ParseURI(uri)
			if err != nil {
				return errs.New(errs.KindInvalidInput, err)
			}
			data, err := p.store.Read(ctx, bucket, path)
			if err != nil {
				return fmt.Errorf("extract: read page %d: %w", i+1, err)
			}
			images[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// attemptOutcome accumulates what the success path and the metrics row
// need from the attempt loop.
type attemptOutcome struct {
	attempts   []attemptRecord
	provider   schema.Provider
	usage      llm.Usage
	llmLatency time.Duration
	traceID    string
	lastRaw    string
}

// runAttempts drives the fixed attempt schedule. The first two attempts
// use the primary client with a jittered exponential wait between them;
// the final attempt switches to the fallback provider.
func (p *Processor) runAttempts(ctx context.Context, images [][]byte, tpl *prompts.Template,
	event schema.InvoiceClassified) (*schema.Invoice, []byte, attemptOutcome, error) {

	wait := backoff.NewExponentialBackOff()
	wait.InitialInterval = p.opts.BackoffBase
	wait.MaxInterval = p.opts.BackoffCap
	wait.Multiplier = 2
	wait.RandomizationFactor = 0.25
	wait.Reset()

	var outcome attemptOutcome
	var lastErr error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(wait.NextBackOff()):
			case <-ctx.Done():
				return nil, nil, outcome, ctx.Err()
			}
		}

		client := p.primary
		if attempt == p.opts.MaxAttempts && p.fallback != nil {
			client = p.fallback
		}

		inv, canonical, rec, resp, traceID, err := p.attempt(ctx, client, images, tpl, event, attempt)
		outcome.attempts = append(outcome.attempts, rec)
		fields := []any{
			"source_uri", event.SourceURI,
			"provider", rec.Provider,
			"attempt", rec.Attempt,
			"latency_ms", rec.LatencyMS,
		}
		if resp != nil {
			outcome.lastRaw = resp.Text
			fields = append(fields, "input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
		}
		if err != nil {
			p.logger.Warn("attempt failed", append(fields, "error", err)...)
		} else {
			p.logger.Info("attempt succeeded", fields...)
		}
		if err == nil {
			outcome.provider = client.Provider()
			outcome.usage = resp.Usage
			outcome.llmLatency = resp.Latency
			outcome.traceID = traceID
			return inv, canonical, outcome, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, nil, outcome, ctx.Err()
		}
	}
	return nil, nil, outcome, lastErr
}

// attempt runs one provider call with its own deadline and validation
// chain, reporting the generation to the observer.
func (p *Processor) attempt(ctx context.Context, client llm.Client, images [][]byte, tpl *prompts.Template,
	event schema.InvoiceClassified, attempt int) (*schema.Invoice, []byte, attemptRecord, *llm.Response, string, error) {

	rec := attemptRecord{Attempt: attempt, Provider: string(client.Provider())}

	callCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	genCtx := p.obs.StartGeneration(callCtx, "invoice_extraction", observer.GenerationAttrs{
		VendorType:      string(event.VendorType),
		Provider:        string(client.Provider()),
		TemplateVersion: tpl.Version,
		PageCount:       len(images),
		SourceURI:       event.SourceURI,
	})
	traceID := p.obs.TraceID(genCtx)

	started := time.Now()
	resp, err := client.Extract(genCtx, images, tpl.Text, responseSchema)
	rec.LatencyMS = time.Since(started).Milliseconds()
	if err != nil {
		rec.Error = err.Error()
		p.obs.EndGeneration(genCtx, "", err)
		return nil, nil, rec, nil, traceID, err
	}
	rec.LatencyMS = resp.Latency.Milliseconds()

	inv, canonical, err := p.validate(resp.Text, event.VendorType)
	if err != nil {
		rec.Error = err.Error()
		p.obs.Score(genCtx, "validation", 0)
		p.obs.EndGeneration(genCtx, resp.Text, err)
		return nil, nil, rec, resp, traceID, err
	}

	p.obs.Score(genCtx, "validation", 1)
	p.obs.Score(genCtx, "confidence", confidence(inv))
	p.obs.EndGeneration(genCtx, resp.Text, nil)
	return inv, canonical, rec, resp, traceID, nil
}

// validate runs the full output chain: fence stripping, JSON parse,
// structural schema check, decimal/date normalization, business rules.
func (p *Processor) validate(text string, vendor schema.VendorType) (*schema.Invoice, []byte, error) {
	cleaned := stripFences(text)

	var doc map[string]any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, nil, errs.Newf(errs.KindValidationFailure, "extract: model output is not json: %v", err)
	}
	if err := schema.ValidateRaw(doc); err != nil {
		return nil, nil, errs.New(errs.KindValidationFailure, err)
	}
	inv, err := schema.DecodeExtraction(doc, vendor)
	if err != nil {
		return nil, nil, errs.New(errs.KindValidationFailure, err)
	}
	if err := inv.Validate(vendor); err != nil {
		return nil, nil, errs.New(errs.KindValidationFailure, err)
	}
	canonical, err := inv.Marshal()
	if err != nil {
		return nil, nil, err
	}
	return inv, canonical, nil
}

// stripFences removes a leading markdown code fence (with optional
// language tag) and its closing fence. Models add these despite JSON
// mode; everything else passes through unchanged.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// writeFailureArtifacts copies the source TIFF into the failed bucket
// and writes the attempts sidecar next to it. Both writes are
// overwriting so redelivered failures do not accumulate.
func (p *Processor) writeFailureArtifacts(ctx context.Context, event schema.InvoiceClassified,
	outcome attemptOutcome, cause error) error {

	srcBucket, srcPath, err := objstore.ParseURI(event.SourceURI)
	if err != nil {
		return err
	}
	base := srcPath
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}

	if _, err := p.store.Copy(ctx, srcBucket, srcPath, p.failedBucket, base); err != nil && !errs.Is(err, errs.KindNotFound) {
		return fmt.Errorf("extract: copy failed tiff: %w", err)
	}

	sidecar := failureSidecar{
		EventTime:     time.Now().UTC(),
		SourceURI:     event.SourceURI,
		VendorType:    string(event.VendorType),
		Attempts:      outcome.attempts,
		LastError:     cause.Error(),
		LastRawOutput: outcome.lastRaw,
	}
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("extract: marshal sidecar: %w", err)
	}
	name := objstore.Stem(srcPath) + ".json"
	if _, err := p.store.Write(ctx, p.failedBucket, name, data, "application/json"); err != nil {
		return fmt.Errorf("extract: write sidecar: %w", err)
	}
	return nil
}

func (p *Processor) deadLetter(ctx context.Context, msg *bus.Message, reason string, attempts int, cause error) error {
	if err := bus.DeadLetter(ctx, p.pub, p.classifiedTopic, StageName, reason, attempts, cause, msg.Data); err != nil {
		return err
	}
	p.logger.Error("dead-lettered", "reason", reason, "message_id", msg.ID, "error", cause)
	return nil
}
