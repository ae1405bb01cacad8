// Package convert implements the first pipeline stage: multi-page TIFF
// invoices land in the ingestion bucket and come out as one PNG per
// page in the processed bucket.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"time"

	"github.com/recibo-labs/recibo/pkg/bus"
	"github.com/recibo-labs/recibo/pkg/errs"
	"github.com/recibo-labs/recibo/pkg/objstore"
	"github.com/recibo-labs/recibo/pkg/schema"
)

// Stage name used in logs and DLQ envelopes.
const StageName = "convert"

// Processor converts uploaded TIFFs to per-page PNGs.
type Processor struct {
	store           objstore.Store
	pub             bus.Publisher
	processedBucket string
	uploadedTopic   string
	convertedTopic  string
	logger          *slog.Logger
}

// New wires the converter against its adapters. uploadedTopic is the
// stage's input topic; its dead-letter twin receives poison messages.
func New(store objstore.Store, pub bus.Publisher, processedBucket, uploadedTopic, convertedTopic string, logger *slog.Logger) *Processor {
	return &Processor{
		store:           store,
		pub:             pub,
		processedBucket: processedBucket,
		uploadedTopic:   uploadedTopic,
		convertedTopic:  convertedTopic,
		logger:          logger.With("stage", StageName),
	}
}

// Handle processes one upload notification. Redelivery is harmless:
// page names derive from the source object, so a rerun overwrites the
// same PNGs and republishes an identical event.
func (p *Processor) Handle(ctx context.Context, msg *bus.Message) error {
	var event schema.InvoiceUploaded
	if err := schema.Decode(msg.Data, &event); err != nil {
		return p.deadLetter(ctx, msg, "malformed envelope", err)
	}
	if event.Bucket == "" || event.ObjectName == "" {
		return p.deadLetter(ctx, msg, "envelope missing object location", nil)
	}

	sourceURI := objstore.URI(event.Bucket, event.ObjectName)
	logger := p.logger.With("source_uri", sourceURI, "message_id", msg.ID)

	data, err := p.store.Read(ctx, event.Bucket, event.ObjectName)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			// The object was removed after the notification fired.
			// Retrying cannot bring it back.
			return p.deadLetter(ctx, msg, "source object missing", err)
		}
		return fmt.Errorf("convert: read source: %w", err)
	}

	uris, err := p.Convert(ctx, sourceURI, data)
	if err != nil {
		if !errs.IsRetryable(err) {
			logger.Warn("unconvertible tiff routed to dlq", "error", err)
			return p.deadLetter(ctx, msg, "invalid_image", err)
		}
		return err
	}

	event2 := schema.InvoiceConverted{
		EventTime:     time.Now().UTC(),
		SourceURI:     sourceURI,
		ConvertedURIs: uris,
		PageCount:     len(uris),
	}
	payload, err := schema.Encode(event2)
	if err != nil {
		return err
	}
	if _, err := p.pub.Publish(ctx, p.convertedTopic, payload, nil); err != nil {
		return fmt.Errorf("convert: publish converted event: %w", err)
	}

	logger.Info("converted", "pages", len(uris))
	return nil
}

// Convert decodes every TIFF page and writes the PNGs. Page objects are
// named {stem}_page{n}.png with n starting at 1.
func (p *Processor) Convert(ctx context.Context, sourceURI string, data []byte) ([]string, error) {
	images, err := decodePages(data)
	if err != nil {
		return nil, err
	}

	_, srcPath, err := objstore.ParseURI(sourceURI)
	if err != nil {
		return nil, err
	}
	stem := objstore.Stem(srcPath)

	uris := make([]string, 0, len(images))
	for i, img := range images {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, errs.New(errs.KindInvalidInput, fmt.Errorf("convert: encode page %d: %w", i+1, err))
		}
		name := fmt.Sprintf("%s_page%d.png", stem, i+1)
		uri, err := p.store.Write(ctx, p.processedBucket, name, buf.Bytes(), "image/png")
		if err != nil {
			return nil, fmt.Errorf("convert: write page %d: %w", i+1, err)
		}
		uris = append(uris, uri)
	}
	return uris, nil
}

func (p *Processor) deadLetter(ctx context.Context, msg *bus.Message, reason string, cause error) error {
	if err := bus.DeadLetter(ctx, p.pub, p.uploadedTopic, StageName, reason, msg.DeliveryAttempt, cause, msg.Data); err != nil {
		return err
	}
	p.logger.Error("dead-lettered", "reason", reason, "message_id", msg.ID, "error", cause)
	return nil
}
