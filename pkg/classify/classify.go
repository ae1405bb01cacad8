// Package classify implements the second pipeline stage: deciding
// which delivery platform issued an invoice and archiving the original.
// Vendors put their name in the filenames they deliver, so the
// classifier is a prefix match with a quality score attached for
// observability.
package classify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/recibo-labs/recibo/pkg/bus"
	"github.com/recibo-labs/recibo/pkg/errs"
	"github.com/recibo-labs/recibo/pkg/objstore"
	"github.com/recibo-labs/recibo/pkg/schema"
)

const StageName = "classify"

// Processor classifies converted invoices and archives the source TIFF.
type Processor struct {
	store           objstore.Store
	pub             bus.Publisher
	archiveBucket   string
	convertedTopic  string
	classifiedTopic string
	logger          *slog.Logger
}

// New wires the classifier against its adapters.
func New(store objstore.Store, pub bus.Publisher, archiveBucket, convertedTopic, classifiedTopic string, logger *slog.Logger) *Processor {
	return &Processor{
		store:           store,
		pub:             pub,
		archiveBucket:   archiveBucket,
		convertedTopic:  convertedTopic,
		classifiedTopic: classifiedTopic,
		logger:          logger.With("stage", StageName),
	}
}

// ClassifyName maps a source object name to a vendor by filename
// prefix. Unrecognized names fall through to VendorOther rather than
// erroring; the generic prompt template handles them downstream.
func ClassifyName(objectName string) schema.VendorType {
	base := objectName
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	base = strings.ToLower(base)
	for _, vendor := range schema.KnownVendors {
		if strings.HasPrefix(base, string(vendor)) {
			return vendor
		}
	}
	return schema.VendorOther
}

// Handle processes one converted-invoice event. The archive copy path
// is deterministic, so redelivery overwrites the same object and
// republishes an equivalent event.
func (p *Processor) Handle(ctx context.Context, msg *bus.Message) error {
	var event schema.InvoiceConverted
	if err := schema.Decode(msg.Data, &event); err != nil {
		return p.deadLetter(ctx, msg, "malformed envelope", err)
	}
	if event.SourceURI == "" || len(event.ConvertedURIs) == 0 {
		return p.deadLetter(ctx, msg, "envelope missing source or pages", nil)
	}

	srcBucket, srcPath, err := objstore.ParseURI(event.SourceURI)
	if err != nil {
		return p.deadLetter(ctx, msg, "unparseable source uri", err)
	}
	vendor := ClassifyName(srcPath)
	logger := p.logger.With("source_uri", event.SourceURI, "vendor_type", vendor, "message_id", msg.ID)

	score, err := p.scoreFirstPage(ctx, event.ConvertedURIs[0])
	if err != nil {
		if !errs.IsRetryable(err) {
			return p.deadLetter(ctx, msg, "unreadable page image", err)
		}
		return err
	}

	// The archive keeps the original object name so the copy stays
	// addressable from the source URI alone.
	archivePath := lastSegment(srcPath)
	archivedURI, err := p.store.Copy(ctx, srcBucket, srcPath, p.archiveBucket, archivePath)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return p.deadLetter(ctx, msg, "source object missing", err)
		}
		return fmt.Errorf("classify: archive copy: %w", err)
	}

	out := schema.InvoiceClassified{
		EventTime:     time.Now().UTC(),
		SourceURI:     event.SourceURI,
		ConvertedURIs: event.ConvertedURIs,
		PageCount:     event.PageCount,
		VendorType:    vendor,
		QualityScore:  score,
		ArchivedURI:   archivedURI,
	}
	payload, err := schema.Encode(out)
	if err != nil {
		return err
	}
	if _, err := p.pub.Publish(ctx, p.classifiedTopic, payload, nil); err != nil {
		return fmt.Errorf("classify: publish classified event: %w", err)
	}

	logger.Info("classified", "quality_score", score, "archived_uri", archivedURI)
	return nil
}

func (p *Processor) scoreFirstPage(ctx context.Context, pageURI string) (float64, error) {
	bucket, path, err := objstore.ParseURI(pageURI)
	if err != nil {
		return 0, errs.New(errs.KindInvalidInput, err)
	}
	data, err := p.store.Read(ctx, bucket, path)
	if err != nil {
		return 0, err
	}
	return qualityScore(data)
}

func lastSegment(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func (p *Processor) deadLetter(ctx context.Context, msg *bus.Message, reason string, cause error) error {
	if err := bus.DeadLetter(ctx, p.pub, p.convertedTopic, StageName, reason, msg.DeliveryAttempt, cause, msg.Data); err != nil {
		return err
	}
	p.logger.Error("dead-lettered", "reason", reason, "message_id", msg.ID, "error", cause)
	return nil
}
