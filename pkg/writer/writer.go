// Package writer implements the final pipeline stage: landing
// validated extractions in the warehouse. Delivery is at-least-once,
// so the stage is a dedupe gate in front of three inserts.
package writer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/recibo-labs/recibo/pkg/bus"
	"github.com/recibo-labs/recibo/pkg/errs"
	"github.com/recibo-labs/recibo/pkg/schema"
	"github.com/recibo-labs/recibo/pkg/warehouse"
)

const StageName = "write"

// Processor persists extracted invoices.
type Processor struct {
	wh             warehouse.Warehouse
	pub            bus.Publisher
	extractedTopic string
	logger         *slog.Logger
}

// New wires the writer against the warehouse and the DLQ publisher.
func New(wh warehouse.Warehouse, pub bus.Publisher, extractedTopic string, logger *slog.Logger) *Processor {
	return &Processor{
		wh:             wh,
		pub:            pub,
		extractedTopic: extractedTopic,
		logger:         logger.With("stage", StageName),
	}
}

// Handle persists one extracted invoice. The invoice is re-validated
// at this boundary: the extractor's output contract is not trusted
// across the bus, and a violation here is a poison message.
func (p *Processor) Handle(ctx context.Context, msg *bus.Message) error {
	var event schema.InvoiceExtracted
	if err := schema.Decode(msg.Data, &event); err != nil {
		return p.deadLetter(ctx, msg, "malformed envelope", err)
	}

	inv, err := schema.UnmarshalInvoice(event.Extracted)
	if err != nil {
		return p.deadLetter(ctx, msg, "unparseable extraction payload", err)
	}
	if err := inv.Validate(event.VendorType); err != nil {
		return p.deadLetter(ctx, msg, "extraction failed re-validation", err)
	}
	logger := p.logger.With("invoice_id", inv.InvoiceID, "vendor_type", inv.VendorType, "message_id", msg.ID)

	exists, err := p.wh.ExistsByKey(ctx, warehouse.TableInvoices, warehouse.Row{
		"invoice_id":  inv.InvoiceID,
		"vendor_type": string(inv.VendorType),
	})
	if err != nil {
		return fmt.Errorf("writer: duplicate check: %w", err)
	}
	if exists {
		logger.Info("duplicate skipped")
		return nil
	}

	if err := p.insert(ctx, inv, &event, msg.ID); err != nil {
		if errs.Is(err, errs.KindDuplicateKey) {
			// A concurrent delivery won the race. Same outcome as the
			// dedupe gate.
			logger.Info("duplicate skipped", "detected_by", "unique_constraint")
			return nil
		}
		return err
	}

	logger.Info("written", "line_items", len(inv.LineItems), "provider", event.Provider)
	return nil
}

func (p *Processor) insert(ctx context.Context, inv *schema.Invoice, event *schema.InvoiceExtracted, messageID string) error {
	invoiceRow := warehouse.Row{
		"invoice_id":        inv.InvoiceID,
		"vendor_type":       string(inv.VendorType),
		"vendor_name":       inv.VendorName,
		"invoice_date":      inv.InvoiceDate.String(),
		"due_date":          inv.DueDate.String(),
		"currency":          inv.Currency,
		"subtotal":          inv.Subtotal.String(),
		"tax_amount":        inv.TaxAmount.String(),
		"commission_rate":   inv.CommissionRate.String(),
		"commission_amount": inv.CommissionAmount.String(),
		"total_amount":      inv.TotalAmount.String(),
		"source_uri":        event.SourceURI,
		"ingest_message_id": messageID,
	}
	if err := p.wh.InsertRows(ctx, warehouse.TableInvoices, []warehouse.Row{invoiceRow}); err != nil {
		return fmt.Errorf("writer: insert invoice: %w", err)
	}

	lineRows := make([]warehouse.Row, 0, len(inv.LineItems))
	for i, item := range inv.LineItems {
		lineRows = append(lineRows, warehouse.Row{
			"invoice_id":  inv.InvoiceID,
			"vendor_type": string(inv.VendorType),
			"line_no":     i + 1,
			"description": item.Description,
			"quantity":    item.Quantity.String(),
			"unit_price":  item.UnitPrice.String(),
			"amount":      item.Amount.String(),
		})
	}
	if err := p.wh.InsertRows(ctx, warehouse.TableLineItems, lineRows); err != nil {
		return fmt.Errorf("writer: insert line items: %w", err)
	}

	// cost_estimate stays null until provider pricing is wired into
	// configuration.
	metricsRow := warehouse.Row{
		"invoice_id":       inv.InvoiceID,
		"vendor_type":      string(inv.VendorType),
		"provider":         string(event.Provider),
		"llm_latency_ms":   event.LLMLatencyMS,
		"total_latency_ms": event.TotalLatencyMS,
		"attempt_count":    event.AttemptCount,
		"confidence":       event.Confidence,
		"input_tokens":     event.InputTokens,
		"output_tokens":    event.OutputTokens,
		"cost_estimate":    nil,
		"trace_id":         event.TraceID,
		"success":          true,
	}
	if err := p.wh.InsertRows(ctx, warehouse.TableExtractionMetrics, []warehouse.Row{metricsRow}); err != nil {
		return fmt.Errorf("writer: insert metrics: %w", err)
	}
	return nil
}

func (p *Processor) deadLetter(ctx context.Context, msg *bus.Message, reason string, cause error) error {
	if err := bus.DeadLetter(ctx, p.pub, p.extractedTopic, StageName, reason, msg.DeliveryAttempt, cause, msg.Data); err != nil {
		return err
	}
	p.logger.Error("dead-lettered", "reason", reason, "message_id", msg.ID, "error", cause)
	return nil
}
