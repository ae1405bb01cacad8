// Package warehouse fronts the analytical store. The writer stage and
// the DLQ handler are its only producers; nothing in the pipeline reads
// back except the duplicate guard.
package warehouse

import (
	"context"
)

// Row is one warehouse row, keyed by column name. Money columns are
// passed as strings to keep exact decimal values on the wire.
type Row map[string]any

// Table names used by the pipeline.
const (
	TableInvoices          = "invoices"
	TableLineItems         = "line_items"
	TableExtractionMetrics = "extraction_metrics"
	TableDLQAudit          = "dlq_audit"
)

// Warehouse is the storage capability used by the write stage and the
// DLQ handler.
type Warehouse interface {
	// InsertRows appends rows to table. Implementations insert the
	// batch atomically where the backend allows it.
	InsertRows(ctx context.Context, table string, rows []Row) error
	// ExistsByKey reports whether a row matching all key columns
	// exists. This is the duplicate guard for at-least-once delivery.
	ExistsByKey(ctx context.Context, table string, key Row) (bool, error)
	// UpsertRow inserts or updates the row identified by key. The DLQ
	// audit trail uses it for first_seen/last_seen merging.
	UpsertRow(ctx context.Context, table string, key Row, row Row) error
}
