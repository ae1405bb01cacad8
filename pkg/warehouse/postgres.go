package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/recibo-labs/recibo/pkg/errs"
)

// Postgres implements Warehouse on PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const ddl = `
CREATE TABLE IF NOT EXISTS invoices (
	invoice_id TEXT NOT NULL,
	vendor_type TEXT NOT NULL,
	vendor_name TEXT NOT NULL,
	invoice_date DATE NOT NULL,
	due_date DATE NOT NULL,
	currency TEXT NOT NULL,
	subtotal NUMERIC(12,2) NOT NULL,
	tax_amount NUMERIC(12,2) NOT NULL,
	commission_rate NUMERIC(6,4) NOT NULL,
	commission_amount NUMERIC(12,2) NOT NULL,
	total_amount NUMERIC(12,2) NOT NULL,
	source_uri TEXT NOT NULL,
	ingest_message_id TEXT,
	ingested_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (invoice_id, vendor_type)
);
CREATE TABLE IF NOT EXISTS line_items (
	invoice_id TEXT NOT NULL,
	vendor_type TEXT NOT NULL,
	line_no INT NOT NULL,
	description TEXT NOT NULL,
	quantity NUMERIC(12,3) NOT NULL,
	unit_price NUMERIC(12,2) NOT NULL,
	amount NUMERIC(12,2) NOT NULL,
	PRIMARY KEY (invoice_id, vendor_type, line_no),
	FOREIGN KEY (invoice_id, vendor_type) REFERENCES invoices (invoice_id, vendor_type)
);
CREATE TABLE IF NOT EXISTS extraction_metrics (
	invoice_id TEXT NOT NULL,
	vendor_type TEXT NOT NULL,
	provider TEXT NOT NULL,
	llm_latency_ms BIGINT NOT NULL,
	total_latency_ms BIGINT NOT NULL,
	attempt_count INT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	input_tokens INT NOT NULL,
	output_tokens INT NOT NULL,
	cost_estimate NUMERIC(12,6),
	trace_id TEXT,
	success BOOLEAN NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS dlq_audit (
	stage TEXT NOT NULL,
	source_uri TEXT NOT NULL,
	kind TEXT NOT NULL,
	reason TEXT NOT NULL,
	last_error TEXT,
	occurrences INT NOT NULL DEFAULT 1,
	first_seen TIMESTAMPTZ NOT NULL,
	last_seen TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stage, source_uri)
);
`

// Init creates the warehouse tables.
func (p *Postgres) Init(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("warehouse: init schema: %w", err)
	}
	return nil
}

// InsertRows appends rows to table inside one transaction. Column order
// is derived from the first row's sorted keys; every row in the batch
// must carry the same columns.
func (p *Postgres) InsertRows(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	cols := sortedColumns(rows[0])
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pq.QuoteIdentifier(table),
		quotedList(cols),
		strings.Join(placeholders, ", "))

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPG(fmt.Errorf("warehouse: begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return classifyPG(fmt.Errorf("warehouse: prepare insert into %s: %w", table, err))
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range rows {
		args := make([]any, len(cols))
		for i, c := range cols {
			args[i] = row[c]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return classifyPG(fmt.Errorf("warehouse: insert into %s: %w", table, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classifyPG(fmt.Errorf("warehouse: commit insert into %s: %w", table, err))
	}
	return nil
}

// ExistsByKey reports whether a row matching all key columns exists.
func (p *Postgres) ExistsByKey(ctx context.Context, table string, key Row) (bool, error) {
	cols := sortedColumns(key)
	conds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		conds[i] = fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c), i+1)
		args[i] = key[c]
	}
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s)",
		pq.QuoteIdentifier(table), strings.Join(conds, " AND "))

	var exists bool
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, classifyPG(fmt.Errorf("warehouse: exists check on %s: %w", table, err))
	}
	return exists, nil
}

// UpsertRow inserts row or, on key conflict, updates the non-key
// columns. The dlq_audit table additionally accumulates occurrences.
func (p *Postgres) UpsertRow(ctx context.Context, table string, key Row, row Row) error {
	all := Row{}
	for k, v := range key {
		all[k] = v
	}
	for k, v := range row {
		all[k] = v
	}

	cols := sortedColumns(all)
	keyCols := sortedColumns(key)
	placeholders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = all[c]
	}

	var updates []string
	for _, c := range cols {
		if _, isKey := key[c]; isKey || c == "first_seen" {
			continue
		}
		if c == "occurrences" {
			updates = append(updates, fmt.Sprintf("%s = %s.occurrences + 1",
				pq.QuoteIdentifier(c), pq.QuoteIdentifier(table)))
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s",
			pq.QuoteIdentifier(c), pq.QuoteIdentifier(c)))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		pq.QuoteIdentifier(table),
		quotedList(cols),
		strings.Join(placeholders, ", "),
		quotedList(keyCols),
		strings.Join(updates, ", "))

	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return classifyPG(fmt.Errorf("warehouse: upsert into %s: %w", table, err))
	}
	return nil
}

func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func quotedList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	return strings.Join(quoted, ", ")
}

// classifyPG maps Postgres failures onto the taxonomy. Unique-key
// violations are duplicates; everything else is assumed retryable
// because the writer's duplicate guard makes retries safe.
func classifyPG(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errs.New(errs.KindDuplicateKey, err)
	}
	return errs.New(errs.KindTransient, err)
}
