package dlqaudit

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recibo-labs/recibo/pkg/bus"
	"github.com/recibo-labs/recibo/pkg/errs"
	"github.com/recibo-labs/recibo/pkg/schema"
	"github.com/recibo-labs/recibo/pkg/warehouse"
)

func dlqMsg(t *testing.T, stage, reason string, original any) *bus.Message {
	t.Helper()
	raw, err := json.Marshal(original)
	require.NoError(t, err)
	payload, err := schema.Encode(schema.DLQEnvelope{
		EventTime: time.Now().UTC(),
		Stage:     stage,
		Reason:    reason,
		Attempts:  3,
		LastError: "provider timeout",
		Original:  raw,
	})
	require.NoError(t, err)
	return &bus.Message{ID: "m1", Data: payload, DeliveryAttempt: 1}
}

func TestHandle_RecordsSourceURIFromLaterStages(t *testing.T) {
	wh := warehouse.NewMemory()
	p := New(wh, slog.New(slog.DiscardHandler))

	msg := dlqMsg(t, "extract", "extraction_failed", schema.InvoiceClassified{
		SourceURI:  "gs://landing/ubereats_x.tiff",
		VendorType: schema.VendorUberEats,
	})
	require.NoError(t, p.Handle(context.Background(), msg))

	rows := wh.Rows(warehouse.TableDLQAudit)
	require.Len(t, rows, 1)
	assert.Equal(t, "extract", rows[0]["stage"])
	assert.Equal(t, "gs://landing/ubereats_x.tiff", rows[0]["source_uri"])
	assert.Equal(t, "extraction_failed", rows[0]["reason"])
	assert.Equal(t, "provider timeout", rows[0]["last_error"])
	assert.Equal(t, 1, rows[0]["occurrences"])
}

// The upload envelope has no source_uri; the auditor reconstructs one
// from bucket and object name.
func TestHandle_RecordsUploadEnvelope(t *testing.T) {
	wh := warehouse.NewMemory()
	p := New(wh, slog.New(slog.DiscardHandler))

	msg := dlqMsg(t, "convert", "invalid_image", schema.InvoiceUploaded{
		Bucket:     "landing",
		ObjectName: "invoices/2024/03/01/broken.tiff",
	})
	require.NoError(t, p.Handle(context.Background(), msg))

	rows := wh.Rows(warehouse.TableDLQAudit)
	require.Len(t, rows, 1)
	assert.Equal(t, "gs://landing/invoices/2024/03/01/broken.tiff", rows[0]["source_uri"])
}

// Repeat dead-letters for the same (stage, source) merge into one row.
func TestHandle_RepeatBumpsOccurrences(t *testing.T) {
	wh := warehouse.NewMemory()
	p := New(wh, slog.New(slog.DiscardHandler))

	original := schema.InvoiceClassified{SourceURI: "gs://landing/a.tiff"}
	require.NoError(t, p.Handle(context.Background(), dlqMsg(t, "extract", "extraction_failed", original)))
	require.NoError(t, p.Handle(context.Background(), dlqMsg(t, "extract", "extraction_failed", original)))
	require.NoError(t, p.Handle(context.Background(), dlqMsg(t, "extract", "extraction_failed", original)))

	rows := wh.Rows(warehouse.TableDLQAudit)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0]["occurrences"])
}

// The auditor must never dead-letter its own input. Garbage is
// recorded under a synthetic source and acked.
func TestHandle_UnparseableMessageStillRecorded(t *testing.T) {
	wh := warehouse.NewMemory()
	p := New(wh, slog.New(slog.DiscardHandler))

	msg := &bus.Message{ID: "weird-42", Data: []byte("not json at all"), DeliveryAttempt: 1}
	require.NoError(t, p.Handle(context.Background(), msg))

	rows := wh.Rows(warehouse.TableDLQAudit)
	require.Len(t, rows, 1)
	assert.Equal(t, "unknown", rows[0]["stage"])
	assert.Equal(t, "unparseable dlq envelope", rows[0]["reason"])
	assert.Equal(t, "message:weird-42", rows[0]["source_uri"])
}

func TestHandle_TransientUpsertNacks(t *testing.T) {
	wh := warehouse.NewMemory()
	p := New(wh, slog.New(slog.DiscardHandler))

	wh.FailNext = true
	err := p.Handle(context.Background(), dlqMsg(t, "write", "db down",
		schema.InvoiceClassified{SourceURI: "gs://landing/a.tiff"}))
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
}
