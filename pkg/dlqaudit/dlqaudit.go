// Package dlqaudit drains the dead-letter topics into the warehouse
// audit table. Each (stage, source) pair keeps one row; repeat
// dead-letters bump the occurrence count instead of appending, so the
// table stays readable during an incident.
package dlqaudit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/recibo-labs/recibo/pkg/bus"
	"github.com/recibo-labs/recibo/pkg/schema"
	"github.com/recibo-labs/recibo/pkg/warehouse"
)

const StageName = "dlq_audit"

// Processor records dead-lettered messages.
type Processor struct {
	wh     warehouse.Warehouse
	logger *slog.Logger
}

// New wires the auditor against the warehouse.
func New(wh warehouse.Warehouse, logger *slog.Logger) *Processor {
	return &Processor{wh: wh, logger: logger.With("stage", StageName)}
}

// Handle upserts one dead-letter into the audit table. The handler
// never dead-letters its own input: an unparseable DLQ message is
// recorded as such and acked, because there is no further place to
// route it.
func (p *Processor) Handle(ctx context.Context, msg *bus.Message) error {
	now := time.Now().UTC()

	var env schema.DLQEnvelope
	stage, reason, lastError := "unknown", "unparseable dlq envelope", ""
	sourceURI := "message:" + msg.ID
	if err := schema.Decode(msg.Data, &env); err == nil && env.Stage != "" {
		stage = env.Stage
		reason = env.Reason
		lastError = env.LastError
		if uri := originalSource(env.Original); uri != "" {
			sourceURI = uri
		}
	}

	key := warehouse.Row{"stage": stage, "source_uri": sourceURI}
	row := warehouse.Row{
		"stage":       stage,
		"source_uri":  sourceURI,
		"kind":        "dead_letter",
		"reason":      reason,
		"last_error":  lastError,
		"occurrences": 1,
		"first_seen":  now,
		"last_seen":   now,
	}
	if err := p.wh.UpsertRow(ctx, warehouse.TableDLQAudit, key, row); err != nil {
		return err
	}

	p.logger.Warn("dead-letter recorded", "dlq_stage", stage, "source_uri", sourceURI, "reason", reason)
	return nil
}

// originalSource pulls the source object URI out of whichever stage
// envelope was dead-lettered. The upload envelope carries a bucket and
// object name instead of a URI; every later stage carries source_uri.
func originalSource(original json.RawMessage) string {
	if len(original) == 0 {
		return ""
	}
	var probe struct {
		SourceURI  string `json:"source_uri"`
		Bucket     string `json:"bucket"`
		ObjectName string `json:"object_name"`
	}
	if err := json.Unmarshal(original, &probe); err != nil {
		return ""
	}
	if probe.SourceURI != "" {
		return probe.SourceURI
	}
	if probe.Bucket != "" && probe.ObjectName != "" {
		return "gs://" + probe.Bucket + "/" + probe.ObjectName
	}
	return ""
}
