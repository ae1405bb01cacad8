package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Topic names carried as constants so stage wiring and tests agree on
// spelling. Deployments may remap them through configuration.
const (
	TopicUploaded   = "invoice-uploaded"
	TopicConverted  = "invoice-converted"
	TopicClassified = "invoice-classified"
	TopicExtracted  = "invoice-extracted"
)

// DLQTopic returns the dead-letter topic paired with a main topic.
func DLQTopic(topic string) string {
	return topic + "-dlq"
}

// Provider identifies which LLM backend produced an extraction.
type Provider string

const (
	ProviderGemini     Provider = "gemini"
	ProviderOpenRouter Provider = "openrouter"
)

// InvoiceUploaded announces a TIFF landing in the ingestion bucket.
type InvoiceUploaded struct {
	EventTime  time.Time `json:"event_time"`
	Bucket     string    `json:"bucket"`
	ObjectName string    `json:"object_name"`
}

// InvoiceConverted announces per-page PNGs for a source TIFF.
// ConvertedURIs is ordered by physical page.
type InvoiceConverted struct {
	EventTime     time.Time `json:"event_time"`
	SourceURI     string    `json:"source_uri"`
	ConvertedURIs []string  `json:"converted_uris"`
	PageCount     int       `json:"page_count"`
}

// InvoiceClassified adds the vendor decision and archive location.
type InvoiceClassified struct {
	EventTime     time.Time  `json:"event_time"`
	SourceURI     string     `json:"source_uri"`
	ConvertedURIs []string   `json:"converted_uris"`
	PageCount     int        `json:"page_count"`
	VendorType    VendorType `json:"vendor_type"`
	QualityScore  float64    `json:"quality_score"`
	ArchivedURI   string     `json:"archived_uri"`
}

// InvoiceExtracted carries a validated extraction to the writer.
type InvoiceExtracted struct {
	EventTime    time.Time       `json:"event_time"`
	SourceURI    string          `json:"source_uri"`
	VendorType   VendorType      `json:"vendor_type"`
	Provider     Provider        `json:"provider"`
	LLMLatencyMS int64           `json:"llm_latency_ms"`
	Confidence   float64         `json:"confidence"`
	Extracted    json.RawMessage `json:"extracted"`

	// Writer-side bookkeeping for extraction_metrics.
	TotalLatencyMS int64  `json:"total_latency_ms"`
	AttemptCount   int    `json:"attempt_count"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
	TraceID        string `json:"trace_id,omitempty"`
	ContentHash    string `json:"content_hash"`
}

// DLQEnvelope wraps an undeliverable message for its dead-letter topic.
type DLQEnvelope struct {
	EventTime time.Time       `json:"event_time"`
	Stage     string          `json:"stage"`
	Reason    string          `json:"reason"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	Original  json.RawMessage `json:"original"`
}

// Encode serializes an envelope for the bus. All payloads are UTF-8
// JSON with snake_case field names.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schema: encode %T: %w", v, err)
	}
	return b, nil
}

// Decode parses a bus payload into the given envelope type.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("schema: decode %T: %w", v, err)
	}
	return nil
}
