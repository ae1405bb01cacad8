// Package config loads pipeline configuration from the environment.
// Workers fail fast at startup when required values are missing; the
// CLI tolerates a partial configuration because it runs everything
// in-process.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized option. Each field is overridable by
// the environment variable named in its comment.
type Config struct {
	ProjectID string // PROJECT_ID
	Region    string // REGION

	LLMPrimaryModel  string // LLM_PRIMARY_MODEL
	LLMFallbackModel string // LLM_FALLBACK_MODEL
	GeminiAPIKey     string // GEMINI_API_KEY
	OpenRouterAPIKey string // OPENROUTER_API_KEY

	ExtractTimeout     time.Duration // EXTRACT_TIMEOUT_MS
	ExtractMaxAttempts int           // EXTRACT_MAX_ATTEMPTS
	BackoffBase        time.Duration // BACKOFF_BASE_MS
	BackoffCap         time.Duration // BACKOFF_CAP_MS

	ObservabilityEnabled   bool   // OBSERVABILITY_ENABLED
	ObservabilityPublicKey string // OBSERVABILITY_PUBLIC_KEY
	ObservabilitySecretKey string // OBSERVABILITY_SECRET_KEY
	ObservabilityURL       string // OBSERVABILITY_URL

	LogLevel string // LOG_LEVEL

	LandingBucket   string // LANDING_BUCKET
	ProcessedBucket string // PROCESSED_BUCKET
	ArchiveBucket   string // ARCHIVE_BUCKET
	FailedBucket    string // FAILED_BUCKET

	UploadedTopic   string // UPLOADED_TOPIC
	ConvertedTopic  string // CONVERTED_TOPIC
	ClassifiedTopic string // CLASSIFIED_TOPIC
	ExtractedTopic  string // EXTRACTED_TOPIC

	WarehouseDSN string // WAREHOUSE_DSN
}

// Load reads the environment and applies defaults. It never fails;
// call Validate before serving traffic.
func Load() *Config {
	return &Config{
		ProjectID: os.Getenv("PROJECT_ID"),
		Region:    getenv("REGION", "us-central1"),

		LLMPrimaryModel:  getenv("LLM_PRIMARY_MODEL", "gemini-2.0-flash"),
		LLMFallbackModel: getenv("LLM_FALLBACK_MODEL", "anthropic/claude-3.5-sonnet"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),

		ExtractTimeout:     getenvMillis("EXTRACT_TIMEOUT_MS", 30000),
		ExtractMaxAttempts: getenvInt("EXTRACT_MAX_ATTEMPTS", 3),
		BackoffBase:        getenvMillis("BACKOFF_BASE_MS", 500),
		BackoffCap:         getenvMillis("BACKOFF_CAP_MS", 8000),

		ObservabilityEnabled:   os.Getenv("OBSERVABILITY_ENABLED") == "true",
		ObservabilityPublicKey: os.Getenv("OBSERVABILITY_PUBLIC_KEY"),
		ObservabilitySecretKey: os.Getenv("OBSERVABILITY_SECRET_KEY"),
		ObservabilityURL:       getenv("OBSERVABILITY_URL", "localhost:4317"),

		LogLevel: getenv("LOG_LEVEL", "INFO"),

		LandingBucket:   getenv("LANDING_BUCKET", "landing"),
		ProcessedBucket: getenv("PROCESSED_BUCKET", "processed"),
		ArchiveBucket:   getenv("ARCHIVE_BUCKET", "archive"),
		FailedBucket:    getenv("FAILED_BUCKET", "failed"),

		UploadedTopic:   getenv("UPLOADED_TOPIC", "invoice-uploaded"),
		ConvertedTopic:  getenv("CONVERTED_TOPIC", "invoice-converted"),
		ClassifiedTopic: getenv("CLASSIFIED_TOPIC", "invoice-classified"),
		ExtractedTopic:  getenv("EXTRACTED_TOPIC", "invoice-extracted"),

		WarehouseDSN: os.Getenv("WAREHOUSE_DSN"),
	}
}

// Validate checks the configuration a worker instance needs. Invalid or
// missing required config aborts instance start.
func (c *Config) Validate() error {
	var missing []string
	if c.ProjectID == "" {
		missing = append(missing, "PROJECT_ID")
	}
	for name, v := range map[string]string{
		"LANDING_BUCKET":   c.LandingBucket,
		"PROCESSED_BUCKET": c.ProcessedBucket,
		"ARCHIVE_BUCKET":   c.ArchiveBucket,
		"FAILED_BUCKET":    c.FailedBucket,
		"UPLOADED_TOPIC":   c.UploadedTopic,
		"CONVERTED_TOPIC":  c.ConvertedTopic,
		"CLASSIFIED_TOPIC": c.ClassifiedTopic,
		"EXTRACTED_TOPIC":  c.ExtractedTopic,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.ExtractMaxAttempts < 1 {
		return fmt.Errorf("config: EXTRACT_MAX_ATTEMPTS must be >= 1, got %d", c.ExtractMaxAttempts)
	}
	if c.ExtractTimeout <= 0 {
		return fmt.Errorf("config: EXTRACT_TIMEOUT_MS must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("config: backoff window %v..%v is invalid", c.BackoffBase, c.BackoffCap)
	}
	if c.LLMPrimaryModel == "" || c.LLMFallbackModel == "" {
		return fmt.Errorf("config: LLM model identifiers must not be empty")
	}
	return nil
}

// StageConcurrency returns the per-instance concurrency for a stage.
// The extractor is serialized to keep LLM spend predictable; the writer
// fans out because warehouse inserts are cheap.
func (c *Config) StageConcurrency(stage string) int {
	switch stage {
	case "convert", "extract":
		return 1
	case "classify":
		return 10
	case "write":
		return 50
	default:
		return 1
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvMillis(key string, defMS int) time.Duration {
	return time.Duration(getenvInt(key, defMS)) * time.Millisecond
}
