package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "us-central1", cfg.Region)
	assert.Equal(t, "gemini-2.0-flash", cfg.LLMPrimaryModel)
	assert.Equal(t, 30*time.Second, cfg.ExtractTimeout)
	assert.Equal(t, 3, cfg.ExtractMaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
	assert.Equal(t, 8*time.Second, cfg.BackoffCap)
	assert.Equal(t, "landing", cfg.LandingBucket)
	assert.Equal(t, "invoice-uploaded", cfg.UploadedTopic)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.ObservabilityEnabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("EXTRACT_TIMEOUT_MS", "45000")
	t.Setenv("EXTRACT_MAX_ATTEMPTS", "5")
	t.Setenv("LANDING_BUCKET", "acme-invoices-landing")
	t.Setenv("OBSERVABILITY_ENABLED", "true")

	cfg := Load()
	assert.Equal(t, 45*time.Second, cfg.ExtractTimeout)
	assert.Equal(t, 5, cfg.ExtractMaxAttempts)
	assert.Equal(t, "acme-invoices-landing", cfg.LandingBucket)
	assert.True(t, cfg.ObservabilityEnabled)
}

// Unparseable numbers fall back to the default rather than aborting.
func TestLoad_BadNumberFallsBack(t *testing.T) {
	t.Setenv("EXTRACT_MAX_ATTEMPTS", "lots")
	assert.Equal(t, 3, Load().ExtractMaxAttempts)
}

func validConfig() *Config {
	return &Config{
		ProjectID:          "acme-prod",
		LLMPrimaryModel:    "gemini-2.0-flash",
		LLMFallbackModel:   "anthropic/claude-3.5-sonnet",
		ExtractTimeout:     30 * time.Second,
		ExtractMaxAttempts: 3,
		BackoffBase:        500 * time.Millisecond,
		BackoffCap:         8 * time.Second,
		LandingBucket:      "landing",
		ProcessedBucket:    "processed",
		ArchiveBucket:      "archive",
		FailedBucket:       "failed",
		UploadedTopic:      "invoice-uploaded",
		ConvertedTopic:     "invoice-converted",
		ClassifiedTopic:    "invoice-classified",
		ExtractedTopic:     "invoice-extracted",
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	missing := validConfig()
	missing.ProjectID = ""
	missing.FailedBucket = ""
	err := missing.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROJECT_ID")
	assert.Contains(t, err.Error(), "FAILED_BUCKET")

	window := validConfig()
	window.BackoffCap = 100 * time.Millisecond // below the base
	assert.Error(t, window.Validate())

	attempts := validConfig()
	attempts.ExtractMaxAttempts = 0
	assert.Error(t, attempts.Validate())
}

func TestStageConcurrency(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 1, cfg.StageConcurrency("convert"))
	assert.Equal(t, 10, cfg.StageConcurrency("classify"))
	assert.Equal(t, 1, cfg.StageConcurrency("extract"))
	assert.Equal(t, 50, cfg.StageConcurrency("write"))
	assert.Equal(t, 1, cfg.StageConcurrency("anything-else"))
}
