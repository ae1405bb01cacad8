// recibo-worker runs one pipeline stage per process. The stage name is
// the first argument; each Cloud Run service deploys the same binary
// with a different stage.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/recibo-labs/recibo/pkg/bus"
	"github.com/recibo-labs/recibo/pkg/classify"
	"github.com/recibo-labs/recibo/pkg/config"
	"github.com/recibo-labs/recibo/pkg/convert"
	"github.com/recibo-labs/recibo/pkg/dlqaudit"
	"github.com/recibo-labs/recibo/pkg/extract"
	"github.com/recibo-labs/recibo/pkg/llm"
	"github.com/recibo-labs/recibo/pkg/objstore"
	"github.com/recibo-labs/recibo/pkg/observer"
	"github.com/recibo-labs/recibo/pkg/schema"
	"github.com/recibo-labs/recibo/pkg/warehouse"
	"github.com/recibo-labs/recibo/pkg/writer"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(stderr, "Usage: recibo-worker <convert|classify|extract|write|dlq-audit|init-warehouse> [flags]")
		return 2
	}
	stage := args[1]

	fs := flag.NewFlagSet(stage, flag.ContinueOnError)
	fs.SetOutput(stderr)
	subscription := fs.String("subscription", "", "bus subscription to consume (default <input-topic>-sub)")
	if err := fs.Parse(args[2:]); err != nil {
		return 2
	}

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if stage == "init-warehouse" {
		return runInitWarehouse(ctx, cfg, logger, stderr)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	if err := runStage(ctx, cfg, logger, stage, *subscription); err != nil && ctx.Err() == nil {
		logger.Error("worker exited", "stage", stage, "error", err)
		return 1
	}
	logger.Info("worker stopped", "stage", stage)
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runStage(ctx context.Context, cfg *config.Config, logger *slog.Logger, stage, subscription string) error {
	store, err := objstore.NewGCSStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	b, err := bus.NewPubSub(ctx, cfg.ProjectID, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	obs := buildObserver(ctx, cfg, logger)
	defer obs.Flush(context.WithoutCancel(ctx))

	var handler bus.Handler
	var inputTopic string

	switch stage {
	case "convert":
		p := convert.New(store, b, cfg.ProcessedBucket, cfg.UploadedTopic, cfg.ConvertedTopic, logger)
		handler, inputTopic = p.Handle, cfg.UploadedTopic
	case "classify":
		p := classify.New(store, b, cfg.ArchiveBucket, cfg.ConvertedTopic, cfg.ClassifiedTopic, logger)
		handler, inputTopic = p.Handle, cfg.ConvertedTopic
	case "extract":
		if cfg.GeminiAPIKey == "" || cfg.OpenRouterAPIKey == "" {
			return fmt.Errorf("worker: extract stage requires GEMINI_API_KEY and OPENROUTER_API_KEY")
		}
		p := extract.New(store, b,
			llm.NewGeminiClient(cfg.GeminiAPIKey, cfg.LLMPrimaryModel),
			llm.NewOpenRouterClient(cfg.OpenRouterAPIKey, cfg.LLMFallbackModel),
			obs, cfg.FailedBucket, cfg.ClassifiedTopic, cfg.ExtractedTopic,
			extract.Options{
				Timeout:     cfg.ExtractTimeout,
				MaxAttempts: cfg.ExtractMaxAttempts,
				BackoffBase: cfg.BackoffBase,
				BackoffCap:  cfg.BackoffCap,
			}, logger)
		handler, inputTopic = p.Handle, cfg.ClassifiedTopic
	case "write":
		wh, closeWH, err := openWarehouse(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeWH()
		p := writer.New(wh, b, cfg.ExtractedTopic, logger)
		handler, inputTopic = p.Handle, cfg.ExtractedTopic
	case "dlq-audit":
		wh, closeWH, err := openWarehouse(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeWH()
		return runDLQAudit(ctx, cfg, b, wh, logger)
	default:
		return fmt.Errorf("worker: unknown stage %q", stage)
	}

	if subscription == "" {
		subscription = inputTopic + "-sub"
	}
	logger.Info("worker starting", "stage", stage, "subscription", subscription,
		"concurrency", cfg.StageConcurrency(stage))
	return b.Receive(ctx, subscription, cfg.StageConcurrency(stage), handler)
}

// runDLQAudit consumes every stage's dead-letter subscription with one
// shared handler.
func runDLQAudit(ctx context.Context, cfg *config.Config, b *bus.PubSub, wh warehouse.Warehouse, logger *slog.Logger) error {
	p := dlqaudit.New(wh, logger)
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range []string{cfg.UploadedTopic, cfg.ConvertedTopic, cfg.ClassifiedTopic, cfg.ExtractedTopic} {
		sub := schema.DLQTopic(topic) + "-sub"
		logger.Info("dlq audit consuming", "subscription", sub)
		g.Go(func() error {
			return b.Receive(ctx, sub, 1, p.Handle)
		})
	}
	return g.Wait()
}

func openWarehouse(ctx context.Context, cfg *config.Config) (warehouse.Warehouse, func(), error) {
	if cfg.WarehouseDSN == "" {
		return nil, nil, fmt.Errorf("worker: WAREHOUSE_DSN is required for this stage")
	}
	db, err := sql.Open("postgres", cfg.WarehouseDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("worker: open warehouse: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("worker: ping warehouse: %w", err)
	}
	return warehouse.NewPostgres(db), func() { _ = db.Close() }, nil
}

func buildObserver(ctx context.Context, cfg *config.Config, logger *slog.Logger) observer.Observer {
	if !cfg.ObservabilityEnabled {
		return observer.NewSilent(observer.Noop{}, logger)
	}
	otelObs, err := observer.NewOTel(ctx, observer.OTelConfig{
		ServiceName: "recibo-worker",
		Endpoint:    cfg.ObservabilityURL,
		PublicKey:   cfg.ObservabilityPublicKey,
		SecretKey:   cfg.ObservabilitySecretKey,
	})
	if err != nil {
		// Extraction must not depend on observability being reachable.
		logger.Error("observer disabled", "error", err)
		return observer.NewSilent(observer.Noop{}, logger)
	}
	return observer.NewSilent(otelObs, logger)
}

func runInitWarehouse(ctx context.Context, cfg *config.Config, logger *slog.Logger, stderr io.Writer) int {
	wh, closeWH, err := openWarehouse(ctx, cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer closeWH()
	if err := wh.(*warehouse.Postgres).Init(ctx); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger.Info("warehouse schema initialized")
	return 0
}
