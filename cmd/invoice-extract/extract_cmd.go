package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/recibo-labs/recibo/pkg/bus"
	"github.com/recibo-labs/recibo/pkg/classify"
	"github.com/recibo-labs/recibo/pkg/config"
	"github.com/recibo-labs/recibo/pkg/convert"
	"github.com/recibo-labs/recibo/pkg/extract"
	"github.com/recibo-labs/recibo/pkg/llm"
	"github.com/recibo-labs/recibo/pkg/objstore"
	"github.com/recibo-labs/recibo/pkg/observer"
	"github.com/recibo-labs/recibo/pkg/schema"
)

// pipeline bundles the in-process stage processors over in-memory
// adapters. The CLI never touches cloud storage or the bus.
type pipeline struct {
	store     *objstore.Memory
	converter *convert.Processor
	extractor *extract.Processor
	out       io.Writer
}

func buildPipeline(cfg *config.Config, logger *slog.Logger, stdout io.Writer) (*pipeline, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	var fallback llm.Client
	if cfg.OpenRouterAPIKey != "" {
		fallback = llm.NewOpenRouterClient(cfg.OpenRouterAPIKey, cfg.LLMFallbackModel)
	}

	store := objstore.NewMemory()
	mem := bus.NewMemory()
	obs := observer.NewSilent(observer.Noop{}, logger)

	return &pipeline{
		store:     store,
		out:       stdout,
		converter: convert.New(store, mem, "processed", "invoice-uploaded", "invoice-converted", logger),
		extractor: extract.New(store, mem,
			llm.NewGeminiClient(cfg.GeminiAPIKey, cfg.LLMPrimaryModel), fallback,
			obs, "failed", "invoice-classified", "invoice-extracted",
			extract.Options{
				Timeout:     cfg.ExtractTimeout,
				MaxAttempts: cfg.ExtractMaxAttempts,
				BackoffBase: cfg.BackoffBase,
				BackoffCap:  cfg.BackoffCap,
			}, logger),
	}, nil
}

// extractFile runs one local TIFF through convert, classify, and
// extract, writing <stem>.json into outputDir on success.
func (p *pipeline) extractFile(ctx context.Context, path, vendorFlag, outputDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	base := filepath.Base(path)
	sourceURI := objstore.URI("local", base)
	pageURIs, err := p.converter.Convert(ctx, sourceURI, data)
	if err != nil {
		return err
	}

	vendor := classify.ClassifyName(base)
	if vendorFlag != "" {
		if vendor, err = schema.ParseVendorType(vendorFlag); err != nil {
			return err
		}
	}

	images := make([][]byte, 0, len(pageURIs))
	for _, uri := range pageURIs {
		bucket, objPath, err := objstore.ParseURI(uri)
		if err != nil {
			return err
		}
		page, err := p.store.Read(ctx, bucket, objPath)
		if err != nil {
			return err
		}
		images = append(images, page)
	}

	inv, canonical, attempts, err := p.extractor.ExtractPages(ctx, images, vendor, sourceURI)
	if err != nil {
		return fmt.Errorf("extraction failed after %d attempts: %w", attempts, err)
	}

	outPath := filepath.Join(outputDir, objstore.Stem(base)+".json")
	if err := os.WriteFile(outPath, canonical, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Fprintf(p.out, "%s: %s %s %s (%d pages, %d attempts)\n",
		outPath, inv.InvoiceID, inv.VendorType, inv.TotalAmount, len(images), attempts)
	return nil
}

func runExtract(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("extract", stderr)
	vendor := fs.String("vendor", "", "override vendor classification")
	outputDir := fs.String("output-dir", ".", "directory for the extracted JSON")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}
	if fs.NArg() != 1 {
		usage(stderr)
		return exitValidation
	}

	p, err := buildPipeline(cfg, logger, stdout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitValidation
	}
	if err := p.extractFile(ctx, fs.Arg(0), *vendor, *outputDir); err != nil {
		fmt.Fprintln(stderr, err)
		return exitFor(err)
	}
	return exitOK
}

func runBatch(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("batch", stderr)
	vendor := fs.String("vendor", "", "override vendor classification for every file")
	outputDir := fs.String("output-dir", ".", "directory for the extracted JSON files")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}
	if fs.NArg() != 1 {
		usage(stderr)
		return exitValidation
	}

	entries, err := os.ReadDir(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitValidation
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".tif", ".tiff":
			files = append(files, filepath.Join(fs.Arg(0), e.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		fmt.Fprintln(stderr, "no tiff files found")
		return exitValidation
	}

	p, err := buildPipeline(cfg, logger, stdout)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitValidation
	}

	succeeded, code := 0, exitOK
	for _, path := range files {
		if err := p.extractFile(ctx, path, *vendor, *outputDir); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", path, err)
			if c := exitFor(err); c > code {
				code = c
			}
			continue
		}
		succeeded++
	}
	fmt.Fprintf(stdout, "batch complete: %d/%d succeeded\n", succeeded, len(files))
	return code
}
