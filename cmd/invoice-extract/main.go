// invoice-extract runs the conversion, classification, and extraction
// stages in-process against local files. It is the operator's tool for
// reprocessing failed invoices and trying prompt changes without a
// deployment.
//
// Exit codes: 0 on success, 2 on validation failure or unusable input,
// 3 on provider exhaustion.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/recibo-labs/recibo/pkg/config"
	"github.com/recibo-labs/recibo/pkg/errs"
)

const (
	exitOK         = 0
	exitValidation = 2
	exitExhausted  = 3
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return exitValidation
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	switch args[1] {
	case "extract":
		return runExtract(ctx, cfg, logger, args[2:], stdout, stderr)
	case "batch":
		return runBatch(ctx, cfg, logger, args[2:], stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return exitValidation
	}
}

func usage(stderr io.Writer) {
	fmt.Fprintln(stderr, `Usage:
  invoice-extract extract <file.tiff> [--vendor V] [--output-dir D]
  invoice-extract batch <dir> [--output-dir D]
  invoice-extract validate <file.json>`)
}

func logLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelWarn
	}
	return lvl
}

// exitFor maps a terminal extraction error to the documented exit code.
func exitFor(err error) int {
	if errs.Is(err, errs.KindValidationFailure) || errs.Is(err, errs.KindInvalidInput) {
		return exitValidation
	}
	return exitExhausted
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}
