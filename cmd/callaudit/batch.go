package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"callaudit/pkg/compliance"
	"callaudit/pkg/correlation"
	"callaudit/pkg/errors"
	"callaudit/pkg/export"
	"callaudit/pkg/transcript"
)

func runBatch(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	inputDir := fs.String("input_dir", "", "Directory, transcript file or zip archive to analyze (required)")
	strict := fs.Bool("strict", false, "Require borrower confirmation before disclosure")
	outputDir := fs.String("output_dir", "", "Directory for result files (overrides OUTPUT_DIR)")
	writeJSON := fs.Bool("json", false, "Also write reports.json")
	workers := fs.Int("workers", -1, "Concurrent analyses (overrides ANALYSIS_WORKERS)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inputDir == "" {
		fs.Usage()
		return errors.NewInvalidInput("--input_dir is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *outputDir != "" {
		cfg.Output.Directory = *outputDir
	}
	if *writeJSON {
		cfg.Output.WriteJSON = true
	}
	if *workers >= 0 {
		cfg.Analysis.Workers = *workers
	}
	mode := compliance.ModeFor(*strict || cfg.Analysis.Strict)

	c, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	defer c.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID := correlation.New()
	ctx = correlation.WithCorrelationID(ctx, runID)
	runLogger := correlation.LoggerFromContext(ctx, logger)

	docs, err := transcript.Collect(*inputDir)
	if err != nil {
		return err
	}
	runLogger.WithFields(logrus.Fields{
		"input": *inputDir,
		"files": len(docs),
		"mode":  mode,
	}).Info("Starting batch analysis")

	result, runErr := c.pipeline.RunBatch(ctx, docs, mode)
	if result == nil {
		return runErr
	}
	for _, skipped := range result.Skipped {
		fmt.Fprintf(stdout, "Skipping %s: %s\n", filepath.Base(skipped.Name), skipped.Error)
	}

	exporter := export.NewExporter(export.Options{
		Directory: cfg.Output.Directory,
		WriteCSV:  cfg.Output.WriteCSV,
		WriteJSON: cfg.Output.WriteJSON,
	}, logger)
	written, err := exporter.Export(result, mode)
	if err != nil {
		return err
	}
	for _, path := range written {
		fmt.Fprintf(stdout, "Saved %s\n", path)
	}

	violations := 0
	for _, r := range result.Reports {
		if r.Compliance.Violation {
			violations++
		}
	}
	runLogger.WithFields(logrus.Fields{
		"analyzed":   len(result.Reports),
		"skipped":    len(result.Skipped),
		"violations": violations,
	}).Info("Batch analysis finished")

	return runErr
}
