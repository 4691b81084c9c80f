package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/stackbound/opscore/pkg/archive"
)

// runArchiveCmd seals a closed JSONL segment and uploads it to the
// configured object store.
func runArchiveCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("archive", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		sealOnly   bool
		configPath string
	)
	cmd.StringVar(&file, "file", "", "Path to closed segment file (REQUIRED)")
	cmd.BoolVar(&sealOnly, "seal-only", false, "Verify and print the seal without uploading")
	cmd.StringVar(&configPath, "config", "", "Optional YAML config file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	segment, err := archive.Seal(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "segment: %s\n", segment.Path)
	_, _ = fmt.Fprintf(stdout, "records: %d\n", segment.Records)
	_, _ = fmt.Fprintf(stdout, "hash:    %s\n", segment.ContentHash)

	if sealOnly {
		return 0
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.ArchiveBucket == "" {
		_, _ = fmt.Fprintln(stderr, "Error: no archive bucket configured")
		return 2
	}

	ctx := context.Background()
	archiver, err := newArchiver(ctx, cfg.ArchiveProvider, cfg.ArchiveBucket)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if err := archive.Upload(ctx, archiver, segment); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "uploaded: %s\n", segment.Key())
	return 0
}
