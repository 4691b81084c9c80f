package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

// runRebuildCmd rebuilds one registered projection from the event stream and
// prints its data, freshness, and content hash.
func runRebuildCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		name       string
		version    string
		configPath string
	)
	cmd.StringVar(&name, "projection", "", "Projection name (REQUIRED)")
	cmd.StringVar(&version, "version", "1.0.0", "Projection version")
	cmd.StringVar(&configPath, "config", "", "Optional YAML config file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if name == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --projection is required")
		return 2
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	sub, err := buildSubstrate(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer sub.Close()

	result, err := sub.packs.Projections().Rebuild(ctx, name, version, sub.store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode result: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return 0
}
