package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/stackbound/opscore/pkg/workledger"
)

// runReadyCmd prints the work ledger's ready queue, one item ID per line.
func runReadyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ready", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		jsonOutput bool
		configPath string
	)
	cmd.BoolVar(&jsonOutput, "json", false, "Output the queue as JSON")
	cmd.StringVar(&configPath, "config", "", "Optional YAML config file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if !cfg.WorkPackEnabled {
		_, _ = fmt.Fprintln(stderr, "Error: work pack is disabled")
		return 2
	}

	ctx := context.Background()
	sub, err := buildSubstrate(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer sub.Close()

	result, err := sub.packs.Projections().Rebuild(ctx,
		workledger.ReadyQueueProjectionName, workledger.ProjectionVersion, sub.store)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	queue := result.Data.(*workledger.ReadyQueue)

	if jsonOutput {
		out, _ := json.MarshalIndent(map[string]interface{}{
			"ready": queue.Ready,
			"hash":  result.Hash,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
		return 0
	}

	for _, id := range queue.Ready {
		_, _ = fmt.Fprintln(stdout, id)
	}
	return 0
}
