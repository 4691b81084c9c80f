package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stackbound/opscore/pkg/canonicalize"
	"github.com/stackbound/opscore/pkg/envelope"
)

// runSubmitCmd reads a command envelope from a JSON file (or stdin with
// --file -) and executes it. Missing envelope plumbing (command_id,
// correlation_id, requested_at) is filled in so hand-written command files
// stay small; idempotency_key should be set by the caller when retries must
// dedupe.
func runSubmitCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("submit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		configPath string
	)
	cmd.StringVar(&file, "file", "", "Path to command envelope JSON, or - for stdin (REQUIRED)")
	cmd.StringVar(&configPath, "config", "", "Optional YAML config file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read command: %v\n", err)
		return 2
	}

	var command envelope.Command
	if err := json.Unmarshal(data, &command); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: parse command: %v\n", err)
		return 2
	}
	fillDefaults(&command)

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

	ctx, done := sub.obs.TrackOperation(ctx, "cli.submit",
		attribute.String("command.type", command.CommandType))
	outcome, err := sub.runtime.Execute(ctx, &command)
	done(err)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	out, _ := json.MarshalIndent(outcome, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(out))

	if outcome.Status == envelope.OutcomeRejected {
		return 1
	}
	return 0
}

func fillDefaults(command *envelope.Command) {
	if command.CommandID == "" {
		command.CommandID = canonicalize.RandomID()
	}
	if command.CorrelationID == "" {
		command.CorrelationID = canonicalize.RandomID()
	}
	if command.DedupeScope == "" {
		command.DedupeScope = envelope.DedupeScopeTarget
	}
	if command.Actor == "" {
		command.Actor = "cli"
	}
	if command.RequestedAt.IsZero() {
		command.RequestedAt = time.Now().UTC()
	}
}
