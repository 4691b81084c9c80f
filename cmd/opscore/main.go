package main

import (
	"fmt"
	"io"
	"os"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = success
//	1 = command rejected / verification failed
//	2 = usage or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "submit":
		return runSubmitCmd(args[2:], stdout, stderr)
	case "rebuild":
		return runRebuildCmd(args[2:], stdout, stderr)
	case "ready":
		return runReadyCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "archive":
		return runArchiveCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprint(w, `opscore - event-sourced command substrate

Usage:
  opscore submit  --file <command.json>   submit a command envelope
  opscore rebuild --projection <name>     rebuild a projection and print it
  opscore ready                           print the work ready queue
  opscore verify                          check event log integrity
  opscore archive --file <segment.jsonl>  seal and upload a closed segment

Configuration comes from OPSCORE_* environment variables, optionally
overlaid by --config <file.yaml> where supported.
`)
}
