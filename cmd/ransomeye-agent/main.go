// Command ransomeye-agent runs the endpoint agent: it spools detection
// events to a durable on-disk buffer, uploads them to the core over
// mTLS, verifies the signed receipts it gets back, and applies signed
// agent updates.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to the subcommands; separated from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runAgent(nil, stdout, stderr)
	}
	switch args[1] {
	case "run":
		return runAgent(args[2:], stdout, stderr)
	case "record":
		return runRecord(args[2:], stdout, stderr)
	case "drain":
		return runDrain(args[2:], stdout, stderr)
	case "apply-update":
		return runApplyUpdate(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: ransomeye-agent <command> [flags]

Commands:
  run           Run the agent loop: upload buffered events, heartbeat (default)
  record        Spool one event (JSON on stdin or -file) into the buffer
  drain         Upload pending events once and exit
  apply-update  Verify and apply a signed update bundle
  help          Show this help`)
}
