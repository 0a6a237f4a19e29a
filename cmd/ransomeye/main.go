// Command ransomeye runs the detection core server and its operator
// tooling: bundle verification, rehydration, key generation, update
// packaging, and a health probe.
package main

import (
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to the subcommands; separated from main for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "rehydrate":
		return runRehydrateCmd(args[2:], stdout, stderr)
	case "keygen":
		return runKeygenCmd(args[2:], stdout, stderr)
	case "build-update":
		return runBuildUpdateCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
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
	_, _ = fmt.Fprintln(w, `Usage: ransomeye <command> [flags]

Commands:
  serve       Run the detection core server (default)
  verify      Verify a bundle's signature and integrity
  rehydrate   Restore a verified bundle into the local database
  keygen      Generate an RSA-4096 signing keypair
  build-update  Package and sign an agent update bundle
  health      Probe a running server's /healthz
  help        Show this help`)
}
