package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/ransomeye/core/pkg/agent/update"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/sign"
)

// runBuildUpdateCmd packages a payload directory into a signed agent
// update bundle that the agent's apply-update command accepts.
func runBuildUpdateCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("build-update", flag.ContinueOnError)
	fs.SetOutput(stderr)
	payload := fs.String("payload", "", "directory holding the new agent files")
	out := fs.String("out", "", "directory to write the bundle into")
	version := fs.String("version", "", "semantic version stamped into payload/VERSION")
	keyPath := fs.String("key", "", "PEM private key that signs the manifest")
	keyID := fs.String("key-id", "update-primary", "key identifier recorded in the manifest")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *payload == "" || *out == "" || *version == "" || *keyPath == "" {
		_, _ = fmt.Fprintln(stderr, "build-update: -payload, -out, -version, and -key are required")
		return 2
	}

	signer, err := sign.LoadSigner(*keyPath, *keyID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "build-update: %v\n", err)
		return 1
	}
	if err := update.Build(*payload, *out, *version, signer); err != nil {
		_, _ = fmt.Fprintf(stderr, "build-update: %v\n", err)
		return faults.ExitCode(err)
	}

	_, _ = fmt.Fprintf(stdout, "wrote update bundle %s (version %s)\n", *out, *version)
	return 0
}
