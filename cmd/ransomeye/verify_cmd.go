package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/rehydrate"
	"github.com/ransomeye/core/pkg/sign"
)

// runVerifyCmd checks a bundle directory against its manifest and
// detached signature without touching any database.
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundleDir := fs.String("bundle", "", "path to the bundle directory")
	pubkeyPath := fs.String("pubkey", "", "path to the orchestrator public key (PEM)")
	jsonOut := fs.Bool("json", false, "emit the verification report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *bundleDir == "" || *pubkeyPath == "" {
		_, _ = fmt.Fprintln(stderr, "verify: -bundle and -pubkey are required")
		fs.Usage()
		return 2
	}

	pub, err := sign.LoadPublicKey(*pubkeyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return faults.ExitCode(err)
	}

	manifest, err := rehydrate.Verify(*bundleDir, pub)
	if err != nil {
		if *jsonOut {
			_ = json.NewEncoder(stdout).Encode(map[string]string{
				"status": "failed",
				"code":   faults.Code(err),
				"error":  err.Error(),
			})
		} else {
			_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		}
		return faults.ExitCode(err)
	}

	if *jsonOut {
		_ = json.NewEncoder(stdout).Encode(map[string]any{
			"status":      "ok",
			"incident_id": manifest.Scope.IncidentID,
			"merkle_root": manifest.MerkleRoot,
			"entries":     len(manifest.Entries),
		})
	} else {
		_, _ = fmt.Fprintf(stdout, "OK incident %s (%d entries, merkle %s)\n",
			manifest.Scope.IncidentID, len(manifest.Entries), manifest.MerkleRoot)
	}
	return 0
}
