package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/ransomeye/core/pkg/audit"
	"github.com/ransomeye/core/pkg/config"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/rehydrate"
	"github.com/ransomeye/core/pkg/sign"
)

// runRehydrateCmd restores a verified local bundle directly into the
// database, bypassing the job queue. Used for air-gapped imports.
func runRehydrateCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rehydrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundleDir := fs.String("bundle", "", "path to the bundle directory")
	pubkeyPath := fs.String("pubkey", "", "orchestrator public key (defaults to ORCH_VERIFY_KEY_PATH)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *bundleDir == "" {
		_, _ = fmt.Fprintln(stderr, "rehydrate: -bundle is required")
		fs.Usage()
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	keyPath := *pubkeyPath
	if keyPath == "" {
		keyPath = cfg.OrchVerifyKeyPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pub, err := sign.LoadPublicKey(keyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rehydrate: %v\n", err)
		return faults.ExitCode(err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rehydrate: open database: %v\n", err)
		return 1
	}
	defer db.Close()

	auditLog, err := audit.New(ctx, db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "rehydrate: %v\n", err)
		return faults.ExitCode(err)
	}

	restorer := rehydrate.NewRestorer(db, pub, auditLog)
	if err := restorer.Migrate(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "rehydrate: %v\n", err)
		return faults.ExitCode(err)
	}
	if err := restorer.Rehydrate(ctx, *bundleDir); err != nil {
		_, _ = fmt.Fprintf(stderr, "rehydrate: %v\n", err)
		return faults.ExitCode(err)
	}

	_, _ = fmt.Fprintf(stdout, "rehydrated %s\n", *bundleDir)
	return 0
}
