package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ransomeye/core/pkg/agent"
	"github.com/ransomeye/core/pkg/audit"
	"github.com/ransomeye/core/pkg/config"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/sign"
)

// runDrain makes one upload pass over the pending buffer and exits.
// Useful before a planned shutdown or from cron on low-power hosts.
func runDrain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("drain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.LoadAgent()
	setupLogging(os.Getenv("LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buf, err := agent.NewBuffer(cfg.BufferDir, cfg.MaxBufferBytes)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "drain: %v\n", err)
		return 1
	}
	client, err := agent.NewMTLSClient(cfg.CertPath, cfg.KeyPath, cfg.CAPath, 30*time.Second)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "drain: mtls client: %v\n", err)
		return 1
	}
	serverPub, err := sign.LoadPublicKey(cfg.ReceiptPubkeyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "drain: load receipt verify key: %v\n", err)
		return 1
	}
	db, err := sql.Open("sqlite", cfg.JournalPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "drain: open journal: %v\n", err)
		return 1
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	journal, err := agent.NewReceiptJournal(ctx, db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "drain: %v\n", err)
		return 1
	}
	auditLog, err := audit.New(ctx, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "drain: %v\n", err)
		return 1
	}

	uploader := agent.NewUploader(buf, client, cfg.CoreAPIURL, serverPub, journal, auditLog)
	if err := uploader.Drain(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "drain: %v\n", err)
		return faults.ExitCode(err)
	}

	_, _ = fmt.Fprintln(stdout, "drained")
	return 0
}
