package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ransomeye/core/pkg/agent"
	"github.com/ransomeye/core/pkg/audit"
	"github.com/ransomeye/core/pkg/config"
	"github.com/ransomeye/core/pkg/sign"
)

const agentVersion = "1.2.0"

func runAgent(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.LoadAgent()
	setupLogging(os.Getenv("LOG_LEVEL"))
	logger := slog.Default().With("component", "agent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buf, err := agent.NewBuffer(cfg.BufferDir, cfg.MaxBufferBytes)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "agent: %v\n", err)
		return 1
	}

	client, err := agent.NewMTLSClient(cfg.CertPath, cfg.KeyPath, cfg.CAPath, 30*time.Second)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "agent: mtls client: %v\n", err)
		return 1
	}

	serverPub, err := sign.LoadPublicKey(cfg.ReceiptPubkeyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "agent: load receipt verify key: %v\n", err)
		return 1
	}

	db, err := sql.Open("sqlite", cfg.JournalPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "agent: open journal: %v\n", err)
		return 1
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	journal, err := agent.NewReceiptJournal(ctx, db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "agent: %v\n", err)
		return 1
	}

	// Log-only audit trail on agents; the core holds the durable one.
	auditLog, err := audit.New(ctx, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "agent: %v\n", err)
		return 1
	}

	uploader := agent.NewUploader(buf, client, cfg.CoreAPIURL, serverPub, journal, auditLog)
	heartbeat := agent.NewHeartbeat(client, cfg.CoreAPIURL, cfg.AgentID, agentVersion, buf, cfg.HeartbeatInterval)

	logger.Info("agent running", "id", cfg.AgentID, "core", cfg.CoreAPIURL, "buffer", cfg.BufferDir)
	go heartbeat.Run(ctx)
	uploader.Run(ctx, 5*time.Second)

	_, _ = fmt.Fprintln(stdout, "agent stopped")
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
