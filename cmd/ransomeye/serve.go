package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ransomeye/core/pkg/alert"
	"github.com/ransomeye/core/pkg/api"
	"github.com/ransomeye/core/pkg/audit"
	"github.com/ransomeye/core/pkg/auth"
	"github.com/ransomeye/core/pkg/bundle"
	"github.com/ransomeye/core/pkg/bundle/store"
	"github.com/ransomeye/core/pkg/config"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/graph"
	"github.com/ransomeye/core/pkg/integrity"
	"github.com/ransomeye/core/pkg/queue"
	"github.com/ransomeye/core/pkg/rehydrate"
	"github.com/ransomeye/core/pkg/scorer"
	"github.com/ransomeye/core/pkg/sign"
)

const version = "1.2.0"

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "serve")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		_, _ = fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "shutdown complete")
	return 0
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	auditLog, err := audit.New(ctx, db)
	if err != nil {
		return err
	}

	pgStore, err := alert.NewPGStore(ctx, db, cfg.DedupWindow)
	if err != nil {
		return err
	}
	graphStore, err := graph.NewStore(ctx, db, pgStore)
	if err != nil {
		return err
	}
	queueStore, err := queue.New(ctx, db)
	if err != nil {
		return err
	}

	reloader, err := alert.NewReloader(cfg.PolicyDir)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	go func() {
		if err := reloader.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("policy watcher stopped", "error", err)
		}
	}()

	var suppressor *alert.Suppressor
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		suppressor = alert.NewSuppressor(rdb)
	}

	receiptSigner, err := sign.LoadSigner(cfg.ReceiptSignKeyPath, "receipt-primary")
	if err != nil {
		return fmt.Errorf("load receipt signing key: %w", err)
	}
	orchSigner, err := sign.LoadSigner(cfg.OrchSignKeyPath, "orch-primary")
	if err != nil {
		return fmt.Errorf("load orchestrator signing key: %w", err)
	}
	orchPub, err := sign.LoadPublicKey(cfg.OrchVerifyKeyPath)
	if err != nil {
		return fmt.Errorf("load orchestrator verify key: %w", err)
	}
	jwtPub, err := sign.LoadPublicKey(cfg.JWTVerifyKeyPath)
	if err != nil {
		return fmt.Errorf("load jwt verify key: %w", err)
	}

	out := make(chan contracts.Alert, 256)
	engine := alert.NewEngine(reloader, pgStore, pgStore, suppressor, auditLog, out)

	consumer := graph.NewConsumer(graphStore, queueStore)
	go consumer.Run(ctx, out)

	bundleStore, err := newBundleStore(ctx, cfg)
	if err != nil {
		return err
	}
	builder := bundle.New(bundle.Config{
		Graph:  graphStore,
		Signer: orchSigner,
		Store:  bundleStore,
		Producer: integrity.Producer{
			Name:    "ransomeye-core",
			Version: version,
			NodeID:  nodeID(),
		},
		ChunkSize:   cfg.BundleChunkSize,
		Compression: cfg.Compression,
	})

	restorer := rehydrate.NewRestorer(db, orchPub, auditLog)
	if err := restorer.Migrate(ctx); err != nil {
		return err
	}

	var incidentScorer scorer.Scorer = scorer.Noop{}
	if cfg.ScorerURL != "" {
		incidentScorer = scorer.NewClient(cfg.ScorerURL, 10*time.Second)
	}

	runner := queue.NewRunner(queueStore, queue.RunnerConfig{
		LeaseTTL: cfg.QueueLeaseTTL,
	})
	runner.Register(contracts.JobBuildBundle, bundle.Handler(builder))
	runner.Register(contracts.JobRehydrateBundle, rehydrate.Handler(restorer, bundleStore))
	runner.Register(contracts.JobScoreIncident, scorer.Handler(graphStore, incidentScorer))
	go runner.Run(ctx)

	server := api.NewServer(engine, pgStore, graphStore, queueStore, receiptSigner)
	handler := server.Routes(
		auth.NewValidator(jwtPub),
		api.NewIngestLimiter(200, 400),
		api.NewMemoryReplayStore(24*time.Hour),
	)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.ServerCertPath != "" && cfg.ServerKeyPath != "" {
		tlsConf, err := auth.ServerTLSConfig(cfg.ServerCertPath, cfg.ServerKeyPath, cfg.ClientCAPath)
		if err != nil {
			return fmt.Errorf("load server tls: %w", err)
		}
		httpServer.TLSConfig = tlsConf
	}

	errCh := make(chan error, 1)
	go func() {
		if httpServer.TLSConfig != nil {
			logger.Info("listening", "addr", httpServer.Addr, "version", version, "tls", true)
			errCh <- httpServer.ListenAndServeTLS("", "")
			return
		}
		logger.Info("listening", "addr", httpServer.Addr, "version", version, "tls", false)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// newBundleStore prefers S3 when a bucket is configured and falls back
// to the local filesystem store.
func newBundleStore(ctx context.Context, cfg *config.Config) (bundle.Store, error) {
	if bucket := os.Getenv("S3_BUCKET"); bucket != "" {
		return store.NewS3Store(ctx, store.S3Config{
			Bucket:   bucket,
			Region:   os.Getenv("S3_REGION"),
			Endpoint: os.Getenv("S3_ENDPOINT"),
			Prefix:   os.Getenv("S3_PREFIX"),
		})
	}
	return store.NewFS(cfg.BundleDir)
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

func nodeID() string {
	name, err := os.Hostname()
	if err != nil {
		return "core-unknown"
	}
	return name
}
