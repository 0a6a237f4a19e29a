package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/ransomeye/core/pkg/agent/update"
	"github.com/ransomeye/core/pkg/audit"
	"github.com/ransomeye/core/pkg/config"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/sign"
)

// execService stops and starts the agent process through shell
// commands, typically systemctl. An empty command is a no-op, for
// installs where nothing supervises the binary.
type execService struct {
	stopCmd  string
	startCmd string
}

func (s execService) Stop(ctx context.Context) error  { return s.runCmd(ctx, s.stopCmd) }
func (s execService) Start(ctx context.Context) error { return s.runCmd(ctx, s.startCmd) }

func (s execService) runCmd(ctx context.Context, command string) error {
	if command == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %v: %s", command, err, out)
	}
	return nil
}

// runApplyUpdate verifies the bundle, swaps it into the install
// directory, and rolls back if the self-test fails.
func runApplyUpdate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("apply-update", flag.ContinueOnError)
	fs.SetOutput(stderr)
	bundleDir := fs.String("bundle", "", "path to the verified update bundle directory")
	installDir := fs.String("install-dir", "/opt/ransomeye-agent", "agent install directory")
	stopCmd := fs.String("stop-cmd", "", "command that stops the agent service")
	startCmd := fs.String("start-cmd", "", "command that starts the agent service")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *bundleDir == "" {
		_, _ = fmt.Fprintln(stderr, "apply-update: -bundle is required")
		fs.Usage()
		return 2
	}

	cfg := config.LoadAgent()
	setupLogging(os.Getenv("LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pub, err := sign.LoadPublicKey(cfg.UpdatePubkeyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "apply-update: load update key: %v\n", err)
		return 1
	}
	auditLog, err := audit.New(ctx, nil)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "apply-update: %v\n", err)
		return 1
	}

	applier := update.New(update.Config{
		InstallDir:  *installDir,
		PublicKey:   pub,
		Service:     execService{stopCmd: *stopCmd, startCmd: *startCmd},
		SelfTestCmd: cfg.SelfTestCmd,
		Audit:       auditLog,
	})
	if err := applier.Apply(ctx, *bundleDir); err != nil {
		_, _ = fmt.Fprintf(stderr, "apply-update: %v\n", err)
		return faults.ExitCode(err)
	}

	_, _ = fmt.Fprintf(stdout, "update applied from %s\n", *bundleDir)
	return 0
}
