// Package update applies signed agent update bundles atomically, with
// verification before any disk mutation and automatic rollback when the
// post-swap self-test fails.
package update

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/ransomeye/core/pkg/audit"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/integrity"
	"github.com/ransomeye/core/pkg/rehydrate"
)

// DefaultKeepRollbacks is how many rollback snapshots survive pruning.
const DefaultKeepRollbacks = 2

// DefaultSelfTestTimeout bounds the post-swap self-test.
const DefaultSelfTestTimeout = 60 * time.Second

// Service controls the agent process around a swap.
type Service interface {
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// Applier installs update bundles.
type Applier struct {
	installDir      string
	rollbackRoot    string
	pub             *rsa.PublicKey
	service         Service
	selfTestCmd     string
	selfTestTimeout time.Duration
	keepRollbacks   int
	audit           *audit.Logger
	now             func() time.Time
	logger          *slog.Logger
}

// Config parameterizes an Applier.
type Config struct {
	InstallDir      string
	RollbackRoot    string
	PublicKey       *rsa.PublicKey
	Service         Service
	SelfTestCmd     string
	SelfTestTimeout time.Duration
	KeepRollbacks   int
	Audit           *audit.Logger
}

// New builds an Applier.
func New(cfg Config) *Applier {
	if cfg.SelfTestTimeout <= 0 {
		cfg.SelfTestTimeout = DefaultSelfTestTimeout
	}
	if cfg.KeepRollbacks <= 0 {
		cfg.KeepRollbacks = DefaultKeepRollbacks
	}
	if cfg.RollbackRoot == "" {
		cfg.RollbackRoot = cfg.InstallDir + "-rollback"
	}
	return &Applier{
		installDir:      cfg.InstallDir,
		rollbackRoot:    cfg.RollbackRoot,
		pub:             cfg.PublicKey,
		service:         cfg.Service,
		selfTestCmd:     cfg.SelfTestCmd,
		selfTestTimeout: cfg.SelfTestTimeout,
		keepRollbacks:   cfg.KeepRollbacks,
		audit:           cfg.Audit,
		now:             time.Now,
		logger:          slog.Default().With("component", "update"),
	}
}

// Apply installs the bundle at bundleDir. Failures before the swap
// leave the install untouched; failures after the swap roll back. A
// rollback that itself fails returns ErrFatal so the service manager
// escalates.
func (a *Applier) Apply(ctx context.Context, bundleDir string) error {
	m, err := rehydrate.Verify(bundleDir, a.pub)
	if err != nil {
		a.audit.Append(ctx, audit.KindSignatureFailure, "updater", bundleDir, map[string]any{
			"error": err.Error(),
		})
		return err
	}
	if err := a.checkVersionGate(bundleDir, m); err != nil {
		return err
	}

	if err := a.service.Stop(ctx); err != nil {
		return faults.Unavailablef("update: stop service: %v", err)
	}

	snapshot := filepath.Join(a.rollbackRoot, a.now().UTC().Format("20060102T150405.000"))
	if err := copyTree(a.installDir, snapshot); err != nil {
		_ = a.service.Start(ctx)
		return faults.Unavailablef("update: snapshot: %v", err)
	}

	if err := a.swapIn(filepath.Join(bundleDir, "payload")); err != nil {
		return a.rollback(ctx, snapshot, fmt.Errorf("update: swap: %w", err))
	}

	if err := a.service.Start(ctx); err != nil {
		return a.rollback(ctx, snapshot, faults.Unavailablef("update: start service: %v", err))
	}

	if err := a.selfTest(ctx); err != nil {
		return a.rollback(ctx, snapshot, err)
	}

	a.pruneRollbacks()
	a.logger.InfoContext(ctx, "update applied",
		"bundle", bundleDir, "merkle_root", m.MerkleRoot)
	return nil
}

// checkVersionGate refuses downgrades: the bundle's VERSION must be
// strictly newer than the installed one.
func (a *Applier) checkVersionGate(bundleDir string, _ *integrity.Manifest) error {
	raw, err := os.ReadFile(filepath.Join(bundleDir, "payload", "VERSION"))
	if err != nil {
		return faults.Validationf("update: bundle has no payload/VERSION: %v", err)
	}
	next, err := semver.NewVersion(strings.TrimSpace(string(raw)))
	if err != nil {
		return faults.Validationf("update: bundle VERSION %q: %v", strings.TrimSpace(string(raw)), err)
	}

	current := semver.MustParse("0.0.0")
	if raw, err := os.ReadFile(filepath.Join(a.installDir, "VERSION")); err == nil {
		parsed, err := semver.NewVersion(strings.TrimSpace(string(raw)))
		if err != nil {
			return faults.Integrityf("update: installed VERSION unreadable: %v", err)
		}
		current = parsed
	}
	if !next.GreaterThan(current) {
		return faults.Validationf("update: version %s does not upgrade installed %s", next, current)
	}
	return nil
}

// swapIn stages the payload next to the install dir and swaps with two
// renames. The window between them is the only non-atomic moment, and
// the snapshot covers it.
func (a *Applier) swapIn(payloadDir string) error {
	parent := filepath.Dir(a.installDir)
	stage, err := os.MkdirTemp(parent, ".stage-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(stage) }()
	staged := filepath.Join(stage, "install")
	if err := copyTree(payloadDir, staged); err != nil {
		return err
	}

	old := a.installDir + ".old"
	if err := os.RemoveAll(old); err != nil {
		return err
	}
	if err := integrity.Rename(a.installDir, old); err != nil {
		return err
	}
	if err := integrity.Rename(staged, a.installDir); err != nil {
		// Put the original back; the caller still rolls back.
		_ = integrity.Rename(old, a.installDir)
		return err
	}
	return os.RemoveAll(old)
}

func (a *Applier) selfTest(ctx context.Context) error {
	if a.selfTestCmd == "" {
		return nil
	}
	testCtx, cancel := context.WithTimeout(ctx, a.selfTestTimeout)
	defer cancel()
	cmd := exec.CommandContext(testCtx, a.selfTestCmd)
	cmd.Dir = a.installDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return faults.Integrityf("update: self-test failed: %v: %s", err, truncate(out, 512))
	}
	return nil
}

// rollback restores the snapshot and leaves a breadcrumb for operators.
func (a *Applier) rollback(ctx context.Context, snapshot string, cause error) error {
	a.logger.ErrorContext(ctx, "update failed, rolling back", "error", cause)
	if err := a.service.Stop(ctx); err != nil {
		return faults.Fatalf("update: rollback stop failed after %v: %v", cause, err)
	}
	if err := os.RemoveAll(a.installDir); err != nil {
		return faults.Fatalf("update: rollback clear failed after %v: %v", cause, err)
	}
	if err := copyTree(snapshot, a.installDir); err != nil {
		return faults.Fatalf("update: rollback restore failed after %v: %v", cause, err)
	}
	breadcrumb := fmt.Sprintf("rolled back at %s\ncause: %v\nsnapshot: %s\n",
		a.now().UTC().Format(time.RFC3339), cause, snapshot)
	_ = integrity.WriteAtomic(filepath.Join(a.installDir, "ROLLBACK"), []byte(breadcrumb), 0o640)
	if err := a.service.Start(ctx); err != nil {
		return faults.Fatalf("update: rollback start failed after %v: %v", cause, err)
	}
	a.audit.Append(ctx, audit.KindUpdateRollback, "updater", a.installDir, map[string]any{
		"cause": cause.Error(), "snapshot": snapshot,
	})
	return cause
}

// pruneRollbacks keeps the newest keepRollbacks snapshots.
func (a *Applier) pruneRollbacks() {
	entries, err := os.ReadDir(a.rollbackRoot)
	if err != nil {
		return
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names[min(len(names), a.keepRollbacks):] {
		_ = os.RemoveAll(filepath.Join(a.rollbackRoot, name))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return strings.TrimSpace(string(b))
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
}
