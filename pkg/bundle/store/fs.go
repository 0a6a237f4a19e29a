// Package store provides bundle storage backends: local filesystem and
// S3. Both are addressed by bundle id and treat bundles as immutable
// once stored.
package store

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/integrity"
)

// FS stores bundles as directories under a root, moved into place with
// an atomic rename. Scratch directories must live on the same
// filesystem as the root.
type FS struct {
	root string
}

// NewFS creates the root if needed.
func NewFS(root string) (*FS, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, faults.Unavailablef("bundle store: mkdir %s: %v", root, err)
	}
	return &FS{root: root}, nil
}

// Put implements bundle.Store. A bundle id that already exists is left
// untouched: ids embed the merkle root, so the existing copy is the
// same bytes.
func (s *FS) Put(_ context.Context, bundleID, srcDir string) (string, error) {
	dest := filepath.Join(s.root, bundleID)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := integrity.Rename(srcDir, dest); err != nil {
		return "", faults.Unavailablef("bundle store: move %s: %v", bundleID, err)
	}
	return dest, nil
}

// Fetch implements bundle.Store by copying the stored directory.
func (s *FS) Fetch(_ context.Context, bundleID, destDir string) error {
	src := filepath.Join(s.root, bundleID)
	if _, err := os.Stat(src); err != nil {
		return faults.NotFoundf("bundle %s", bundleID)
	}
	return copyTree(src, destDir)
}

// Path returns the on-disk location of a stored bundle, for local
// rehydration without a copy.
func (s *FS) Path(bundleID string) (string, error) {
	p := filepath.Join(s.root, bundleID)
	if _, err := os.Stat(p); err != nil {
		return "", faults.NotFoundf("bundle %s", bundleID)
	}
	return p, nil
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
			return os.MkdirAll(target, 0o750)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
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
