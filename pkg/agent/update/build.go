package update

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/integrity"
	"github.com/ransomeye/core/pkg/rehydrate"
	"github.com/ransomeye/core/pkg/sign"
)

// Build assembles a signed update bundle at outDir from the files under
// srcDir: the payload tree, payload/VERSION, a canonical manifest.json
// and its detached manifest.sig. The result is self-verified with the
// signer's public key before Build returns, so a bundle that would fail
// Apply never ships.
func Build(srcDir, outDir, version string, signer *sign.Signer) error {
	if version == "" {
		return faults.Validationf("update: build: version required")
	}
	payloadDir := filepath.Join(outDir, "payload")
	if err := os.MkdirAll(payloadDir, 0o750); err != nil {
		return faults.Unavailablef("update: build: %v", err)
	}
	if err := copyTree(srcDir, payloadDir); err != nil {
		return faults.Unavailablef("update: build: copy payload: %v", err)
	}
	if err := integrity.WriteAtomic(filepath.Join(payloadDir, "VERSION"), []byte(version+"\n"), 0o640); err != nil {
		return err
	}

	entries, err := payloadEntries(outDir, payloadDir)
	if err != nil {
		return err
	}
	m := integrity.NewManifest(
		integrity.Producer{Name: "ransomeye-core", Version: version, NodeID: signer.KeyID()},
		integrity.Algorithms{
			Hash:        integrity.HashAlgorithm,
			Signature:   integrity.SignatureAlgorithm,
			Compression: integrity.CompressionNone,
		},
		integrity.Scope{IncidentID: "update"},
		entries,
	)
	canonicalBytes, err := m.CanonicalBytes()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(canonicalBytes)
	if err != nil {
		return err
	}
	if err := integrity.WriteAtomic(filepath.Join(outDir, "manifest.json"), canonicalBytes, 0o640); err != nil {
		return err
	}
	if err := integrity.WriteAtomic(filepath.Join(outDir, "manifest.sig"), []byte(hex.EncodeToString(sig)+"\n"), 0o640); err != nil {
		return err
	}

	if _, err := rehydrate.Verify(outDir, signer.Public()); err != nil {
		return faults.Integrityf("update: build: self-verify: %v", err)
	}
	return nil
}

// payloadEntries hashes every file under payloadDir with paths relative
// to the bundle root, slash-separated.
func payloadEntries(bundleDir, payloadDir string) ([]integrity.Entry, error) {
	var entries []integrity.Entry
	err := filepath.Walk(payloadDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(bundleDir, path)
		if err != nil {
			return err
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		entries = append(entries, integrity.Entry{
			Path:   filepath.ToSlash(rel),
			Size:   info.Size(),
			SHA256: sum,
		})
		return nil
	})
	if err != nil {
		return nil, faults.Unavailablef("update: build: hash payload: %v", err)
	}
	if len(entries) == 0 {
		return nil, faults.Validationf("update: build: empty payload")
	}
	return entries, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
