// Package rehydrate verifies a bundle fail-closed and reconciles its
// contents into the local correlation graph. Nothing is written to
// storage until every signature and hash in the bundle has checked out.
package rehydrate

import (
	"bufio"
	"compress/gzip"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/integrity"
	"github.com/ransomeye/core/pkg/sign"
)

// Verify checks a bundle directory bottom to top: manifest signature,
// merkle root, then a streaming re-hash of every entry. Any failure
// aborts before the caller touches storage.
func Verify(dir string, pub *rsa.PublicKey) (*integrity.Manifest, error) {
	manifestBytes, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, faults.Unavailablef("rehydrate: read manifest: %v", err)
	}
	sigHex, err := os.ReadFile(filepath.Join(dir, "manifest.sig"))
	if err != nil {
		return nil, faults.Unavailablef("rehydrate: read signature: %v", err)
	}
	sig, err := hex.DecodeString(strings.TrimSpace(string(sigHex)))
	if err != nil {
		return nil, faults.Validationf("rehydrate: signature is not hex")
	}
	if err := sign.Verify(pub, manifestBytes, sig); err != nil {
		return nil, err
	}

	var m integrity.Manifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		return nil, faults.Validationf("rehydrate: parse manifest: %v", err)
	}
	if m.Version != integrity.ManifestVersion {
		return nil, faults.Validationf("rehydrate: unsupported manifest version %q", m.Version)
	}
	if err := integrity.VerifyMerkleRoot(m); err != nil {
		return nil, err
	}
	for _, entry := range m.Entries {
		if err := verifyEntry(dir, entry); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func verifyEntry(dir string, entry integrity.Entry) error {
	rel := filepath.FromSlash(entry.Path)
	if strings.Contains(entry.Path, "..") || filepath.IsAbs(rel) {
		return faults.Validationf("rehydrate: entry path %q escapes bundle", entry.Path)
	}
	f, err := os.Open(filepath.Join(dir, rel))
	if err != nil {
		return faults.Integrityf("rehydrate: entry %s missing: %v", entry.Path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.CopyBuffer(h, f, make([]byte, 64<<10))
	if err != nil {
		return faults.Unavailablef("rehydrate: read %s: %v", entry.Path, err)
	}
	if n != entry.Size {
		return faults.Integrityf("rehydrate: %s size %d, manifest says %d", entry.Path, n, entry.Size)
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != entry.SHA256 {
		return faults.Integrityf("rehydrate: %s hash mismatch", entry.Path)
	}
	return nil
}

// openEntry opens a verified data file, layering the decompression the
// manifest declares.
func openEntry(dir, path, compression string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(path)))
	if err != nil {
		return nil, faults.Unavailablef("rehydrate: open %s: %v", path, err)
	}
	switch compression {
	case integrity.CompressionZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, faults.Integrityf("rehydrate: zstd open %s: %v", path, err)
		}
		return &zstdReadCloser{Decoder: zr, file: f}, nil
	case integrity.CompressionGzip:
		gr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, faults.Integrityf("rehydrate: gzip open %s: %v", path, err)
		}
		return &stackedReadCloser{Reader: gr, closers: []io.Closer{gr, f}}, nil
	case integrity.CompressionNone, "":
		return f, nil
	default:
		_ = f.Close()
		return nil, faults.Validationf("rehydrate: unknown compression %q", compression)
	}
}

type zstdReadCloser struct {
	*zstd.Decoder
	file *os.File
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return z.file.Close()
}

type stackedReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedReadCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// readNDJSON decodes every line of a data file into T.
func readNDJSON[T any](dir, path, compression string) ([]T, error) {
	rc, err := openEntry(dir, path, compression)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var out []T
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, faults.Integrityf("rehydrate: %s line %d corrupt: %v", path, len(out)+1, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, faults.Unavailablef("rehydrate: scan %s: %v", path, err)
	}
	return out, nil
}
