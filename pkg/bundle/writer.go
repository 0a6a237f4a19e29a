package bundle

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/integrity"
)

// CopyBlockSize is the read granularity for artifact streaming.
const CopyBlockSize = 64 << 10

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// fileWriter produces one bundle data file, hashing the on-disk bytes
// inline as they are written. Compression, when enabled, sits above the
// hasher so the manifest hash covers exactly what lands on disk.
type fileWriter struct {
	relPath string
	file    *os.File
	hasher  hash.Hash
	count   *countingWriter
	w       io.Writer
	flush   func() error
}

func newFileWriter(dir, relPath, compression string) (*fileWriter, error) {
	abs := filepath.Join(dir, relPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o750); err != nil {
		return nil, faults.Unavailablef("bundle: mkdir %s: %v", relPath, err)
	}
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, faults.Unavailablef("bundle: create %s: %v", relPath, err)
	}
	fw := &fileWriter{relPath: relPath, file: f, hasher: sha256.New()}
	fw.count = &countingWriter{w: io.MultiWriter(f, fw.hasher)}

	switch compression {
	case integrity.CompressionZstd:
		zw, err := zstd.NewWriter(fw.count)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		fw.w, fw.flush = zw, zw.Close
	case integrity.CompressionGzip:
		gw := gzip.NewWriter(fw.count)
		fw.w, fw.flush = gw, gw.Close
	case integrity.CompressionNone:
		fw.w, fw.flush = fw.count, func() error { return nil }
	default:
		_ = f.Close()
		return nil, faults.Validationf("bundle: unknown compression %q", compression)
	}
	return fw, nil
}

func (fw *fileWriter) Write(p []byte) (int, error) { return fw.w.Write(p) }

// Close flushes, fsyncs, and returns the manifest entry for the file.
func (fw *fileWriter) Close() (integrity.Entry, error) {
	if err := fw.flush(); err != nil {
		_ = fw.file.Close()
		return integrity.Entry{}, faults.Unavailablef("bundle: finish %s: %v", fw.relPath, err)
	}
	if err := fw.file.Sync(); err != nil {
		_ = fw.file.Close()
		return integrity.Entry{}, faults.Unavailablef("bundle: fsync %s: %v", fw.relPath, err)
	}
	if err := fw.file.Close(); err != nil {
		return integrity.Entry{}, faults.Unavailablef("bundle: close %s: %v", fw.relPath, err)
	}
	return integrity.Entry{
		Path:   fw.relPath,
		Size:   fw.count.n,
		SHA256: hex.EncodeToString(fw.hasher.Sum(nil)),
	}, nil
}

// chunkWriter slices an artifact stream into chunks/<n>.chunk files of
// at most chunkSize bytes, hashing each chunk inline.
type chunkWriter struct {
	dir       string
	chunkSize int64
	index     int
	file      *os.File
	hasher    hash.Hash
	n         int64
	entries   []integrity.Entry
}

func newChunkWriter(dir string, chunkSize int64) (*chunkWriter, error) {
	if err := os.MkdirAll(filepath.Join(dir, "chunks"), 0o750); err != nil {
		return nil, faults.Unavailablef("bundle: mkdir chunks: %v", err)
	}
	return &chunkWriter{dir: dir, chunkSize: chunkSize}, nil
}

func (c *chunkWriter) open() error {
	f, err := os.OpenFile(filepath.Join(c.dir, c.relPath(c.index)),
		os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return faults.Unavailablef("bundle: create chunk %d: %v", c.index, err)
	}
	c.file = f
	c.hasher = sha256.New()
	c.n = 0
	return nil
}

func (c *chunkWriter) relPath(index int) string {
	return filepath.Join("chunks", fmt.Sprintf("%d.chunk", index))
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if c.file == nil {
			if err := c.open(); err != nil {
				return written, err
			}
		}
		room := c.chunkSize - c.n
		take := int64(len(p))
		if take > room {
			take = room
		}
		n, err := c.file.Write(p[:take])
		c.hasher.Write(p[:n])
		c.n += int64(n)
		written += n
		if err != nil {
			return written, faults.Unavailablef("bundle: write chunk %d: %v", c.index, err)
		}
		p = p[take:]
		if c.n >= c.chunkSize {
			if err := c.seal(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// seal finalizes the open chunk and records its entry.
func (c *chunkWriter) seal() error {
	if c.file == nil {
		return nil
	}
	if err := c.file.Sync(); err != nil {
		_ = c.file.Close()
		return faults.Unavailablef("bundle: fsync chunk %d: %v", c.index, err)
	}
	if err := c.file.Close(); err != nil {
		return faults.Unavailablef("bundle: close chunk %d: %v", c.index, err)
	}
	idx := c.index
	c.entries = append(c.entries, integrity.Entry{
		Path:       c.relPath(idx),
		Size:       c.n,
		SHA256:     hex.EncodeToString(c.hasher.Sum(nil)),
		ChunkIndex: &idx,
	})
	c.index++
	c.file = nil
	return nil
}

// Close seals the trailing partial chunk and returns all chunk entries.
func (c *chunkWriter) Close() ([]integrity.Entry, error) {
	if err := c.seal(); err != nil {
		return nil, err
	}
	return c.entries, nil
}
