// Package agent implements the endpoint side of the telemetry pipeline:
// the atomic offline buffer, the authenticated uploader with receipt
// verification, the heartbeat loop, and the receipt journal.
package agent

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ransomeye/core/pkg/canonical"
	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
	"github.com/ransomeye/core/pkg/integrity"
)

// Buffer sub-directories. Files move between them by atomic rename
// only; the rename is the synchronization primitive.
const (
	dirPending    = "pending"
	dirInflight   = "inflight"
	dirArchived   = "archived"
	dirQuarantine = "quarantine"
)

var (
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ransomeye",
		Subsystem: "agent",
		Name:      "buffer_dropped_total",
		Help:      "Pending events dropped to stay under the buffer quota.",
	})
	metricBufferBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ransomeye",
		Subsystem: "agent",
		Name:      "buffer_bytes",
		Help:      "Bytes currently held in the pending buffer.",
	})
)

// Buffer is the agent's durable event spool. One file per event,
// canonical JSON, named by event id so lexical order is record order.
type Buffer struct {
	root   string
	quota  int64
	size   int64
	logger *slog.Logger
}

// NewBuffer creates the directory layout and counts any events left
// over from a previous run.
func NewBuffer(root string, quota int64) (*Buffer, error) {
	for _, sub := range []string{dirPending, dirInflight, dirArchived, dirQuarantine} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o750); err != nil {
			return nil, faults.Unavailablef("buffer: mkdir %s: %v", sub, err)
		}
	}
	b := &Buffer{root: root, quota: quota, logger: slog.Default().With("component", "buffer")}

	// Inflight files from a crashed run go back to pending.
	leftover, err := os.ReadDir(filepath.Join(root, dirInflight))
	if err != nil {
		return nil, faults.Unavailablef("buffer: scan inflight: %v", err)
	}
	for _, entry := range leftover {
		if err := b.rename(dirInflight, dirPending, entry.Name(), entry.Name()); err != nil {
			return nil, err
		}
	}

	size, err := dirSize(filepath.Join(root, dirPending))
	if err != nil {
		return nil, err
	}
	b.size = size
	metricBufferBytes.Set(float64(b.size))
	return b, nil
}

// Record spools one event: canonicalize, write atomically into
// pending/, then evict oldest entries if the quota is exceeded.
func (b *Buffer) Record(e contracts.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	body, err := canonical.Marshal(e)
	if err != nil {
		return err
	}
	path := filepath.Join(b.root, dirPending, e.EventID+".json")
	if err := integrity.WriteAtomic(path, body, 0o640); err != nil {
		return err
	}
	b.size += int64(len(body))
	metricBufferBytes.Set(float64(b.size))
	return b.enforceQuota()
}

// enforceQuota drops the oldest pending events until the buffer fits.
// Newest telemetry is the most valuable during an active incident.
func (b *Buffer) enforceQuota() error {
	if b.quota <= 0 || b.size <= b.quota {
		return nil
	}
	names, err := b.Pending()
	if err != nil {
		return err
	}
	for _, name := range names {
		if b.size <= b.quota {
			break
		}
		path := filepath.Join(b.root, dirPending, name)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if err := os.Remove(path); err != nil {
			return faults.Unavailablef("buffer: evict %s: %v", name, err)
		}
		b.size -= info.Size()
		metricDropped.Inc()
		b.logger.Warn("buffer over quota, dropped oldest pending event", "file", name)
	}
	metricBufferBytes.Set(float64(b.size))
	return nil
}

// Pending lists pending event files in ascending name order. Event ids
// are ULIDs, so this is record order.
func (b *Buffer) Pending() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, dirPending))
	if err != nil {
		return nil, faults.Unavailablef("buffer: scan pending: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Take moves a pending file to inflight and returns its bytes.
func (b *Buffer) Take(name string) ([]byte, error) {
	if err := b.rename(dirPending, dirInflight, name, name); err != nil {
		return nil, err
	}
	body, err := os.ReadFile(filepath.Join(b.root, dirInflight, name))
	if err != nil {
		return nil, faults.Unavailablef("buffer: read inflight %s: %v", name, err)
	}
	b.size -= int64(len(body))
	metricBufferBytes.Set(float64(b.size))
	return body, nil
}

// Requeue returns an inflight file to pending after a retriable upload
// failure.
func (b *Buffer) Requeue(name string) error {
	path := filepath.Join(b.root, dirInflight, name)
	if info, err := os.Stat(path); err == nil {
		b.size += info.Size()
		metricBufferBytes.Set(float64(b.size))
	}
	return b.rename(dirInflight, dirPending, name, name)
}

// Archive moves an acknowledged inflight file to archived/ under its
// content hash, so the archive is self-verifying.
func (b *Buffer) Archive(name, bodySHA256 string) error {
	return b.rename(dirInflight, dirArchived, name, bodySHA256+".json")
}

// Quarantine parks a rejected inflight file for operator inspection.
func (b *Buffer) Quarantine(name string) error {
	return b.rename(dirInflight, dirQuarantine, name, name)
}

func (b *Buffer) rename(fromDir, toDir, from, to string) error {
	err := integrity.Rename(
		filepath.Join(b.root, fromDir, from),
		filepath.Join(b.root, toDir, to))
	if err != nil {
		return faults.Unavailablef("buffer: %s/%s -> %s/%s: %v", fromDir, from, toDir, to, err)
	}
	return nil
}

// Counters reports buffer occupancy for heartbeats.
func (b *Buffer) Counters() (pendingFiles int, pendingBytes int64) {
	names, err := b.Pending()
	if err != nil {
		return 0, b.size
	}
	return len(names), b.size
}

func dirSize(dir string) (int64, error) {
	var total int64
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, faults.Unavailablef("buffer: scan %s: %v", dir, err)
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err == nil && !entry.IsDir() {
			total += info.Size()
		}
	}
	return total, nil
}
