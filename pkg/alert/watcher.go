package alert

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader keeps an atomically-swapped policy snapshot current with a
// directory on disk. A failed reload logs and keeps the previous set.
type Reloader struct {
	dir    string
	active atomic.Pointer[Set]
	logger *slog.Logger
}

// NewReloader loads the initial set from dir; failure here is fatal
// because the engine must never run without policies.
func NewReloader(dir string) (*Reloader, error) {
	set, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	r := &Reloader{dir: dir, logger: slog.Default().With("component", "policy")}
	r.active.Store(set)
	return r, nil
}

// Snapshot returns the current immutable policy set.
func (r *Reloader) Snapshot() *Set {
	return r.active.Load()
}

// Watch blocks, reloading on filesystem changes until ctx is cancelled.
// Events are debounced so editors that write multiple files trigger a
// single reload.
func (r *Reloader) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(r.dir); err != nil {
		return err
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.WarnContext(ctx, "policy watcher error", "error", err)
		case <-fire:
			r.reload(ctx)
		}
	}
}

func (r *Reloader) reload(ctx context.Context) {
	set, err := LoadDir(r.dir)
	if err != nil {
		r.logger.ErrorContext(ctx, "policy reload rejected, keeping active set",
			"dir", r.dir, "error", err)
		return
	}
	old := r.active.Swap(set)
	r.logger.InfoContext(ctx, "policy set reloaded",
		"hash", set.Hash, "policies", len(set.Policies), "previous", old.Hash)
}
