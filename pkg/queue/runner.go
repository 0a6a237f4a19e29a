package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ransomeye/core/pkg/contracts"
	"github.com/ransomeye/core/pkg/faults"
)

// Handler processes one leased job. Returning nil marks the job
// succeeded; any error is classified through the faults taxonomy.
type Handler func(ctx context.Context, job *contracts.Job) error

// RunnerConfig sizes the worker pool.
type RunnerConfig struct {
	Concurrency  int
	LeaseTTL     time.Duration
	PollInterval time.Duration
}

// Runner leases jobs and dispatches them to registered handlers. Each
// worker holds at most one lease and heartbeats it while the handler
// runs.
type Runner struct {
	store    *Store
	cfg      RunnerConfig
	handlers map[contracts.JobKind]Handler
	kinds    []contracts.JobKind
	logger   *slog.Logger
}

// NewRunner builds a runner over the given store.
func NewRunner(store *Store, cfg RunnerConfig) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Runner{
		store:    store,
		cfg:      cfg,
		handlers: make(map[contracts.JobKind]Handler),
		logger:   slog.Default().With("component", "queue"),
	}
}

// Register binds a handler to a job kind. Must be called before Run.
func (r *Runner) Register(kind contracts.JobKind, h Handler) {
	r.handlers[kind] = h
	r.kinds = append(r.kinds, kind)
}

// Run blocks until ctx is cancelled, then waits for in-flight handlers
// to release their leases.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		worker := "worker-" + uuid.NewString()
		go func() {
			defer wg.Done()
			r.workLoop(ctx, worker)
		}()
	}
	wg.Wait()
}

func (r *Runner) workLoop(ctx context.Context, worker string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := r.store.Lease(ctx, r.kinds, worker, r.cfg.LeaseTTL)
		if err != nil {
			r.logger.WarnContext(ctx, "lease failed", "worker", worker, "error", err)
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}
		if job == nil {
			r.sleep(ctx, r.cfg.PollInterval)
			continue
		}
		r.execute(ctx, worker, job)
	}
}

func (r *Runner) execute(ctx context.Context, worker string, job *contracts.Job) {
	handler, ok := r.handlers[job.Kind]
	if !ok {
		// A kind nothing handles would spin forever; park it.
		_ = r.store.Complete(ctx, job, worker, faults.Fatalf("no handler for kind %s", job.Kind))
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Heartbeat at a third of the TTL so one missed beat is survivable.
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(r.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := r.store.Heartbeat(jobCtx, job.JobID, worker, r.cfg.LeaseTTL); err != nil {
					r.logger.WarnContext(jobCtx, "heartbeat failed, abandoning job",
						"job_id", job.JobID, "error", err)
					cancel()
					return
				}
			}
		}
	}()

	outcome := handler(jobCtx, job)
	cancel()
	<-hbDone

	// On shutdown the lease is released without marking success so the
	// queue re-leases after backoff.
	if ctx.Err() != nil && outcome != nil {
		outcome = faults.Unavailablef("worker shutdown: %v", outcome)
	}

	// Completion must not be cut short by the cancelled job context.
	completeCtx, completeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer completeCancel()
	if err := r.store.Complete(completeCtx, job, worker, outcome); err != nil {
		r.logger.WarnContext(ctx, "complete failed", "job_id", job.JobID, "error", err)
	}
	if outcome != nil {
		r.logger.WarnContext(ctx, "job attempt failed",
			"job_id", job.JobID, "kind", job.Kind, "attempt", job.Attempts,
			"code", faults.Code(outcome), "error", outcome)
	} else {
		r.logger.InfoContext(ctx, "job succeeded", "job_id", job.JobID, "kind", job.Kind)
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
