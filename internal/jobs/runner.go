package jobs

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/samvad-hq/samvad-podcast-enricher/internal/domain"
	"github.com/samvad-hq/samvad-podcast-enricher/internal/logger"
	"golang.org/x/sync/errgroup"
)

// Processor runs one queued job.
type Processor interface {
	ProcessNext(ctx context.Context) (domain.Job, bool, error)
}

// Runner drives a Processor from a ticker. Each tick claims up to PerTick
// jobs with at most Workers running at once.
type Runner struct {
	proc     Processor
	interval time.Duration
	workers  int
	perTick  int
	log      logger.Logger
}

// NewRunner builds a Runner. workers < 1 means one worker; perTick < workers
// is raised to workers.
func NewRunner(proc Processor, interval time.Duration, workers, perTick int, log logger.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if perTick < workers {
		perTick = workers
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Runner{
		proc:     proc,
		interval: interval,
		workers:  workers,
		perTick:  perTick,
		log:      logger.Ensure(log),
	}
}

// Run ticks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	if r == nil || r.proc == nil {
		return fmt.Errorf("job runner is not initialized")
	}

	r.log.InfoObj("job runner starting", "runner_state", map[string]any{
		"interval": r.interval.String(),
		"workers":  r.workers,
		"per_tick": r.perTick,
	})

	if _, err := r.Tick(ctx); err != nil {
		r.log.ErrorObj("initial tick failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.InfoObj("job runner exiting", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			if _, err := r.Tick(ctx); err != nil {
				r.log.ErrorObj("scheduled tick failed", "error", err)
			}
		}
	}
}

// Tick processes up to perTick jobs and returns how many were handled. It
// stops early once the queue reports nothing eligible. A processor error stops
// further claims but leaves jobs already running on the caller's context.
func (r *Runner) Tick(ctx context.Context) (int, error) {
	var processed atomic.Int32
	var drained, failed atomic.Bool

	var g errgroup.Group
	g.SetLimit(r.workers)
	for i := 0; i < r.perTick; i++ {
		if drained.Load() || failed.Load() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if drained.Load() || failed.Load() {
				return nil
			}
			job, ok, err := r.proc.ProcessNext(ctx)
			if err != nil {
				failed.Store(true)
				return err
			}
			if !ok {
				drained.Store(true)
				return nil
			}
			processed.Add(1)
			r.log.DebugObj("job handled", "job_tick", map[string]any{
				"job_id": job.ID,
				"status": job.Status,
			})
			return nil
		})
	}
	err := g.Wait()
	return int(processed.Load()), err
}
