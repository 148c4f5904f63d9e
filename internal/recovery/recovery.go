// Package recovery reconciles state left behind by the previous run,
// clean exit or crash, once at process startup: pending jobs are
// re-enqueued, orphaned running jobs are failed, overlong jobs are
// swept, and allocations outliving their terminal jobs are released —
// all before the scheduler and worker pool begin their normal loops.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/queue"
	"github.com/nodeforge/jobsched/internal/repos"
	"github.com/nodeforge/jobsched/internal/resources"
	"github.com/nodeforge/jobsched/internal/supervisor"
	"github.com/nodeforge/jobsched/internal/types"
)

type Config struct {
	// MaxRuntime bounds how long a job may have been running before
	// the timeout sweep fails it.
	MaxRuntime time.Duration
}

func DefaultConfig() Config {
	return Config{MaxRuntime: 72 * time.Hour}
}

// Report carries the count each step touched plus the total duration.
type Report struct {
	PendingReenqueued int
	OrphansFailed     int
	TimeoutsFailed    int
	StaleReleased     int
	Duration          time.Duration
	Errors            []error
}

type Recovery struct {
	cfg   Config
	jobs  repos.JobRepo
	alloc repos.AllocationRepo
	res   resources.Manager
	q     queue.Queue
	log   *logger.Logger
}

func New(cfg Config, jobs repos.JobRepo, alloc repos.AllocationRepo, res resources.Manager, q queue.Queue, log *logger.Logger) *Recovery {
	return &Recovery{cfg: cfg, jobs: jobs, alloc: alloc, res: res, q: q, log: log.With("component", "Recovery")}
}

// Run executes the four steps sequentially and returns their combined
// report. It never aborts early on a single step's error — each step
// is independent reconciliation and a failure in one should not block
// the others.
func (r *Recovery) Run(ctx context.Context) Report {
	start := time.Now()
	var rep Report

	n, err := r.pendingRecovery(ctx)
	rep.PendingReenqueued = n
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Errorf("pending recovery: %w", err))
	}

	n, err = r.orphanDetection(ctx)
	rep.OrphansFailed = n
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Errorf("orphan detection: %w", err))
	}

	n, err = r.timeoutSweep(ctx)
	rep.TimeoutsFailed = n
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Errorf("timeout sweep: %w", err))
	}

	n, err = r.staleAllocationSweep(ctx)
	rep.StaleReleased = n
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Errorf("stale allocation sweep: %w", err))
	}

	rep.Duration = time.Since(start)
	if len(rep.Errors) == 0 {
		r.log.Info("startup recovery complete", "pending_reenqueued", rep.PendingReenqueued,
			"orphans_failed", rep.OrphansFailed, "timeouts_failed", rep.TimeoutsFailed,
			"stale_released", rep.StaleReleased, "duration_ms", rep.Duration.Milliseconds())
	} else {
		r.log.Warn("startup recovery completed with errors", "errors", len(rep.Errors), "duration_ms", rep.Duration.Milliseconds())
	}
	return rep
}

// pendingRecovery re-enqueues every pending job; the queue rejects
// duplicate ids, so this is safe to run on every restart.
func (r *Recovery) pendingRecovery(ctx context.Context) (int, error) {
	jobs, err := r.jobs.ListPendingBySubmitTime(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		enqueued, err := r.q.Enqueue(ctx, j.ID, 24*time.Hour)
		if err != nil {
			r.log.Warn("pending recovery enqueue failed", "job_id", j.ID, "error", err)
			continue
		}
		if enqueued {
			n++
		}
	}
	return n, nil
}

// orphanDetection probes the OS for every running job's recorded PID;
// a dead PID means the previous worker exited without releasing.
func (r *Recovery) orphanDetection(ctx context.Context) (int, error) {
	rows, err := r.alloc.FindLiveAllocationsForRunningJobs(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range rows {
		if a.ProcessID == nil {
			continue
		}
		if supervisor.ProcessAlive(*a.ProcessID) {
			continue
		}
		if err := r.failAndRelease(ctx, a.JobID, "-999:0", "worker exited unexpectedly without releasing this allocation"); err != nil {
			r.log.Error("orphan cleanup failed", "job_id", a.JobID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// timeoutSweep fails any job that has been running longer than
// cfg.MaxRuntime. The threshold is deliberately looser than the
// recurring stuck-job strategy's: this step only exists so a restart
// does not resurrect jobs nothing will ever finish.
func (r *Recovery) timeoutSweep(ctx context.Context) (int, error) {
	jobs, err := r.jobs.FindRunningOlderThan(ctx, r.cfg.MaxRuntime)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range jobs {
		if err := r.failAndRelease(ctx, j.ID, "-998:0", "job exceeded the configured max runtime during startup recovery"); err != nil {
			r.log.Error("timeout sweep failed", "job_id", j.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// staleAllocationSweep releases any non-released allocation whose job
// is already terminal, reclaiming capacity before the first scheduling
// tick rather than waiting for the recurring cleanup strategy.
func (r *Recovery) staleAllocationSweep(ctx context.Context) (int, error) {
	rows, err := r.alloc.FindCompletedJobsWithLiveAllocations(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range rows {
		if err := r.release(ctx, a.JobID); err != nil {
			r.log.Error("stale allocation release failed", "job_id", a.JobID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// release releases the job's allocation and, when the row was counted
// as allocated, gives the capacity back to the cache counter.
func (r *Recovery) release(ctx context.Context, jobID uint) error {
	alloc, prior, err := r.alloc.Release(ctx, jobID)
	if err != nil {
		return err
	}
	if alloc != nil && prior == types.AllocAllocated {
		if err := r.res.OnReleaseFromAllocated(ctx, alloc.AllocatedCPUs); err != nil {
			r.log.Warn("cache decrement on recovery release failed, periodic sync will reconcile", "job_id", jobID, "error", err)
		}
	}
	return nil
}

func (r *Recovery) failAndRelease(ctx context.Context, jobID uint, exitCode, msg string) error {
	if err := r.release(ctx, jobID); err != nil {
		return err
	}
	_, err := r.jobs.MarkTerminal(ctx, jobID, types.JobFailed, exitCode, msg)
	return err
}
