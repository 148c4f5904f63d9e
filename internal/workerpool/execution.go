package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/nodeforge/jobsched/internal/retry"
	"github.com/nodeforge/jobsched/internal/types"
)

// runOne executes a single dequeued work item end to end. Items for a
// job that cannot be loaded, no longer exists, is already terminal, or
// never leaves pending are dropped without touching any row. Past that
// point every exit path — normal completion, dispatch error, or panic —
// goes through finishTerminal, so the allocation is always released
// before the job is marked terminal. Releasing first closes the race with the
// completed-job cleanup strategy, which would otherwise see a terminal
// job with a live allocation and release it a second time.
func (p *Pool) runOne(ctx context.Context, jobID uint) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job execution panicked", "job_id", jobID, "panic", r)
			p.finishTerminal(ctx, jobID, types.JobFailed, "-1:0", fmt.Sprintf("panic: %v", r))
		}
	}()

	job, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		p.log.Warn("load job failed, dropping work item", "job_id", jobID, "error", err)
		return
	}
	if job == nil {
		p.log.Debug("job no longer exists, dropping work item", "job_id", jobID)
		return
	}
	if job.State.Terminal() {
		p.log.Debug("job already terminal, dropping duplicate work item", "job_id", jobID, "state", job.State)
		return
	}

	if job.State == types.JobPending {
		job, err = p.waitForRunning(ctx, jobID)
		if err != nil {
			p.log.Warn("job never became running, dropping work item", "job_id", jobID, "error", err)
			return
		}
		if job == nil || job.State.Terminal() {
			// cancelled (or deleted) while we were waiting.
			return
		}
	}

	alloc, prior, err := p.alloc.TransitionToAllocated(ctx, jobID)
	if err != nil {
		p.log.Error("transition to allocated failed", "job_id", jobID, "error", err)
		p.finishTerminal(ctx, jobID, types.JobFailed, "-1:0", "failed to allocate resources: "+err.Error())
		return
	}
	if prior == types.AllocReserved {
		if err := p.res.OnTransitionToAllocated(ctx, alloc.AllocatedCPUs); err != nil {
			p.log.Warn("cache increment on allocate failed, periodic sync will reconcile", "job_id", jobID, "error", err)
		}
	}

	result := p.sup.Run(jobID, job.Script, job.WorkDir, job.StdoutPath, job.StderrPath, job.Environment, func(pid int) {
		if err := p.alloc.RecordPID(ctx, jobID, pid); err != nil {
			p.log.Warn("record pid failed", "job_id", jobID, "pid", pid, "error", err)
		}
	})

	if result.LaunchErr != nil {
		p.log.Error("supervisor launch failed", "job_id", jobID, "error", result.LaunchErr)
		p.finishTerminal(ctx, jobID, types.JobFailed, result.ExitCodeString(), result.LaunchErr.Error())
		return
	}

	state := types.JobCompleted
	errMsg := ""
	if result.ExitCode != 0 {
		state = types.JobFailed
		errMsg = fmt.Sprintf("script exited with code %d signal %d", result.ExitCode, result.Signal)
	}
	p.finishTerminal(ctx, jobID, state, result.ExitCodeString(), errMsg)
}

// waitForRunning polls for a job to move out of pending. The queue
// item can be dequeued before the scheduler's reservation commit
// becomes visible; polling bridges that gap, bounded so a job that
// never gets admitted doesn't pin a worker goroutine forever.
func (p *Pool) waitForRunning(ctx context.Context, jobID uint) (*types.Job, error) {
	deadline := time.Now().Add(p.cfg.PendingPollBound)
	ticker := time.NewTicker(p.cfg.PendingPollInterval)
	defer ticker.Stop()
	for {
		job, err := p.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job == nil {
			return nil, nil
		}
		if job.State != types.JobPending {
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("job %d still pending after bound", jobID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finishTerminal releases the allocation, then marks the job terminal,
// strictly in that order. The terminal update is conditional: a job
// cancelled while its script was still running keeps its cancelled
// state and exit code, the worker only releases what it held.
func (p *Pool) finishTerminal(ctx context.Context, jobID uint, state types.JobState, exitCode, errMsg string) {
	var alloc *types.ResourceAllocation
	var prior types.AllocationStatus
	err := retry.Do(ctx, retry.DefaultPolicy(), nil, func() error {
		var rerr error
		alloc, prior, rerr = p.alloc.Release(ctx, jobID)
		return rerr
	})
	if err != nil {
		p.log.Error("release on terminal failed", "job_id", jobID, "error", err)
	} else if alloc != nil && prior == types.AllocAllocated {
		if err := p.res.OnReleaseFromAllocated(ctx, alloc.AllocatedCPUs); err != nil {
			p.log.Warn("cache decrement on release failed, periodic sync will reconcile", "job_id", jobID, "error", err)
		}
	}

	updated, err := p.jobs.MarkTerminal(ctx, jobID, state, exitCode, errMsg)
	if err != nil {
		p.log.Error("mark job terminal failed", "job_id", jobID, "error", err)
		return
	}
	if !updated {
		p.log.Debug("job reached a terminal state elsewhere, leaving it", "job_id", jobID)
	}
}
