// Package scheduler converts admissible pending jobs into reservations
// and queue entries: FIFO-ordered, first-fit admission against
// currently available capacity, on a fixed tick.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/nodeforge/jobsched/internal/errs"
	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/queue"
	"github.com/nodeforge/jobsched/internal/repos"
	"github.com/nodeforge/jobsched/internal/resources"
	"github.com/nodeforge/jobsched/internal/retry"
	"github.com/nodeforge/jobsched/internal/types"
)

const dedupeTTL = 24 * time.Hour

type Config struct {
	Interval time.Duration
	NodeName string
}

type Scheduler struct {
	cfg  Config
	jobs repos.JobRepo
	res  resources.Manager
	q    queue.Queue
	log  *logger.Logger
}

func New(cfg Config, jobs repos.JobRepo, res resources.Manager, q queue.Queue, log *logger.Logger) *Scheduler {
	return &Scheduler{cfg: cfg, jobs: jobs, res: res, q: q, log: log.With("component", "Scheduler")}
}

// Run ticks until ctx is cancelled. A failed tick ends early and the
// next one starts fresh; nothing inside a tick stops the loop.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// notTransient stops retries on contract violations; only store-level
// failures are worth backing off on.
func notTransient(err error) bool {
	return !errors.Is(err, errs.ErrNotFound) && !errors.Is(err, errs.ErrIllegalTransition)
}

// tick performs one admission pass: skip entirely if the cluster has
// no advertised capacity, otherwise walk pending jobs oldest-first and
// admit any that fit within the remaining budget, continuing past ones
// that don't (first-fit, not head-of-line blocking).
func (s *Scheduler) tick(ctx context.Context) {
	total, err := s.res.TotalCPUs(ctx)
	if err != nil {
		s.log.Warn("total cpus lookup failed, skipping tick", "error", err)
		return
	}
	if total == 0 {
		return
	}
	available, err := s.res.AvailableCPUs(ctx)
	if err != nil {
		s.log.Warn("available cpus lookup failed, skipping tick", "error", err)
		return
	}

	var pending []types.Job
	err = retry.Do(ctx, retry.DefaultPolicy(), notTransient, func() error {
		var lerr error
		pending, lerr = s.jobs.ListPendingBySubmitTime(ctx)
		return lerr
	})
	if err != nil {
		s.log.Warn("list pending jobs failed, skipping tick", "error", err)
		return
	}

	for i := range pending {
		job := &pending[i]
		need := job.TotalCPUsRequired()
		if need <= 0 || need > available {
			continue
		}
		_, alloc, err := s.jobs.ReserveAndRun(ctx, job.ID, need, s.cfg.NodeName)
		if err != nil {
			s.log.Warn("admission failed, leaving job pending", "job_id", job.ID, "error", err)
			continue
		}
		available -= need
		if _, err := s.q.Enqueue(ctx, job.ID, dedupeTTL); err != nil {
			// The reservation stands even if enqueue fails; stale
			// reservation cleanup will eventually notice and fail
			// this job.
			s.log.Error("enqueue after admission failed, relying on stale-reservation cleanup", "job_id", job.ID, "error", err)
		}
		s.log.Info("admitted job", "job_id", job.ID, "cpus", need, "node", alloc.NodeName)
	}
}
