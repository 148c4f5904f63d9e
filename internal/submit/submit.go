// Package submit is the submitter-facing facade: submit, query,
// cancel, and dashboard, the only operations allowed to originate a
// Job row or request its cancellation. An HTTP layer or the operator
// CLI calls this directly.
package submit

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/queue"
	"github.com/nodeforge/jobsched/internal/repos"
	"github.com/nodeforge/jobsched/internal/resources"
	"github.com/nodeforge/jobsched/internal/supervisor"
	"github.com/nodeforge/jobsched/internal/types"
)

const dedupeTTL = 24 * time.Hour

// JobSpec is the caller-supplied shape Submit accepts: the declared
// job attributes, minus the fields the core assigns itself.
type JobSpec struct {
	WorkDir          string
	StdoutPath       string
	StderrPath       string
	Environment      map[string]string
	NTasksPerNode    int
	CPUsPerTask      int
	MemoryPerNode    int64
	TimeLimitMinutes int
	Partition        string
	Account          string
	Exclusive        bool
}

type Facade struct {
	jobs  repos.JobRepo
	alloc repos.AllocationRepo
	res   resources.Manager
	q     queue.Queue
	log   *logger.Logger
}

func New(jobs repos.JobRepo, alloc repos.AllocationRepo, res resources.Manager, q queue.Queue, log *logger.Logger) *Facade {
	return &Facade{jobs: jobs, alloc: alloc, res: res, q: q, log: log.With("component", "SubmitterSurface")}
}

// Submit creates a Job in state pending and enqueues its work item
// immediately. A worker can therefore dequeue the item before the
// scheduler has admitted the job; the worker's bounded pending wait
// bridges that window. Admission itself stays with the scheduler; after
// Submit, the only write the submitter makes to the job is Cancel.
func (f *Facade) Submit(ctx context.Context, spec JobSpec, scriptText string) (uint, error) {
	if spec.NTasksPerNode <= 0 || spec.CPUsPerTask <= 0 {
		return 0, fmt.Errorf("jobsched: ntasks_per_node and cpus_per_task must both be positive")
	}
	job := &types.Job{
		Script:           scriptText,
		WorkDir:          spec.WorkDir,
		StdoutPath:       spec.StdoutPath,
		StderrPath:       spec.StderrPath,
		Environment:      spec.Environment,
		NTasksPerNode:    spec.NTasksPerNode,
		CPUsPerTask:      spec.CPUsPerTask,
		MemoryPerNode:    spec.MemoryPerNode,
		TimeLimitMinutes: spec.TimeLimitMinutes,
		Partition:        spec.Partition,
		Account:          spec.Account,
		Exclusive:        spec.Exclusive,
		State:            types.JobPending,
	}
	created, err := f.jobs.Create(ctx, job)
	if err != nil {
		return 0, err
	}
	if _, err := f.q.Enqueue(ctx, created.ID, dedupeTTL); err != nil {
		// The job row stands; startup pending recovery and the
		// pending_job_recovery strategy both re-enqueue pending jobs,
		// so a lost work item here delays execution, never loses it.
		f.log.Warn("enqueue on submit failed, relying on pending recovery", "job_id", created.ID, "error", err)
	}
	return created.ID, nil
}

// Query returns a JobView: the job row, its allocation if any, and the
// content of its declared output files. Absent files read as empty
// strings, never as errors — a job that wrote nothing is not broken.
func (f *Facade) Query(ctx context.Context, jobID uint) (*types.JobView, error) {
	job, err := f.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("jobsched: job %d not found", jobID)
	}
	alloc, err := f.alloc.GetByJobID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &types.JobView{
		Job:        *job,
		Allocation: alloc,
		Stdout:     readFileOrEmpty(job.StdoutPath),
		Stderr:     readFileOrEmpty(job.StderrPath),
	}, nil
}

func readFileOrEmpty(path string) string {
	if path == "" {
		return ""
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Cancel is idempotent: a terminal job is a no-op success; a
// non-existent job is not-found; otherwise the job is marked cancelled
// with exit "-1:15" and SIGTERM is delivered to its process group if
// an allocation recorded a PID. The supervising worker observes the
// child exit and runs its normal release path.
func (f *Facade) Cancel(ctx context.Context, jobID uint) error {
	job, err := f.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("jobsched: job %d not found", jobID)
	}
	if job.State.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	if err := f.jobs.UpdateFields(ctx, jobID, map[string]interface{}{
		"state":     types.JobCancelled,
		"end_time":  now,
		"exit_code": "-1:15",
	}); err != nil {
		return err
	}

	alloc, err := f.alloc.GetByJobID(ctx, jobID)
	if err != nil {
		f.log.Warn("cancel: allocation lookup failed after marking cancelled", "job_id", jobID, "error", err)
		return nil
	}
	if alloc != nil && alloc.ProcessID != nil {
		if err := supervisor.KillProcessGroup(*alloc.ProcessID); err != nil {
			f.log.Warn("cancel: signal delivery failed", "job_id", jobID, "pid", *alloc.ProcessID, "error", err)
		}
	}
	return nil
}

// Dashboard aggregates counts per state, cpu totals and utilization,
// the node list, and recent running and pending jobs.
func (f *Facade) Dashboard(ctx context.Context) (*types.DashboardStats, error) {
	counts, err := f.jobs.CountsByState(ctx)
	if err != nil {
		return nil, err
	}
	total, err := f.res.TotalCPUs(ctx)
	if err != nil {
		return nil, err
	}
	allocated, err := f.res.AllocatedCPUs(ctx)
	if err != nil {
		return nil, err
	}
	util := 0.0
	if total > 0 {
		util = float64(allocated) / float64(total)
	}

	running, err := f.jobs.RecentByState(ctx, types.JobRunning, 20)
	if err != nil {
		return nil, err
	}
	pending, err := f.jobs.RecentByState(ctx, types.JobPending, 20)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]struct{})
	for _, j := range running {
		if j.NodeList != "" {
			nodes[j.NodeList] = struct{}{}
		}
	}
	nodeList := make([]string, 0, len(nodes))
	for n := range nodes {
		nodeList = append(nodeList, n)
	}

	return &types.DashboardStats{
		CountsByState: counts,
		TotalCPUs:     total,
		AllocatedCPUs: allocated,
		Utilization:   util,
		Nodes:         nodeList,
		RecentRunning: running,
		RecentPending: pending,
	}, nil
}
