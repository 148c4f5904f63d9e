package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/nodeforge/jobsched/internal/errs"
	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/types"
)

// JobRepo owns the jobs table: creation by the submitter, every
// subsequent mutation by the scheduler, worker pool, and cleanup.
type JobRepo interface {
	Create(ctx context.Context, job *types.Job) (*types.Job, error)
	GetByID(ctx context.Context, id uint) (*types.Job, error)
	ListPendingBySubmitTime(ctx context.Context) ([]types.Job, error)
	ListPending(ctx context.Context) ([]types.Job, error)
	// ReserveAndRun is the scheduler's single-transaction admission
	// step: insert a reserved allocation and flip the job to running
	// with a start time and node, atomically.
	ReserveAndRun(ctx context.Context, jobID uint, cpus int, node string) (*types.Job, *types.ResourceAllocation, error)
	UpdateFields(ctx context.Context, id uint, updates map[string]interface{}) error
	// MarkTerminal moves a job to a terminal state with end time and
	// exit code, but only if it is not already terminal — a concurrent
	// cancel must not be overwritten by the worker finishing up.
	// Returns false if the job was already terminal (or absent).
	MarkTerminal(ctx context.Context, id uint, state types.JobState, exitCode, errMsg string) (bool, error)
	FindStuckRunning(ctx context.Context, maxAge time.Duration) ([]types.Job, error)
	FindRunningOlderThan(ctx context.Context, maxAge time.Duration) ([]types.Job, error)
	FindTerminalOlderThan(ctx context.Context, age time.Duration) ([]types.Job, error)
	DeleteByID(ctx context.Context, id uint) error
	CountsByState(ctx context.Context) (map[types.JobState]int64, error)
	RecentByState(ctx context.Context, state types.JobState, limit int) ([]types.Job, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, log *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: log.With("repo", "JobRepo")}
}

func (r *jobRepo) Create(ctx context.Context, job *types.Job) (*types.Job, error) {
	if job.SubmitTime.IsZero() {
		job.SubmitTime = time.Now().UTC()
	}
	if job.EligibleTime.IsZero() {
		job.EligibleTime = job.SubmitTime
	}
	if job.State == "" {
		job.State = types.JobPending
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *jobRepo) GetByID(ctx context.Context, id uint) (*types.Job, error) {
	var j types.Job
	err := r.db.WithContext(ctx).First(&j, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListPendingBySubmitTime returns pending jobs ordered by submit time
// ascending, ties broken by id ascending.
func (r *jobRepo) ListPendingBySubmitTime(ctx context.Context) ([]types.Job, error) {
	var jobs []types.Job
	err := r.db.WithContext(ctx).
		Where("state = ?", types.JobPending).
		Order("submit_time ASC, id ASC").
		Find(&jobs).Error
	return jobs, err
}

func (r *jobRepo) ListPending(ctx context.Context) ([]types.Job, error) {
	return r.ListPendingBySubmitTime(ctx)
}

func (r *jobRepo) ReserveAndRun(ctx context.Context, jobID uint, cpus int, node string) (*types.Job, *types.ResourceAllocation, error) {
	var job *types.Job
	var alloc *types.ResourceAllocation
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j types.Job
		if err := tx.First(&j, jobID).Error; err != nil {
			return err
		}
		if j.State != types.JobPending {
			return errs.ErrIllegalTransition
		}
		now := time.Now().UTC()
		a := &types.ResourceAllocation{
			JobID:         jobID,
			AllocatedCPUs: cpus,
			NodeName:      node,
			Status:        types.AllocReserved,
			AllocatedAt:   now,
		}
		if err := tx.Create(a).Error; err != nil {
			return err
		}
		if err := tx.Model(&j).Updates(map[string]interface{}{
			"state":      types.JobRunning,
			"start_time": now,
			"node_list":  node,
		}).Error; err != nil {
			return err
		}
		j.State = types.JobRunning
		j.StartTime = &now
		j.NodeList = node
		job = &j
		alloc = a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return job, alloc, nil
}

func (r *jobRepo) UpdateFields(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&types.Job{}).Where("id = ?", id).Updates(updates).Error
}

func (r *jobRepo) MarkTerminal(ctx context.Context, id uint, state types.JobState, exitCode, errMsg string) (bool, error) {
	updates := map[string]interface{}{
		"state":     state,
		"end_time":  time.Now().UTC(),
		"exit_code": exitCode,
	}
	if errMsg != "" {
		updates["error_msg"] = errMsg
	}
	res := r.db.WithContext(ctx).Model(&types.Job{}).
		Where("id = ? AND state NOT IN ?", id, types.TerminalJobStates).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FindStuckRunning backs stuck_job_cleanup: state=running, start_time
// older than maxAge.
func (r *jobRepo) FindStuckRunning(ctx context.Context, maxAge time.Duration) ([]types.Job, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var jobs []types.Job
	err := r.db.WithContext(ctx).
		Where("state = ? AND start_time < ?", types.JobRunning, cutoff).
		Find(&jobs).Error
	return jobs, err
}

// FindRunningOlderThan backs the startup timeout sweep; same shape as
// FindStuckRunning with an independently configurable threshold.
func (r *jobRepo) FindRunningOlderThan(ctx context.Context, maxAge time.Duration) ([]types.Job, error) {
	return r.FindStuckRunning(ctx, maxAge)
}

// FindTerminalOlderThan backs old_job_cleanup: state terminal, end_time
// older than age.
func (r *jobRepo) FindTerminalOlderThan(ctx context.Context, age time.Duration) ([]types.Job, error) {
	cutoff := time.Now().UTC().Add(-age)
	var jobs []types.Job
	err := r.db.WithContext(ctx).
		Where("state IN ?", types.TerminalJobStates).
		Where("end_time < ?", cutoff).
		Find(&jobs).Error
	return jobs, err
}

func (r *jobRepo) DeleteByID(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&types.Job{}, id).Error
}

func (r *jobRepo) CountsByState(ctx context.Context) (map[types.JobState]int64, error) {
	type row struct {
		State types.JobState
		N     int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&types.Job{}).
		Select("state, COUNT(*) as n").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[types.JobState]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.N
	}
	return out, nil
}

func (r *jobRepo) RecentByState(ctx context.Context, state types.JobState, limit int) ([]types.Job, error) {
	var jobs []types.Job
	err := r.db.WithContext(ctx).
		Where("state = ?", state).
		Order("submit_time DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}
