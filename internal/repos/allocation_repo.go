// Package repos owns persistence for jobs and resource allocations:
// the queries the scheduler, worker pool, and cleanup strategies need,
// one repository per aggregate. Every exported method is one
// transaction end to end.
package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nodeforge/jobsched/internal/errs"
	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/types"
)

// AllocationRepo owns the resource_allocations table and its state
// transitions.
type AllocationRepo interface {
	CreateReserved(ctx context.Context, jobID uint, cpus int, node string) (*types.ResourceAllocation, error)
	// TransitionToAllocated finds the active (non-released) row for
	// job, sets status=allocated, and returns it along with the
	// status it held before the call — callers use the prior status
	// to decide whether to bump the resource-manager cache.
	TransitionToAllocated(ctx context.Context, jobID uint) (alloc *types.ResourceAllocation, prior types.AllocationStatus, err error)
	// Release finds the active (non-released) row for job and sets
	// status=released. Returns (nil, "", nil) if the row is already
	// released or does not exist: a no-op, not an error.
	Release(ctx context.Context, jobID uint) (alloc *types.ResourceAllocation, prior types.AllocationStatus, err error)
	RecordPID(ctx context.Context, jobID uint, pid int) error
	GetByJobID(ctx context.Context, jobID uint) (*types.ResourceAllocation, error)
	SumAllocatedCPUs(ctx context.Context) (int, error)
	FindCompletedJobsWithLiveAllocations(ctx context.Context) ([]types.ResourceAllocation, error)
	FindStaleReservations(ctx context.Context, maxAge time.Duration) ([]types.ResourceAllocation, error)
	FindLiveAllocationsForRunningJobs(ctx context.Context) ([]types.ResourceAllocation, error)
}

type allocationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAllocationRepo(db *gorm.DB, log *logger.Logger) AllocationRepo {
	return &allocationRepo{db: db, log: log.With("repo", "AllocationRepo")}
}

// lockingClauses requests SELECT ... FOR UPDATE on dialects that
// support it. SQLite (used by the in-memory test suite) has no row
// locking syntax and a whole-database write lock per transaction
// already, so it is skipped there rather than sent a clause it would
// reject as a syntax error.
func lockingClauses(tx *gorm.DB) []clause.Expression {
	if tx.Dialector.Name() == "sqlite" {
		return nil
	}
	return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
}

func (r *allocationRepo) CreateReserved(ctx context.Context, jobID uint, cpus int, node string) (*types.ResourceAllocation, error) {
	a := &types.ResourceAllocation{
		JobID:         jobID,
		AllocatedCPUs: cpus,
		NodeName:      node,
		Status:        types.AllocReserved,
		AllocatedAt:   time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, err
	}
	return a, nil
}

func (r *allocationRepo) TransitionToAllocated(ctx context.Context, jobID uint) (*types.ResourceAllocation, types.AllocationStatus, error) {
	var out *types.ResourceAllocation
	var prior types.AllocationStatus
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a types.ResourceAllocation
		err := tx.Clauses(lockingClauses(tx)...).
			Where("job_id = ? AND status <> ?", jobID, types.AllocReleased).
			First(&a).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errs.ErrNotFound
		}
		if err != nil {
			return err
		}
		prior = a.Status
		if a.Status == types.AllocAllocated {
			// already allocated: idempotent no-op, not an error.
			out = &a
			return nil
		}
		if a.Status != types.AllocReserved {
			return errs.ErrIllegalTransition
		}
		if err := tx.Model(&types.ResourceAllocation{}).
			Where("id = ?", a.ID).
			Update("status", types.AllocAllocated).Error; err != nil {
			return err
		}
		a.Status = types.AllocAllocated
		out = &a
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, prior, nil
}

func (r *allocationRepo) Release(ctx context.Context, jobID uint) (*types.ResourceAllocation, types.AllocationStatus, error) {
	var out *types.ResourceAllocation
	var prior types.AllocationStatus
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a types.ResourceAllocation
		err := tx.Clauses(lockingClauses(tx)...).
			Where("job_id = ? AND status <> ?", jobID, types.AllocReleased).
			First(&a).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil // already released or never existed: no-op
		}
		if err != nil {
			return err
		}
		prior = a.Status
		now := time.Now().UTC()
		if err := tx.Model(&types.ResourceAllocation{}).
			Where("id = ?", a.ID).
			Updates(map[string]interface{}{
				"status":      types.AllocReleased,
				"released_at": now,
			}).Error; err != nil {
			return err
		}
		a.Status = types.AllocReleased
		a.ReleasedAt = &now
		out = &a
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return out, prior, nil
}

// RecordPID stores pid against the active (non-released) allocation
// row. A released row never gets a PID: the child is already gone by
// then and a late write would clobber reconciliation state.
func (r *allocationRepo) RecordPID(ctx context.Context, jobID uint, pid int) error {
	res := r.db.WithContext(ctx).Model(&types.ResourceAllocation{}).
		Where("job_id = ? AND status <> ?", jobID, types.AllocReleased).
		Update("process_id", pid)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (r *allocationRepo) GetByJobID(ctx context.Context, jobID uint) (*types.ResourceAllocation, error) {
	var a types.ResourceAllocation
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *allocationRepo) SumAllocatedCPUs(ctx context.Context) (int, error) {
	var sum *int
	err := r.db.WithContext(ctx).Model(&types.ResourceAllocation{}).
		Where("status = ?", types.AllocAllocated).
		Select("SUM(allocated_cpus)").
		Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

// FindCompletedJobsWithLiveAllocations backs completed_job_cleanup:
// allocation status <> released AND joined job.state is terminal.
func (r *allocationRepo) FindCompletedJobsWithLiveAllocations(ctx context.Context) ([]types.ResourceAllocation, error) {
	var rows []types.ResourceAllocation
	err := r.db.WithContext(ctx).
		Joins("JOIN jobs ON jobs.id = resource_allocations.job_id").
		Where("resource_allocations.status <> ?", types.AllocReleased).
		Where("jobs.state IN ?", []types.JobState{types.JobCompleted, types.JobFailed, types.JobCancelled}).
		Find(&rows).Error
	return rows, err
}

// FindStaleReservations backs stale_reservation_cleanup: status=reserved,
// allocated_at older than maxAge, joined job still running.
func (r *allocationRepo) FindStaleReservations(ctx context.Context, maxAge time.Duration) ([]types.ResourceAllocation, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	var rows []types.ResourceAllocation
	err := r.db.WithContext(ctx).
		Joins("JOIN jobs ON jobs.id = resource_allocations.job_id").
		Where("resource_allocations.status = ?", types.AllocReserved).
		Where("resource_allocations.allocated_at < ?", cutoff).
		Where("jobs.state = ?", types.JobRunning).
		Find(&rows).Error
	return rows, err
}

// FindLiveAllocationsForRunningJobs backs the orphan probe at startup:
// any non-released allocation whose job is still running.
func (r *allocationRepo) FindLiveAllocationsForRunningJobs(ctx context.Context) ([]types.ResourceAllocation, error) {
	var rows []types.ResourceAllocation
	err := r.db.WithContext(ctx).
		Joins("JOIN jobs ON jobs.id = resource_allocations.job_id").
		Where("resource_allocations.status <> ?", types.AllocReleased).
		Where("jobs.state = ?", types.JobRunning).
		Find(&rows).Error
	return rows, err
}
