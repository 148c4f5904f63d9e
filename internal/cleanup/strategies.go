package cleanup

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/queue"
	"github.com/nodeforge/jobsched/internal/types"
)

// lockForUpdate requests row locking on dialects that support it.
// SQLite (the in-memory test suite) has no such syntax and locks the
// whole database per write transaction already, so it is skipped
// there.
func lockForUpdate(tx *gorm.DB) []clause.Expression {
	if tx.Dialector.Name() == "sqlite" {
		return nil
	}
	return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
}

// StrategyConfig carries the per-strategy thresholds and enable
// flags.
type StrategyConfig struct {
	StaleReservationMaxAge time.Duration
	StuckJobMaxAge         time.Duration
	OldJobMaxAge           time.Duration
	Enabled                map[string]bool
}

// PendingRecoveryFunc re-enqueues every pending job with its
// deterministic queue id. The queue rejects ids it has already seen,
// so running this repeatedly never creates duplicate work items.
func PendingRecoveryFunc(q queue.Queue, log *logger.Logger) func(ctx context.Context, tx *gorm.DB) (int, error) {
	return func(ctx context.Context, tx *gorm.DB) (int, error) {
		var jobs []types.Job
		if err := tx.Where("state = ?", types.JobPending).Find(&jobs).Error; err != nil {
			return 0, err
		}
		n := 0
		for _, j := range jobs {
			enqueued, err := q.Enqueue(ctx, j.ID, 24*time.Hour)
			if err != nil {
				log.Warn("pending job re-enqueue failed", "job_id", j.ID, "error", err)
				continue
			}
			if enqueued {
				n++
			}
		}
		return n, nil
	}
}

// RegisterDefaults registers the default strategy set.
// pending_job_recovery only fires on the manager's first tick after
// process start; the startup recovery composite performs the same
// re-enqueue even earlier, and the queue's id dedupe makes the overlap
// harmless.
func RegisterDefaults(m *Manager, cfg StrategyConfig, q queue.Queue, log *logger.Logger) {
	m.Register(Strategy{
		Name:        "pending_job_recovery",
		Description: "re-enqueue pending jobs whose queue items were lost",
		Priority:    0,
		Enabled:     cfg.Enabled["pending_job_recovery"],
		ShouldRun: func(now, lastRun time.Time) bool {
			return lastRun.IsZero()
		},
		DoCleanup: PendingRecoveryFunc(q, log),
	})

	m.Register(Strategy{
		Name:        "completed_job_cleanup",
		Description: "release allocations left behind by jobs that already finished",
		Interval:    5 * time.Second,
		Priority:    1,
		Enabled:     cfg.Enabled["completed_job_cleanup"],
		DoCleanup: func(ctx context.Context, tx *gorm.DB) (int, error) {
			var rows []types.ResourceAllocation
			err := tx.
				Joins("JOIN jobs ON jobs.id = resource_allocations.job_id").
				Where("resource_allocations.status <> ?", types.AllocReleased).
				Where("jobs.state IN ?", types.TerminalJobStates).
				Clauses(lockForUpdate(tx)...).
				Find(&rows).Error
			if err != nil {
				return 0, err
			}
			return releaseRows(tx, rows)
		},
	})

	m.Register(Strategy{
		Name:        "stale_reservation_cleanup",
		Description: "fail jobs whose reservation never progressed to allocated",
		Interval:    120 * time.Second,
		Priority:    2,
		DependsOn:   []string{"completed_job_cleanup"},
		Enabled:     cfg.Enabled["stale_reservation_cleanup"],
		DoCleanup: func(ctx context.Context, tx *gorm.DB) (int, error) {
			cutoff := time.Now().UTC().Add(-cfg.StaleReservationMaxAge)
			var rows []types.ResourceAllocation
			err := tx.
				Joins("JOIN jobs ON jobs.id = resource_allocations.job_id").
				Where("resource_allocations.status = ?", types.AllocReserved).
				Where("resource_allocations.allocated_at < ?", cutoff).
				Where("jobs.state = ?", types.JobRunning).
				Clauses(lockForUpdate(tx)...).
				Find(&rows).Error
			if err != nil {
				return 0, err
			}
			n := 0
			now := time.Now().UTC()
			for _, a := range rows {
				if err := tx.Model(&types.ResourceAllocation{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
					"status":      types.AllocReleased,
					"released_at": now,
				}).Error; err != nil {
					return n, err
				}
				if err := tx.Model(&types.Job{}).Where("id = ?", a.JobID).Updates(map[string]interface{}{
					"state":     types.JobFailed,
					"end_time":  now,
					"exit_code": "-3:0",
					"error_msg": "reservation never progressed to allocated within the configured window",
				}).Error; err != nil {
					return n, err
				}
				n++
			}
			return n, nil
		},
	})

	m.Register(Strategy{
		Name:        "stuck_job_cleanup",
		Description: "fail jobs that have been running far longer than any realistic workload",
		Interval:    3600 * time.Second,
		Priority:    3,
		Enabled:     cfg.Enabled["stuck_job_cleanup"],
		DoCleanup: func(ctx context.Context, tx *gorm.DB) (int, error) {
			cutoff := time.Now().UTC().Add(-cfg.StuckJobMaxAge)
			var jobs []types.Job
			err := tx.
				Where("state = ? AND start_time < ?", types.JobRunning, cutoff).
				Clauses(lockForUpdate(tx)...).
				Find(&jobs).Error
			if err != nil {
				return 0, err
			}
			n := 0
			now := time.Now().UTC()
			for _, j := range jobs {
				if err := tx.Model(&types.Job{}).Where("id = ?", j.ID).Updates(map[string]interface{}{
					"state":     types.JobFailed,
					"end_time":  now,
					"exit_code": "-2:0",
					"error_msg": "job exceeded the maximum allowed running time",
				}).Error; err != nil {
					return n, err
				}
				if err := tx.Model(&types.ResourceAllocation{}).
					Where("job_id = ? AND status <> ?", j.ID, types.AllocReleased).
					Updates(map[string]interface{}{"status": types.AllocReleased, "released_at": now}).Error; err != nil {
					return n, err
				}
				n++
			}
			return n, nil
		},
	})

	m.Register(Strategy{
		Name:        "old_job_cleanup",
		Description: "delete terminal job rows past their retention window",
		Interval:    86400 * time.Second,
		Priority:    4,
		Enabled:     cfg.Enabled["old_job_cleanup"],
		DoCleanup: func(ctx context.Context, tx *gorm.DB) (int, error) {
			cutoff := time.Now().UTC().Add(-cfg.OldJobMaxAge)
			res := tx.
				Where("state IN ?", types.TerminalJobStates).
				Where("end_time < ?", cutoff).
				Delete(&types.Job{})
			if res.Error != nil {
				return 0, res.Error
			}
			return int(res.RowsAffected), nil
		},
	})
}

func releaseRows(tx *gorm.DB, rows []types.ResourceAllocation) (int, error) {
	now := time.Now().UTC()
	n := 0
	for _, a := range rows {
		if err := tx.Model(&types.ResourceAllocation{}).Where("id = ?", a.ID).Updates(map[string]interface{}{
			"status":      types.AllocReleased,
			"released_at": now,
		}).Error; err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
