package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nodeforge/jobsched/internal/cache"
	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/queue"
	"github.com/nodeforge/jobsched/internal/registry"
	"github.com/nodeforge/jobsched/internal/repos"
	"github.com/nodeforge/jobsched/internal/resources"
	"github.com/nodeforge/jobsched/internal/types"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Job{}, &types.ResourceAllocation{}))
	return db
}

// fakeRegistry reports a fixed total capacity, standing in for the
// worker registry's live-worker scan.
type fakeRegistry struct{ total int }

func (f *fakeRegistry) Register(ctx context.Context, workerID string, cpus int, hostname string, ttl time.Duration) error {
	return nil
}
func (f *fakeRegistry) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return nil
}
func (f *fakeRegistry) Unregister(ctx context.Context, workerID string) error { return nil }
func (f *fakeRegistry) ListAlive(ctx context.Context) ([]types.WorkerPresence, error) {
	return nil, nil
}
func (f *fakeRegistry) TotalCPUs(ctx context.Context) (int, error) { return f.total, nil }

// fakeCache is an in-process stand-in for the redis-backed
// allocated_cpus counter.
type fakeCache struct{ v int }

func (c *fakeCache) Get(ctx context.Context) (int, bool, error) { return c.v, true, nil }
func (c *fakeCache) Set(ctx context.Context, v int) error       { c.v = v; return nil }
func (c *fakeCache) Incr(ctx context.Context, delta int) (int64, error) {
	c.v += delta
	return int64(c.v), nil
}
func (c *fakeCache) Decr(ctx context.Context, delta int) (int64, error) {
	c.v -= delta
	if c.v < 0 {
		c.v = 0
	}
	return int64(c.v), nil
}

var _ cache.AllocatedCPUsCache = (*fakeCache)(nil)
var _ registry.Registry = (*fakeRegistry)(nil)

// fakeQueue records enqueue calls and always reports success.
type fakeQueue struct{ enqueued []uint }

func (f *fakeQueue) Enqueue(ctx context.Context, jobID uint, ttl time.Duration) (bool, error) {
	f.enqueued = append(f.enqueued, jobID)
	return true, nil
}
func (f *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.WorkItem, error) {
	return nil, queue.ErrEmpty
}

var _ queue.Queue = (*fakeQueue)(nil)

func setup(t *testing.T, totalCPUs int) (*Scheduler, repos.JobRepo, *fakeQueue) {
	db := newTestDB(t)
	jobs := repos.NewJobRepo(db, logger.Noop())
	alloc := repos.NewAllocationRepo(db, logger.Noop())
	reg := &fakeRegistry{total: totalCPUs}
	c := &fakeCache{}
	resMgr := resources.NewManager(alloc, reg, c, logger.Noop())
	q := &fakeQueue{}
	s := New(Config{Interval: time.Hour, NodeName: "node-a"}, jobs, resMgr, q, logger.Noop())
	return s, jobs, q
}

func TestScheduler_SkipsTickWithZeroCapacity(t *testing.T) {
	s, jobs, q := setup(t, 0)
	ctx := context.Background()
	_, err := jobs.Create(ctx, &types.Job{NTasksPerNode: 1, CPUsPerTask: 1})
	require.NoError(t, err)

	s.tick(ctx)

	require.Empty(t, q.enqueued)
	pending, err := jobs.ListPendingBySubmitTime(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1) // left untouched
}

// A large job at the head of the queue that doesn't fit must not
// block a smaller job behind it from being admitted in the same tick:
// first-fit, not head-of-line blocking.
func TestScheduler_FirstFit(t *testing.T) {
	s, jobs, q := setup(t, 4)
	ctx := context.Background()

	big, err := jobs.Create(ctx, &types.Job{NTasksPerNode: 1, CPUsPerTask: 8, SubmitTime: time.Now().UTC().Add(-time.Minute)})
	require.NoError(t, err)
	small, err := jobs.Create(ctx, &types.Job{NTasksPerNode: 1, CPUsPerTask: 2, SubmitTime: time.Now().UTC()})
	require.NoError(t, err)

	s.tick(ctx)

	gotBig, err := jobs.GetByID(ctx, big.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobPending, gotBig.State)

	gotSmall, err := jobs.GetByID(ctx, small.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobRunning, gotSmall.State)

	require.Equal(t, []uint{small.ID}, q.enqueued)
}

func TestScheduler_AdmitsWithinCapacityBudgetPerTick(t *testing.T) {
	s, jobs, q := setup(t, 4)
	ctx := context.Background()

	var ids []uint
	for i := 0; i < 3; i++ {
		j, err := jobs.Create(ctx, &types.Job{NTasksPerNode: 1, CPUsPerTask: 2, SubmitTime: time.Now().UTC().Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}

	s.tick(ctx)

	// only the first two (2+2=4) fit; the third stays pending.
	require.ElementsMatch(t, []uint{ids[0], ids[1]}, q.enqueued)

	gotThird, err := jobs.GetByID(ctx, ids[2])
	require.NoError(t, err)
	require.Equal(t, types.JobPending, gotThird.State)
}
