package workerpool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/queue"
	"github.com/nodeforge/jobsched/internal/repos"
	"github.com/nodeforge/jobsched/internal/resources"
	"github.com/nodeforge/jobsched/internal/supervisor"
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

type fakeQueue struct{}

func (f *fakeQueue) Enqueue(ctx context.Context, jobID uint, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.WorkItem, error) {
	return nil, queue.ErrEmpty
}

type fixture struct {
	pool  *Pool
	jobs  repos.JobRepo
	alloc repos.AllocationRepo
	c     *fakeCache
	dir   string
}

func newFixture(t *testing.T) *fixture {
	db := newTestDB(t)
	jobs := repos.NewJobRepo(db, logger.Noop())
	alloc := repos.NewAllocationRepo(db, logger.Noop())
	c := &fakeCache{}
	res := resources.NewManager(alloc, &fakeRegistry{total: 8}, c, logger.Noop())
	dir := t.TempDir()
	sup := supervisor.New(filepath.Join(dir, "scripts"))

	cfg := DefaultConfig()
	cfg.WorkerID = "worker-test"
	cfg.NodeName = "node-test"
	cfg.TotalCPUs = 8
	cfg.PendingPollInterval = 10 * time.Millisecond
	cfg.PendingPollBound = time.Second

	pool := New(cfg, jobs, alloc, res, &fakeRegistry{total: 8}, &fakeQueue{}, sup, logger.Noop())
	return &fixture{pool: pool, jobs: jobs, alloc: alloc, c: c, dir: dir}
}

// admit seeds a job the way the scheduler would: state running with a
// reserved allocation.
func (fx *fixture) admit(t *testing.T, script string, cpus int) *types.Job {
	t.Helper()
	ctx := context.Background()
	job, err := fx.jobs.Create(ctx, &types.Job{
		Script:        script,
		WorkDir:       fx.dir,
		StdoutPath:    filepath.Join(fx.dir, "job.out"),
		StderrPath:    filepath.Join(fx.dir, "job.err"),
		NTasksPerNode: 1,
		CPUsPerTask:   cpus,
	})
	require.NoError(t, err)
	_, _, err = fx.jobs.ReserveAndRun(ctx, job.ID, cpus, "node-test")
	require.NoError(t, err)
	return job
}

// The full happy path: the reserved allocation becomes allocated (the
// cache counting it), the script runs, and the allocation is released
// before the job goes terminal, returning the capacity.
func TestRunOne_CompletesJobAndReleasesCapacity(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	job := fx.admit(t, "echo done", 2)

	fx.pool.runOne(ctx, job.ID)

	got, err := fx.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCompleted, got.State)
	require.Equal(t, "0:0", got.ExitCode)
	require.NotNil(t, got.EndTime)

	gotAlloc, err := fx.alloc.GetByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, types.AllocReleased, gotAlloc.Status)
	require.NotNil(t, gotAlloc.ProcessID)

	require.Equal(t, 0, fx.c.v)
}

func TestRunOne_FailingScriptMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	job := fx.admit(t, "exit 7", 1)

	fx.pool.runOne(ctx, job.ID)

	got, err := fx.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobFailed, got.State)
	require.Equal(t, "7:0", got.ExitCode)
	require.NotEmpty(t, got.ErrorMsg)

	gotAlloc, err := fx.alloc.GetByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, types.AllocReleased, gotAlloc.Status)
}

// A duplicate work item for a job that already finished is dropped
// without touching anything.
func TestRunOne_TerminalJobDropsWorkItem(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	job := fx.admit(t, "echo done", 1)
	fx.pool.runOne(ctx, job.ID)

	before, err := fx.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)

	fx.pool.runOne(ctx, job.ID)

	after, err := fx.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, before.State, after.State)
	require.Equal(t, before.ExitCode, after.ExitCode)
}

func TestRunOne_MissingJobIsDropped(t *testing.T) {
	fx := newFixture(t)
	fx.pool.runOne(context.Background(), 424242) // must not panic or write anything
}

// A job cancelled while the worker was finishing keeps its cancelled
// state and exit code; the worker only releases the allocation.
func TestFinishTerminal_DoesNotOverwriteCancelled(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	job := fx.admit(t, "echo done", 2)
	_, _, err := fx.alloc.TransitionToAllocated(ctx, job.ID)
	require.NoError(t, err)
	fx.c.v = 2

	require.NoError(t, fx.jobs.UpdateFields(ctx, job.ID, map[string]interface{}{
		"state":     types.JobCancelled,
		"exit_code": "-1:15",
	}))

	fx.pool.finishTerminal(ctx, job.ID, types.JobFailed, "-1:15", "script exited with code -1 signal 15")

	got, err := fx.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, types.JobCancelled, got.State)
	require.Equal(t, "-1:15", got.ExitCode)

	gotAlloc, err := fx.alloc.GetByJobID(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, types.AllocReleased, gotAlloc.Status)
	require.Equal(t, 0, fx.c.v)
}

// Stdout lands where the job declared it.
func TestRunOne_WritesDeclaredStdout(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	job := fx.admit(t, "echo streamed-output", 1)

	fx.pool.runOne(ctx, job.ID)

	raw, err := os.ReadFile(filepath.Join(fx.dir, "job.out"))
	require.NoError(t, err)
	require.Equal(t, "streamed-output\n", string(raw))
}
