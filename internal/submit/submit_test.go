package submit

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

type fakeRegistry struct{}

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
func (f *fakeRegistry) TotalCPUs(ctx context.Context) (int, error) { return 8, nil }

var _ registry.Registry = (*fakeRegistry)(nil)

type fakeCache struct{ v int }

func (c *fakeCache) Get(ctx context.Context) (int, bool, error) { return c.v, true, nil }
func (c *fakeCache) Set(ctx context.Context, v int) error       { c.v = v; return nil }
func (c *fakeCache) Incr(ctx context.Context, delta int) (int64, error) {
	c.v += delta
	return int64(c.v), nil
}
func (c *fakeCache) Decr(ctx context.Context, delta int) (int64, error) {
	c.v -= delta
	return int64(c.v), nil
}

type fakeQueue struct{ enqueued []uint }

func (f *fakeQueue) Enqueue(ctx context.Context, jobID uint, ttl time.Duration) (bool, error) {
	f.enqueued = append(f.enqueued, jobID)
	return true, nil
}
func (f *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*queue.WorkItem, error) {
	return nil, queue.ErrEmpty
}

var _ queue.Queue = (*fakeQueue)(nil)

func newFacade(t *testing.T) (*Facade, repos.JobRepo, *fakeQueue) {
	db := newTestDB(t)
	jobs := repos.NewJobRepo(db, logger.Noop())
	alloc := repos.NewAllocationRepo(db, logger.Noop())
	resMgr := resources.NewManager(alloc, &fakeRegistry{}, &fakeCache{}, logger.Noop())
	fq := &fakeQueue{}
	return New(jobs, alloc, resMgr, fq, logger.Noop()), jobs, fq
}

func TestFacade_Submit_CreatesPendingJobAndEnqueues(t *testing.T) {
	f, jobs, fq := newFacade(t)
	ctx := context.Background()

	id, err := f.Submit(ctx, JobSpec{NTasksPerNode: 2, CPUsPerTask: 2}, "#!/bin/bash\necho hi\n")
	require.NoError(t, err)

	job, err := jobs.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.JobPending, job.State)
	require.Equal(t, 4, job.TotalCPUsRequired())

	// the work item goes onto the execution queue at submit time; a
	// worker may well dequeue it before the scheduler admits the job.
	require.Equal(t, []uint{id}, fq.enqueued)
}

func TestFacade_Submit_RejectsZeroResources(t *testing.T) {
	f, _, _ := newFacade(t)
	_, err := f.Submit(context.Background(), JobSpec{NTasksPerNode: 0, CPUsPerTask: 1}, "echo hi")
	require.Error(t, err)
}

func TestFacade_Query_AbsentOutputFilesAreEmptyNotError(t *testing.T) {
	f, _, _ := newFacade(t)
	ctx := context.Background()

	dir := t.TempDir()
	id, err := f.Submit(ctx, JobSpec{
		NTasksPerNode: 1, CPUsPerTask: 1,
		StdoutPath: filepath.Join(dir, "does-not-exist.out"),
	}, "echo hi")
	require.NoError(t, err)

	view, err := f.Query(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "", view.Stdout)
	require.Equal(t, "", view.Stderr)
}

func TestFacade_Query_ReadsDeclaredOutputFiles(t *testing.T) {
	f, _, _ := newFacade(t)
	ctx := context.Background()

	dir := t.TempDir()
	stdoutPath := filepath.Join(dir, "job.out")
	require.NoError(t, os.WriteFile(stdoutPath, []byte("hello world\n"), 0644))

	id, err := f.Submit(ctx, JobSpec{NTasksPerNode: 1, CPUsPerTask: 1, StdoutPath: stdoutPath}, "echo hi")
	require.NoError(t, err)

	view, err := f.Query(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "hello world\n", view.Stdout)
}

// Cancelling twice must not error or change state a second time.
func TestFacade_Cancel_Idempotent(t *testing.T) {
	f, jobs, _ := newFacade(t)
	ctx := context.Background()

	id, err := f.Submit(ctx, JobSpec{NTasksPerNode: 1, CPUsPerTask: 1}, "echo hi")
	require.NoError(t, err)

	require.NoError(t, f.Cancel(ctx, id))
	job, err := jobs.GetByID(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.JobCancelled, job.State)
	require.Equal(t, "-1:15", job.ExitCode)

	// second cancel: terminal job, no-op success.
	require.NoError(t, f.Cancel(ctx, id))
}

func TestFacade_Cancel_NotFound(t *testing.T) {
	f, _, _ := newFacade(t)
	err := f.Cancel(context.Background(), 99999)
	require.Error(t, err)
}

func TestFacade_Dashboard_AggregatesCounts(t *testing.T) {
	f, jobs, _ := newFacade(t)
	ctx := context.Background()

	_, err := f.Submit(ctx, JobSpec{NTasksPerNode: 1, CPUsPerTask: 1}, "echo hi")
	require.NoError(t, err)
	id2, err := f.Submit(ctx, JobSpec{NTasksPerNode: 1, CPUsPerTask: 1}, "echo hi")
	require.NoError(t, err)
	require.NoError(t, jobs.UpdateFields(ctx, id2, map[string]interface{}{"state": types.JobRunning, "node_list": "node-a"}))

	stats, err := f.Dashboard(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.CountsByState[types.JobPending])
	require.EqualValues(t, 1, stats.CountsByState[types.JobRunning])
	require.Equal(t, 8, stats.TotalCPUs)
	require.Contains(t, stats.Nodes, "node-a")
}
