// Package queue is the execution queue between scheduler and worker
// pool: at-least-once delivery with a dedupe-by-id property. An
// enqueue whose queue id is already present is rejected, not
// re-delivered, so crash-recovery paths can re-enqueue freely.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nodeforge/jobsched/internal/logger"
)

// WorkItem carries the single argument the worker pool's execution
// entry point needs.
type WorkItem struct {
	QueueID string `json:"queue_id"`
	JobID   uint   `json:"job_id"`
}

var ErrEmpty = errors.New("jobsched: queue empty")

type Queue interface {
	// Enqueue pushes a work item for jobID under the deterministic
	// queue id job_<id>. If that id was already enqueued within ttl,
	// this is a no-op (returns (false, nil)) — callers like the
	// scheduler and pending_job_recovery rely on this to re-enqueue
	// freely without creating duplicate work.
	Enqueue(ctx context.Context, jobID uint, dedupeTTL time.Duration) (enqueued bool, err error)
	// Dequeue blocks up to timeout for a work item. Returns ErrEmpty
	// on timeout, never as a hard failure.
	Dequeue(ctx context.Context, timeout time.Duration) (*WorkItem, error)
}

type redisQueue struct {
	rdb  *goredis.Client
	name string
	log  *logger.Logger
}

func New(rdb *goredis.Client, queueName string, log *logger.Logger) Queue {
	return &redisQueue{rdb: rdb, name: queueName, log: log.With("component", "ExecutionQueue", "queue", queueName)}
}

func dedupeKey(name, queueID string) string { return "jobsched:qdedupe:" + name + ":" + queueID }

func QueueIDForJob(jobID uint) string {
	return "job_" + strconv.FormatUint(uint64(jobID), 10)
}

func (q *redisQueue) Enqueue(ctx context.Context, jobID uint, dedupeTTL time.Duration) (bool, error) {
	queueID := QueueIDForJob(jobID)
	ok, err := q.rdb.SetNX(ctx, dedupeKey(q.name, queueID), "1", dedupeTTL).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		q.log.Debug("enqueue deduped", "queue_id", queueID, "job_id", jobID)
		return false, nil
	}
	item := WorkItem{QueueID: queueID, JobID: jobID}
	raw, err := json.Marshal(item)
	if err != nil {
		return false, err
	}
	if err := q.rdb.LPush(ctx, q.name, raw).Err(); err != nil {
		// undo the dedupe marker so a future enqueue attempt isn't
		// permanently blocked by this failed push.
		_ = q.rdb.Del(ctx, dedupeKey(q.name, queueID)).Err()
		return false, err
	}
	return true, nil
}

func (q *redisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*WorkItem, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.name).Result()
	if err == goredis.Nil {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, ErrEmpty
	}
	var item WorkItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		return nil, err
	}
	return &item, nil
}
