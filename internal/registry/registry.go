// Package registry tracks worker liveness: a TTL-backed presence
// hash per worker in Redis, scanned to compute total live capacity.
// A worker that stops heartbeating simply expires; no external
// liveness check exists.
package registry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nodeforge/jobsched/internal/errs"
	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/types"
)

const keyPrefix = "worker:"

type Registry interface {
	Register(ctx context.Context, workerID string, cpus int, hostname string, ttl time.Duration) error
	Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error
	Unregister(ctx context.Context, workerID string) error
	ListAlive(ctx context.Context) ([]types.WorkerPresence, error)
	// TotalCPUs sums advertised CPUs across alive workers. On a
	// store outage it returns errs.ErrNoCapacity so callers can fall
	// back to treating the cluster as zero-capacity rather than crash.
	TotalCPUs(ctx context.Context) (int, error)
}

type redisRegistry struct {
	rdb *goredis.Client
	log *logger.Logger
}

func New(rdb *goredis.Client, log *logger.Logger) Registry {
	return &redisRegistry{rdb: rdb, log: log.With("component", "WorkerRegistry")}
}

func key(workerID string) string { return keyPrefix + workerID }

func (r *redisRegistry) Register(ctx context.Context, workerID string, cpus int, hostname string, ttl time.Duration) error {
	now := time.Now().UTC().Format(time.RFC3339)
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key(workerID), map[string]interface{}{
		"worker_id":      workerID,
		"cpus":           cpus,
		"status":         "alive",
		"hostname":       hostname,
		"registered_at":  now,
		"last_heartbeat": now,
	})
	pipe.Expire(ctx, key(workerID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes the TTL and last-heartbeat timestamp. It is
// idempotent and cheap, one EXISTS plus one pipelined HSET/EXPIRE.
func (r *redisRegistry) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	n, err := r.rdb.Exists(ctx, key(workerID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("worker %s not registered", workerID)
	}
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, key(workerID), "last_heartbeat", time.Now().UTC().Format(time.RFC3339))
	pipe.Expire(ctx, key(workerID), ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisRegistry) Unregister(ctx context.Context, workerID string) error {
	return r.rdb.Del(ctx, key(workerID)).Err()
}

func (r *redisRegistry) ListAlive(ctx context.Context) ([]types.WorkerPresence, error) {
	var out []types.WorkerPresence
	iter := r.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		fields, err := r.rdb.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue // expired between SCAN and HGETALL; not alive.
		}
		p, err := presenceFromHash(fields)
		if err != nil {
			r.log.Warn("bad worker presence hash, skipping", "key", iter.Val(), "error", err)
			continue
		}
		out = append(out, p)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *redisRegistry) TotalCPUs(ctx context.Context) (int, error) {
	workers, err := r.ListAlive(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrNoCapacity, err)
	}
	total := 0
	for _, w := range workers {
		total += w.CPUs
	}
	return total, nil
}

func presenceFromHash(fields map[string]string) (types.WorkerPresence, error) {
	cpus, err := strconv.Atoi(fields["cpus"])
	if err != nil {
		return types.WorkerPresence{}, fmt.Errorf("cpus field: %w", err)
	}
	registeredAt, _ := time.Parse(time.RFC3339, fields["registered_at"])
	lastHeartbeat, _ := time.Parse(time.RFC3339, fields["last_heartbeat"])
	return types.WorkerPresence{
		WorkerID:      fields["worker_id"],
		CPUs:          cpus,
		Status:        fields["status"],
		Hostname:      fields["hostname"],
		RegisteredAt:  registeredAt,
		LastHeartbeat: lastHeartbeat,
	}, nil
}
