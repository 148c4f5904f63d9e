// Package workerpool drains the execution queue: N goroutines per
// process, each loading a job, claiming its allocation, supervising
// the child process, and walking the job to a terminal state.
package workerpool

import (
	"context"
	"fmt"
	"time"

	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/queue"
	"github.com/nodeforge/jobsched/internal/registry"
	"github.com/nodeforge/jobsched/internal/repos"
	"github.com/nodeforge/jobsched/internal/resources"
	"github.com/nodeforge/jobsched/internal/supervisor"
)

type Config struct {
	WorkerID            string
	NodeName            string
	TotalCPUs           int
	Concurrency         int
	HeartbeatInterval   time.Duration
	PresenceTTL         time.Duration
	PendingPollInterval time.Duration
	PendingPollBound    time.Duration
	DequeueTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:         4,
		HeartbeatInterval:   30 * time.Second,
		PresenceTTL:         60 * time.Second,
		PendingPollInterval: 1 * time.Second,
		PendingPollBound:    1 * time.Hour,
		DequeueTimeout:      2 * time.Second,
	}
}

type Pool struct {
	cfg   Config
	jobs  repos.JobRepo
	alloc repos.AllocationRepo
	res   resources.Manager
	reg   registry.Registry
	q     queue.Queue
	sup   *supervisor.Supervisor
	log   *logger.Logger
}

func New(cfg Config, jobs repos.JobRepo, alloc repos.AllocationRepo, res resources.Manager, reg registry.Registry, q queue.Queue, sup *supervisor.Supervisor, log *logger.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pool{
		cfg:   cfg,
		jobs:  jobs,
		alloc: alloc,
		res:   res,
		reg:   reg,
		q:     q,
		sup:   sup,
		log:   log.With("component", "WorkerPool", "worker_id", cfg.WorkerID),
	}
}

// Start registers this worker's presence, begins heartbeating, and
// launches cfg.Concurrency dequeue goroutines. It returns once the
// worker has registered; goroutines run until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	// A worker restarting after an unclean exit may find a stale
	// presence record under its own name; drop it before registering
	// fresh.
	if err := p.reg.Unregister(ctx, p.cfg.WorkerID); err != nil {
		p.log.Warn("pre-start unregister failed (continuing)", "error", err)
	}
	if err := p.reg.Register(ctx, p.cfg.WorkerID, p.cfg.TotalCPUs, p.cfg.NodeName, p.cfg.PresenceTTL); err != nil {
		return fmt.Errorf("register worker presence: %w", err)
	}

	go p.heartbeatLoop(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		go p.dequeueLoop(ctx)
	}
	return nil
}

// Stop unregisters this worker's presence, the clean-shutdown path.
// On a crash the TTL expires the record instead.
func (p *Pool) Stop(ctx context.Context) {
	if err := p.reg.Unregister(ctx, p.cfg.WorkerID); err != nil {
		p.log.Warn("unregister on stop failed", "error", err)
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.reg.Heartbeat(ctx, p.cfg.WorkerID, p.cfg.PresenceTTL); err != nil {
				p.log.Warn("heartbeat failed, presence may expire", "error", err)
			}
		}
	}
}

func (p *Pool) dequeueLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		item, err := p.q.Dequeue(ctx, p.cfg.DequeueTimeout)
		if err != nil {
			if err == queue.ErrEmpty {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("dequeue failed", "error", err)
			continue
		}
		p.runOne(ctx, item.JobID)
	}
}
