// Package app is the composition root: it wires logger, config, the
// durable and fast stores, every repository and service, and exposes
// Start/Close lifecycle methods role-gated the way cmd/jobsched needs.
// Nothing here is a package-level mutable global; everything is built
// per process in New.
package app

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nodeforge/jobsched/internal/cache"
	"github.com/nodeforge/jobsched/internal/cleanup"
	"github.com/nodeforge/jobsched/internal/config"
	"github.com/nodeforge/jobsched/internal/db"
	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/queue"
	"github.com/nodeforge/jobsched/internal/recovery"
	"github.com/nodeforge/jobsched/internal/registry"
	"github.com/nodeforge/jobsched/internal/repos"
	"github.com/nodeforge/jobsched/internal/resources"
	"github.com/nodeforge/jobsched/internal/scheduler"
	"github.com/nodeforge/jobsched/internal/submit"
	"github.com/nodeforge/jobsched/internal/supervisor"
	"github.com/nodeforge/jobsched/internal/workerpool"
)

// Role selects which long-lived loops Start launches.
type Role string

const (
	RoleAll       Role = "all"
	RoleScheduler Role = "scheduler"
	RoleWorker    Role = "worker"
)

type App struct {
	Config config.Config
	Log    *logger.Logger

	DB    *db.Service
	Redis *goredis.Client

	Jobs  repos.JobRepo
	Alloc repos.AllocationRepo

	Registry  registry.Registry
	Cache     cache.AllocatedCPUsCache
	Resources resources.Manager
	Queue     queue.Queue
	Sup       *supervisor.Supervisor

	Scheduler *scheduler.Scheduler
	Pool      *workerpool.Pool
	Cleanup   *cleanup.Manager
	Recovery  *recovery.Recovery
	Submit    *submit.Facade
}

// New builds the full dependency graph but starts nothing.
func New(cfg config.Config, log *logger.Logger, workerID string) (*App, error) {
	database, err := db.New(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if err := database.AutoMigrateAll(); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})

	jobs := repos.NewJobRepo(database.DB(), log)
	alloc := repos.NewAllocationRepo(database.DB(), log)
	reg := registry.New(rdb, log)
	cpuCache := cache.New(rdb)
	resMgr := resources.NewManager(alloc, reg, cpuCache, log)
	q := queue.New(rdb, cfg.QueueName, log)
	sup := supervisor.New(cfg.ScriptDir)

	sched := scheduler.New(scheduler.Config{
		Interval: time.Duration(cfg.SchedulerIntervalSeconds) * time.Second,
		NodeName: cfg.NodeName,
	}, jobs, resMgr, q, log)

	if workerID == "" {
		workerID = cfg.NodeName
	}
	poolCfg := workerpool.DefaultConfig()
	poolCfg.WorkerID = workerID
	poolCfg.NodeName = cfg.NodeName
	poolCfg.TotalCPUs = cfg.TotalCPUs
	poolCfg.HeartbeatInterval = time.Duration(cfg.WorkerHeartbeatIntervalSeconds) * time.Second
	poolCfg.PresenceTTL = time.Duration(cfg.WorkerPresenceTTLSeconds) * time.Second
	pool := workerpool.New(poolCfg, jobs, alloc, resMgr, reg, q, sup, log)

	cleanupMgr := cleanup.NewManager(database.DB(), log)
	cleanup.RegisterDefaults(cleanupMgr, cleanup.StrategyConfig{
		StaleReservationMaxAge: time.Duration(cfg.StaleReservationMaxAgeMinutes) * time.Minute,
		StuckJobMaxAge:         time.Duration(cfg.StuckJobMaxAgeHours) * time.Hour,
		OldJobMaxAge:           30 * 24 * time.Hour,
		Enabled:                cfg.CleanupStrategiesEnabled,
	}, q, log)
	// Cleanup strategies mutate allocation rows with raw store writes;
	// resync the cache counter whenever one of them touched anything so
	// freed capacity is visible before the next periodic sync.
	cleanupMgr.AddObserver(func(r cleanup.Result) {
		if r.Err != nil || r.Count == 0 {
			return
		}
		if err := resMgr.SyncFromStore(context.Background()); err != nil {
			log.Warn("cache resync after cleanup failed", "strategy", r.Strategy, "error", err)
		}
	})

	rec := recovery.New(recovery.Config{
		MaxRuntime: time.Duration(cfg.OrphanProbeTimeoutHours) * time.Hour,
	}, jobs, alloc, resMgr, q, log)

	facade := submit.New(jobs, alloc, resMgr, q, log)

	return &App{
		Config:    cfg,
		Log:       log,
		DB:        database,
		Redis:     rdb,
		Jobs:      jobs,
		Alloc:     alloc,
		Registry:  reg,
		Cache:     cpuCache,
		Resources: resMgr,
		Queue:     q,
		Sup:       sup,
		Scheduler: sched,
		Pool:      pool,
		Cleanup:   cleanupMgr,
		Recovery:  rec,
		Submit:    facade,
	}, nil
}

// Start launches the long-lived loops for role and blocks until ctx
// is cancelled. Recovery always runs once up front regardless of
// role; a scheduler process restarting needs the same reconciliation
// a worker does.
func (a *App) Start(ctx context.Context, role Role) error {
	if err := a.Resources.InitCache(ctx); err != nil {
		a.Log.Warn("initial resource cache sync failed", "error", err)
	}
	a.Recovery.Run(ctx)

	switch role {
	case RoleScheduler:
		go a.Scheduler.Run(ctx)
		go a.runCleanupLoop(ctx)
	case RoleWorker:
		if err := a.Pool.Start(ctx); err != nil {
			return fmt.Errorf("worker pool start: %w", err)
		}
	default: // RoleAll
		go a.Scheduler.Run(ctx)
		go a.runCleanupLoop(ctx)
		if err := a.Pool.Start(ctx); err != nil {
			return fmt.Errorf("worker pool start: %w", err)
		}
	}

	go a.runResourceSyncLoop(ctx)

	<-ctx.Done()
	if role == RoleWorker || role == RoleAll {
		a.Pool.Stop(context.Background())
	}
	return nil
}

// runCleanupLoop drives the cleanup registry on a fixed tick; the
// manager itself decides per-strategy whether enough time has passed.
func (a *App) runCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Cleanup.Run(ctx)
		}
	}
}

// runResourceSyncLoop periodically overwrites the cache counter with
// the store's authoritative sum, bounding how long any drift can
// live.
func (a *App) runResourceSyncLoop(ctx context.Context) {
	interval := time.Duration(a.Config.ResourceSyncIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Resources.SyncFromStore(ctx); err != nil {
				a.Log.Warn("resource cache sync failed", "error", err)
			}
		}
	}
}

func (a *App) Close() error {
	return a.Redis.Close()
}
