// Package resources is the single coordinated entry point for
// capacity questions and mutations, composing the allocation
// repository, the worker registry, and the fast allocated_cpus cache.
package resources

import (
	"context"

	"github.com/nodeforge/jobsched/internal/cache"
	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/registry"
	"github.com/nodeforge/jobsched/internal/repos"
)

type Manager interface {
	TotalCPUs(ctx context.Context) (int, error)
	AllocatedCPUs(ctx context.Context) (int, error)
	AvailableCPUs(ctx context.Context) (int, error)
	OnTransitionToAllocated(ctx context.Context, cpus int) error
	OnReleaseFromAllocated(ctx context.Context, cpus int) error
	SyncFromStore(ctx context.Context) error
	InitCache(ctx context.Context) error
}

type manager struct {
	repo     repos.AllocationRepo
	registry registry.Registry
	cache    cache.AllocatedCPUsCache
	log      *logger.Logger
}

func NewManager(repo repos.AllocationRepo, reg registry.Registry, c cache.AllocatedCPUsCache, log *logger.Logger) Manager {
	return &manager{repo: repo, registry: reg, cache: c, log: log.With("component", "ResourceManager")}
}

func (m *manager) TotalCPUs(ctx context.Context) (int, error) {
	total, err := m.registry.TotalCPUs(ctx)
	if err != nil {
		// An unreachable registry means no admissions this tick, not
		// a crashed scheduler.
		m.log.Warn("worker registry unreachable, treating cluster as zero-capacity", "error", err)
		return 0, nil
	}
	return total, nil
}

// AllocatedCPUs reads the cache; on a cache miss it falls back to the
// repository's authoritative sum and seeds the cache.
func (m *manager) AllocatedCPUs(ctx context.Context) (int, error) {
	v, ok, err := m.cache.Get(ctx)
	if err == nil && ok {
		return v, nil
	}
	if err != nil {
		m.log.Warn("cache read failed, falling back to store", "error", err)
	}
	sum, err := m.repo.SumAllocatedCPUs(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.cache.Set(ctx, sum); err != nil {
		m.log.Warn("cache seed failed after store fallback", "error", err)
	}
	return sum, nil
}

func (m *manager) AvailableCPUs(ctx context.Context) (int, error) {
	total, err := m.TotalCPUs(ctx)
	if err != nil {
		return 0, err
	}
	allocated, err := m.AllocatedCPUs(ctx)
	if err != nil {
		return 0, err
	}
	avail := total - allocated
	if avail < 0 {
		avail = 0
	}
	return avail, nil
}

func (m *manager) OnTransitionToAllocated(ctx context.Context, cpus int) error {
	_, err := m.cache.Incr(ctx, cpus)
	return err
}

func (m *manager) OnReleaseFromAllocated(ctx context.Context, cpus int) error {
	_, err := m.cache.Decr(ctx, cpus)
	return err
}

func (m *manager) SyncFromStore(ctx context.Context) error {
	sum, err := m.repo.SumAllocatedCPUs(ctx)
	if err != nil {
		return err
	}
	return m.cache.Set(ctx, sum)
}

func (m *manager) InitCache(ctx context.Context) error {
	return m.SyncFromStore(ctx)
}
