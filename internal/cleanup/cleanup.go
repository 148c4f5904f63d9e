// Package cleanup runs a pluggable set of reconciliation strategies
// on an interval-driven schedule. Each strategy repairs one class of
// divergence between the jobs table, the allocations table, and the
// queue; the manager orders them by dependency and priority and keeps
// one strategy's failure from touching the others.
package cleanup

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/nodeforge/jobsched/internal/logger"
)

// Strategy is one reconciliation pass plus its scheduling metadata.
// BeforeExecute, AfterExecute, and OnError are optional; a nil hook is
// skipped.
type Strategy struct {
	Name        string
	Description string
	Interval    time.Duration
	Priority    int
	DependsOn   []string
	Tags        []string
	Enabled     bool

	// ShouldRun overrides the default interval-based check. Most
	// strategies leave this nil and rely on lastRun+Interval.
	ShouldRun func(now time.Time, lastRun time.Time) bool

	BeforeExecute func(ctx context.Context, tx *gorm.DB) (bool, error)
	// DoCleanup is the body; it runs inside a transaction and returns
	// the count of rows affected.
	DoCleanup func(ctx context.Context, tx *gorm.DB) (int, error)
	AfterExecute func(ctx context.Context, count int)
	OnError      func(ctx context.Context, err error)
}

func (s *Strategy) shouldRun(now, lastRun time.Time) bool {
	if s.ShouldRun != nil {
		return s.ShouldRun(now, lastRun)
	}
	if lastRun.IsZero() {
		return true
	}
	return now.Sub(lastRun) >= s.Interval
}

// Observer is notified after every strategy execution, success or
// failure. Implementations must not panic; the manager recovers and
// logs if one does, then continues.
type Observer func(result Result)

type Result struct {
	Strategy string
	Count    int
	Err      error
	Duration time.Duration
}

type Manager struct {
	db         *gorm.DB
	log        *logger.Logger
	strategies map[string]*Strategy
	lastRun    map[string]time.Time
	observers  []Observer
}

func NewManager(db *gorm.DB, log *logger.Logger) *Manager {
	return &Manager{
		db:         db,
		log:        log.With("component", "CleanupRegistry"),
		strategies: make(map[string]*Strategy),
		lastRun:    make(map[string]time.Time),
	}
}

// Register adds a strategy. Registration happens at assembly time:
// the manager's constructor caller registers the default set plus any
// extensions. A duplicate name is a caller bug and panics immediately
// rather than silently shadowing.
func (m *Manager) Register(s Strategy) {
	if _, exists := m.strategies[s.Name]; exists {
		panic(fmt.Sprintf("cleanup: duplicate strategy registration %q", s.Name))
	}
	cp := s
	m.strategies[s.Name] = &cp
}

func (m *Manager) AddObserver(o Observer) {
	m.observers = append(m.observers, o)
}

func (m *Manager) defaultObserver(r Result) {
	if r.Err != nil {
		m.log.Error("cleanup strategy failed", "strategy", r.Strategy, "error", r.Err, "duration_ms", r.Duration.Milliseconds())
		return
	}
	if r.Count > 0 {
		m.log.Info("cleanup strategy ran", "strategy", r.Strategy, "count", r.Count, "duration_ms", r.Duration.Milliseconds())
	}
}

// Run executes one tick: sort strategies topologically by DependsOn
// and then by Priority, and run each that is due, sequentially.
func (m *Manager) Run(ctx context.Context) {
	now := time.Now().UTC()
	for _, s := range m.ordered() {
		if !s.Enabled {
			continue
		}
		if !s.shouldRun(now, m.lastRun[s.Name]) {
			continue
		}
		m.runOne(ctx, s, now)
	}
}

func (m *Manager) runOne(ctx context.Context, s *Strategy, now time.Time) {
	start := time.Now()
	var count int
	var runErr error

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.BeforeExecute != nil {
			ok, err := s.BeforeExecute(ctx, tx)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if s.DoCleanup == nil {
			return nil
		}
		c, err := s.DoCleanup(ctx, tx)
		if err != nil {
			return err
		}
		count = c
		if count == 0 {
			return errSkipCommit
		}
		return nil
	})
	if err == errSkipCommit {
		err = nil
	}
	runErr = err

	m.lastRun[s.Name] = now

	if runErr != nil {
		if s.OnError != nil {
			s.OnError(ctx, runErr)
		}
	} else if s.AfterExecute != nil {
		s.AfterExecute(ctx, count)
	}

	m.notify(Result{Strategy: s.Name, Count: count, Err: runErr, Duration: time.Since(start)})
}

// errSkipCommit forces a rollback when DoCleanup touched nothing.
// gorm commits on a nil return and rolls back on any error; a
// count-of-zero pass has nothing worth committing.
var errSkipCommit = fmt.Errorf("cleanup: no rows affected, rolling back")

func (m *Manager) notify(r Result) {
	m.defaultObserver(r)
	for _, o := range m.observers {
		m.safeNotify(o, r)
	}
}

func (m *Manager) safeNotify(o Observer, r Result) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Error("cleanup observer panicked, continuing", "panic", p)
		}
	}()
	o(r)
}

// ordered topologically sorts strategies by DependsOn, breaking ties
// by Priority (lower first), then by name for determinism.
func (m *Manager) ordered() []*Strategy {
	names := make([]string, 0, len(m.strategies))
	for n := range m.strategies {
		names = append(names, n)
	}
	sort.Strings(names)

	visited := make(map[string]bool, len(names))
	var out []*Strategy
	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true
		s, ok := m.strategies[name]
		if !ok {
			return
		}
		deps := append([]string(nil), s.DependsOn...)
		sort.Strings(deps)
		for _, d := range deps {
			visit(d)
		}
		out = append(out, s)
	}

	sort.SliceStable(names, func(i, j int) bool {
		return m.strategies[names[i]].Priority < m.strategies[names[j]].Priority
	})
	for _, n := range names {
		visit(n)
	}
	return out
}
