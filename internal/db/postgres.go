// Package db bootstraps the durable store connection and the schema
// it expects: the jobs and resource_allocations tables.
package db

import (
	"fmt"
	glog "log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nodeforge/jobsched/internal/config"
	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/types"
)

type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

// New connects to Postgres using cfg and returns a Service wrapping
// the *gorm.DB. GORM's own query logger is set to Warn-and-above with
// record-not-found suppressed — the scheduler and cleanup queries
// that find nothing are the overwhelmingly common case, not worth
// spamming logs over.
func New(cfg config.Config, log *logger.Logger) (*Service, error) {
	serviceLog := log.With("component", "db.Service")

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.PostgresUser, cfg.PostgresPassword, cfg.PostgresHost, cfg.PostgresPort, cfg.PostgresDB,
	)

	gormLog := gormlogger.New(
		glog.New(os.Stdout, "\r\n", glog.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	conn, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   gormLog,
	})
	if err != nil {
		serviceLog.Error("connect to postgres failed", "error", err)
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	return &Service{db: conn, log: serviceLog}, nil
}

// AutoMigrateAll creates/updates the jobs and resource_allocations
// tables and their indexes. The status index carries the cleanup
// queries; the job_id unique index enforces one allocation per job.
func (s *Service) AutoMigrateAll() error {
	s.log.Info("auto-migrating schema")
	if err := s.db.AutoMigrate(&types.Job{}, &types.ResourceAllocation{}); err != nil {
		s.log.Error("automigrate failed", "error", err)
		return err
	}
	return nil
}

func (s *Service) DB() *gorm.DB { return s.db }
