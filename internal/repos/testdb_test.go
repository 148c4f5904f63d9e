package repos

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nodeforge/jobsched/internal/logger"
	"github.com/nodeforge/jobsched/internal/types"
)

// newTestDB gives each test its own named in-memory sqlite database.
// cache=shared plus a unique name keeps gorm's connection pool (which
// opens more than one connection) talking to the same database
// without leaking state across tests the way a single shared
// ":memory:" name would.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Job{}, &types.ResourceAllocation{}))
	return db
}

func testLog() *logger.Logger { return logger.Noop() }
