package sql_test

import (
	"context"
	"path/filepath"
	"testing"

	labsql "github.com/aretw0/labrun/pkg/adapters/sql"
	"github.com/aretw0/labrun/pkg/domain"
	"github.com/aretw0/labrun/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newStore(t *testing.T) *labsql.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "labrun.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store, err := labsql.New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStore_Contract(t *testing.T) {
	ports.RunStoreContract(t, newStore(t))
}

func TestSQLStore_CallLogIsInsertOnly(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	entry := domain.FunctionCallLogEntry{CallID: "c1", RunID: "r1", Sequence: 1, MethodName: "aspirate", Status: domain.CallSuccess}
	require.NoError(t, store.CreateFunctionCallLog(ctx, entry))

	dup := entry
	dup.MethodName = "dispense"
	assert.ErrorIs(t, store.CreateFunctionCallLog(ctx, dup), domain.ErrCallExists)

	logs, err := store.ListFunctionCallLogs(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "aspirate", logs[0].MethodName)
}
