// Package storagetest opens throwaway in-memory databases for tests.
package storagetest

import (
	"fmt"
	"testing"

	"faucet/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func New(t testing.TB) *storage.GormStorage {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())
	s, err := storage.NewGormStorage(storage.DriverSqlite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}
