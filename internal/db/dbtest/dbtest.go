// Package dbtest provides migrated in-memory databases for tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/dikkadev/websubhub/internal/db"
	"github.com/stretchr/testify/require"
)

func New(t testing.TB) *db.LibSQL {
	t.Helper()

	database, err := db.NewLibSQL(":memory:")
	require.NoError(t, err)

	err = database.Initialize(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() {
		database.Close()
	})
	return database
}
