package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/enginetest"
	"github.com/quarrydb/quarry/internal/engine/sqlite"
	"github.com/quarrydb/quarry/pkg/types"
)

func TestEngineConformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Engine {
		eng, err := sqlite.New(t.TempDir())
		require.NoError(t, err)
		return eng
	})
}

// Data, structure and version must survive a full reopen of the database.
func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	eng, err := sqlite.New(t.TempDir())
	require.NoError(t, err)

	conn, scope, err := eng.Open(ctx, "crm", 3)
	require.NoError(t, err)
	require.NotNil(t, scope)
	require.NoError(t, scope.CreateCollection("users", []string{"id"}, false))
	require.NoError(t, scope.CreateIndex("users", engine.IndexInfo{Name: "by_team", KeyPath: []string{"team"}}))
	require.NoError(t, scope.Commit())

	tx, err := conn.Begin(ctx, "users", engine.ReadWrite)
	require.NoError(t, err)
	_, err = tx.Put(types.Record{"id": "u1", "team": "core"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, conn.Close())

	conn, scope, err = eng.Open(ctx, "crm", 3)
	require.NoError(t, err)
	assert.Nil(t, scope, "stored version must match on reopen")

	tx, err = conn.Begin(ctx, "users", engine.ReadOnly)
	require.NoError(t, err)
	recs, err := tx.GetAllByIndexKey("by_team", []any{"core"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "u1", recs[0]["id"])
	require.NoError(t, tx.Rollback())
	require.NoError(t, conn.Close())

	// Version regression after reopen is still refused.
	_, _, err = eng.Open(ctx, "crm", 2)
	assert.Error(t, err)
}

func TestLocationReportsBackingFile(t *testing.T) {
	eng, err := sqlite.New(t.TempDir())
	require.NoError(t, err)

	conn, scope, err := eng.Open(context.Background(), "crm", 1)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())
	defer conn.Close()

	assert.Contains(t, conn.Location(), "crm.sqlite")
}
