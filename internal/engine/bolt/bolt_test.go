package bolt_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/bolt"
	"github.com/quarrydb/quarry/internal/engine/enginetest"
	"github.com/quarrydb/quarry/pkg/types"
)

func TestEngineConformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Engine {
		eng, err := bolt.New(t.TempDir(), bolt.Options{})
		require.NoError(t, err)
		return eng
	})
}

func TestEngineConformance_Compressed(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) engine.Engine {
		eng, err := bolt.New(t.TempDir(), bolt.Options{Compress: true})
		require.NoError(t, err)
		return eng
	})
}

// Data and version must survive a full reopen of the backing file.
func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	eng, err := bolt.New(t.TempDir(), bolt.Options{})
	require.NoError(t, err)

	conn, scope, err := eng.Open(ctx, "crm", 1)
	require.NoError(t, err)
	require.NotNil(t, scope)
	require.NoError(t, scope.CreateCollection("users", []string{"id"}, false))
	require.NoError(t, scope.CreateIndex("users", engine.IndexInfo{Name: "by_email", KeyPath: []string{"email"}, Unique: true}))
	require.NoError(t, scope.Commit())

	tx, err := conn.Begin(ctx, "users", engine.ReadWrite)
	require.NoError(t, err)
	_, err = tx.Put(types.Record{"id": "u1", "email": "a@x.io"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, conn.Close())

	conn, scope, err = eng.Open(ctx, "crm", 1)
	require.NoError(t, err)
	assert.Nil(t, scope, "stored version must match on reopen")

	tx, err = conn.Begin(ctx, "users", engine.ReadOnly)
	require.NoError(t, err)
	rec, pk, err := tx.GetByIndexKey("by_email", []any{"a@x.io"})
	require.NoError(t, err)
	assert.Equal(t, []any{"u1"}, pk)
	assert.Equal(t, "u1", rec["id"])
	require.NoError(t, tx.Rollback())
	require.NoError(t, conn.Close())
}

func TestLocationReportsBackingFile(t *testing.T) {
	dir := t.TempDir()
	eng, err := bolt.New(dir, bolt.Options{})
	require.NoError(t, err)

	conn, scope, err := eng.Open(context.Background(), "crm", 1)
	require.NoError(t, err)
	require.NoError(t, scope.Commit())
	defer conn.Close()

	assert.Contains(t, conn.Location(), "crm.db")
}
