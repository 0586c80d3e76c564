// Package enginetest holds a conformance suite run against every engine
// backend. Each backend package invokes Run from its own test with a
// factory producing a fresh engine over per-test storage, so all three
// backends are held to the same contract.
package enginetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/pkg/types"
)

// Factory produces a fresh engine. Backends with on-disk state should
// root it in t.TempDir().
type Factory func(t *testing.T) engine.Engine

// Run exercises the engine contract against the backend produced by
// factory.
func Run(t *testing.T, factory Factory) {
	t.Run("OpenAndTransition", func(t *testing.T) { testOpenAndTransition(t, factory(t)) })
	t.Run("TransitionRollback", func(t *testing.T) { testTransitionRollback(t, factory(t)) })
	t.Run("BasicCRUD", func(t *testing.T) { testBasicCRUD(t, factory(t)) })
	t.Run("IndexLookups", func(t *testing.T) { testIndexLookups(t, factory(t)) })
	t.Run("IndexRange", func(t *testing.T) { testIndexRange(t, factory(t)) })
	t.Run("UniqueConstraint", func(t *testing.T) { testUniqueConstraint(t, factory(t)) })
	t.Run("AutoIncrement", func(t *testing.T) { testAutoIncrement(t, factory(t)) })
	t.Run("OutOfLineKeys", func(t *testing.T) { testOutOfLineKeys(t, factory(t)) })
	t.Run("TxnRollback", func(t *testing.T) { testTxnRollback(t, factory(t)) })
	t.Run("ReadOnlyTxn", func(t *testing.T) { testReadOnlyTxn(t, factory(t)) })
	t.Run("PutAt", func(t *testing.T) { testPutAt(t, factory(t)) })
	t.Run("IndexBackfill", func(t *testing.T) { testIndexBackfill(t, factory(t)) })
	t.Run("StructuralDrops", func(t *testing.T) { testStructuralDrops(t, factory(t)) })
	t.Run("Destroy", func(t *testing.T) { testDestroy(t, factory(t)) })
	t.Run("ClosedConnection", func(t *testing.T) { testClosedConnection(t, factory(t)) })
}

// openUsers opens the store at version 1 and creates a users collection
// keyed by id with a unique by_email index and a non-unique by_team index.
func openUsers(t *testing.T, eng engine.Engine, name string) engine.Connection {
	t.Helper()
	ctx := context.Background()

	conn, scope, err := eng.Open(ctx, name, 1)
	require.NoError(t, err)
	require.NotNil(t, scope, "new store must open with a transition scope")

	require.NoError(t, scope.CreateCollection("users", []string{"id"}, false))
	require.NoError(t, scope.CreateIndex("users", engine.IndexInfo{Name: "by_email", KeyPath: []string{"email"}, Unique: true}))
	require.NoError(t, scope.CreateIndex("users", engine.IndexInfo{Name: "by_team", KeyPath: []string{"team"}}))
	require.NoError(t, scope.Commit())
	return conn
}

func user(id, email, team string) types.Record {
	return types.Record{"id": id, "email": email, "team": team}
}

// inTxn runs fn in a read-write transaction on collection and commits.
func inTxn(t *testing.T, conn engine.Connection, collection string, fn func(tx engine.Txn)) {
	t.Helper()
	tx, err := conn.Begin(context.Background(), collection, engine.ReadWrite)
	require.NoError(t, err)
	fn(tx)
	require.NoError(t, tx.Commit())
}

func testOpenAndTransition(t *testing.T, eng engine.Engine) {
	ctx := context.Background()

	conn := openUsers(t, eng, "crm")
	assert.Equal(t, int64(1), conn.Version())
	require.NoError(t, conn.Close())

	// Same version: no scope.
	conn, scope, err := eng.Open(ctx, "crm", 1)
	require.NoError(t, err)
	assert.Nil(t, scope)

	tx, err := conn.Begin(ctx, "users", engine.ReadOnly)
	require.NoError(t, err)
	n, err := tx.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, tx.Rollback())
	require.NoError(t, conn.Close())

	// Higher version: scope sees the committed structure.
	conn, scope, err = eng.Open(ctx, "crm", 2)
	require.NoError(t, err)
	require.NotNil(t, scope)

	names, err := scope.ListCollections()
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, names)

	infos, err := scope.ListIndexes("users")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "by_email", infos[0].Name)
	assert.True(t, infos[0].Unique)
	assert.Equal(t, "by_team", infos[1].Name)
	assert.False(t, infos[1].Unique)

	require.NoError(t, scope.Commit())
	assert.Equal(t, int64(2), conn.Version())
	require.NoError(t, conn.Close())

	// Version regression is refused.
	_, _, err = eng.Open(ctx, "crm", 1)
	assert.Error(t, err)
}

func testTransitionRollback(t *testing.T, eng engine.Engine) {
	ctx := context.Background()

	conn := openUsers(t, eng, "crm")
	require.NoError(t, conn.Close())

	conn, scope, err := eng.Open(ctx, "crm", 2)
	require.NoError(t, err)
	require.NotNil(t, scope)
	require.NoError(t, scope.CreateCollection("extra", []string{"id"}, false))
	require.NoError(t, scope.DropIndex("users", "by_team"))
	require.NoError(t, scope.Rollback())
	require.NoError(t, conn.Close())

	// The rolled-back scope left the store at version 1 with its
	// structure intact.
	conn, scope, err = eng.Open(ctx, "crm", 2)
	require.NoError(t, err)
	require.NotNil(t, scope)

	exists, err := scope.CollectionExists("extra")
	require.NoError(t, err)
	assert.False(t, exists)

	infos, err := scope.ListIndexes("users")
	require.NoError(t, err)
	assert.Len(t, infos, 2)

	require.NoError(t, scope.Commit())
	require.NoError(t, conn.Close())
}

func testBasicCRUD(t *testing.T, eng engine.Engine) {
	conn := openUsers(t, eng, "crm")
	defer conn.Close()

	inTxn(t, conn, "users", func(tx engine.Txn) {
		pk, err := tx.Put(user("u2", "b@x.io", "core"))
		require.NoError(t, err)
		assert.Equal(t, []any{"u2"}, pk)

		pk, err = tx.Add(user("u1", "a@x.io", "core"))
		require.NoError(t, err)
		assert.Equal(t, []any{"u1"}, pk)

		// Add at an occupied key fails; Put overwrites.
		_, err = tx.Add(user("u1", "other@x.io", "infra"))
		assert.ErrorIs(t, err, engine.ErrDuplicateKey)

		_, err = tx.Put(user("u1", "a@x.io", "infra"))
		require.NoError(t, err)
	})

	inTxn(t, conn, "users", func(tx engine.Txn) {
		rec, err := tx.GetByKey([]any{"u1"})
		require.NoError(t, err)
		assert.Equal(t, "infra", rec["team"])

		_, err = tx.GetByKey([]any{"nope"})
		assert.ErrorIs(t, err, engine.ErrKeyNotFound)

		all, err := tx.GetAll()
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "u1", all[0]["id"])
		assert.Equal(t, "u2", all[1]["id"])

		n, err := tx.Count()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	inTxn(t, conn, "users", func(tx engine.Txn) {
		require.NoError(t, tx.Delete([]any{"u2"}))
		// Deleting an absent key is a no-op.
		require.NoError(t, tx.Delete([]any{"u2"}))

		n, err := tx.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, tx.Clear())
		n, err = tx.Count()
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func testIndexLookups(t *testing.T, eng engine.Engine) {
	conn := openUsers(t, eng, "crm")
	defer conn.Close()

	inTxn(t, conn, "users", func(tx engine.Txn) {
		for _, r := range []types.Record{
			user("u3", "c@x.io", "core"),
			user("u1", "a@x.io", "core"),
			user("u2", "b@x.io", "infra"),
		} {
			_, err := tx.Put(r)
			require.NoError(t, err)
		}
	})

	inTxn(t, conn, "users", func(tx engine.Txn) {
		rec, pk, err := tx.GetByIndexKey("by_email", []any{"b@x.io"})
		require.NoError(t, err)
		assert.Equal(t, []any{"u2"}, pk)
		assert.Equal(t, "u2", rec["id"])

		_, _, err = tx.GetByIndexKey("by_email", []any{"missing@x.io"})
		assert.ErrorIs(t, err, engine.ErrKeyNotFound)

		// Multi-match equal lookup returns records in primary key order.
		recs, err := tx.GetAllByIndexKey("by_team", []any{"core"})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "u1", recs[0]["id"])
		assert.Equal(t, "u3", recs[1]["id"])

		recs, err = tx.GetAllByIndexKey("by_team", []any{"absent"})
		require.NoError(t, err)
		assert.Empty(t, recs)

		_, _, err = tx.GetByIndexKey("no_such", []any{"x"})
		assert.ErrorIs(t, err, engine.ErrNoSuchIndex)
	})

	// Deleting a record removes its index entries.
	inTxn(t, conn, "users", func(tx engine.Txn) {
		require.NoError(t, tx.Delete([]any{"u1"}))
	})
	inTxn(t, conn, "users", func(tx engine.Txn) {
		recs, err := tx.GetAllByIndexKey("by_team", []any{"core"})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "u3", recs[0]["id"])
	})
}

func testIndexRange(t *testing.T, eng engine.Engine) {
	ctx := context.Background()

	conn, scope, err := eng.Open(ctx, "metrics", 1)
	require.NoError(t, err)
	require.NotNil(t, scope)
	require.NoError(t, scope.CreateCollection("scores", []string{"n"}, false))
	require.NoError(t, scope.CreateIndex("scores", engine.IndexInfo{Name: "by_value", KeyPath: []string{"value"}}))
	require.NoError(t, scope.Commit())
	defer conn.Close()

	inTxn(t, conn, "scores", func(tx engine.Txn) {
		for i, v := range []float64{20, 25, 30, 35} {
			_, err := tx.Put(types.Record{"n": float64(i + 1), "value": v})
			require.NoError(t, err)
		}
	})

	values := func(recs []types.Record) []float64 {
		out := make([]float64, len(recs))
		for i, r := range recs {
			out[i] = r["value"].(float64)
		}
		return out
	}

	inTxn(t, conn, "scores", func(tx engine.Txn) {
		recs, err := tx.GetAllByIndexRange("by_value", types.Bound([]any{25.0}, []any{30.0}))
		require.NoError(t, err)
		assert.Equal(t, []float64{25, 30}, values(recs))

		recs, err = tx.GetAllByIndexRange("by_value", types.KeyRange{
			Lower: []any{25.0}, Upper: []any{30.0}, LowerOpen: true,
		})
		require.NoError(t, err)
		assert.Equal(t, []float64{30}, values(recs))

		recs, err = tx.GetAllByIndexRange("by_value", types.LowerBound([]any{30.0}, false))
		require.NoError(t, err)
		assert.Equal(t, []float64{30, 35}, values(recs))

		recs, err = tx.GetAllByIndexRange("by_value", types.UpperBound([]any{25.0}, true))
		require.NoError(t, err)
		assert.Equal(t, []float64{20}, values(recs))

		recs, err = tx.GetAllByIndexRange("by_value", types.Only(25.0))
		require.NoError(t, err)
		assert.Equal(t, []float64{25}, values(recs))

		recs, err = tx.GetAllByIndexRange("by_value", types.KeyRange{})
		require.NoError(t, err)
		assert.Equal(t, []float64{20, 25, 30, 35}, values(recs))
	})
}

func testUniqueConstraint(t *testing.T, eng engine.Engine) {
	conn := openUsers(t, eng, "crm")
	defer conn.Close()

	inTxn(t, conn, "users", func(tx engine.Txn) {
		_, err := tx.Put(user("u1", "a@x.io", "core"))
		require.NoError(t, err)

		// Second record with the same unique key is rejected and must
		// leave the store untouched.
		_, err = tx.Add(user("u2", "a@x.io", "core"))
		assert.ErrorIs(t, err, engine.ErrUniqueConstraint)

		_, err = tx.Put(user("u2", "a@x.io", "core"))
		assert.ErrorIs(t, err, engine.ErrUniqueConstraint)

		n, err := tx.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// Rewriting the record holding the key is not a violation.
		_, err = tx.Put(user("u1", "a@x.io", "infra"))
		require.NoError(t, err)

		// Changing the key frees the old value.
		_, err = tx.Put(user("u1", "a2@x.io", "infra"))
		require.NoError(t, err)
		_, err = tx.Put(user("u2", "a@x.io", "core"))
		require.NoError(t, err)
	})
}

func testAutoIncrement(t *testing.T, eng engine.Engine) {
	ctx := context.Background()

	conn, scope, err := eng.Open(ctx, "crm", 1)
	require.NoError(t, err)
	require.NotNil(t, scope)
	require.NoError(t, scope.CreateCollection("events", []string{"id"}, true))
	require.NoError(t, scope.Commit())
	defer conn.Close()

	inTxn(t, conn, "events", func(tx engine.Txn) {
		pk, err := tx.Add(types.Record{"kind": "open"})
		require.NoError(t, err)
		assert.Equal(t, []any{float64(1)}, pk)

		pk, err = tx.Add(types.Record{"kind": "close"})
		require.NoError(t, err)
		assert.Equal(t, []any{float64(2)}, pk)
	})

	// Assigned keys land inside the stored records and the counter
	// survives transaction boundaries.
	inTxn(t, conn, "events", func(tx engine.Txn) {
		rec, err := tx.GetByKey([]any{float64(1)})
		require.NoError(t, err)
		assert.Equal(t, float64(1), rec["id"])
		assert.Equal(t, "open", rec["kind"])

		pk, err := tx.Add(types.Record{"kind": "retry"})
		require.NoError(t, err)
		assert.Equal(t, []any{float64(3)}, pk)
	})

	// An explicit numeric key drags the generator past itself: the next
	// generated key continues above it instead of colliding with it.
	inTxn(t, conn, "events", func(tx engine.Txn) {
		pk, err := tx.Add(types.Record{"id": float64(10), "kind": "manual"})
		require.NoError(t, err)
		assert.Equal(t, []any{float64(10)}, pk)
	})

	inTxn(t, conn, "events", func(tx engine.Txn) {
		pk, err := tx.Add(types.Record{"kind": "after"})
		require.NoError(t, err)
		assert.Equal(t, []any{float64(11)}, pk)

		// An explicit key below the counter leaves it alone.
		_, err = tx.Add(types.Record{"id": float64(4), "kind": "backfilled"})
		require.NoError(t, err)
		pk, err = tx.Add(types.Record{"kind": "next"})
		require.NoError(t, err)
		assert.Equal(t, []any{float64(12)}, pk)
	})
}

func testOutOfLineKeys(t *testing.T, eng engine.Engine) {
	ctx := context.Background()

	conn, scope, err := eng.Open(ctx, "crm", 1)
	require.NoError(t, err)
	require.NotNil(t, scope)
	require.NoError(t, scope.CreateCollection("log", nil, true))
	require.NoError(t, scope.Commit())
	defer conn.Close()

	inTxn(t, conn, "log", func(tx engine.Txn) {
		pk, err := tx.Put(types.Record{"msg": "first"})
		require.NoError(t, err)
		assert.Equal(t, []any{float64(1)}, pk)

		pk, err = tx.Add(types.Record{"msg": "second"})
		require.NoError(t, err)
		assert.Equal(t, []any{float64(2)}, pk)
	})

	inTxn(t, conn, "log", func(tx engine.Txn) {
		rec, err := tx.GetByKey([]any{float64(2)})
		require.NoError(t, err)
		assert.Equal(t, "second", rec["msg"])
		// Out-of-line keys never appear inside the record.
		_, ok := rec["id"]
		assert.False(t, ok)

		all, err := tx.GetAll()
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "first", all[0]["msg"])
	})
}

func testTxnRollback(t *testing.T, eng engine.Engine) {
	conn := openUsers(t, eng, "crm")
	defer conn.Close()

	inTxn(t, conn, "users", func(tx engine.Txn) {
		_, err := tx.Put(user("u1", "a@x.io", "core"))
		require.NoError(t, err)
	})

	// A rolled-back transaction leaves no trace: the insert, the
	// overwrite and the delete all revert, index entries included.
	tx, err := conn.Begin(context.Background(), "users", engine.ReadWrite)
	require.NoError(t, err)
	_, err = tx.Put(user("u2", "b@x.io", "core"))
	require.NoError(t, err)
	_, err = tx.Put(user("u1", "a@x.io", "infra"))
	require.NoError(t, err)
	require.NoError(t, tx.Delete([]any{"u1"}))
	require.NoError(t, tx.Rollback())

	inTxn(t, conn, "users", func(tx engine.Txn) {
		n, err := tx.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		rec, err := tx.GetByKey([]any{"u1"})
		require.NoError(t, err)
		assert.Equal(t, "core", rec["team"])

		rec, _, err = tx.GetByIndexKey("by_email", []any{"a@x.io"})
		require.NoError(t, err)
		assert.Equal(t, "u1", rec["id"])

		_, _, err = tx.GetByIndexKey("by_email", []any{"b@x.io"})
		assert.ErrorIs(t, err, engine.ErrKeyNotFound)
	})
}

func testReadOnlyTxn(t *testing.T, eng engine.Engine) {
	conn := openUsers(t, eng, "crm")
	defer conn.Close()

	inTxn(t, conn, "users", func(tx engine.Txn) {
		_, err := tx.Put(user("u1", "a@x.io", "core"))
		require.NoError(t, err)
	})

	tx, err := conn.Begin(context.Background(), "users", engine.ReadOnly)
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.GetByKey([]any{"u1"})
	require.NoError(t, err)

	_, err = tx.Put(user("u2", "b@x.io", "core"))
	assert.ErrorIs(t, err, engine.ErrReadOnly)
	_, err = tx.Add(user("u2", "b@x.io", "core"))
	assert.ErrorIs(t, err, engine.ErrReadOnly)
	assert.ErrorIs(t, tx.PutAt([]any{"u1"}, user("u1", "a@x.io", "core")), engine.ErrReadOnly)
	assert.ErrorIs(t, tx.Delete([]any{"u1"}), engine.ErrReadOnly)
	assert.ErrorIs(t, tx.Clear(), engine.ErrReadOnly)
	require.NoError(t, tx.Rollback())

	// Committing a read-only transaction releases it cleanly and the
	// connection stays usable for further transactions.
	tx, err = conn.Begin(context.Background(), "users", engine.ReadOnly)
	require.NoError(t, err)
	rec, err := tx.GetByKey([]any{"u1"})
	require.NoError(t, err)
	assert.Equal(t, "core", rec["team"])
	require.NoError(t, tx.Commit())

	inTxn(t, conn, "users", func(tx engine.Txn) {
		_, err := tx.Put(user("u2", "b@x.io", "core"))
		require.NoError(t, err)
	})
}

func testPutAt(t *testing.T, eng engine.Engine) {
	conn := openUsers(t, eng, "crm")
	defer conn.Close()

	inTxn(t, conn, "users", func(tx engine.Txn) {
		// The resolved key wins over the record's own key fields.
		require.NoError(t, tx.PutAt([]any{"u9"}, user("stale", "a@x.io", "core")))
	})

	inTxn(t, conn, "users", func(tx engine.Txn) {
		rec, err := tx.GetByKey([]any{"u9"})
		require.NoError(t, err)
		assert.Equal(t, "u9", rec["id"])

		_, err = tx.GetByKey([]any{"stale"})
		assert.ErrorIs(t, err, engine.ErrKeyNotFound)

		rec, pk, err := tx.GetByIndexKey("by_email", []any{"a@x.io"})
		require.NoError(t, err)
		assert.Equal(t, []any{"u9"}, pk)
		assert.Equal(t, "u9", rec["id"])
	})
}

func testIndexBackfill(t *testing.T, eng engine.Engine) {
	ctx := context.Background()

	conn, scope, err := eng.Open(ctx, "crm", 1)
	require.NoError(t, err)
	require.NotNil(t, scope)
	require.NoError(t, scope.CreateCollection("users", []string{"id"}, false))
	require.NoError(t, scope.Commit())

	inTxn(t, conn, "users", func(tx engine.Txn) {
		for _, r := range []types.Record{
			user("u1", "a@x.io", "core"),
			user("u2", "b@x.io", "core"),
			user("u3", "a@x.io", "infra"),
		} {
			_, err := tx.Put(r)
			require.NoError(t, err)
		}
	})
	require.NoError(t, conn.Close())

	// A new index created during a later transition covers records
	// written before it existed.
	conn, scope, err = eng.Open(ctx, "crm", 2)
	require.NoError(t, err)
	require.NotNil(t, scope)

	// Backfilling a unique index over colliding data fails.
	err = scope.CreateIndex("users", engine.IndexInfo{Name: "by_email", KeyPath: []string{"email"}, Unique: true})
	assert.ErrorIs(t, err, engine.ErrUniqueConstraint)

	require.NoError(t, scope.CreateIndex("users", engine.IndexInfo{Name: "by_team", KeyPath: []string{"team"}}))
	require.NoError(t, scope.Commit())
	defer conn.Close()

	inTxn(t, conn, "users", func(tx engine.Txn) {
		recs, err := tx.GetAllByIndexKey("by_team", []any{"core"})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "u1", recs[0]["id"])
		assert.Equal(t, "u2", recs[1]["id"])
	})
}

func testStructuralDrops(t *testing.T, eng engine.Engine) {
	ctx := context.Background()

	conn := openUsers(t, eng, "crm")
	inTxn(t, conn, "users", func(tx engine.Txn) {
		_, err := tx.Put(user("u1", "a@x.io", "core"))
		require.NoError(t, err)
	})
	require.NoError(t, conn.Close())

	conn, scope, err := eng.Open(ctx, "crm", 2)
	require.NoError(t, err)
	require.NotNil(t, scope)

	require.NoError(t, scope.DropIndex("users", "by_team"))
	assert.ErrorIs(t, scope.DropIndex("users", "by_team"), engine.ErrNoSuchIndex)
	assert.ErrorIs(t, scope.DropCollection("ghost"), engine.ErrNoSuchCollection)

	require.NoError(t, scope.CreateCollection("tmp", []string{"id"}, false))
	require.NoError(t, scope.DropCollection("tmp"))

	// Creating over an existing name conflicts.
	assert.ErrorIs(t, scope.CreateCollection("users", []string{"id"}, false), engine.ErrConflict)
	assert.ErrorIs(t, scope.CreateIndex("users", engine.IndexInfo{Name: "by_email", KeyPath: []string{"email"}}), engine.ErrConflict)

	require.NoError(t, scope.Commit())
	defer conn.Close()

	inTxn(t, conn, "users", func(tx engine.Txn) {
		_, err := tx.GetAllByIndexKey("by_team", []any{"core"})
		assert.ErrorIs(t, err, engine.ErrNoSuchIndex)

		// Surviving data and indexes are unaffected by the drops.
		rec, _, err := tx.GetByIndexKey("by_email", []any{"a@x.io"})
		require.NoError(t, err)
		assert.Equal(t, "u1", rec["id"])
	})

	_, err = conn.Begin(ctx, "tmp", engine.ReadOnly)
	assert.ErrorIs(t, err, engine.ErrNoSuchCollection)
}

func testDestroy(t *testing.T, eng engine.Engine) {
	ctx := context.Background()

	conn := openUsers(t, eng, "crm")
	inTxn(t, conn, "users", func(tx engine.Txn) {
		_, err := tx.Put(user("u1", "a@x.io", "core"))
		require.NoError(t, err)
	})
	require.NoError(t, conn.Close())

	require.NoError(t, eng.Destroy(ctx, "crm"))
	// Destroying an absent store is not an error.
	require.NoError(t, eng.Destroy(ctx, "crm"))

	// The store is gone: version 1 opens it fresh and empty.
	conn, scope, err := eng.Open(ctx, "crm", 1)
	require.NoError(t, err)
	require.NotNil(t, scope)
	names, err := scope.ListCollections()
	require.NoError(t, err)
	assert.Empty(t, names)
	require.NoError(t, scope.Rollback())
	require.NoError(t, conn.Close())
}

func testClosedConnection(t *testing.T, eng engine.Engine) {
	ctx := context.Background()

	conn := openUsers(t, eng, "crm")
	require.NoError(t, conn.Close())

	_, err := conn.Begin(ctx, "users", engine.ReadOnly)
	assert.ErrorIs(t, err, engine.ErrClosed)
	assert.ErrorIs(t, conn.Close(), engine.ErrClosed)
}
