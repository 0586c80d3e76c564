// Package integration provides end-to-end tests of the full Quarry stack:
// application wiring, persistent engines, version transitions and backups.
package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/quarrydb/quarry/internal/app"
	"github.com/quarrydb/quarry/internal/config"
	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/pkg/store"
	"github.com/quarrydb/quarry/pkg/types"
)

func testConfig(t *testing.T, backend config.Backend) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "quarry")
	cfg.Engine.Backend = backend
	return cfg
}

func crmV1() *types.Schema {
	return &types.Schema{
		Name:    "crm",
		Version: 1,
		Collections: []types.CollectionDef{
			{
				Name:    "users",
				KeyPath: []string{"id"},
				Indexes: []types.IndexDef{
					{Name: "by_email", KeyPath: []string{"email"}, Unique: true},
					{Name: "by_team", KeyPath: []string{"team"}},
				},
			},
		},
	}
}

// TestStoreLifecycle drives a store through two schema versions on a
// persistent engine: open, write, close, evolve, reopen, verify that the
// transition created the new index over existing records and pruned the
// dropped one.
func TestStoreLifecycle(t *testing.T) {
	for _, backend := range []config.Backend{config.BackendBolt, config.BackendSQLite} {
		t.Run(string(backend), func(t *testing.T) {
			ctx := context.Background()

			a, err := app.New(testConfig(t, backend))
			if err != nil {
				t.Fatalf("app: %v", err)
			}
			defer a.Close()

			st, err := a.OpenStore(ctx, crmV1())
			if err != nil {
				t.Fatalf("open store: %v", err)
			}

			seed := []types.Record{
				{"id": "u1", "email": "a@x.io", "team": "core", "age": 31.0},
				{"id": "u2", "email": "b@x.io", "team": "core", "age": 27.0},
				{"id": "u3", "email": "c@x.io", "team": "infra", "age": 45.0},
			}
			for _, r := range seed {
				if _, err := st.Put(ctx, "users", r); err != nil {
					t.Fatalf("put %v: %v", r["id"], err)
				}
			}

			rec, err := st.GetByIndex(ctx, "users", "by_email", store.Key("b@x.io"))
			if err != nil || rec["id"] != "u2" {
				t.Fatalf("get by email = %v, %v", rec, err)
			}

			// v2: drop by_team, add by_age over the existing records.
			v2 := crmV1()
			v2.Version = 2
			v2.Collections[0].Indexes = []types.IndexDef{
				{Name: "by_email", KeyPath: []string{"email"}, Unique: true},
				{Name: "by_age", KeyPath: []string{"age"}},
			}
			if err := st.ReplaceSchema(v2); err != nil {
				t.Fatalf("replace schema: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			if err := st.Open(ctx); err != nil {
				t.Fatalf("reopen at v2: %v", err)
			}

			recs, err := st.GetAllByIndexRange(ctx, "users", "by_age",
				types.Bound(store.Key(27.0), store.Key(45.0)))
			if err != nil {
				t.Fatalf("range over backfilled index: %v", err)
			}
			if len(recs) != 3 || recs[0]["id"] != "u2" || recs[1]["id"] != "u1" || recs[2]["id"] != "u3" {
				t.Fatalf("range = %v", recs)
			}

			_, err = st.GetAllByIndex(ctx, "users", "by_team", store.Key("core"))
			if qerrors.GetCode(err) != qerrors.CodeUnknownIndex {
				t.Fatalf("by_team after prune: %v", err)
			}

			// Records survived the transition untouched.
			n, err := st.Count(ctx, "users")
			if err != nil || n != 3 {
				t.Fatalf("count = %d, %v", n, err)
			}

			// Reopening at the old version is a regression.
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}
			stale, err := store.New(a.Engine(), crmV1())
			if err != nil {
				t.Fatalf("new store: %v", err)
			}
			if err := stale.Open(ctx); err == nil {
				stale.Close()
				t.Fatal("open at version 1 should fail against a version 2 store")
			}
		})
	}
}

// TestIndexMediatedWrites exercises the resolver path end to end: updates
// and deletes addressed through a secondary index, with resolution
// failures leaving the store untouched.
func TestIndexMediatedWrites(t *testing.T) {
	ctx := context.Background()

	a, err := app.New(testConfig(t, config.BackendBolt))
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	defer a.Close()

	st, err := a.OpenStore(ctx, crmV1())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if _, err := st.Put(ctx, "users", types.Record{"id": "u1", "email": "a@x.io", "team": "core"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	pk, err := st.PutByIndex(ctx, "users", "by_email", types.Record{"email": "a@x.io", "team": "infra"})
	if err != nil {
		t.Fatalf("put by index: %v", err)
	}
	if len(pk) != 1 || pk[0] != "u1" {
		t.Fatalf("resolved key = %v", pk)
	}
	rec, err := st.Get(ctx, "users", store.Key("u1"))
	if err != nil || rec["team"] != "infra" {
		t.Fatalf("after put by index: %v, %v", rec, err)
	}

	_, err = st.PutByIndex(ctx, "users", "by_email", types.Record{"email": "nobody@x.io", "team": "x"})
	if qerrors.GetCode(err) != qerrors.CodeKeyResolutionFailed {
		t.Fatalf("miss should fail resolution: %v", err)
	}
	if n, _ := st.Count(ctx, "users"); n != 1 {
		t.Fatalf("failed resolution wrote something: count = %d", n)
	}

	if err := st.DeleteByIndex(ctx, "users", "by_email", store.Key("a@x.io")); err != nil {
		t.Fatalf("delete by index: %v", err)
	}
	if n, _ := st.Count(ctx, "users"); n != 0 {
		t.Fatalf("count after delete = %d", n)
	}
}

// TestBackupRestoreFlow snapshots a closed store and restores it into a
// fresh data directory.
func TestBackupRestoreFlow(t *testing.T) {
	ctx := context.Background()

	cfg := testConfig(t, config.BackendBolt)
	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	defer a.Close()

	st, err := a.OpenStore(ctx, crmV1())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if _, err := st.Put(ctx, "users", types.Record{"id": "u1", "email": "a@x.io"}); err != nil {
		t.Fatalf("put: %v", err)
	}

	location := st.Location()
	if location == "" {
		t.Fatal("bolt store must report a backing file")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	object, err := a.Backup().Backup(ctx, "crm", location)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	// Restore into a different file and open it as a store.
	restoredPath := filepath.Join(t.TempDir(), "crm.db")
	if err := a.Backup().Restore(ctx, "crm", object, restoredPath); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := os.Stat(restoredPath); err != nil {
		t.Fatalf("restored file: %v", err)
	}

	// Overwrite the live store file with the snapshot and verify the
	// record is back.
	if err := st.Destroy(ctx); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := a.Backup().Restore(ctx, "crm", object, location); err != nil {
		t.Fatalf("restore in place: %v", err)
	}

	if err := st.Open(ctx); err != nil {
		t.Fatalf("reopen restored store: %v", err)
	}
	rec, err := st.Get(ctx, "users", store.Key("u1"))
	if err != nil || rec["email"] != "a@x.io" {
		t.Fatalf("restored record = %v, %v", rec, err)
	}
}
