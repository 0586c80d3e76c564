package reconcile

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/memory"
	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/pkg/types"
)

func declared() *types.Schema {
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

func TestNewPlan_FreshStore(t *testing.T) {
	plan := NewPlan(declared(), Snapshot{Collections: map[string][]engine.IndexInfo{}})

	want := Plan{Ops: []Op{
		{Kind: OpCreateCollection, Collection: "users", KeyPath: []string{"id"}},
		{Kind: OpCreateIndex, Collection: "users", Index: engine.IndexInfo{Name: "by_email", KeyPath: []string{"email"}, Unique: true}},
		{Kind: OpCreateIndex, Collection: "users", Index: engine.IndexInfo{Name: "by_team", KeyPath: []string{"team"}}},
	}}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestNewPlan_AlreadyReconciled(t *testing.T) {
	snap := Snapshot{Collections: map[string][]engine.IndexInfo{
		"users": {
			{Name: "by_email", KeyPath: []string{"email"}, Unique: true},
			{Name: "by_team", KeyPath: []string{"team"}},
		},
	}}
	plan := NewPlan(declared(), snap)
	if !plan.Empty() {
		t.Fatalf("expected empty plan, got %d ops: %+v", len(plan.Ops), plan.Ops)
	}
}

func TestNewPlan_MissingIndex(t *testing.T) {
	snap := Snapshot{Collections: map[string][]engine.IndexInfo{
		"users": {
			{Name: "by_email", KeyPath: []string{"email"}, Unique: true},
		},
	}}
	plan := NewPlan(declared(), snap)

	want := Plan{Ops: []Op{
		{Kind: OpCreateIndex, Collection: "users", Index: engine.IndexInfo{Name: "by_team", KeyPath: []string{"team"}}},
	}}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestNewPlan_ChangedIndexRecreated(t *testing.T) {
	// by_email exists but with a different key path and without the
	// uniqueness flag: it must be dropped and recreated.
	snap := Snapshot{Collections: map[string][]engine.IndexInfo{
		"users": {
			{Name: "by_email", KeyPath: []string{"contact"}},
			{Name: "by_team", KeyPath: []string{"team"}},
		},
	}}
	plan := NewPlan(declared(), snap)

	want := Plan{Ops: []Op{
		{Kind: OpDropIndex, Collection: "users", Index: engine.IndexInfo{Name: "by_email", KeyPath: []string{"contact"}}, Recreate: true},
		{Kind: OpCreateIndex, Collection: "users", Index: engine.IndexInfo{Name: "by_email", KeyPath: []string{"email"}, Unique: true}, Recreate: true},
	}}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}

	collections, created, dropped, recreated := plan.Counts()
	if collections != 0 || created != 0 || dropped != 0 || recreated != 1 {
		t.Fatalf("counts = (%d, %d, %d, %d), want (0, 0, 0, 1)",
			collections, created, dropped, recreated)
	}
}

func TestNewPlan_UndeclaredIndexPruned(t *testing.T) {
	snap := Snapshot{Collections: map[string][]engine.IndexInfo{
		"users": {
			{Name: "by_email", KeyPath: []string{"email"}, Unique: true},
			{Name: "by_phone", KeyPath: []string{"phone"}},
			{Name: "by_team", KeyPath: []string{"team"}},
		},
	}}
	plan := NewPlan(declared(), snap)

	want := Plan{Ops: []Op{
		{Kind: OpDropIndex, Collection: "users", Index: engine.IndexInfo{Name: "by_phone", KeyPath: []string{"phone"}}},
	}}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestNewPlan_UndeclaredCollectionUntouched(t *testing.T) {
	// Collections the declaration does not name survive with their
	// indexes; only declared collections are reconciled.
	snap := Snapshot{Collections: map[string][]engine.IndexInfo{
		"users": {
			{Name: "by_email", KeyPath: []string{"email"}, Unique: true},
			{Name: "by_team", KeyPath: []string{"team"}},
		},
		"legacy": {
			{Name: "by_date", KeyPath: []string{"date"}},
		},
	}}
	plan := NewPlan(declared(), snap)
	if !plan.Empty() {
		t.Fatalf("expected empty plan, got %+v", plan.Ops)
	}
}

func TestNewPlan_ExistingCollectionKeyPathIgnored(t *testing.T) {
	// A collection's key path and auto-increment flag are fixed at
	// creation; planning never emits an op for an existing collection
	// even when the declaration differs.
	decl := declared()
	decl.Collections[0].KeyPath = []string{"uuid"}

	snap := Snapshot{Collections: map[string][]engine.IndexInfo{
		"users": {
			{Name: "by_email", KeyPath: []string{"email"}, Unique: true},
			{Name: "by_team", KeyPath: []string{"team"}},
		},
	}}
	plan := NewPlan(decl, snap)
	for _, op := range plan.Ops {
		if op.Kind == OpCreateCollection {
			t.Fatalf("unexpected collection op: %+v", op)
		}
	}
}

// reconcileOnce opens a fresh memory store at version and reconciles it
// against decl, committing the transition.
func reconcileOnce(t *testing.T, eng engine.Engine, name string, version int64, decl *types.Schema) Plan {
	t.Helper()
	conn, scope, err := eng.Open(context.Background(), name, version)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if scope == nil {
		t.Fatalf("expected transition scope at version %d", version)
	}
	plan, err := Reconcile(scope, decl)
	if err != nil {
		scope.Rollback()
		conn.Close()
		t.Fatalf("reconcile: %v", err)
	}
	if err := scope.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return plan
}

func TestReconcile_SecondRunIsEmpty(t *testing.T) {
	eng := memory.New()
	decl := declared()

	plan := reconcileOnce(t, eng, "crm", 1, decl)
	if plan.Empty() {
		t.Fatal("first reconciliation should create structure")
	}

	plan = reconcileOnce(t, eng, "crm", 2, decl)
	if !plan.Empty() {
		t.Fatalf("second reconciliation should be empty, got %+v", plan.Ops)
	}
}

func TestReconcile_AppliesAcrossVersions(t *testing.T) {
	eng := memory.New()

	v1 := declared()
	reconcileOnce(t, eng, "crm", 1, v1)

	// v2 drops by_team, tightens by_email's key path and adds a
	// collection.
	v2 := &types.Schema{
		Name:    "crm",
		Version: 2,
		Collections: []types.CollectionDef{
			{
				Name:    "users",
				KeyPath: []string{"id"},
				Indexes: []types.IndexDef{
					{Name: "by_email", KeyPath: []string{"contact", "email"}, Unique: true},
				},
			},
			{
				Name:          "events",
				KeyPath:       []string{"id"},
				AutoIncrement: true,
			},
		},
	}
	plan := reconcileOnce(t, eng, "crm", 2, v2)

	collections, created, dropped, recreated := plan.Counts()
	if collections != 1 || created != 0 || dropped != 1 || recreated != 1 {
		t.Fatalf("counts = (%d, %d, %d, %d), want (1, 0, 1, 1)",
			collections, created, dropped, recreated)
	}

	// The physical schema now matches v2 exactly.
	conn, scope, err := eng.Open(context.Background(), "crm", 3)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	snap, err := TakeSnapshot(scope)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	scope.Rollback()

	if !NewPlan(v2, snap).Empty() {
		t.Fatalf("physical schema diverges from declaration: %+v", snap)
	}
	infos := snap.Collections["users"]
	if len(infos) != 1 || infos[0].Name != "by_email" || len(infos[0].KeyPath) != 2 {
		t.Fatalf("unexpected users indexes: %+v", infos)
	}
}

func TestApply_WrapsEngineRejection(t *testing.T) {
	eng := memory.New()
	conn, scope, err := eng.Open(context.Background(), "crm", 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	defer scope.Rollback()

	// Dropping an index that does not exist physically is an engine
	// rejection the reconciler reports as a structural conflict.
	err = Apply(scope, Plan{Ops: []Op{
		{Kind: OpDropIndex, Collection: "ghost", Index: engine.IndexInfo{Name: "by_x"}},
	}})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := qerrors.GetCode(err); got != qerrors.CodeStructuralConflict {
		t.Fatalf("code = %q, want %q", got, qerrors.CodeStructuralConflict)
	}
	if !errors.Is(err, qerrors.ErrStructuralConflict) {
		t.Fatalf("conflict error should match the sentinel, got %v", err)
	}
}

// genSchema builds small random schemas by choosing a subset of indexable
// fields; every subset is a structurally distinct declaration.
func genSchema() gopter.Gen {
	fields := []string{"email", "team", "age", "city"}

	return gen.IntRange(0, 1<<uint(len(fields))-1).FlatMap(func(v any) gopter.Gen {
		mask := v.(int)
		var indexes []types.IndexDef
		for i, f := range fields {
			if mask&(1<<uint(i)) == 0 {
				continue
			}
			indexes = append(indexes, types.IndexDef{
				Name:    "by_" + f,
				KeyPath: []string{f},
				Unique:  f == "email",
			})
		}
		schema := &types.Schema{
			Name:    "crm",
			Version: 1,
			Collections: []types.CollectionDef{
				{Name: "users", KeyPath: []string{"id"}, Indexes: indexes},
			},
		}
		return gen.Const(schema)
	}, reflect.TypeOf(&types.Schema{}))
}

func TestProperty_ReconcileIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("second reconciliation of any schema is empty", prop.ForAll(
		func(decl *types.Schema) bool {
			eng := memory.New()
			first := reconcileViaEngine(eng, 1, decl)
			second := reconcileViaEngine(eng, 2, decl)
			return first != nil && second != nil && second.Empty()
		},
		genSchema(),
	))

	properties.Property("reconciling between any two schemas converges", prop.ForAll(
		func(a, b *types.Schema) bool {
			eng := memory.New()
			if reconcileViaEngine(eng, 1, a) == nil {
				return false
			}
			if reconcileViaEngine(eng, 2, b) == nil {
				return false
			}
			rerun := reconcileViaEngine(eng, 3, b)
			return rerun != nil && rerun.Empty()
		},
		genSchema(),
		genSchema(),
	))

	properties.TestingRun(t)
}

// reconcileViaEngine reconciles decl against the named memory store and
// returns the applied plan, or nil on any failure.
func reconcileViaEngine(eng engine.Engine, version int64, decl *types.Schema) *Plan {
	conn, scope, err := eng.Open(context.Background(), "crm", version)
	if err != nil || scope == nil {
		return nil
	}
	defer conn.Close()

	plan, err := Reconcile(scope, decl)
	if err != nil {
		scope.Rollback()
		return nil
	}
	if err := scope.Commit(); err != nil {
		return nil
	}
	return &plan
}
