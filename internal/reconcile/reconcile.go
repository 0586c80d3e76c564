// Package reconcile brings the physical schema of an engine store into
// agreement with a declared schema during a version transition. Planning
// is a pure structural diff; applying issues the engine's native alter
// operations inside the transition scope.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/quarrydb/quarry/internal/engine"
	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/pkg/types"
)

// OpKind identifies a structural operation in a reconciliation plan.
type OpKind string

const (
	OpCreateCollection OpKind = "create_collection"
	OpCreateIndex      OpKind = "create_index"
	OpDropIndex        OpKind = "drop_index"
)

// Op is one structural change. Recreate marks a drop/create pair caused by
// a changed index definition, for logs and reports only; the engine sees a
// plain drop followed by a create.
type Op struct {
	Kind       OpKind
	Collection string
	Index      engine.IndexInfo
	KeyPath    []string
	AutoIncr   bool
	Recreate   bool
}

// Plan is the ordered set of structural changes a version transition must
// apply. Collection creation always precedes index operations on that
// collection. Computed fresh per transition and discarded after Apply.
type Plan struct {
	Ops []Op
}

// Empty reports whether the plan contains no structural changes. Planning
// an already reconciled store yields an empty plan; this is the
// reconciler's defining idempotence property.
func (p Plan) Empty() bool {
	return len(p.Ops) == 0
}

// Counts returns the number of creates, drops and recreates in the plan.
func (p Plan) Counts() (collections, createdIndexes, droppedIndexes, recreatedIndexes int) {
	for _, op := range p.Ops {
		switch op.Kind {
		case OpCreateCollection:
			collections++
		case OpCreateIndex:
			if op.Recreate {
				recreatedIndexes++
			} else {
				createdIndexes++
			}
		case OpDropIndex:
			if !op.Recreate {
				droppedIndexes++
			}
		}
	}
	return
}

// Snapshot is the engine's authoritative record of the physical schema at
// transition time: which collections exist and which indexes each carries.
// Read-only input to planning.
type Snapshot struct {
	Collections map[string][]engine.IndexInfo
}

// TakeSnapshot introspects the physical schema through the transition
// scope.
func TakeSnapshot(scope engine.TransitionScope) (Snapshot, error) {
	names, err := scope.ListCollections()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reconcile: listing collections: %w", err)
	}
	snap := Snapshot{Collections: make(map[string][]engine.IndexInfo, len(names))}
	for _, name := range names {
		infos, err := scope.ListIndexes(name)
		if err != nil {
			return Snapshot{}, fmt.Errorf("reconcile: listing indexes of %s: %w", name, err)
		}
		snap.Collections[name] = infos
	}
	return snap, nil
}

// NewPlan diffs the declared schema against the physical snapshot. Per
// declared collection: create it if absent (with all its indexes); for an
// existing collection, create missing indexes, drop and recreate indexes
// whose key path or uniqueness differ, and drop indexes not declared.
// Existing collections themselves are never altered: key path and
// auto-increment are immutable once created, and collections absent from
// the declaration are left untouched.
func NewPlan(declared *types.Schema, existing Snapshot) Plan {
	var plan Plan

	for i := range declared.Collections {
		c := &declared.Collections[i]
		physical, exists := existing.Collections[c.Name]

		if !exists {
			plan.Ops = append(plan.Ops, Op{
				Kind:       OpCreateCollection,
				Collection: c.Name,
				KeyPath:    c.KeyPath,
				AutoIncr:   c.AutoIncrement,
			})
			for j := range c.Indexes {
				plan.Ops = append(plan.Ops, Op{
					Kind:       OpCreateIndex,
					Collection: c.Name,
					Index:      indexInfo(&c.Indexes[j]),
				})
			}
			continue
		}

		byName := make(map[string]engine.IndexInfo, len(physical))
		for _, info := range physical {
			byName[info.Name] = info
		}

		for j := range c.Indexes {
			idx := &c.Indexes[j]
			info, present := byName[idx.Name]
			if !present {
				plan.Ops = append(plan.Ops, Op{
					Kind:       OpCreateIndex,
					Collection: c.Name,
					Index:      indexInfo(idx),
				})
				continue
			}
			if !indexEqual(idx, info) {
				// The engine cannot alter an index in place.
				plan.Ops = append(plan.Ops, Op{
					Kind:       OpDropIndex,
					Collection: c.Name,
					Index:      info,
					Recreate:   true,
				})
				plan.Ops = append(plan.Ops, Op{
					Kind:       OpCreateIndex,
					Collection: c.Name,
					Index:      indexInfo(idx),
					Recreate:   true,
				})
			}
		}

		// Declaration is authoritative: prune physical indexes it no
		// longer names.
		var drops []string
		for name := range byName {
			if c.Index(name) == nil {
				drops = append(drops, name)
			}
		}
		sort.Strings(drops)
		for _, name := range drops {
			plan.Ops = append(plan.Ops, Op{
				Kind:       OpDropIndex,
				Collection: c.Name,
				Index:      byName[name],
			})
		}
	}

	return plan
}

// Apply executes the plan inside the transition scope, in plan order. Any
// engine rejection aborts the whole transition; the caller rolls the scope
// back and no partial schema survives.
func Apply(scope engine.TransitionScope, plan Plan) error {
	for _, op := range plan.Ops {
		var err error
		switch op.Kind {
		case OpCreateCollection:
			err = scope.CreateCollection(op.Collection, op.KeyPath, op.AutoIncr)
		case OpCreateIndex:
			err = scope.CreateIndex(op.Collection, op.Index)
		case OpDropIndex:
			err = scope.DropIndex(op.Collection, op.Index.Name)
		default:
			err = fmt.Errorf("unknown op kind %q", op.Kind)
		}
		if err != nil {
			return qerrors.NewSchemaError(qerrors.CodeStructuralConflict,
				fmt.Sprintf("applying %s on %s", op.Kind, op.Collection), err)
		}
	}
	return nil
}

// Reconcile snapshots the physical schema, plans the diff against the
// declaration and applies it. Returns the applied plan for reporting.
func Reconcile(scope engine.TransitionScope, declared *types.Schema) (Plan, error) {
	snap, err := TakeSnapshot(scope)
	if err != nil {
		return Plan{}, qerrors.NewSchemaError(qerrors.CodeStructuralConflict,
			"snapshotting physical schema", err)
	}
	plan := NewPlan(declared, snap)
	if err := Apply(scope, plan); err != nil {
		return Plan{}, err
	}
	return plan, nil
}

func indexInfo(idx *types.IndexDef) engine.IndexInfo {
	return engine.IndexInfo{Name: idx.Name, KeyPath: idx.KeyPath, Unique: idx.Unique}
}

// indexEqual compares a declared index against the engine's record of the
// physical index: structural key path equality (element order included)
// and the uniqueness flag.
func indexEqual(decl *types.IndexDef, phys engine.IndexInfo) bool {
	return decl.Unique == phys.Unique && types.KeyPathEqual(decl.KeyPath, phys.KeyPath)
}
