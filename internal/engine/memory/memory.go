// Package memory implements the engine interface entirely in memory.
// Records live in ordered B-trees and index entries in tree maps keyed by
// their order-preserving byte encoding, so lookup and range semantics match
// the persistent backends exactly. Used by tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/google/btree"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/keycodec"
	"github.com/quarrydb/quarry/pkg/types"
)

// Engine holds any number of named in-memory stores.
type Engine struct {
	mu     sync.Mutex
	stores map[string]*storeData
}

// New creates an empty in-memory engine.
func New() *Engine {
	return &Engine{stores: make(map[string]*storeData)}
}

type storeData struct {
	version     int64
	collections map[string]*collection
	openConns   int
}

type collection struct {
	keyPath       []string
	autoIncrement bool
	seq           int64
	records       *btree.BTreeG[recordEntry]
	indexes       map[string]*index
}

type recordEntry struct {
	key []byte
	pk  []any
	rec types.Record
}

type index struct {
	info    engine.IndexInfo
	entries *treemap.Map // string(entry key bytes) -> []any primary key
}

func lessRecordEntry(a, b recordEntry) bool {
	return string(a.key) < string(b.key)
}

func newCollection(keyPath []string, autoIncrement bool) *collection {
	return &collection{
		keyPath:       keyPath,
		autoIncrement: autoIncrement,
		records:       btree.NewG(8, lessRecordEntry),
		indexes:       make(map[string]*index),
	}
}

func newIndex(info engine.IndexInfo) *index {
	return &index{
		info:    info,
		entries: treemap.NewWith(utils.StringComparator),
	}
}

// Open implements engine.Engine. A transition scope is staged against a
// deep copy of the store so rollback never observes partial structural
// changes.
func (e *Engine) Open(ctx context.Context, name string, version int64) (engine.Connection, engine.TransitionScope, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if version <= 0 {
		return nil, nil, fmt.Errorf("memory: version must be positive, got %d", version)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	data, ok := e.stores[name]
	if !ok {
		data = &storeData{collections: make(map[string]*collection)}
		e.stores[name] = data
	}
	if version < data.version {
		return nil, nil, fmt.Errorf("memory: store %q is at version %d, cannot open at %d", name, data.version, version)
	}

	conn := &connection{engine: e, name: name, version: version}
	data.openConns++

	if version == data.version {
		return conn, nil, nil
	}

	scope := &transitionScope{
		engine:     e,
		name:       name,
		conn:       conn,
		staged:     data.clone(),
		newVersion: version,
	}
	scope.staged.openConns = data.openConns
	conn.pendingScope = scope
	return conn, scope, nil
}

// Destroy implements engine.Engine.
func (e *Engine) Destroy(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if data, ok := e.stores[name]; ok && data.openConns > 0 {
		return fmt.Errorf("memory: store %q still has open connections", name)
	}
	delete(e.stores, name)
	return nil
}

func (d *storeData) clone() *storeData {
	out := &storeData{
		version:     d.version,
		collections: make(map[string]*collection, len(d.collections)),
	}
	for name, c := range d.collections {
		out.collections[name] = c.clone()
	}
	return out
}

func (c *collection) clone() *collection {
	out := newCollection(c.keyPath, c.autoIncrement)
	out.seq = c.seq
	out.records = c.records.Clone()
	for name, idx := range c.indexes {
		ni := newIndex(idx.info)
		it := idx.entries.Iterator()
		for it.Next() {
			ni.entries.Put(it.Key(), it.Value())
		}
		out.indexes[name] = ni
	}
	return out
}

type connection struct {
	engine       *Engine
	name         string
	version      int64
	mu           sync.Mutex
	closed       bool
	pendingScope *transitionScope
}

func (c *connection) Version() int64   { return c.version }
func (c *connection) Location() string { return "" }

// Begin implements engine.Connection. The transaction holds the engine
// lock for its lifetime; concurrent transactions on the same engine
// serialize here.
func (c *connection) Begin(ctx context.Context, coll string, mode engine.Mode) (engine.Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, engine.ErrClosed
	}
	if c.pendingScope != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("memory: version transition still pending")
	}
	c.mu.Unlock()

	c.engine.mu.Lock()
	data, ok := c.engine.stores[c.name]
	if !ok {
		c.engine.mu.Unlock()
		return nil, engine.ErrClosed
	}
	col, ok := data.collections[coll]
	if !ok {
		c.engine.mu.Unlock()
		return nil, fmt.Errorf("memory: %w: %s", engine.ErrNoSuchCollection, coll)
	}
	return &txn{conn: c, col: col, mode: mode}, nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrClosed
	}
	if c.pendingScope != nil {
		c.pendingScope.Rollback()
	}
	c.closed = true

	c.engine.mu.Lock()
	if data, ok := c.engine.stores[c.name]; ok && data.openConns > 0 {
		data.openConns--
	}
	c.engine.mu.Unlock()
	return nil
}

type transitionScope struct {
	engine     *Engine
	name       string
	conn       *connection
	staged     *storeData
	newVersion int64
	done       bool
}

func (s *transitionScope) ListCollections() ([]string, error) {
	if s.done {
		return nil, engine.ErrClosed
	}
	names := make([]string, 0, len(s.staged.collections))
	for name := range s.staged.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *transitionScope) CollectionExists(name string) (bool, error) {
	if s.done {
		return false, engine.ErrClosed
	}
	_, ok := s.staged.collections[name]
	return ok, nil
}

func (s *transitionScope) CreateCollection(name string, keyPath []string, autoIncrement bool) error {
	if s.done {
		return engine.ErrClosed
	}
	if _, ok := s.staged.collections[name]; ok {
		return fmt.Errorf("memory: %w: collection %s already exists", engine.ErrConflict, name)
	}
	s.staged.collections[name] = newCollection(keyPath, autoIncrement)
	return nil
}

func (s *transitionScope) DropCollection(name string) error {
	if s.done {
		return engine.ErrClosed
	}
	if _, ok := s.staged.collections[name]; !ok {
		return fmt.Errorf("memory: %w: %s", engine.ErrNoSuchCollection, name)
	}
	delete(s.staged.collections, name)
	return nil
}

func (s *transitionScope) ListIndexes(coll string) ([]engine.IndexInfo, error) {
	if s.done {
		return nil, engine.ErrClosed
	}
	col, ok := s.staged.collections[coll]
	if !ok {
		return nil, fmt.Errorf("memory: %w: %s", engine.ErrNoSuchCollection, coll)
	}
	infos := make([]engine.IndexInfo, 0, len(col.indexes))
	for _, idx := range col.indexes {
		infos = append(infos, idx.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (s *transitionScope) CreateIndex(coll string, info engine.IndexInfo) error {
	if s.done {
		return engine.ErrClosed
	}
	col, ok := s.staged.collections[coll]
	if !ok {
		return fmt.Errorf("memory: %w: %s", engine.ErrNoSuchCollection, coll)
	}
	if _, ok := col.indexes[info.Name]; ok {
		return fmt.Errorf("memory: %w: index %s already exists on %s", engine.ErrConflict, info.Name, coll)
	}

	idx := newIndex(info)
	var backfillErr error
	col.records.Ascend(func(e recordEntry) bool {
		ikey, ok := e.rec.KeyOf(info.KeyPath)
		if !ok {
			return true
		}
		if info.Unique {
			if _, exists := firstIndexMatch(idx, ikey); exists {
				backfillErr = fmt.Errorf("memory: %w: backfilling unique index %s", engine.ErrUniqueConstraint, info.Name)
				return false
			}
		}
		entryKey, err := keycodec.IndexEntryKey(ikey, e.pk)
		if err != nil {
			backfillErr = err
			return false
		}
		idx.entries.Put(string(entryKey), e.pk)
		return true
	})
	if backfillErr != nil {
		return backfillErr
	}
	col.indexes[info.Name] = idx
	return nil
}

func (s *transitionScope) DropIndex(coll, name string) error {
	if s.done {
		return engine.ErrClosed
	}
	col, ok := s.staged.collections[coll]
	if !ok {
		return fmt.Errorf("memory: %w: %s", engine.ErrNoSuchCollection, coll)
	}
	if _, ok := col.indexes[name]; !ok {
		return fmt.Errorf("memory: %w: %s on %s", engine.ErrNoSuchIndex, name, coll)
	}
	delete(col.indexes, name)
	return nil
}

func (s *transitionScope) Commit() error {
	if s.done {
		return engine.ErrClosed
	}
	s.done = true
	s.staged.version = s.newVersion

	s.engine.mu.Lock()
	s.engine.stores[s.name] = s.staged
	s.engine.mu.Unlock()

	s.conn.mu.Lock()
	s.conn.pendingScope = nil
	s.conn.mu.Unlock()
	return nil
}

func (s *transitionScope) Rollback() error {
	if s.done {
		return engine.ErrClosed
	}
	s.done = true
	s.conn.pendingScope = nil
	return nil
}

// firstIndexMatch returns the primary key of the first entry whose index
// tuple equals key, in entry order.
func firstIndexMatch(idx *index, key []any) ([]any, bool) {
	min, max, err := keycodec.IndexEqualBounds(key)
	if err != nil {
		return nil, false
	}
	var found []any
	it := idx.entries.Iterator()
	for it.Next() {
		k := []byte(it.Key().(string))
		if !keycodec.Within(k, min, max) {
			if max != nil && string(k) >= string(max) {
				break
			}
			continue
		}
		found = it.Value().([]any)
		break
	}
	return found, found != nil
}
