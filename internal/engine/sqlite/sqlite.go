// Package sqlite implements the engine interface on SQLite. Each store is
// one database file: records live in one table per collection keyed by the
// order-preserving key encoding, index entries in side tables with a real
// SQL index over them, and structural metadata in catalog tables. DDL in
// SQLite is transactional, so a version transition is a single SQL
// transaction that commits fully or not at all.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quarrydb/quarry/internal/engine"
)

const catalogDDL = `
CREATE TABLE IF NOT EXISTS quarry_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS quarry_collections (
    name           TEXT PRIMARY KEY,
    key_path       TEXT NOT NULL,
    auto_increment INTEGER NOT NULL DEFAULT 0,
    seq            INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS quarry_indexes (
    collection TEXT NOT NULL,
    name       TEXT NOT NULL,
    key_path   TEXT NOT NULL,
    is_unique  INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (collection, name)
);
`

// Engine opens SQLite-backed stores under a base directory.
type Engine struct {
	dir string

	mu   sync.Mutex
	open map[string]*connection
}

// New creates a sqlite engine storing one database file per store under
// dir.
func New(dir string) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: creating data directory: %w", err)
	}
	return &Engine{dir: dir, open: make(map[string]*connection)}, nil
}

func (e *Engine) path(name string) string {
	return filepath.Join(e.dir, name+".sqlite")
}

// Open implements engine.Engine.
func (e *Engine) Open(ctx context.Context, name string, version int64) (engine.Connection, engine.TransitionScope, error) {
	if version <= 0 {
		return nil, nil, fmt.Errorf("sqlite: version must be positive, got %d", version)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.open[name]; ok {
		return nil, nil, fmt.Errorf("sqlite: store %q is already open", name)
	}

	db, err := sql.Open("sqlite3", e.path(name)+"?_journal_mode=WAL&_busy_timeout=5000&_fk=0")
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: opening %s: %w", e.path(name), err)
	}
	db.SetMaxOpenConns(1) // Single writer

	if _, err := db.ExecContext(ctx, catalogDDL); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: creating catalog tables: %w", err)
	}

	stored, err := storedVersion(ctx, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if version < stored {
		db.Close()
		return nil, nil, fmt.Errorf("sqlite: store %q is at version %d, cannot open at %d", name, stored, version)
	}

	conn := &connection{engine: e, name: name, db: db, version: version, path: e.path(name)}
	e.open[name] = conn

	if version == stored {
		return conn, nil, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		conn.closeLocked()
		return nil, nil, fmt.Errorf("sqlite: beginning transition: %w", err)
	}
	scope := &transitionScope{conn: conn, ctx: ctx, tx: tx, newVersion: version}
	conn.pendingScope = scope
	return conn, scope, nil
}

// Destroy implements engine.Engine by removing the store's database file
// and its WAL sidecars.
func (e *Engine) Destroy(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.open[name]; ok {
		return fmt.Errorf("sqlite: store %q is still open", name)
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(e.path(name) + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("sqlite: removing %s: %w", e.path(name)+suffix, err)
		}
	}
	return nil
}

func storedVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var raw string
	err := db.QueryRowContext(ctx, "SELECT value FROM quarry_meta WHERE key = 'version'").Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: reading stored version: %w", err)
	}
	var version int64
	if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
		return 0, fmt.Errorf("sqlite: parsing stored version %q: %w", raw, err)
	}
	return version, nil
}

// collectionMeta is the catalog row of one collection.
type collectionMeta struct {
	KeyPath       []string
	AutoIncrement bool
	Seq           int64
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func loadCollectionMeta(ctx context.Context, q querier, collection string) (*collectionMeta, error) {
	var keyPathJSON string
	var autoIncr, seq int64
	err := q.QueryRowContext(ctx,
		"SELECT key_path, auto_increment, seq FROM quarry_collections WHERE name = ?",
		collection,
	).Scan(&keyPathJSON, &autoIncr, &seq)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: %w: %s", engine.ErrNoSuchCollection, collection)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: loading collection %s: %w", collection, err)
	}
	var keyPath []string
	if err := json.Unmarshal([]byte(keyPathJSON), &keyPath); err != nil {
		return nil, fmt.Errorf("sqlite: decoding key path of %s: %w", collection, err)
	}
	return &collectionMeta{KeyPath: keyPath, AutoIncrement: autoIncr != 0, Seq: seq}, nil
}

func loadIndexInfos(ctx context.Context, q querier, collection string) ([]engine.IndexInfo, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT name, key_path, is_unique FROM quarry_indexes WHERE collection = ? ORDER BY name ASC",
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing indexes of %s: %w", collection, err)
	}
	defer rows.Close()

	var infos []engine.IndexInfo
	for rows.Next() {
		var name, keyPathJSON string
		var unique int64
		if err := rows.Scan(&name, &keyPathJSON, &unique); err != nil {
			return nil, fmt.Errorf("sqlite: scanning index row: %w", err)
		}
		var keyPath []string
		if err := json.Unmarshal([]byte(keyPathJSON), &keyPath); err != nil {
			return nil, fmt.Errorf("sqlite: decoding key path of index %s: %w", name, err)
		}
		infos = append(infos, engine.IndexInfo{Name: name, KeyPath: keyPath, Unique: unique != 0})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating index rows: %w", err)
	}
	return infos, nil
}

// recordTable returns the quoted record table name of a collection.
func recordTable(collection string) string {
	return quoteIdent("q_" + collection)
}

// entryTable returns the quoted index entry table name of an index.
func entryTable(collection, index string) string {
	return quoteIdent("qi_" + collection + "_" + index)
}

func uniqueIndexName(collection, index string) string {
	return quoteIdent("qiu_" + collection + "_" + index)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

type connection struct {
	engine  *Engine
	name    string
	db      *sql.DB
	version int64
	path    string

	mu           sync.Mutex
	closed       bool
	pendingScope *transitionScope
}

func (c *connection) Version() int64   { return c.version }
func (c *connection) Location() string { return c.path }

// Begin implements engine.Connection. SQLite serializes writers; the
// single-connection pool makes every transaction exclusive in practice.
func (c *connection) Begin(ctx context.Context, collection string, mode engine.Mode) (engine.Txn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, engine.ErrClosed
	}
	if c.pendingScope != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("sqlite: version transition still pending")
	}
	c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: beginning transaction: %w", err)
	}
	meta, err := loadCollectionMeta(ctx, tx, collection)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	infos, err := loadIndexInfos(ctx, tx, collection)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return &txn{
		ctx:        ctx,
		tx:         tx,
		collection: collection,
		meta:       meta,
		indexes:    infos,
		mode:       mode,
	}, nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return engine.ErrClosed
	}
	if c.pendingScope != nil {
		c.pendingScope.Rollback()
	}
	c.closed = true
	c.mu.Unlock()

	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	return c.closeLocked()
}

func (c *connection) closeLocked() error {
	delete(c.engine.open, c.name)
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("sqlite: closing %s: %w", c.name, err)
	}
	return nil
}
