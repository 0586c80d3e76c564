// Package bolt implements the engine interface on top of bbolt. Each
// store is one file; collections live in top-level buckets keyed by the
// order-preserving key encoding, with one bucket per secondary index.
// Structural metadata (version, collection configs, index definitions,
// auto-increment counters) lives in a reserved meta bucket, and a version
// transition runs inside a single bbolt write transaction so it commits
// fully or not at all.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bbolt "go.etcd.io/bbolt"

	"github.com/quarrydb/quarry/internal/engine"
)

var (
	metaBucket = []byte("_meta")

	versionKey = []byte("version")
)

// Bucket name and meta key prefixes. Collection and index buckets carry a
// prefix so user collection names can never collide with the meta bucket.
const (
	recordBucketPrefix = "c:"
	indexBucketPrefix  = "i:"
	collectionMetaPref = "collection:"
	indexMetaPref      = "index:"
)

// Engine opens bbolt-backed stores under a base directory.
type Engine struct {
	dir      string
	compress bool

	mu   sync.Mutex
	open map[string]*connection
}

// Options configures the bolt engine.
type Options struct {
	// Compress enables snappy compression of record payloads
	Compress bool
}

// New creates a bolt engine storing one file per store under dir.
func New(dir string, opts Options) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bolt: creating data directory: %w", err)
	}
	return &Engine{
		dir:      dir,
		compress: opts.Compress,
		open:     make(map[string]*connection),
	}, nil
}

func (e *Engine) path(name string) string {
	return filepath.Join(e.dir, name+".db")
}

// Open implements engine.Engine.
func (e *Engine) Open(ctx context.Context, name string, version int64) (engine.Connection, engine.TransitionScope, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if version <= 0 {
		return nil, nil, fmt.Errorf("bolt: version must be positive, got %d", version)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.open[name]; ok {
		return nil, nil, fmt.Errorf("bolt: store %q is already open", name)
	}

	db, err := bbolt.Open(e.path(name), 0o600, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("bolt: opening %s: %w", e.path(name), err)
	}

	stored, err := storedVersion(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if version < stored {
		db.Close()
		return nil, nil, fmt.Errorf("bolt: store %q is at version %d, cannot open at %d", name, stored, version)
	}

	conn := &connection{engine: e, name: name, db: db, version: version}
	e.open[name] = conn

	if version == stored {
		return conn, nil, nil
	}

	// The whole transition is one writable bbolt transaction.
	tx, err := db.Begin(true)
	if err != nil {
		conn.closeLocked()
		return nil, nil, fmt.Errorf("bolt: beginning transition: %w", err)
	}
	scope := &transitionScope{conn: conn, tx: tx, newVersion: version}
	conn.pendingScope = scope
	return conn, scope, nil
}

// Destroy implements engine.Engine by removing the store's file.
func (e *Engine) Destroy(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.open[name]; ok {
		return fmt.Errorf("bolt: store %q is still open", name)
	}
	if err := os.Remove(e.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bolt: removing %s: %w", e.path(name), err)
	}
	return nil
}

func storedVersion(db *bbolt.DB) (int64, error) {
	var version int64
	err := db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		if meta == nil {
			return nil
		}
		if v := meta.Get(versionKey); v != nil {
			version = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bolt: reading stored version: %w", err)
	}
	return version, nil
}

// collectionMeta is the persisted configuration of one collection.
type collectionMeta struct {
	KeyPath       []string `json:"key_path"`
	AutoIncrement bool     `json:"auto_increment"`
	Seq           int64    `json:"seq"`
}

func recordBucketName(collection string) []byte {
	return []byte(recordBucketPrefix + collection)
}

func indexBucketName(collection, index string) []byte {
	return []byte(indexBucketPrefix + collection + ":" + index)
}

func collectionMetaKey(collection string) []byte {
	return []byte(collectionMetaPref + collection)
}

func indexMetaKey(collection, index string) []byte {
	return []byte(indexMetaPref + collection + ":" + index)
}

func loadCollectionMeta(tx *bbolt.Tx, collection string) (*collectionMeta, error) {
	meta := tx.Bucket(metaBucket)
	if meta == nil {
		return nil, engine.ErrNoSuchCollection
	}
	raw := meta.Get(collectionMetaKey(collection))
	if raw == nil {
		return nil, fmt.Errorf("bolt: %w: %s", engine.ErrNoSuchCollection, collection)
	}
	var cm collectionMeta
	if err := json.Unmarshal(raw, &cm); err != nil {
		return nil, fmt.Errorf("bolt: decoding collection meta for %s: %w", collection, err)
	}
	return &cm, nil
}

func saveCollectionMeta(tx *bbolt.Tx, collection string, cm *collectionMeta) error {
	meta, err := tx.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		return fmt.Errorf("bolt: ensuring meta bucket: %w", err)
	}
	raw, err := json.Marshal(cm)
	if err != nil {
		return fmt.Errorf("bolt: encoding collection meta for %s: %w", collection, err)
	}
	return meta.Put(collectionMetaKey(collection), raw)
}

// loadIndexInfos returns the persisted index definitions of a collection,
// sorted by the meta bucket's key order.
func loadIndexInfos(tx *bbolt.Tx, collection string) ([]engine.IndexInfo, error) {
	meta := tx.Bucket(metaBucket)
	if meta == nil {
		return nil, nil
	}
	prefix := indexMetaKey(collection, "")
	var infos []engine.IndexInfo
	c := meta.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var info engine.IndexInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return nil, fmt.Errorf("bolt: decoding index meta %s: %w", k, err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

type connection struct {
	engine  *Engine
	name    string
	db      *bbolt.DB
	version int64

	mu           sync.Mutex
	closed       bool
	pendingScope *transitionScope
}

func (c *connection) Version() int64   { return c.version }
func (c *connection) Location() string { return c.db.Path() }

// Begin implements engine.Connection. bbolt allows one writer at a time;
// write transactions serialize inside bbolt itself.
func (c *connection) Begin(ctx context.Context, collection string, mode engine.Mode) (engine.Txn, error) {
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
		return nil, fmt.Errorf("bolt: version transition still pending")
	}
	c.mu.Unlock()

	tx, err := c.db.Begin(mode == engine.ReadWrite)
	if err != nil {
		return nil, fmt.Errorf("bolt: beginning transaction: %w", err)
	}
	cm, err := loadCollectionMeta(tx, collection)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	infos, err := loadIndexInfos(tx, collection)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return &txn{
		conn:       c,
		tx:         tx,
		collection: collection,
		meta:       cm,
		indexes:    infos,
		mode:       mode,
		compress:   c.engine.compress,
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

// closeLocked closes the db handle and drops the engine's open-store
// entry. Caller holds the engine mutex.
func (c *connection) closeLocked() error {
	delete(c.engine.open, c.name)
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("bolt: closing %s: %w", c.name, err)
	}
	return nil
}
