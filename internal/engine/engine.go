// Package engine defines the capability interface Quarry requires from an
// underlying storage engine: ordered record collections with secondary
// index support, structural alteration inside a version-transition scope,
// and per-collection transactions outside it.
package engine

import (
	"context"
	"errors"

	"github.com/quarrydb/quarry/pkg/types"
)

// Engine-level faults. Backends must return these sentinels (possibly
// wrapped) so the store can classify them; anything else is treated as an
// opaque engine fault.
var (
	// ErrClosed indicates the connection was closed
	ErrClosed = errors.New("engine: connection closed")
	// ErrKeyNotFound indicates no record exists at the requested key
	ErrKeyNotFound = errors.New("engine: key not found")
	// ErrDuplicateKey indicates an insert at an occupied primary key
	ErrDuplicateKey = errors.New("engine: duplicate primary key")
	// ErrUniqueConstraint indicates a write that would duplicate a unique index key
	ErrUniqueConstraint = errors.New("engine: unique index constraint violated")
	// ErrNoSuchCollection indicates the collection does not exist physically
	ErrNoSuchCollection = errors.New("engine: collection does not exist")
	// ErrNoSuchIndex indicates the index does not exist physically
	ErrNoSuchIndex = errors.New("engine: index does not exist")
	// ErrReadOnly indicates a mutation inside a read-only transaction
	ErrReadOnly = errors.New("engine: transaction is read-only")
	// ErrConflict indicates a structural operation the engine cannot apply,
	// such as creating an index that already exists
	ErrConflict = errors.New("engine: structural conflict")
)

// Mode selects the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

// IndexInfo is the engine's authoritative record of a physical index. The
// reconciler diffs these against declared index definitions.
type IndexInfo struct {
	Name    string
	KeyPath []string
	Unique  bool
}

// Engine opens named stores. Implementations own the persistence format
// entirely; Quarry only issues structural commands during a transition
// scope and data commands through transactions.
type Engine interface {
	// Open opens the named store at the given version. When the stored
	// version is lower than version, or the store is new, the returned
	// TransitionScope is non-nil and must be committed or rolled back
	// before any transaction can begin. When the versions match the
	// scope is nil. Opening at a version lower than the stored one is an
	// error.
	Open(ctx context.Context, name string, version int64) (Connection, TransitionScope, error)

	// Destroy removes all data of the named store. The store must not be
	// open. Destroying a store that does not exist is not an error.
	Destroy(ctx context.Context, name string) error
}

// Connection is an open handle onto a store.
type Connection interface {
	// Begin starts a transaction scoped to one collection. Structural
	// state (which collections and indexes exist) is fixed for the
	// transaction's lifetime. Returns ErrNoSuchCollection if the
	// collection was never created.
	Begin(ctx context.Context, collection string, mode Mode) (Txn, error)

	// Version reports the store version the connection was opened at.
	Version() int64

	// Location returns the path of the engine's backing file, or empty
	// for engines without one. Used by backup.
	Location() string

	// Close releases the connection. In-flight transactions must commit
	// or roll back before Close returns; later calls return ErrClosed.
	Close() error
}

// TransitionScope is the privileged window in which collections and
// indexes may be structurally created or destroyed. The whole scope is
// atomic: Commit applies every structural change or none.
type TransitionScope interface {
	// ListCollections lists the names of all physical collections in
	// ascending lexicographical order.
	ListCollections() ([]string, error)

	// CollectionExists reports whether the named collection exists.
	CollectionExists(name string) (bool, error)

	// CreateCollection creates a collection with the given primary key
	// path and auto-increment flag. Returns ErrConflict if it exists.
	CreateCollection(name string, keyPath []string, autoIncrement bool) error

	// DropCollection removes a collection and all its records and
	// indexes. Dropping an absent collection returns ErrNoSuchCollection.
	DropCollection(name string) error

	// ListIndexes returns the physical indexes of the named collection.
	ListIndexes(collection string) ([]IndexInfo, error)

	// CreateIndex creates a secondary index and backfills it from the
	// collection's existing records. Returns ErrConflict if an index
	// with that name already exists.
	CreateIndex(collection string, index IndexInfo) error

	// DropIndex removes a secondary index and its entries. Dropping an
	// absent index returns ErrNoSuchIndex.
	DropIndex(collection, index string) error

	// Commit atomically applies all structural changes made in the scope
	// and records the new store version.
	Commit() error

	// Rollback discards every structural change made in the scope,
	// leaving the store at its previous version.
	Rollback() error
}

// Txn is a single-collection transaction. Index keys passed to lookup
// methods follow the index's declared key path ordering; primary keys
// follow the collection's key path.
type Txn interface {
	// GetByKey returns the record at the primary key, or ErrKeyNotFound.
	GetByKey(key []any) (types.Record, error)

	// GetByIndexKey returns the first record whose index key equals key,
	// in index order, along with its primary key. Returns ErrKeyNotFound
	// when no record matches.
	GetByIndexKey(index string, key []any) (types.Record, []any, error)

	// GetAllByIndexKey returns every record whose index key equals key,
	// in engine order (ascending primary key within equal index keys).
	GetAllByIndexKey(index string, key []any) ([]types.Record, error)

	// GetAllByIndexRange returns every record whose index key falls
	// within r, ascending by index key.
	GetAllByIndexRange(index string, r types.KeyRange) ([]types.Record, error)

	// GetAll returns every record in the collection in primary key order.
	GetAll() ([]types.Record, error)

	// Count returns the number of records in the collection.
	Count() (int, error)

	// Put upserts the record at the primary key embedded in it, deriving
	// and maintaining all secondary index entries. For auto-increment
	// collections a missing key is assigned. Returns the effective
	// primary key.
	Put(record types.Record) ([]any, error)

	// PutAt upserts the record at the given primary key, overwriting the
	// record's own key fields with key. Used by index-mediated writes
	// where the key was resolved externally.
	PutAt(key []any, record types.Record) error

	// Add inserts a record, failing with ErrDuplicateKey if the primary
	// key is occupied. Returns the effective primary key.
	Add(record types.Record) ([]any, error)

	// Delete removes the record at the primary key and its index
	// entries. Deleting an absent key is a no-op.
	Delete(key []any) error

	// Clear removes every record in the collection.
	Clear() error

	// Commit applies the transaction.
	Commit() error

	// Rollback discards the transaction. Rollback after Commit is a
	// no-op, so it is safe to defer.
	Rollback() error
}
