package store

import (
	"context"
	"time"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/keycodec"
	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/pkg/types"
)

// Key builds a key tuple. Single-field keys take one value, composite keys
// one value per key path element in order.
func Key(vals ...any) []any {
	return vals
}

// checkKey rejects a caller-supplied key tuple the engines cannot encode,
// before any engine I/O.
func checkKey(key []any) error {
	if len(key) == 0 {
		return qerrors.NewDataError(qerrors.CodeInvalidKey, "empty key")
	}
	for _, v := range key {
		if _, err := keycodec.Normalize(v); err != nil {
			return qerrors.Wrap(qerrors.ErrCategoryData, qerrors.CodeInvalidKey, "key element", err)
		}
	}
	return nil
}

// Get returns the record at the primary key, or a NOT_FOUND error.
func (s *Store) Get(ctx context.Context, collection string, key []any) (types.Record, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var rec types.Record
	err := s.readTxn(ctx, collection, "get", func(txn engine.Txn) error {
		var err error
		rec, err = txn.GetByKey(key)
		return mapEngineErr(err, "get")
	})
	return rec, err
}

// GetByIndex returns the first record whose index key equals key, in index
// order, or a NOT_FOUND error. Meaningful for unique indexes; against a
// non-unique index it returns the first match only.
func (s *Store) GetByIndex(ctx context.Context, collection, index string, key []any) (types.Record, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var rec types.Record
	err := s.readIndexTxn(ctx, collection, index, "get_by_index", func(txn engine.Txn) error {
		var err error
		rec, _, err = txn.GetByIndexKey(index, key)
		return mapEngineErr(err, "get by index "+index)
	})
	return rec, err
}

// GetAllByIndex returns every record whose index key equals key, in engine
// order. An empty result is not an error.
func (s *Store) GetAllByIndex(ctx context.Context, collection, index string, key []any) ([]types.Record, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var recs []types.Record
	err := s.readIndexTxn(ctx, collection, index, "get_all_by_index", func(txn engine.Txn) error {
		var err error
		recs, err = txn.GetAllByIndexKey(index, key)
		return mapEngineErr(err, "get all by index "+index)
	})
	return recs, err
}

// GetAllByIndexRange returns every record whose index key falls within r,
// ascending by index key.
func (s *Store) GetAllByIndexRange(ctx context.Context, collection, index string, r types.KeyRange) ([]types.Record, error) {
	var recs []types.Record
	err := s.readIndexTxn(ctx, collection, index, "get_all_by_index_range", func(txn engine.Txn) error {
		var err error
		recs, err = txn.GetAllByIndexRange(index, r)
		return mapEngineErr(err, "range over index "+index)
	})
	return recs, err
}

// GetAll returns every record in the collection in primary key order.
func (s *Store) GetAll(ctx context.Context, collection string) ([]types.Record, error) {
	var recs []types.Record
	err := s.readTxn(ctx, collection, "get_all", func(txn engine.Txn) error {
		var err error
		recs, err = txn.GetAll()
		return mapEngineErr(err, "get all")
	})
	return recs, err
}

// Count returns the number of records in the collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.readTxn(ctx, collection, "count", func(txn engine.Txn) error {
		var err error
		n, err = txn.Count()
		return mapEngineErr(err, "count")
	})
	return n, err
}

// Put upserts the record at the primary key embedded in it and returns the
// effective primary key.
func (s *Store) Put(ctx context.Context, collection string, record types.Record) ([]any, error) {
	var pk []any
	err := s.writeTxn(ctx, collection, "put", func(txn engine.Txn) error {
		var err error
		pk, err = txn.Put(record)
		return mapEngineErr(err, "put")
	})
	return pk, err
}

// PutByIndex resolves the primary key through exactly one index lookup on
// the record's index-relevant fields, then upserts at the resolved key. A
// lookup miss fails with KEY_RESOLUTION_FAILED and writes nothing. Against
// a non-unique index the first match is resolved; callers updating
// multiple matches must drive GetAllByIndex plus individual Put calls.
func (s *Store) PutByIndex(ctx context.Context, collection, index string, record types.Record) ([]any, error) {
	var pk []any
	err := s.writeIndexTxn(ctx, collection, index, "put_by_index", func(txn engine.Txn, def *types.CollectionDef) error {
		var err error
		pk, err = s.resolveKey(txn, def, collection, index, "put_by_index", record)
		if err != nil {
			return err
		}
		return mapEngineErr(txn.PutAt(pk, record), "put at resolved key")
	})
	if err != nil {
		return nil, err
	}
	return pk, nil
}

// Add inserts a new record, failing with DUPLICATE_KEY if the primary key
// is occupied or a unique index rejects it. Secondary index entries are
// derived by the engine from the record's fields; insertion never takes an
// index argument.
func (s *Store) Add(ctx context.Context, collection string, record types.Record) ([]any, error) {
	var pk []any
	err := s.writeTxn(ctx, collection, "add", func(txn engine.Txn) error {
		var err error
		pk, err = txn.Add(record)
		return mapEngineErr(err, "add")
	})
	return pk, err
}

// IncrementalUpdate reads the full record at key, failing with NOT_FOUND
// when absent, shallow-merges partial over it at the top level (nested
// values are replaced wholesale, not deep-merged) and writes the result
// back. Read and write share one transaction.
func (s *Store) IncrementalUpdate(ctx context.Context, collection string, key []any, partial types.Record) (types.Record, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	var merged types.Record
	err := s.writeTxn(ctx, collection, "incremental_update", func(txn engine.Txn) error {
		current, err := txn.GetByKey(key)
		if err != nil {
			return mapEngineErr(err, "incremental update read")
		}
		merged = current.Merge(partial)
		return mapEngineErr(txn.PutAt(key, merged), "incremental update write")
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// Delete removes the record at the primary key. Deleting an absent key is
// a no-op.
func (s *Store) Delete(ctx context.Context, collection string, key []any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.writeTxn(ctx, collection, "delete", func(txn engine.Txn) error {
		return mapEngineErr(txn.Delete(key), "delete")
	})
}

// DeleteByIndex resolves the primary key through one index lookup, then
// deletes at the resolved key. A miss fails with KEY_RESOLUTION_FAILED and
// touches nothing. Against a non-unique index the first match in engine
// lookup order is deleted; this is deliberate and callers are expected to
// prefer unique indexes here.
func (s *Store) DeleteByIndex(ctx context.Context, collection, index string, key []any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	return s.writeIndexTxn(ctx, collection, index, "delete_by_index", func(txn engine.Txn, def *types.CollectionDef) error {
		_, pk, err := txn.GetByIndexKey(index, key)
		if err != nil {
			qerr := mapEngineErr(err, "resolving delete key")
			if qerrors.GetCode(qerr) != qerrors.CodeNotFound {
				return qerr
			}
			s.stats.RecordResolutionMiss(collection, "delete_by_index")
			return qerrors.Newf(qerrors.ErrCategoryResolution, qerrors.CodeKeyResolutionFailed,
				"index %q matched no record for delete", index)
		}
		return mapEngineErr(txn.Delete(pk), "delete at resolved key")
	})
}

// Clear removes every record in the collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	return s.writeTxn(ctx, collection, "clear", func(txn engine.Txn) error {
		return mapEngineErr(txn.Clear(), "clear")
	})
}

// resolveKey performs the single index lookup of an index-mediated write:
// the index key is derived from the record's indexed fields, and a lookup
// miss never falls back to treating anything as a primary key.
func (s *Store) resolveKey(txn engine.Txn, def *types.CollectionDef, collection, index, op string, record types.Record) ([]any, error) {
	idx := def.Index(index)
	ikey, ok := record.KeyOf(idx.KeyPath)
	if !ok {
		s.stats.RecordResolutionMiss(collection, op)
		return nil, qerrors.Newf(qerrors.ErrCategoryResolution, qerrors.CodeKeyResolutionFailed,
			"record lacks field(s) %v of index %q", idx.KeyPath, index)
	}
	_, pk, err := txn.GetByIndexKey(index, ikey)
	if err != nil {
		qerr := mapEngineErr(err, "resolving key")
		if qerrors.GetCode(qerr) != qerrors.CodeNotFound {
			return nil, qerr
		}
		s.stats.RecordResolutionMiss(collection, op)
		return nil, qerrors.Newf(qerrors.ErrCategoryResolution, qerrors.CodeKeyResolutionFailed,
			"index %q matched no record", index)
	}
	return pk, nil
}

// readTxn runs fn inside a read-only transaction on collection.
func (s *Store) readTxn(ctx context.Context, collection, op string, fn func(engine.Txn) error) error {
	return s.runTxn(ctx, collection, "", op, engine.ReadOnly, func(txn engine.Txn, _ *types.CollectionDef) error {
		return fn(txn)
	})
}

// readIndexTxn is readTxn with an index declaration check up front.
func (s *Store) readIndexTxn(ctx context.Context, collection, index, op string, fn func(engine.Txn) error) error {
	return s.runTxn(ctx, collection, index, op, engine.ReadOnly, func(txn engine.Txn, _ *types.CollectionDef) error {
		return fn(txn)
	})
}

// writeTxn runs fn inside a read-write transaction on collection.
func (s *Store) writeTxn(ctx context.Context, collection, op string, fn func(engine.Txn) error) error {
	return s.runTxn(ctx, collection, "", op, engine.ReadWrite, func(txn engine.Txn, _ *types.CollectionDef) error {
		return fn(txn)
	})
}

// writeIndexTxn is writeTxn with an index declaration check up front and
// the collection definition passed through for key resolution.
func (s *Store) writeIndexTxn(ctx context.Context, collection, index, op string, fn func(engine.Txn, *types.CollectionDef) error) error {
	return s.runTxn(ctx, collection, index, op, engine.ReadWrite, fn)
}

// runTxn is the single transaction wrapper behind every operation: guard,
// begin, run, commit or roll back, record stats. One operation is one
// engine transaction from issuance to completion.
func (s *Store) runTxn(ctx context.Context, collection, index, op string, mode engine.Mode, fn func(engine.Txn, *types.CollectionDef) error) (err error) {
	start := time.Now()
	defer func() { s.stats.Record(collection, op, time.Since(start), err) }()

	conn, def, err := s.guard(collection, index)
	if err != nil {
		return err
	}

	txn, err := conn.Begin(ctx, collection, mode)
	if err != nil {
		return mapEngineErr(err, "beginning transaction")
	}
	defer txn.Rollback()

	if err = fn(txn, def); err != nil {
		return err
	}
	if err = txn.Commit(); err != nil {
		return mapEngineErr(err, "committing transaction")
	}
	return nil
}
