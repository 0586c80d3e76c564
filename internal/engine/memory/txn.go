package memory

import (
	"fmt"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/keycodec"
	"github.com/quarrydb/quarry/pkg/types"
)

// txn holds the engine lock from Begin until Commit or Rollback, which
// serializes all transactions in the process. Mutations apply in place and
// are reverted through an undo log on rollback.
type txn struct {
	conn *connection
	col  *collection
	mode engine.Mode
	done bool
	undo []undoEntry
}

// undoEntry records the state of one primary key before the first mutation
// touched it. prev is nil when the key was absent.
type undoEntry struct {
	pk   []any
	prev types.Record
}

func (t *txn) finish() {
	t.done = true
	t.conn.engine.mu.Unlock()
}

func (t *txn) Commit() error {
	if t.done {
		return engine.ErrClosed
	}
	t.finish()
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	for i := len(t.undo) - 1; i >= 0; i-- {
		e := t.undo[i]
		if e.prev == nil {
			t.applyDelete(e.pk)
		} else {
			t.applyPut(e.pk, e.prev)
		}
	}
	t.finish()
	return nil
}

func (t *txn) writable() error {
	if t.done {
		return engine.ErrClosed
	}
	if t.mode != engine.ReadWrite {
		return engine.ErrReadOnly
	}
	return nil
}

func (t *txn) GetByKey(key []any) (types.Record, error) {
	if t.done {
		return nil, engine.ErrClosed
	}
	enc, err := keycodec.EncodeKey(key)
	if err != nil {
		return nil, err
	}
	e, ok := t.col.records.Get(recordEntry{key: enc})
	if !ok {
		return nil, engine.ErrKeyNotFound
	}
	return e.rec.Clone(), nil
}

func (t *txn) GetByIndexKey(index string, key []any) (types.Record, []any, error) {
	if t.done {
		return nil, nil, engine.ErrClosed
	}
	idx, ok := t.col.indexes[index]
	if !ok {
		return nil, nil, fmt.Errorf("memory: %w: %s", engine.ErrNoSuchIndex, index)
	}
	pk, ok := firstIndexMatch(idx, key)
	if !ok {
		return nil, nil, engine.ErrKeyNotFound
	}
	rec, err := t.GetByKey(pk)
	if err != nil {
		return nil, nil, err
	}
	return rec, pk, nil
}

func (t *txn) GetAllByIndexKey(index string, key []any) ([]types.Record, error) {
	min, max, err := keycodec.IndexEqualBounds(key)
	if err != nil {
		return nil, err
	}
	return t.scanIndex(index, min, max)
}

func (t *txn) GetAllByIndexRange(index string, r types.KeyRange) ([]types.Record, error) {
	min, max, err := keycodec.RangeBounds(r)
	if err != nil {
		return nil, err
	}
	return t.scanIndex(index, min, max)
}

func (t *txn) scanIndex(index string, min, max []byte) ([]types.Record, error) {
	if t.done {
		return nil, engine.ErrClosed
	}
	idx, ok := t.col.indexes[index]
	if !ok {
		return nil, fmt.Errorf("memory: %w: %s", engine.ErrNoSuchIndex, index)
	}

	var out []types.Record
	it := idx.entries.Iterator()
	for it.Next() {
		k := []byte(it.Key().(string))
		if max != nil && string(k) >= string(max) {
			break
		}
		if !keycodec.Within(k, min, max) {
			continue
		}
		pk := it.Value().([]any)
		rec, err := t.GetByKey(pk)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *txn) GetAll() ([]types.Record, error) {
	if t.done {
		return nil, engine.ErrClosed
	}
	out := make([]types.Record, 0, t.col.records.Len())
	t.col.records.Ascend(func(e recordEntry) bool {
		out = append(out, e.rec.Clone())
		return true
	})
	return out, nil
}

func (t *txn) Count() (int, error) {
	if t.done {
		return 0, engine.ErrClosed
	}
	return t.col.records.Len(), nil
}

func (t *txn) Put(record types.Record) ([]any, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	pk, record, err := t.effectiveKey(record)
	if err != nil {
		return nil, err
	}
	if err := t.write(pk, record, true); err != nil {
		return nil, err
	}
	return pk, nil
}

func (t *txn) PutAt(key []any, record types.Record) error {
	if err := t.writable(); err != nil {
		return err
	}
	record = record.Clone()
	// Inline key fields follow the externally resolved key.
	for i, field := range t.col.keyPath {
		if i < len(key) {
			record[field] = key[i]
		}
	}
	return t.write(key, record, true)
}

func (t *txn) Add(record types.Record) ([]any, error) {
	if err := t.writable(); err != nil {
		return nil, err
	}
	pk, record, err := t.effectiveKey(record)
	if err != nil {
		return nil, err
	}
	if err := t.write(pk, record, false); err != nil {
		return nil, err
	}
	return pk, nil
}

func (t *txn) Delete(key []any) error {
	if err := t.writable(); err != nil {
		return err
	}
	enc, err := keycodec.EncodeKey(key)
	if err != nil {
		return err
	}
	prev, ok := t.col.records.Get(recordEntry{key: enc})
	if !ok {
		return nil
	}
	t.undo = append(t.undo, undoEntry{pk: key, prev: prev.rec})
	t.applyDelete(key)
	return nil
}

func (t *txn) Clear() error {
	if err := t.writable(); err != nil {
		return err
	}
	var entries []recordEntry
	t.col.records.Ascend(func(e recordEntry) bool {
		entries = append(entries, e)
		return true
	})
	for _, e := range entries {
		t.undo = append(t.undo, undoEntry{pk: e.pk, prev: e.rec})
		t.applyDelete(e.pk)
	}
	return nil
}

// effectiveKey derives the primary key for a write, assigning from the
// auto-increment counter when the record carries none.
func (t *txn) effectiveKey(record types.Record) ([]any, types.Record, error) {
	record = record.Clone()

	if len(t.col.keyPath) == 0 {
		// Out-of-line keys: every Put/Add appends under a generated key.
		t.col.seq++
		return []any{float64(t.col.seq)}, record, nil
	}

	pk, ok := record.KeyOf(t.col.keyPath)
	if ok {
		// An explicit numeric key drags the generator past itself so a
		// later generated key cannot collide with it.
		if t.col.autoIncrement {
			if n, err := keycodec.Normalize(pk[0]); err == nil {
				if f, isNum := n.(float64); isNum && int64(f) > t.col.seq {
					t.col.seq = int64(f)
				}
			}
		}
		return pk, record, nil
	}
	if !t.col.autoIncrement {
		return nil, nil, fmt.Errorf("memory: record missing key field(s) %v", t.col.keyPath)
	}
	t.col.seq++
	record[t.col.keyPath[0]] = float64(t.col.seq)
	return []any{float64(t.col.seq)}, record, nil
}

// write stores record at pk, maintaining every index. All constraint
// checks happen before the first mutation so a failed write changes
// nothing.
func (t *txn) write(pk []any, record types.Record, overwrite bool) error {
	enc, err := keycodec.EncodeKey(pk)
	if err != nil {
		return err
	}
	prev, existed := t.col.records.Get(recordEntry{key: enc})
	if existed && !overwrite {
		return engine.ErrDuplicateKey
	}

	for name, idx := range t.col.indexes {
		if !idx.info.Unique {
			continue
		}
		ikey, ok := record.KeyOf(idx.info.KeyPath)
		if !ok {
			continue
		}
		if other, found := firstIndexMatch(idx, ikey); found {
			otherEnc, err := keycodec.EncodeKey(other)
			if err != nil {
				return err
			}
			if string(otherEnc) != string(enc) {
				return fmt.Errorf("memory: %w: index %s", engine.ErrUniqueConstraint, name)
			}
		}
	}

	if existed {
		t.undo = append(t.undo, undoEntry{pk: pk, prev: prev.rec})
	} else {
		t.undo = append(t.undo, undoEntry{pk: pk})
	}
	t.applyPut(pk, record)
	return nil
}

// applyPut performs the raw replace of the record at pk and rebuilds its
// index entries. No constraint checks; callers check first.
func (t *txn) applyPut(pk []any, record types.Record) {
	enc, _ := keycodec.EncodeKey(pk)
	if prev, ok := t.col.records.Get(recordEntry{key: enc}); ok {
		t.dropIndexEntries(pk, prev.rec)
	}
	t.col.records.ReplaceOrInsert(recordEntry{key: enc, pk: pk, rec: record})
	for _, idx := range t.col.indexes {
		ikey, ok := record.KeyOf(idx.info.KeyPath)
		if !ok {
			continue
		}
		if entryKey, err := keycodec.IndexEntryKey(ikey, pk); err == nil {
			idx.entries.Put(string(entryKey), pk)
		}
	}
}

func (t *txn) applyDelete(pk []any) {
	enc, _ := keycodec.EncodeKey(pk)
	prev, ok := t.col.records.Get(recordEntry{key: enc})
	if !ok {
		return
	}
	t.dropIndexEntries(pk, prev.rec)
	t.col.records.Delete(recordEntry{key: enc})
}

func (t *txn) dropIndexEntries(pk []any, record types.Record) {
	for _, idx := range t.col.indexes {
		ikey, ok := record.KeyOf(idx.info.KeyPath)
		if !ok {
			continue
		}
		if entryKey, err := keycodec.IndexEntryKey(ikey, pk); err == nil {
			idx.entries.Remove(string(entryKey))
		}
	}
}
