package bolt

import (
	"fmt"

	bbolt "go.etcd.io/bbolt"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/keycodec"
	"github.com/quarrydb/quarry/pkg/types"
)

// txn wraps one bbolt transaction scoped to a single collection. The
// collection's metadata and index set are loaded at Begin and fixed for
// the transaction's lifetime.
type txn struct {
	conn       *connection
	tx         *bbolt.Tx
	collection string
	meta       *collectionMeta
	indexes    []engine.IndexInfo
	mode       engine.Mode
	compress   bool
	done       bool
	metaDirty  bool
}

func (t *txn) records() (*bbolt.Bucket, error) {
	b := t.tx.Bucket(recordBucketName(t.collection))
	if b == nil {
		return nil, fmt.Errorf("bolt: %w: %s", engine.ErrNoSuchCollection, t.collection)
	}
	return b, nil
}

func (t *txn) indexBucket(index string) (*bbolt.Bucket, engine.IndexInfo, error) {
	for _, info := range t.indexes {
		if info.Name == index {
			b := t.tx.Bucket(indexBucketName(t.collection, index))
			if b == nil {
				return nil, info, fmt.Errorf("bolt: %w: %s on %s", engine.ErrNoSuchIndex, index, t.collection)
			}
			return b, info, nil
		}
	}
	return nil, engine.IndexInfo{}, fmt.Errorf("bolt: %w: %s on %s", engine.ErrNoSuchIndex, index, t.collection)
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

func (t *txn) Commit() error {
	if t.done {
		return engine.ErrClosed
	}
	t.done = true
	if t.mode != engine.ReadWrite {
		// bbolt read transactions are released with Rollback; committing
		// one returns ErrTxNotWritable and leaves the tx open.
		if err := t.tx.Rollback(); err != nil {
			return fmt.Errorf("bolt: releasing read transaction: %w", err)
		}
		return nil
	}
	if t.metaDirty {
		if err := saveCollectionMeta(t.tx, t.collection, t.meta); err != nil {
			t.tx.Rollback()
			return err
		}
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("bolt: committing transaction: %w", err)
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("bolt: rolling back transaction: %w", err)
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
	records, err := t.records()
	if err != nil {
		return nil, err
	}
	v := records.Get(enc)
	if v == nil {
		return nil, engine.ErrKeyNotFound
	}
	return decodeRecord(v)
}

func (t *txn) GetByIndexKey(index string, key []any) (types.Record, []any, error) {
	if t.done {
		return nil, nil, engine.ErrClosed
	}
	bucket, _, err := t.indexBucket(index)
	if err != nil {
		return nil, nil, err
	}
	min, max, err := keycodec.IndexEqualBounds(key)
	if err != nil {
		return nil, nil, err
	}
	c := bucket.Cursor()
	k, v := c.Seek(min)
	if k == nil || !keycodec.Within(k, min, max) {
		return nil, nil, engine.ErrKeyNotFound
	}
	pk, err := decodePrimaryKey(v)
	if err != nil {
		return nil, nil, err
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
	bucket, _, err := t.indexBucket(index)
	if err != nil {
		return nil, err
	}

	var out []types.Record
	c := bucket.Cursor()
	var k, v []byte
	if min != nil {
		k, v = c.Seek(min)
	} else {
		k, v = c.First()
	}
	for ; k != nil; k, v = c.Next() {
		if !keycodec.Within(k, min, max) {
			break
		}
		pk, err := decodePrimaryKey(v)
		if err != nil {
			return nil, err
		}
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
	records, err := t.records()
	if err != nil {
		return nil, err
	}
	var out []types.Record
	c := records.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rec, err := decodeRecord(v)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (t *txn) Count() (int, error) {
	if t.done {
		return 0, engine.ErrClosed
	}
	records, err := t.records()
	if err != nil {
		return 0, err
	}
	n := 0
	c := records.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n, nil
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
	for i, field := range t.meta.KeyPath {
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
	records, err := t.records()
	if err != nil {
		return err
	}
	v := records.Get(enc)
	if v == nil {
		return nil
	}
	prev, err := decodeRecord(v)
	if err != nil {
		return err
	}
	if err := t.dropIndexEntries(key, prev); err != nil {
		return err
	}
	return records.Delete(enc)
}

func (t *txn) Clear() error {
	if err := t.writable(); err != nil {
		return err
	}
	records, err := t.records()
	if err != nil {
		return err
	}
	c := records.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	for _, info := range t.indexes {
		bucket := t.tx.Bucket(indexBucketName(t.collection, info.Name))
		if bucket == nil {
			continue
		}
		ic := bucket.Cursor()
		for k, _ := ic.First(); k != nil; k, _ = ic.Next() {
			if err := ic.Delete(); err != nil {
				return err
			}
		}
	}
	return nil
}

// effectiveKey derives the primary key for a write, advancing the
// persisted auto-increment counter when the record carries none. The
// counter update commits with the transaction.
func (t *txn) effectiveKey(record types.Record) ([]any, types.Record, error) {
	record = record.Clone()

	if len(t.meta.KeyPath) == 0 {
		t.meta.Seq++
		t.metaDirty = true
		return []any{float64(t.meta.Seq)}, record, nil
	}

	pk, ok := record.KeyOf(t.meta.KeyPath)
	if ok {
		// An explicit numeric key drags the generator past itself so a
		// later generated key cannot collide with it.
		if t.meta.AutoIncrement {
			if n, err := keycodec.Normalize(pk[0]); err == nil {
				if f, isNum := n.(float64); isNum && int64(f) > t.meta.Seq {
					t.meta.Seq = int64(f)
					t.metaDirty = true
				}
			}
		}
		return pk, record, nil
	}
	if !t.meta.AutoIncrement {
		return nil, nil, fmt.Errorf("bolt: record missing key field(s) %v", t.meta.KeyPath)
	}
	t.meta.Seq++
	t.metaDirty = true
	record[t.meta.KeyPath[0]] = float64(t.meta.Seq)
	return []any{float64(t.meta.Seq)}, record, nil
}

// write stores record at pk and maintains every index. Constraint checks
// run before the first mutation so a rejected write changes nothing.
func (t *txn) write(pk []any, record types.Record, overwrite bool) error {
	enc, err := keycodec.EncodeKey(pk)
	if err != nil {
		return err
	}
	records, err := t.records()
	if err != nil {
		return err
	}
	prevRaw := records.Get(enc)
	if prevRaw != nil && !overwrite {
		return engine.ErrDuplicateKey
	}

	for _, info := range t.indexes {
		if !info.Unique {
			continue
		}
		ikey, ok := record.KeyOf(info.KeyPath)
		if !ok {
			continue
		}
		bucket, _, err := t.indexBucket(info.Name)
		if err != nil {
			return err
		}
		min, max, err := keycodec.IndexEqualBounds(ikey)
		if err != nil {
			return err
		}
		c := bucket.Cursor()
		if k, v := c.Seek(min); k != nil && keycodec.Within(k, min, max) {
			other, err := decodePrimaryKey(v)
			if err != nil {
				return err
			}
			otherEnc, err := keycodec.EncodeKey(other)
			if err != nil {
				return err
			}
			if string(otherEnc) != string(enc) {
				return fmt.Errorf("bolt: %w: index %s", engine.ErrUniqueConstraint, info.Name)
			}
		}
	}

	if prevRaw != nil {
		prev, err := decodeRecord(prevRaw)
		if err != nil {
			return err
		}
		if err := t.dropIndexEntries(pk, prev); err != nil {
			return err
		}
	}

	value, err := encodeRecord(record, t.compress)
	if err != nil {
		return err
	}
	if err := records.Put(enc, value); err != nil {
		return fmt.Errorf("bolt: writing record: %w", err)
	}

	for _, info := range t.indexes {
		ikey, ok := record.KeyOf(info.KeyPath)
		if !ok {
			continue
		}
		bucket, _, err := t.indexBucket(info.Name)
		if err != nil {
			return err
		}
		entryKey, err := keycodec.IndexEntryKey(ikey, pk)
		if err != nil {
			return err
		}
		pkRaw, err := encodePrimaryKey(pk)
		if err != nil {
			return err
		}
		if err := bucket.Put(entryKey, pkRaw); err != nil {
			return fmt.Errorf("bolt: writing index entry: %w", err)
		}
	}
	return nil
}

func (t *txn) dropIndexEntries(pk []any, record types.Record) error {
	for _, info := range t.indexes {
		ikey, ok := record.KeyOf(info.KeyPath)
		if !ok {
			continue
		}
		bucket := t.tx.Bucket(indexBucketName(t.collection, info.Name))
		if bucket == nil {
			continue
		}
		entryKey, err := keycodec.IndexEntryKey(ikey, pk)
		if err != nil {
			return err
		}
		if err := bucket.Delete(entryKey); err != nil {
			return err
		}
	}
	return nil
}
