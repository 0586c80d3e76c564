package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/keycodec"
	"github.com/quarrydb/quarry/pkg/types"
)

// txn wraps one SQL transaction scoped to a single collection. The
// collection's metadata and index set are loaded at Begin and fixed for
// the transaction's lifetime. Primary keys are stored in their
// order-preserving encoding, so BLOB comparison in SQL gives the same
// ordering as the other engines.
type txn struct {
	ctx        context.Context
	tx         *sql.Tx
	collection string
	meta       *collectionMeta
	indexes    []engine.IndexInfo
	mode       engine.Mode
	done       bool
	metaDirty  bool
}

func (t *txn) indexInfo(index string) (engine.IndexInfo, error) {
	for _, info := range t.indexes {
		if info.Name == index {
			return info, nil
		}
	}
	return engine.IndexInfo{}, fmt.Errorf("sqlite: %w: %s on %s", engine.ErrNoSuchIndex, index, t.collection)
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
	if t.metaDirty {
		if _, err := t.tx.ExecContext(t.ctx,
			"UPDATE quarry_collections SET seq = ? WHERE name = ?",
			t.meta.Seq, t.collection,
		); err != nil {
			t.tx.Rollback()
			return fmt.Errorf("sqlite: persisting sequence counter: %w", err)
		}
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transaction: %w", err)
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("sqlite: rolling back transaction: %w", err)
	}
	return nil
}

func (t *txn) getRaw(enc []byte) (types.Record, error) {
	var doc []byte
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT doc FROM "+recordTable(t.collection)+" WHERE pk = ?", enc,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, engine.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading record: %w", err)
	}
	var rec types.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("sqlite: decoding record: %w", err)
	}
	return rec, nil
}

func (t *txn) GetByKey(key []any) (types.Record, error) {
	if t.done {
		return nil, engine.ErrClosed
	}
	enc, err := keycodec.EncodeKey(key)
	if err != nil {
		return nil, err
	}
	return t.getRaw(enc)
}

func (t *txn) GetByIndexKey(index string, key []any) (types.Record, []any, error) {
	if t.done {
		return nil, nil, engine.ErrClosed
	}
	info, err := t.indexInfo(index)
	if err != nil {
		return nil, nil, err
	}
	ikey, err := keycodec.EncodeKey(key)
	if err != nil {
		return nil, nil, err
	}
	var pkRaw []byte
	err = t.tx.QueryRowContext(t.ctx,
		"SELECT pk FROM "+entryTable(t.collection, info.Name)+" WHERE ikey = ? ORDER BY entry ASC LIMIT 1",
		ikey,
	).Scan(&pkRaw)
	if err == sql.ErrNoRows {
		return nil, nil, engine.ErrKeyNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: reading index entry: %w", err)
	}
	pk, err := keycodec.DecodeKey(pkRaw)
	if err != nil {
		return nil, nil, err
	}
	rec, err := t.getRaw(pkRaw)
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

// scanIndex walks entries inside the half-open byte range [min, max) in
// entry order, which is index key order with primary key as tiebreak.
func (t *txn) scanIndex(index string, min, max []byte) ([]types.Record, error) {
	if t.done {
		return nil, engine.ErrClosed
	}
	info, err := t.indexInfo(index)
	if err != nil {
		return nil, err
	}

	query := "SELECT pk FROM " + entryTable(t.collection, info.Name)
	var args []any
	switch {
	case min != nil && max != nil:
		query += " WHERE entry >= ? AND entry < ?"
		args = append(args, min, max)
	case min != nil:
		query += " WHERE entry >= ?"
		args = append(args, min)
	case max != nil:
		query += " WHERE entry < ?"
		args = append(args, max)
	}
	query += " ORDER BY entry ASC"

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scanning index %s: %w", index, err)
	}
	var pks [][]byte
	for rows.Next() {
		var pkRaw []byte
		if err := rows.Scan(&pkRaw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scanning index row: %w", err)
		}
		pks = append(pks, pkRaw)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var out []types.Record
	for _, pkRaw := range pks {
		rec, err := t.getRaw(pkRaw)
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
	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT doc FROM "+recordTable(t.collection)+" ORDER BY pk ASC")
	if err != nil {
		return nil, fmt.Errorf("sqlite: scanning %s: %w", t.collection, err)
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("sqlite: scanning record row: %w", err)
		}
		var rec types.Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("sqlite: decoding record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t *txn) Count() (int, error) {
	if t.done {
		return 0, engine.ErrClosed
	}
	var n int
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT COUNT(*) FROM "+recordTable(t.collection)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting %s: %w", t.collection, err)
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
	prev, err := t.getRaw(enc)
	if err == engine.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if err := t.dropIndexEntries(key, prev); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM "+recordTable(t.collection)+" WHERE pk = ?", enc,
	); err != nil {
		return fmt.Errorf("sqlite: deleting record: %w", err)
	}
	return nil
}

func (t *txn) Clear() error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM "+recordTable(t.collection)); err != nil {
		return fmt.Errorf("sqlite: clearing %s: %w", t.collection, err)
	}
	for _, info := range t.indexes {
		if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM "+entryTable(t.collection, info.Name)); err != nil {
			return fmt.Errorf("sqlite: clearing index %s: %w", info.Name, err)
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
		return nil, nil, fmt.Errorf("sqlite: record missing key field(s) %v", t.meta.KeyPath)
	}
	t.meta.Seq++
	t.metaDirty = true
	record[t.meta.KeyPath[0]] = float64(t.meta.Seq)
	return []any{float64(t.meta.Seq)}, record, nil
}

// write stores record at pk and maintains every index. Constraint checks
// run before the first mutation so a rejected write changes nothing; the
// UNIQUE SQL indexes on the entry tables remain as a backstop.
func (t *txn) write(pk []any, record types.Record, overwrite bool) error {
	enc, err := keycodec.EncodeKey(pk)
	if err != nil {
		return err
	}
	prev, err := t.getRaw(enc)
	if err != nil && err != engine.ErrKeyNotFound {
		return err
	}
	if prev != nil && !overwrite {
		return engine.ErrDuplicateKey
	}

	for _, info := range t.indexes {
		if !info.Unique {
			continue
		}
		ikeyVals, ok := record.KeyOf(info.KeyPath)
		if !ok {
			continue
		}
		ikey, err := keycodec.EncodeKey(ikeyVals)
		if err != nil {
			return err
		}
		var otherPK []byte
		err = t.tx.QueryRowContext(t.ctx,
			"SELECT pk FROM "+entryTable(t.collection, info.Name)+" WHERE ikey = ? LIMIT 1", ikey,
		).Scan(&otherPK)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("sqlite: checking unique index %s: %w", info.Name, err)
		}
		if string(otherPK) != string(enc) {
			return fmt.Errorf("sqlite: %w: index %s", engine.ErrUniqueConstraint, info.Name)
		}
	}

	if prev != nil {
		if err := t.dropIndexEntries(pk, prev); err != nil {
			return err
		}
	}

	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("sqlite: encoding record: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		"INSERT INTO "+recordTable(t.collection)+" (pk, doc) VALUES (?, ?) ON CONFLICT(pk) DO UPDATE SET doc = excluded.doc",
		enc, doc,
	); err != nil {
		return mapSQLiteErr(err, "writing record")
	}

	for _, info := range t.indexes {
		ikeyVals, ok := record.KeyOf(info.KeyPath)
		if !ok {
			continue
		}
		entry, err := keycodec.IndexEntryKey(ikeyVals, pk)
		if err != nil {
			return err
		}
		ikey, err := keycodec.EncodeKey(ikeyVals)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(t.ctx,
			"INSERT INTO "+entryTable(t.collection, info.Name)+" (entry, ikey, pk) VALUES (?, ?, ?)",
			entry, ikey, enc,
		); err != nil {
			return mapSQLiteErr(err, fmt.Sprintf("writing entry of index %s", info.Name))
		}
	}
	return nil
}

func (t *txn) dropIndexEntries(pk []any, record types.Record) error {
	for _, info := range t.indexes {
		ikeyVals, ok := record.KeyOf(info.KeyPath)
		if !ok {
			continue
		}
		entry, err := keycodec.IndexEntryKey(ikeyVals, pk)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(t.ctx,
			"DELETE FROM "+entryTable(t.collection, info.Name)+" WHERE entry = ?", entry,
		); err != nil {
			return fmt.Errorf("sqlite: deleting entry of index %s: %w", info.Name, err)
		}
	}
	return nil
}
