package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/keycodec"
	"github.com/quarrydb/quarry/pkg/types"
)

// transitionScope applies structural changes inside one SQL transaction.
// SQLite runs DDL transactionally, so Commit applies every change and the
// version bump together.
type transitionScope struct {
	conn       *connection
	ctx        context.Context
	tx         *sql.Tx
	newVersion int64
	done       bool
}

func (s *transitionScope) ListCollections() ([]string, error) {
	if s.done {
		return nil, engine.ErrClosed
	}
	rows, err := s.tx.QueryContext(s.ctx, "SELECT name FROM quarry_collections ORDER BY name ASC")
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite: scanning collection row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *transitionScope) CollectionExists(name string) (bool, error) {
	if s.done {
		return false, engine.ErrClosed
	}
	var n int
	err := s.tx.QueryRowContext(s.ctx,
		"SELECT COUNT(*) FROM quarry_collections WHERE name = ?", name,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking collection %s: %w", name, err)
	}
	return n > 0, nil
}

func (s *transitionScope) CreateCollection(name string, keyPath []string, autoIncrement bool) error {
	if s.done {
		return engine.ErrClosed
	}
	exists, err := s.CollectionExists(name)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("sqlite: %w: collection %s already exists", engine.ErrConflict, name)
	}

	keyPathJSON, err := json.Marshal(keyPath)
	if err != nil {
		return fmt.Errorf("sqlite: encoding key path: %w", err)
	}
	autoIncr := 0
	if autoIncrement {
		autoIncr = 1
	}
	if _, err := s.tx.ExecContext(s.ctx,
		"INSERT INTO quarry_collections (name, key_path, auto_increment, seq) VALUES (?, ?, ?, 0)",
		name, string(keyPathJSON), autoIncr,
	); err != nil {
		return fmt.Errorf("sqlite: registering collection %s: %w", name, err)
	}

	ddl := fmt.Sprintf("CREATE TABLE %s (pk BLOB PRIMARY KEY, doc BLOB NOT NULL) WITHOUT ROWID", recordTable(name))
	if _, err := s.tx.ExecContext(s.ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: creating record table for %s: %w", name, err)
	}
	return nil
}

func (s *transitionScope) DropCollection(name string) error {
	if s.done {
		return engine.ErrClosed
	}
	exists, err := s.CollectionExists(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("sqlite: %w: %s", engine.ErrNoSuchCollection, name)
	}

	infos, err := loadIndexInfos(s.ctx, s.tx, name)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := s.DropIndex(name, info.Name); err != nil {
			return err
		}
	}
	if _, err := s.tx.ExecContext(s.ctx, "DROP TABLE "+recordTable(name)); err != nil {
		return fmt.Errorf("sqlite: dropping record table of %s: %w", name, err)
	}
	if _, err := s.tx.ExecContext(s.ctx, "DELETE FROM quarry_collections WHERE name = ?", name); err != nil {
		return fmt.Errorf("sqlite: unregistering collection %s: %w", name, err)
	}
	return nil
}

func (s *transitionScope) ListIndexes(collection string) ([]engine.IndexInfo, error) {
	if s.done {
		return nil, engine.ErrClosed
	}
	exists, err := s.CollectionExists(collection)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("sqlite: %w: %s", engine.ErrNoSuchCollection, collection)
	}
	return loadIndexInfos(s.ctx, s.tx, collection)
}

// CreateIndex registers the index, creates its entry table (with a real
// UNIQUE SQL index over the index key when uniqueness is declared) and
// backfills entries from existing records. A backfill collision surfaces
// as SQLite's constraint error mapped to ErrUniqueConstraint.
func (s *transitionScope) CreateIndex(collection string, info engine.IndexInfo) error {
	if s.done {
		return engine.ErrClosed
	}
	exists, err := s.CollectionExists(collection)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("sqlite: %w: %s", engine.ErrNoSuchCollection, collection)
	}

	var n int
	if err := s.tx.QueryRowContext(s.ctx,
		"SELECT COUNT(*) FROM quarry_indexes WHERE collection = ? AND name = ?",
		collection, info.Name,
	).Scan(&n); err != nil {
		return fmt.Errorf("sqlite: checking index %s: %w", info.Name, err)
	}
	if n > 0 {
		return fmt.Errorf("sqlite: %w: index %s already exists on %s", engine.ErrConflict, info.Name, collection)
	}

	keyPathJSON, err := json.Marshal(info.KeyPath)
	if err != nil {
		return fmt.Errorf("sqlite: encoding index key path: %w", err)
	}
	unique := 0
	if info.Unique {
		unique = 1
	}
	if _, err := s.tx.ExecContext(s.ctx,
		"INSERT INTO quarry_indexes (collection, name, key_path, is_unique) VALUES (?, ?, ?, ?)",
		collection, info.Name, string(keyPathJSON), unique,
	); err != nil {
		return fmt.Errorf("sqlite: registering index %s: %w", info.Name, err)
	}

	table := entryTable(collection, info.Name)
	ddl := fmt.Sprintf("CREATE TABLE %s (entry BLOB PRIMARY KEY, ikey BLOB NOT NULL, pk BLOB NOT NULL) WITHOUT ROWID", table)
	if _, err := s.tx.ExecContext(s.ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: creating entry table for %s.%s: %w", collection, info.Name, err)
	}
	if info.Unique {
		ddl = fmt.Sprintf("CREATE UNIQUE INDEX %s ON %s (ikey)", uniqueIndexName(collection, info.Name), table)
	} else {
		ddl = fmt.Sprintf("CREATE INDEX %s ON %s (ikey)", uniqueIndexName(collection, info.Name), table)
	}
	if _, err := s.tx.ExecContext(s.ctx, ddl); err != nil {
		return fmt.Errorf("sqlite: creating SQL index for %s.%s: %w", collection, info.Name, err)
	}

	if err := s.backfill(collection, info); err != nil {
		// A failed create must leave no trace in the still-open
		// transaction.
		s.tx.ExecContext(s.ctx, "DROP TABLE IF EXISTS "+table)
		s.tx.ExecContext(s.ctx,
			"DELETE FROM quarry_indexes WHERE collection = ? AND name = ?",
			collection, info.Name)
		return err
	}
	return nil
}

func (s *transitionScope) backfill(collection string, info engine.IndexInfo) error {
	cm, err := loadCollectionMeta(s.ctx, s.tx, collection)
	if err != nil {
		return err
	}
	rows, err := s.tx.QueryContext(s.ctx, "SELECT pk, doc FROM "+recordTable(collection))
	if err != nil {
		return fmt.Errorf("sqlite: scanning records of %s: %w", collection, err)
	}

	// Materialize first: SQLite cannot run inserts while the select
	// cursor is open on the same connection.
	type row struct {
		pk  []byte
		doc []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.pk, &r.doc); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: scanning record row: %w", err)
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	insert := fmt.Sprintf("INSERT INTO %s (entry, ikey, pk) VALUES (?, ?, ?)", entryTable(collection, info.Name))
	for _, r := range all {
		var rec types.Record
		if err := json.Unmarshal(r.doc, &rec); err != nil {
			return fmt.Errorf("sqlite: decoding record: %w", err)
		}
		ikeyVals, ok := rec.KeyOf(info.KeyPath)
		if !ok {
			continue
		}
		pkVals, err := primaryKeyOf(cm, rec, r.pk)
		if err != nil {
			return err
		}
		entry, err := keycodec.IndexEntryKey(ikeyVals, pkVals)
		if err != nil {
			return err
		}
		ikey, err := keycodec.EncodeKey(ikeyVals)
		if err != nil {
			return err
		}
		if _, err := s.tx.ExecContext(s.ctx, insert, entry, ikey, r.pk); err != nil {
			return mapSQLiteErr(err, fmt.Sprintf("backfilling index %s", info.Name))
		}
	}
	return nil
}

func (s *transitionScope) DropIndex(collection, index string) error {
	if s.done {
		return engine.ErrClosed
	}
	var n int
	if err := s.tx.QueryRowContext(s.ctx,
		"SELECT COUNT(*) FROM quarry_indexes WHERE collection = ? AND name = ?",
		collection, index,
	).Scan(&n); err != nil {
		return fmt.Errorf("sqlite: checking index %s: %w", index, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlite: %w: %s on %s", engine.ErrNoSuchIndex, index, collection)
	}
	if _, err := s.tx.ExecContext(s.ctx, "DROP TABLE "+entryTable(collection, index)); err != nil {
		return fmt.Errorf("sqlite: dropping entry table of %s.%s: %w", collection, index, err)
	}
	if _, err := s.tx.ExecContext(s.ctx,
		"DELETE FROM quarry_indexes WHERE collection = ? AND name = ?", collection, index,
	); err != nil {
		return fmt.Errorf("sqlite: unregistering index %s: %w", index, err)
	}
	return nil
}

func (s *transitionScope) Commit() error {
	if s.done {
		return engine.ErrClosed
	}
	s.done = true
	s.conn.pendingScope = nil

	if _, err := s.tx.ExecContext(s.ctx,
		"INSERT INTO quarry_meta (key, value) VALUES ('version', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		fmt.Sprintf("%d", s.newVersion),
	); err != nil {
		s.tx.Rollback()
		return fmt.Errorf("sqlite: writing version: %w", err)
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing transition: %w", err)
	}
	return nil
}

func (s *transitionScope) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	s.conn.pendingScope = nil
	if err := s.tx.Rollback(); err != nil {
		return fmt.Errorf("sqlite: rolling back transition: %w", err)
	}
	return nil
}

// primaryKeyOf rebuilds a record's primary key tuple from its declared key
// fields, or by decoding the stored pk bytes for out-of-line keys.
func primaryKeyOf(cm *collectionMeta, rec types.Record, storedPK []byte) ([]any, error) {
	if len(cm.KeyPath) > 0 {
		pk, ok := rec.KeyOf(cm.KeyPath)
		if !ok {
			return nil, fmt.Errorf("sqlite: stored record lacks key field(s) %v", cm.KeyPath)
		}
		return pk, nil
	}
	return keycodec.DecodeKey(storedPK)
}

// mapSQLiteErr converts SQLite constraint violations into engine
// sentinels.
func mapSQLiteErr(err error, context string) error {
	if err == nil {
		return nil
	}
	if se, ok := err.(sqlite3.Error); ok {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("sqlite: %w: %s", engine.ErrDuplicateKey, context)
		case sqlite3.ErrConstraintUnique:
			return fmt.Errorf("sqlite: %w: %s", engine.ErrUniqueConstraint, context)
		}
	}
	return fmt.Errorf("sqlite: %s: %w", context, err)
}
