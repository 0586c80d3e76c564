package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bbolt "go.etcd.io/bbolt"

	"github.com/quarrydb/quarry/internal/engine"
	"github.com/quarrydb/quarry/internal/engine/keycodec"
	"github.com/quarrydb/quarry/pkg/types"
)

// transitionScope applies structural changes inside one writable bbolt
// transaction. Commit persists the new version with the changes; Rollback
// discards everything.
type transitionScope struct {
	conn       *connection
	tx         *bbolt.Tx
	newVersion int64
	done       bool
}

func (s *transitionScope) ListCollections() ([]string, error) {
	if s.done {
		return nil, engine.ErrClosed
	}
	meta := s.tx.Bucket(metaBucket)
	if meta == nil {
		return nil, nil
	}
	prefix := []byte(collectionMetaPref)
	var names []string
	c := meta.Cursor()
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		names = append(names, string(k[len(prefix):]))
	}
	return names, nil
}

func (s *transitionScope) CollectionExists(name string) (bool, error) {
	if s.done {
		return false, engine.ErrClosed
	}
	meta := s.tx.Bucket(metaBucket)
	if meta == nil {
		return false, nil
	}
	return meta.Get(collectionMetaKey(name)) != nil, nil
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
		return fmt.Errorf("bolt: %w: collection %s already exists", engine.ErrConflict, name)
	}
	if err := saveCollectionMeta(s.tx, name, &collectionMeta{KeyPath: keyPath, AutoIncrement: autoIncrement}); err != nil {
		return err
	}
	if _, err := s.tx.CreateBucket(recordBucketName(name)); err != nil {
		return fmt.Errorf("bolt: creating collection bucket %s: %w", name, err)
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
		return fmt.Errorf("bolt: %w: %s", engine.ErrNoSuchCollection, name)
	}

	infos, err := loadIndexInfos(s.tx, name)
	if err != nil {
		return err
	}
	meta := s.tx.Bucket(metaBucket)
	for _, info := range infos {
		if err := s.tx.DeleteBucket(indexBucketName(name, info.Name)); err != nil && err != bbolt.ErrBucketNotFound {
			return fmt.Errorf("bolt: dropping index bucket %s.%s: %w", name, info.Name, err)
		}
		if err := meta.Delete(indexMetaKey(name, info.Name)); err != nil {
			return err
		}
	}
	if err := s.tx.DeleteBucket(recordBucketName(name)); err != nil && err != bbolt.ErrBucketNotFound {
		return fmt.Errorf("bolt: dropping collection bucket %s: %w", name, err)
	}
	return meta.Delete(collectionMetaKey(name))
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
		return nil, fmt.Errorf("bolt: %w: %s", engine.ErrNoSuchCollection, collection)
	}
	return loadIndexInfos(s.tx, collection)
}

// CreateIndex persists the index definition, creates its bucket and
// backfills entries from the collection's existing records. Records
// lacking an indexed field contribute no entry.
func (s *transitionScope) CreateIndex(collection string, info engine.IndexInfo) error {
	if s.done {
		return engine.ErrClosed
	}
	exists, err := s.CollectionExists(collection)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("bolt: %w: %s", engine.ErrNoSuchCollection, collection)
	}
	meta := s.tx.Bucket(metaBucket)
	if meta.Get(indexMetaKey(collection, info.Name)) != nil {
		return fmt.Errorf("bolt: %w: index %s already exists on %s", engine.ErrConflict, info.Name, collection)
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("bolt: encoding index meta: %w", err)
	}
	if err := meta.Put(indexMetaKey(collection, info.Name), raw); err != nil {
		return err
	}
	bucket, err := s.tx.CreateBucket(indexBucketName(collection, info.Name))
	if err != nil {
		return fmt.Errorf("bolt: creating index bucket %s.%s: %w", collection, info.Name, err)
	}

	if err := s.backfill(collection, info, bucket); err != nil {
		// A failed create must leave no trace in the still-open
		// transaction.
		s.tx.DeleteBucket(indexBucketName(collection, info.Name))
		meta.Delete(indexMetaKey(collection, info.Name))
		return err
	}
	return nil
}

// backfill populates a new index bucket from the collection's existing
// records, enforcing uniqueness as it goes.
func (s *transitionScope) backfill(collection string, info engine.IndexInfo, bucket *bbolt.Bucket) error {
	cm, err := loadCollectionMeta(s.tx, collection)
	if err != nil {
		return err
	}
	records := s.tx.Bucket(recordBucketName(collection))
	if records == nil {
		return nil
	}
	c := records.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		ikey, ok := rec.KeyOf(info.KeyPath)
		if !ok {
			continue
		}
		if info.Unique {
			min, max, err := keycodec.IndexEqualBounds(ikey)
			if err != nil {
				return err
			}
			ic := bucket.Cursor()
			if ek, _ := ic.Seek(min); ek != nil && keycodec.Within(ek, min, max) {
				return fmt.Errorf("bolt: %w: backfilling unique index %s", engine.ErrUniqueConstraint, info.Name)
			}
		}
		pk, err := primaryKeyOf(cm, rec, k)
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
			return err
		}
	}
	return nil
}

func (s *transitionScope) DropIndex(collection, index string) error {
	if s.done {
		return engine.ErrClosed
	}
	meta := s.tx.Bucket(metaBucket)
	if meta == nil || meta.Get(indexMetaKey(collection, index)) == nil {
		return fmt.Errorf("bolt: %w: %s on %s", engine.ErrNoSuchIndex, index, collection)
	}
	if err := s.tx.DeleteBucket(indexBucketName(collection, index)); err != nil && err != bbolt.ErrBucketNotFound {
		return fmt.Errorf("bolt: dropping index bucket %s.%s: %w", collection, index, err)
	}
	return meta.Delete(indexMetaKey(collection, index))
}

func (s *transitionScope) Commit() error {
	if s.done {
		return engine.ErrClosed
	}
	s.done = true

	meta, err := s.tx.CreateBucketIfNotExists(metaBucket)
	if err != nil {
		s.tx.Rollback()
		s.conn.pendingScope = nil
		return fmt.Errorf("bolt: ensuring meta bucket: %w", err)
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(s.newVersion))
	if err := meta.Put(versionKey, v[:]); err != nil {
		s.tx.Rollback()
		s.conn.pendingScope = nil
		return fmt.Errorf("bolt: writing version: %w", err)
	}
	if err := s.tx.Commit(); err != nil {
		s.conn.pendingScope = nil
		return fmt.Errorf("bolt: committing transition: %w", err)
	}
	s.conn.pendingScope = nil
	return nil
}

func (s *transitionScope) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	s.conn.pendingScope = nil
	if err := s.tx.Rollback(); err != nil {
		return fmt.Errorf("bolt: rolling back transition: %w", err)
	}
	return nil
}

// primaryKeyOf rebuilds a record's primary key tuple: from the record's
// declared key fields for inline keys, or by decoding the stored bucket
// key for out-of-line auto-increment collections.
func primaryKeyOf(cm *collectionMeta, rec types.Record, storedKey []byte) ([]any, error) {
	if len(cm.KeyPath) > 0 {
		pk, ok := rec.KeyOf(cm.KeyPath)
		if !ok {
			return nil, fmt.Errorf("bolt: stored record at %x lacks key field(s) %v", storedKey, cm.KeyPath)
		}
		return pk, nil
	}
	return keycodec.DecodeKey(storedKey)
}
