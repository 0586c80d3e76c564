// Package backup snapshots a store's backing file into object storage
// and restores it back. Backends with no backing file (the in-memory
// engine) cannot be backed up.
package backup

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Object store faults.
var (
	ErrObjectNotFound = errors.New("backup: object not found")
	ErrUploadFailed   = errors.New("backup: upload failed")
	ErrDownloadFailed = errors.New("backup: download failed")
	ErrNoBackingFile  = errors.New("backup: store has no backing file")
)

// ObjectStore abstracts the storage a backup lands in. Implementations
// cover the local filesystem and S3-compatible services.
type ObjectStore interface {
	// Upload copies the local file at localPath to objectPath.
	Upload(ctx context.Context, localPath, objectPath string) error

	// Download copies the object at objectPath to localPath, creating
	// parent directories as needed. Returns ErrObjectNotFound when the
	// object does not exist.
	Download(ctx context.Context, objectPath, localPath string) error

	// Delete removes an object. Deleting an absent object is not an
	// error.
	Delete(ctx context.Context, objectPath string) error

	// Exists reports whether an object exists.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Manager writes and retrieves timestamped snapshots of store files.
type Manager struct {
	store  ObjectStore
	prefix string
	log    *zap.Logger
	now    func() time.Time
}

// NewManager creates a backup manager rooted at prefix inside the object
// store.
func NewManager(store ObjectStore, prefix string, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, prefix: prefix, log: log, now: time.Now}
}

// Backup uploads the file at location as a new snapshot of the named
// store and returns the snapshot's object path. The store should be
// closed, or at least quiescent, while the copy runs.
func (m *Manager) Backup(ctx context.Context, name, location string) (string, error) {
	if location == "" {
		return "", ErrNoBackingFile
	}
	objectPath := path.Join(m.prefix, name, m.now().UTC().Format("20060102T150405Z")+".bak")

	start := time.Now()
	if err := m.store.Upload(ctx, location, objectPath); err != nil {
		return "", fmt.Errorf("backing up store %s: %w", name, err)
	}
	m.log.Info("store backed up",
		zap.String("store", name),
		zap.String("object", objectPath),
		zap.Duration("took", time.Since(start)),
	)
	return objectPath, nil
}

// Restore downloads a snapshot to location. When objectPath is empty the
// latest snapshot of the named store is used. The store must not be open.
func (m *Manager) Restore(ctx context.Context, name, objectPath, location string) error {
	if location == "" {
		return ErrNoBackingFile
	}
	if objectPath == "" {
		latest, err := m.Latest(ctx, name)
		if err != nil {
			return err
		}
		objectPath = latest
	}
	if err := m.store.Download(ctx, objectPath, location); err != nil {
		return fmt.Errorf("restoring store %s: %w", name, err)
	}
	m.log.Info("store restored",
		zap.String("store", name),
		zap.String("object", objectPath),
	)
	return nil
}

// List returns the snapshot object paths of the named store, oldest
// first. Snapshot names embed their creation time, so lexicographic
// order is chronological.
func (m *Manager) List(ctx context.Context, name string) ([]string, error) {
	objects, err := m.store.List(ctx, path.Join(m.prefix, name))
	if err != nil {
		return nil, fmt.Errorf("listing backups of %s: %w", name, err)
	}
	sort.Strings(objects)
	return objects, nil
}

// Latest returns the newest snapshot of the named store.
func (m *Manager) Latest(ctx context.Context, name string) (string, error) {
	objects, err := m.List(ctx, name)
	if err != nil {
		return "", err
	}
	if len(objects) == 0 {
		return "", fmt.Errorf("%w: no backups of store %s", ErrObjectNotFound, name)
	}
	return objects[len(objects)-1], nil
}

// Prune deletes all but the newest keep snapshots of the named store.
func (m *Manager) Prune(ctx context.Context, name string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	objects, err := m.List(ctx, name)
	if err != nil {
		return 0, err
	}
	if len(objects) <= keep {
		return 0, nil
	}
	victims := objects[:len(objects)-keep]
	for _, obj := range victims {
		if err := m.store.Delete(ctx, obj); err != nil {
			return 0, fmt.Errorf("pruning backup %s: %w", obj, err)
		}
		m.log.Info("backup pruned", zap.String("object", obj))
	}
	return len(victims), nil
}
