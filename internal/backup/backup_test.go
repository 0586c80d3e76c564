package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(raw)
}

func TestLocalStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}

	src := filepath.Join(t.TempDir(), "crm.db")
	writeFile(t, src, "payload")

	if err := store.Upload(ctx, src, "backups/crm/a.bak"); err != nil {
		t.Fatalf("upload: %v", err)
	}

	ok, err := store.Exists(ctx, "backups/crm/a.bak")
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}

	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := store.Download(ctx, "backups/crm/a.bak", dst); err != nil {
		t.Fatalf("download: %v", err)
	}
	if got := readFile(t, dst); got != "payload" {
		t.Fatalf("restored content = %q", got)
	}

	err = store.Download(ctx, "backups/crm/missing.bak", dst)
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("download of missing object: %v", err)
	}

	if err := store.Delete(ctx, "backups/crm/a.bak"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting an absent object is a no-op.
	if err := store.Delete(ctx, "backups/crm/a.bak"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if ok, _ := store.Exists(ctx, "backups/crm/a.bak"); ok {
		t.Fatal("object survived delete")
	}
}

func TestLocalStore_List(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}

	src := filepath.Join(t.TempDir(), "f")
	writeFile(t, src, "x")
	for _, obj := range []string{"b/crm/2.bak", "b/crm/1.bak", "b/other/1.bak"} {
		if err := store.Upload(ctx, src, obj); err != nil {
			t.Fatalf("upload %s: %v", obj, err)
		}
	}

	objects, err := store.List(ctx, "b/crm")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 2 || objects[0] != "b/crm/1.bak" || objects[1] != "b/crm/2.bak" {
		t.Fatalf("list = %v", objects)
	}

	// A prefix with no objects lists empty, not an error.
	objects, err = store.List(ctx, "b/ghost")
	if err != nil || len(objects) != 0 {
		t.Fatalf("list of empty prefix = %v, %v", objects, err)
	}
}

// newTestManager returns a manager over a local store with a clock that
// advances one minute per reading, so snapshot names never collide.
func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	m := NewManager(store, "backups", nil)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return m
}

func TestManager_BackupAndRestore(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	dir := t.TempDir()
	location := filepath.Join(dir, "crm.db")
	writeFile(t, location, "version one")

	first, err := m.Backup(ctx, "crm", location)
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	writeFile(t, location, "version two")
	second, err := m.Backup(ctx, "crm", location)
	if err != nil {
		t.Fatalf("second backup: %v", err)
	}
	if first == second {
		t.Fatalf("snapshot paths collide: %s", first)
	}

	objects, err := m.List(ctx, "crm")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 2 || objects[0] != first || objects[1] != second {
		t.Fatalf("list = %v, want [%s %s]", objects, first, second)
	}

	latest, err := m.Latest(ctx, "crm")
	if err != nil || latest != second {
		t.Fatalf("latest = %s, %v; want %s", latest, err, second)
	}

	// Explicit snapshot restore.
	restored := filepath.Join(dir, "restored.db")
	if err := m.Restore(ctx, "crm", first, restored); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := readFile(t, restored); got != "version one" {
		t.Fatalf("restored content = %q", got)
	}

	// Empty object path restores the latest snapshot.
	if err := m.Restore(ctx, "crm", "", restored); err != nil {
		t.Fatalf("restore latest: %v", err)
	}
	if got := readFile(t, restored); got != "version two" {
		t.Fatalf("restored latest content = %q", got)
	}
}

func TestManager_BackupRequiresBackingFile(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if _, err := m.Backup(ctx, "crm", ""); !errors.Is(err, ErrNoBackingFile) {
		t.Fatalf("backup without location: %v", err)
	}
	if err := m.Restore(ctx, "crm", "", ""); !errors.Is(err, ErrNoBackingFile) {
		t.Fatalf("restore without location: %v", err)
	}
}

func TestManager_LatestOfUnknownStore(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Latest(context.Background(), "ghost")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("latest of unknown store: %v", err)
	}
}

func TestManager_Prune(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	location := filepath.Join(t.TempDir(), "crm.db")
	writeFile(t, location, "x")

	var paths []string
	for i := 0; i < 4; i++ {
		p, err := m.Backup(ctx, "crm", location)
		if err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
		paths = append(paths, p)
	}

	deleted, err := m.Prune(ctx, "crm", 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}

	objects, err := m.List(ctx, "crm")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(objects) != 2 || objects[0] != paths[2] || objects[1] != paths[3] {
		t.Fatalf("survivors = %v, want newest two of %v", objects, paths)
	}

	// Nothing more to prune at the same retention.
	deleted, err = m.Prune(ctx, "crm", 2)
	if err != nil || deleted != 0 {
		t.Fatalf("second prune = %d, %v", deleted, err)
	}
}
