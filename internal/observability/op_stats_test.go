package observability

import (
	"errors"
	"testing"
	"time"
)

func TestRecordAccumulates(t *testing.T) {
	s := NewOpStats()

	s.Record("users", "get", 2*time.Millisecond, nil)
	s.Record("users", "get", 3*time.Millisecond, nil)
	s.Record("users", "get", time.Millisecond, errors.New("boom"))

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot length = %d, want 1", len(snap))
	}
	r := snap[0]
	if r.Collection != "users" || r.Op != "get" {
		t.Fatalf("record identity = %s/%s", r.Collection, r.Op)
	}
	if r.Count != 3 || r.Errors != 1 {
		t.Fatalf("count = %d, errors = %d", r.Count, r.Errors)
	}
	if r.TotalDuration != 6*time.Millisecond {
		t.Fatalf("total duration = %v", r.TotalDuration)
	}
	if r.LastAt.IsZero() {
		t.Fatal("LastAt not set")
	}
}

func TestResolutionMissesTrackedSeparately(t *testing.T) {
	s := NewOpStats()

	s.Record("users", "put_by_index", time.Millisecond, errors.New("miss"))
	s.RecordResolutionMiss("users", "put_by_index")
	s.RecordResolutionMiss("users", "put_by_index")

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot length = %d", len(snap))
	}
	if snap[0].ResolutionMiss != 2 {
		t.Fatalf("resolution misses = %d, want 2", snap[0].ResolutionMiss)
	}
}

func TestSnapshotSorted(t *testing.T) {
	s := NewOpStats()
	s.Record("users", "put", 0, nil)
	s.Record("events", "add", 0, nil)
	s.Record("users", "get", 0, nil)

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot length = %d", len(snap))
	}
	want := [][2]string{{"events", "add"}, {"users", "get"}, {"users", "put"}}
	for i, w := range want {
		if snap[i].Collection != w[0] || snap[i].Op != w[1] {
			t.Fatalf("snapshot[%d] = %s/%s, want %s/%s",
				i, snap[i].Collection, snap[i].Op, w[0], w[1])
		}
	}
}
