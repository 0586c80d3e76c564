// Package observability provides per-operation statistics tracking for the
// store: call counts, cumulative latency and index resolution hit rates.
package observability

import (
	"sort"
	"sync"
	"time"
)

// OpStats tracks operation statistics per collection.
type OpStats struct {
	mu    sync.RWMutex
	byKey map[string]*OpRecord
}

// OpRecord holds statistics for one operation on one collection.
type OpRecord struct {
	Collection     string
	Op             string
	Count          int64
	Errors         int64
	ResolutionMiss int64
	TotalDuration  time.Duration
	LastAt         time.Time
}

// NewOpStats creates a new operation statistics tracker.
func NewOpStats() *OpStats {
	return &OpStats{byKey: make(map[string]*OpRecord)}
}

// Record registers one completed operation. This method is O(1) and
// thread-safe.
func (s *OpStats) Record(collection, op string, d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.get(collection, op)
	r.Count++
	if err != nil {
		r.Errors++
	}
	r.TotalDuration += d
	r.LastAt = time.Now()
}

// RecordResolutionMiss registers an index-mediated operation whose lookup
// matched no record.
func (s *OpStats) RecordResolutionMiss(collection, op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(collection, op).ResolutionMiss++
}

func (s *OpStats) get(collection, op string) *OpRecord {
	key := collection + "\x00" + op
	r, ok := s.byKey[key]
	if !ok {
		r = &OpRecord{Collection: collection, Op: op}
		s.byKey[key] = r
	}
	return r
}

// Snapshot returns a copy of all records sorted by collection then
// operation name.
func (s *OpStats) Snapshot() []OpRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]OpRecord, 0, len(s.byKey))
	for _, r := range s.byKey {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Collection != out[j].Collection {
			return out[i].Collection < out[j].Collection
		}
		return out[i].Op < out[j].Op
	})
	return out
}
