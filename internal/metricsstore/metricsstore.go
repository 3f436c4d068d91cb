// Package metricsstore is the append-only in-memory ring of completed
// request records, with time-based retention eviction, per spec.md §4.4.
package metricsstore

import (
	"sync"
	"time"

	"github.com/rpay/croxy/internal/router"
)

// RequestRecord is the immutable summary of one completed exchange
// (spec.md §3). Records are never mutated once inserted.
type RequestRecord struct {
	Timestamp      time.Time
	Model          string
	EffectiveModel string
	ProviderName   string
	RoutingMethod  router.RoutingMethod
	StatusCode     int
	DurationMs     int64
	InputTokens    int
	OutputTokens   int
	ErrorKind      string
}

const maxRecords = 100_000

// Store is the shared metrics store. A single writer-wins lock protects the
// backing slice; snapshots are taken by copy so readers are never affected
// by concurrent inserts or evictions (spec.md §4.4). The lock is a leaf
// lock: no I/O and no other lock is ever acquired while held.
type Store struct {
	mu      sync.Mutex
	records []RequestRecord
}

// New creates an empty metrics store.
func New() *Store {
	return &Store{records: make([]RequestRecord, 0, 1024)}
}

// Insert appends a fully-built record. The caller (the front door) constructs
// the record completely before calling Insert, so the lock is held only for
// the append.
func (s *Store) Insert(r RequestRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) >= maxRecords {
		// Oldest-prefix eviction keeps this a bounded structure even with
		// retention disabled or a very long retention window.
		drop := len(s.records) - maxRecords + 1
		s.records = s.records[drop:]
	}
	s.records = append(s.records, r)
}

// Snapshot returns a cheap, consistent, point-in-time copy of all current
// records in insertion order. It never observes a partially-inserted record.
func (s *Store) Snapshot() []RequestRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RequestRecord, len(s.records))
	copy(out, s.records)
	return out
}

// EvictOlderThan removes the oldest contiguous prefix of records whose
// Timestamp is strictly before cutoff. No record with Timestamp >= cutoff
// is ever removed (spec.md §8 invariant).
func (s *Store) EvictOlderThan(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := 0
	for i < len(s.records) && s.records[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	s.records = s.records[i:]
}

// Len returns the current record count. Convenience for tests and the TUI.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
