// Package retention keeps terminal job records queryable for a bounded
// window and purges them afterwards.
package retention

import (
	"sort"
	"sync"
	"time"

	"github.com/user/translateq/internal/job"
)

// DefaultWindow is how long completed and failed records stay visible.
const DefaultWindow = time.Hour

type record struct {
	snap       job.Snapshot
	terminalAt time.Time
}

// Store holds terminal job snapshots keyed by id. It is safe for concurrent use.
type Store struct {
	window time.Duration

	mu      sync.RWMutex
	records map[string]record
}

// NewStore creates a Store. A non-positive window uses DefaultWindow.
func NewStore(window time.Duration) *Store {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Store{window: window, records: make(map[string]record)}
}

// Window returns the retention window.
func (s *Store) Window() time.Duration { return s.window }

// Put stores the terminal snapshot of j. Non-terminal jobs are ignored.
func (s *Store) Put(j *job.Job) {
	at, ok := j.TerminalAt()
	if !ok {
		return
	}
	s.mu.Lock()
	s.records[j.ID] = record{snap: j.Snapshot(), terminalAt: at}
	s.mu.Unlock()
}

// Get returns the snapshot for id. A record past its window is reported as
// missing even if the sweeper has not removed it yet.
func (s *Store) Get(id string, now time.Time) (job.Snapshot, bool) {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	if !ok || s.expired(r, now) {
		return job.Snapshot{}, false
	}
	return r.snap, true
}

// List returns the unexpired snapshots, oldest terminal first.
func (s *Store) List(now time.Time) []job.Snapshot {
	s.mu.RLock()
	rs := make([]record, 0, len(s.records))
	for _, r := range s.records {
		if !s.expired(r, now) {
			rs = append(rs, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(rs, func(i, k int) bool { return rs[i].terminalAt.Before(rs[k].terminalAt) })
	out := make([]job.Snapshot, len(rs))
	for i, r := range rs {
		out[i] = r.snap
	}
	return out
}

// Counts returns the number of unexpired records per status.
func (s *Store) Counts(now time.Time) map[job.Status]int {
	counts := make(map[job.Status]int)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if !s.expired(r, now) {
			counts[r.snap.Status]++
		}
	}
	return counts
}

// Sweep removes every expired record and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.records {
		if s.expired(r, now) {
			delete(s.records, id)
			n++
		}
	}
	return n
}

// Len returns the number of stored records, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Purged strictly after the window.
func (s *Store) expired(r record, now time.Time) bool {
	return now.Sub(r.terminalAt) > s.window
}
