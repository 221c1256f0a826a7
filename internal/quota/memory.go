package quota

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Records are lost on restart.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[int64][]time.Time
	whitelist map[int64]bool
	writes    int
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[int64][]time.Time),
		whitelist: make(map[int64]bool),
	}
}

func (s *MemoryStore) Update(_ context.Context, userID int64, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := append([]time.Time(nil), s.records[userID]...)
	next, changed := fn(cur)
	if changed {
		s.records[userID] = append([]time.Time(nil), next...)
		s.writes++
	}
	return nil
}

// Record returns a copy of userID's stored timestamps.
func (s *MemoryStore) Record(userID int64) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.records[userID]...)
}

// Writes counts persisted updates.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *MemoryStore) Whitelisted(_ context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.whitelist[userID], nil
}

func (s *MemoryStore) AddWhitelist(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.whitelist[userID] = true
	return nil
}

func (s *MemoryStore) RemoveWhitelist(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.whitelist, userID)
	return nil
}

func (s *MemoryStore) Whitelist(_ context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.whitelist))
	for id := range s.whitelist {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
