// Package memory provides an in-process cache backend with per-entry expiry.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/flowlens/internal/clock/system"
	"github.com/JakeFAU/flowlens/internal/flow"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store is a mutex-guarded map of entries. Expired entries are dropped lazily on read
// or in bulk by Purge.
type Store struct {
	mu      sync.Mutex
	clock   flow.Clock
	entries map[string]entry
}

// New returns an empty Store. A nil clock uses the system clock.
func New(clock flow.Clock) *Store {
	if clock == nil {
		clock = system.New()
	}
	return &Store{clock: clock, entries: make(map[string]entry)}
}

// Get implements flow.Cache.
func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !now.Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Set implements flow.Cache. A non-positive ttl stores nothing.
func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	expiresAt := s.clock.Now().Add(ttl)
	s.mu.Lock()
	s.entries[key] = entry{value: append([]byte(nil), value...), expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

// Purge removes expired entries and returns how many were dropped.
func (s *Store) Purge(context.Context) (int64, error) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped int64
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			dropped++
		}
	}
	return dropped, nil
}

// Len reports the number of stored entries, live or not yet purged.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
