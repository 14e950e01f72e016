package idempotency

import (
	"sync"
	"time"
)

// maxFallbackEntries bounds the in-process store. When full, the oldest
// entry by insertion order is evicted, trading replay fidelity for a hard
// memory ceiling.
const maxFallbackEntries = 2000

type (
	// fallbackEntry is a record plus its expiry.
	fallbackEntry struct {
		rec       record
		expiresAt time.Time
	}

	// fallbackStore is the bounded in-process idempotency store used when
	// the primary cache is disabled or unreachable. Process-local: a
	// multi-replica deployment needs the real cache to preserve replay
	// guarantees across replicas.
	fallbackStore struct {
		mutex   sync.Mutex
		entries map[string]*fallbackEntry
		// order tracks insertion order for eviction.
		order []string
	}
)

func newFallbackStore() *fallbackStore {
	return &fallbackStore{
		entries: make(map[string]*fallbackEntry),
	}
}

// begin mirrors the Redis Begin protocol on the local map.
func (s *fallbackStore) begin(key string, inFlightTTL time.Duration) Decision {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()

	if entry, exists := s.entries[key]; exists && now.Before(entry.expiresAt) {
		if entry.rec.Status == statusCompleted {
			return Decision{Outcome: OutcomeReplay, StatusCode: entry.rec.StatusCode, Body: entry.rec.Body}
		}

		return Decision{Outcome: OutcomeConflict}
	}

	s.put(key, &fallbackEntry{
		rec:       record{Status: statusInFlight, CreatedAt: now.UTC()},
		expiresAt: now.Add(inFlightTTL),
	})

	return Decision{Outcome: OutcomeProceed}
}

// complete overwrites the record with the final response.
func (s *fallbackStore) complete(key string, rec record, completedTTL time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.put(key, &fallbackEntry{
		rec:       rec,
		expiresAt: time.Now().Add(completedTTL),
	})
}

// clear removes a record.
func (s *fallbackStore) clear(key string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.entries[key]; !exists {
		return
	}

	delete(s.entries, key)
	s.dropFromOrder(key)
}

// put inserts or replaces an entry, evicting the oldest insertion when the
// capacity bound is hit. Caller must hold the mutex.
func (s *fallbackStore) put(key string, entry *fallbackEntry) {
	if _, exists := s.entries[key]; exists {
		s.entries[key] = entry

		return
	}

	for len(s.entries) >= maxFallbackEntries && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}

	s.entries[key] = entry
	s.order = append(s.order, key)
}

// dropFromOrder removes a key from the insertion-order list.
// Caller must hold the mutex.
func (s *fallbackStore) dropFromOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)

			break
		}
	}
}

// size reports the current entry count. Used by tests.
func (s *fallbackStore) size() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.entries)
}
