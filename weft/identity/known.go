package identity

import "sync"

// KnownEntry is a remembered association between a destination hash and
// the Identity that announced it.
type KnownEntry struct {
	Identity *Identity
	AppData  []byte
}

// KnownStore remembers identities learned from validated announces, so
// applications can encrypt toward and verify destinations they have
// heard from. The store is purely in-memory; persistence belongs to the
// application layer.
type KnownStore struct {
	mu      sync.RWMutex
	max     int
	entries map[Hash]KnownEntry
}

// NewKnownStore creates a store holding at most max entries. When full,
// an arbitrary entry is evicted to make room; zero or negative max means
// a default bound of 4096.
func NewKnownStore(max int) *KnownStore {
	if max <= 0 {
		max = 4096
	}
	return &KnownStore{
		max:     max,
		entries: make(map[Hash]KnownEntry),
	}
}

// Remember stores the identity announced for a destination hash.
func (s *KnownStore) Remember(destination Hash, id *Identity, appData []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[destination]; !exists && len(s.entries) >= s.max {
		for k := range s.entries {
			delete(s.entries, k)
			break
		}
	}
	s.entries[destination] = KnownEntry{
		Identity: id,
		AppData:  append([]byte(nil), appData...),
	}
}

// Recall returns the identity remembered for a destination hash.
func (s *KnownStore) Recall(destination Hash) (*Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[destination]
	if !ok {
		return nil, false
	}
	return e.Identity, true
}

// RecallAppData returns the application data carried by the announce the
// identity was learned from.
func (s *KnownStore) RecallAppData(destination Hash) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[destination]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.AppData...), true
}

// Len returns the number of remembered destinations.
func (s *KnownStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
