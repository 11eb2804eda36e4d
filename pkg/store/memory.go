package store

import (
	"sync"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	counts map[string]int64
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counts: make(map[string]int64),
	}
}

// RecordDownload increments the counter for name
func (s *MemoryStore) RecordDownload(name string) error {
	if name == "" {
		return ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[name]++
	return nil
}

// Count returns the counter for name, 0 if never downloaded
func (s *MemoryStore) Count(name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.counts[name], nil
}

// All returns a copy of every counter
func (s *MemoryStore) All() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out, nil
}

// MostDownloaded returns the file with the highest counter
func (s *MemoryStore) MostDownloaded() (string, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, count := pickMostDownloaded(s.counts)
	return name, count, nil
}

// Delete drops the counter for name
func (s *MemoryStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.counts, name)
	return nil
}

// Reset drops every counter
func (s *MemoryStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts = make(map[string]int64)
	return nil
}

func (s *MemoryStore) Close() error       { return nil }
func (s *MemoryStore) HealthCheck() error { return nil }
func (s *MemoryStore) Vacuum() error      { return nil }
