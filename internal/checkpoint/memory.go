package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps threads in process memory. Threads are copied on
// the way in and out so callers never share slices with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*Thread
}

// NewMemoryStore creates an empty volatile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]*Thread)}
}

// Load returns a copy of the thread for key.
func (s *MemoryStore) Load(_ context.Context, key string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[key]
	if !ok {
		return &Thread{Key: key}, nil
	}
	return t.Clone(), nil
}

// Save stores a copy of thread under key.
func (s *MemoryStore) Save(_ context.Context, key string, thread *Thread) error {
	c := thread.Clone()
	c.Key = key
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[key] = c
	return nil
}

// Len reports how many threads are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}
