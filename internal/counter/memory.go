package counter

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     int64
	expiresAt time.Time // zero means no TTL
}

// MemoryStore is an in-process Store: a mutex-guarded map with a
// background expiry sweeper. It backs the test suite and single-node
// development runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its sweeper.
// Call Close to stop the sweeper.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memoryEntry),
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

func (s *MemoryStore) sweep() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.mu.Lock()
			for key, e := range s.entries {
				if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}

// live returns the entry for key, dropping it first if its TTL lapsed
// between sweeps. Caller holds the mutex.
func (s *MemoryStore) live(key string, now time.Time) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Increment(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key, time.Now())
	if e == nil {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	e.value++
	return e.value, nil
}

func (s *MemoryStore) Decrement(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key, time.Now())
	if e == nil {
		e = &memoryEntry{}
		s.entries[key] = e
	}
	e.value--
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key, time.Now())
	if e == nil {
		return 0, nil
	}
	return e.value, nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.live(key, time.Now()); e != nil {
		e.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

// Close stops the expiry sweeper.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.done) })
}
