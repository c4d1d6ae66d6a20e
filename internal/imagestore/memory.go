package imagestore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	storedAt  time.Time
	expiresAt time.Time
}

// MemoryStore keeps images in process memory. Entries expire after ttl even
// when no expiry timer fires for them.
type MemoryStore struct {
	mu              sync.RWMutex
	items           map[string]memoryEntry
	ttl             time.Duration
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// create new in-memory store
// if ttl or cleanupInterval is <= 0, 1h and 5m are used

func NewMemoryStore(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	s := &MemoryStore{
		items:           make(map[string]memoryEntry),
		ttl:             ttl,
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}

	//background cleanup routine
	go s.cleanupExpired()

	return s
}

// Get retrieves an image from the store.
func (s *MemoryStore) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.items[name]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		s.mu.Lock()
		if e, exists := s.items[name]; exists && now.After(e.expiresAt) {
			delete(s.items, name)
		}
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	return entry.value, nil
}

// Put stores a copy of data under name.
func (s *MemoryStore) Put(_ context.Context, name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	// Copy to decouple from caller's buffer
	valueCopy := make([]byte, len(data))
	copy(valueCopy, data)

	now := time.Now()

	s.mu.Lock()
	s.items[name] = memoryEntry{
		value:     valueCopy,
		storedAt:  now,
		expiresAt: now.Add(s.ttl),
	}
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	delete(s.items, name)
	s.mu.Unlock()
	return nil
}

// Sweep removes entries stored before cutoff.
func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0
	s.mu.Lock()
	for k, v := range s.items {
		if v.storedAt.Before(cutoff) {
			delete(s.items, k)
			removed++
		}
	}
	s.mu.Unlock()
	return removed, nil
}

// cleanupExpired runs periodically to remove expired entries.
func (s *MemoryStore) cleanupExpired() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, v := range s.items {
				if now.After(v.expiresAt) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine. Call this on shutdown or in tests.
func (s *MemoryStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// Len returns the number of images currently held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
