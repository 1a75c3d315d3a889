package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hyperjump/kensaku/internal/models"
)

// MemoryStore is an in-process Store with TTL, used when no on-disk tier is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]*models.CacheEntry
	now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*models.CacheEntry), now: time.Now}
}

// Get returns a copy of the entry for key if present and not expired.
func (s *MemoryStore) Get(_ context.Context, key string) (*models.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.data[key]
	if !ok || entry.Expired(s.now()) {
		return nil, nil
	}
	cp := *entry
	cp.Value = append([]byte(nil), entry.Value...)
	return &cp, nil
}

// Set stores a copy of entry.
func (s *MemoryStore) Set(_ context.Context, entry *models.CacheEntry) error {
	cp := *entry
	cp.Value = append([]byte(nil), entry.Value...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[entry.Key] = &cp
	return nil
}

// DeletePattern removes all keys matching pattern.
func (s *MemoryStore) DeletePattern(_ context.Context, pattern string) (int, error) {
	prefix := literalPrefix(pattern)

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key := range s.data {
		if strings.HasPrefix(key, prefix) && matchKey(pattern, key) {
			delete(s.data, key)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Run removes expired entries every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, entry := range s.data {
		if entry.Expired(now) {
			delete(s.data, key)
		}
	}
}

// Close drops all entries.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*models.CacheEntry)
	return nil
}
