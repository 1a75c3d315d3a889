package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/storage"
)

// CounterStore persists usage counters. ConsumeQuota must check and increment in one
// indivisible step. *storage.SQLiteStorage implements it.
type CounterStore interface {
	ConsumeQuota(ctx context.Context, req storage.QuotaRequest) (*models.QuotaCounter, bool, error)
	ReleaseQuota(ctx context.Context, orgID string, resource models.Resource, amount int64) error
	GetQuotaCounter(ctx context.Context, orgID string, resource models.Resource) (*models.QuotaCounter, error)
}

var (
	_ CounterStore = (*storage.SQLiteStorage)(nil)
	_ CounterStore = (*MemoryStore)(nil)
)

type counterKey struct {
	org      string
	resource models.Resource
}

// MemoryStore keeps counters in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]*models.QuotaCounter
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[counterKey]*models.QuotaCounter)}
}

// ConsumeQuota rolls the window when req.WindowStart is newer, then adds req.Amount if the
// limit allows it.
func (s *MemoryStore) ConsumeQuota(_ context.Context, req storage.QuotaRequest) (*models.QuotaCounter, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey{req.OrgID, req.Resource}
	c, ok := s.counters[key]
	if !ok {
		c = &models.QuotaCounter{OrgID: req.OrgID, Resource: req.Resource, WindowStart: req.WindowStart, ResetAt: req.ResetAt}
		s.counters[key] = c
	}
	if req.WindowStart.After(c.WindowStart) {
		c.Used = 0
		c.WindowStart = req.WindowStart
		c.ResetAt = req.ResetAt
	}
	c.Limit = req.Limit

	if c.Limit >= 0 && c.Used+req.Amount > c.Limit {
		out := *c
		return &out, false, nil
	}
	c.Used += req.Amount
	out := *c
	return &out, true, nil
}

// ReleaseQuota subtracts amount, flooring at zero.
func (s *MemoryStore) ReleaseQuota(_ context.Context, orgID string, resource models.Resource, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[counterKey{orgID, resource}]; ok {
		c.Used -= amount
		if c.Used < 0 {
			c.Used = 0
		}
	}
	return nil
}

// GetQuotaCounter returns a copy of the counter or models.ErrNotFound.
func (s *MemoryStore) GetQuotaCounter(_ context.Context, orgID string, resource models.Resource) (*models.QuotaCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[counterKey{orgID, resource}]
	if !ok {
		return nil, fmt.Errorf("quota counter %s/%s: %w", orgID, resource, models.ErrNotFound)
	}
	out := *c
	return &out, nil
}
