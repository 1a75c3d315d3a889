// Package quota enforces per-organization plan limits on long-horizon usage.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/metrics"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/internal/storage"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// Unlimited is the plan limit that disables a quota.
const Unlimited int64 = -1

// PlanResolver maps an organization to its plan name.
type PlanResolver interface {
	PlanFor(ctx context.Context, orgID string) (string, error)
}

// StaticPlans resolves plans from a fixed table, falling back to Default.
type StaticPlans struct {
	Default string
	Orgs    map[string]string
}

// PlanFor implements PlanResolver.
func (s StaticPlans) PlanFor(_ context.Context, orgID string) (string, error) {
	if plan, ok := s.Orgs[orgID]; ok {
		return plan, nil
	}
	return s.Default, nil
}

// Manager checks and consumes quota against the plan table.
type Manager struct {
	store    CounterStore
	resolver PlanResolver
	plans    map[string]map[models.Resource]int64
	periods  map[models.Resource]Period
	now      func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = utils.OrNop(l) }
}

// WithMetrics records gate decisions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithResolver replaces the config-driven plan resolver.
func WithResolver(r PlanResolver) Option {
	return func(m *Manager) { m.resolver = r }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a manager from the quota config section.
func NewManager(store CounterStore, cfg config.QuotaConfig, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, &models.ConfigurationError{Component: "quota", Message: "counter store is required"}
	}
	m := &Manager{
		store:    store,
		resolver: StaticPlans{Default: cfg.DefaultPlan, Orgs: cfg.OrgPlans},
		plans:    make(map[string]map[models.Resource]int64, len(cfg.Plans)),
		periods:  make(map[models.Resource]Period, len(cfg.Periods)),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for plan, limits := range cfg.Plans {
		table := make(map[models.Resource]int64, len(limits))
		for name, limit := range limits {
			res := models.Resource(name)
			if !res.Valid() {
				return nil, &models.ConfigurationError{Component: "quota", Message: fmt.Sprintf("plan %q: unknown resource %q", plan, name)}
			}
			table[res] = limit
		}
		m.plans[plan] = table
	}
	for name, p := range cfg.Periods {
		period, err := ParsePeriod(p)
		if err != nil {
			return nil, &models.ConfigurationError{Component: "quota", Message: err.Error()}
		}
		m.periods[models.Resource(name)] = period
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) period(resource models.Resource) Period {
	if p, ok := m.periods[resource]; ok {
		return p
	}
	return PeriodMonthly
}

// limit returns the plan limit for resource. Resources missing from a plan are not included
// in it and get a limit of zero.
func (m *Manager) limit(ctx context.Context, orgID string, resource models.Resource) (int64, error) {
	plan, err := m.resolver.PlanFor(ctx, orgID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve plan for %s: %w", orgID, err)
	}
	table, ok := m.plans[plan]
	if !ok {
		return 0, &models.ConfigurationError{Component: "quota", Message: fmt.Sprintf("plan %q is not defined", plan)}
	}
	return table[resource], nil
}

func validate(orgID string, resource models.Resource, amount int64) error {
	if strings.TrimSpace(orgID) == "" {
		return models.NewValidationError("org_id", "organization is required")
	}
	if !resource.Valid() {
		return models.NewValidationError("resource", "unknown resource %q", resource)
	}
	if amount < 0 {
		return models.NewValidationError("amount", "amount must not be negative")
	}
	return nil
}

// CheckAndConsume consumes amount of resource for orgID when the plan allows it. A denied
// request leaves the counter untouched. The caller releases the amount with Release if
// its work subsequently fails.
func (m *Manager) CheckAndConsume(ctx context.Context, orgID string, resource models.Resource, amount int64) (*models.QuotaResult, error) {
	if err := validate(orgID, resource, amount); err != nil {
		return nil, err
	}
	limit, err := m.limit(ctx, orgID, resource)
	if err != nil {
		return nil, err
	}
	start, reset := m.period(resource).Window(m.now())

	counter, allowed, err := m.store.ConsumeQuota(ctx, storage.QuotaRequest{
		OrgID:       orgID,
		Resource:    resource,
		Amount:      amount,
		Limit:       limit,
		WindowStart: start,
		ResetAt:     reset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s quota: %w", resource, err)
	}
	m.metrics.GateDecision("quota", string(resource), allowed)

	result := &models.QuotaResult{
		Allowed:   allowed,
		Limit:     counter.Limit,
		Remaining: remaining(counter),
		ResetAt:   counter.ResetAt,
	}
	if !allowed {
		result.Message = deniedMessage(resource, counter)
		m.logger.Info("quota exceeded",
			zap.String("org_id", orgID),
			zap.String("resource", string(resource)),
			zap.Int64("used", counter.Used),
			zap.Int64("limit", counter.Limit),
			zap.Int64("requested", amount))
	}
	return result, nil
}

// Release returns amount to the counter. It is the compensating step for a consumed
// quota whose unit of work failed.
func (m *Manager) Release(ctx context.Context, orgID string, resource models.Resource, amount int64) error {
	if err := validate(orgID, resource, amount); err != nil {
		return err
	}
	if err := m.store.ReleaseQuota(ctx, orgID, resource, amount); err != nil {
		return fmt.Errorf("failed to release %s quota: %w", resource, err)
	}
	return nil
}

// Usage returns the current counter. A counter that was never used is reported as zero
// usage with the plan limit and the current window.
func (m *Manager) Usage(ctx context.Context, orgID string, resource models.Resource) (*models.QuotaCounter, error) {
	if err := validate(orgID, resource, 0); err != nil {
		return nil, err
	}
	limit, err := m.limit(ctx, orgID, resource)
	if err != nil {
		return nil, err
	}
	start, reset := m.period(resource).Window(m.now())

	counter, err := m.store.GetQuotaCounter(ctx, orgID, resource)
	if errors.Is(err, models.ErrNotFound) {
		return &models.QuotaCounter{OrgID: orgID, Resource: resource, Limit: limit, WindowStart: start, ResetAt: reset}, nil
	}
	if err != nil {
		return nil, err
	}
	counter.Limit = limit
	if start.After(counter.WindowStart) {
		// The stored window is stale; the next consume rolls it.
		counter.Used = 0
		counter.WindowStart, counter.ResetAt = start, reset
	}
	return counter, nil
}

// ExceededError converts a denied result into the error surfaced to callers.
func ExceededError(resource models.Resource, r *models.QuotaResult) *models.QuotaExceededError {
	return &models.QuotaExceededError{
		Resource:  resource,
		Limit:     r.Limit,
		Remaining: r.Remaining,
		ResetAt:   r.ResetAt,
		Message:   r.Message,
	}
}

func remaining(c *models.QuotaCounter) int64 {
	if c.Limit < 0 {
		return Unlimited
	}
	if r := c.Limit - c.Used; r > 0 {
		return r
	}
	return 0
}

func deniedMessage(resource models.Resource, c *models.QuotaCounter) string {
	msg := fmt.Sprintf("%s quota exceeded: %d of %d used", resource, c.Used, c.Limit)
	if !c.ResetAt.IsZero() {
		msg += fmt.Sprintf(", resets at %s", c.ResetAt.Format(time.RFC3339))
	}
	return msg
}
