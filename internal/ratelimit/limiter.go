// Package ratelimit throttles requests per actor with a sliding-window log.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kensaku/internal/config"
	"github.com/hyperjump/kensaku/internal/metrics"
	"github.com/hyperjump/kensaku/internal/models"
	"github.com/hyperjump/kensaku/pkg/utils"
)

// Resource names used by the pipeline.
const (
	ResourceSearch = "search"
	ResourceUpload = "upload"
	ResourceAPI    = "api"
)

// Rule allows Limit requests per trailing Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// window is the request log of one (resource, actor) key. Timestamps are ascending.
type window struct {
	mu         sync.Mutex
	timestamps []time.Time
	dead       bool
}

// prune drops timestamps at or before cutoff.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.timestamps) && !w.timestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// Limiter is a sliding-window log limiter. Each key has its own lock.
type Limiter struct {
	rules   map[string]Rule
	enabled bool
	windows sync.Map // key -> *window
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Limiter) { r.logger = utils.OrNop(l) }
}

// WithMetrics records gate decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Limiter) { r.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Limiter) { r.now = now }
}

// New creates a limiter from the rate_limit config section.
func New(cfg config.RateLimitConfig, opts ...Option) (*Limiter, error) {
	l := &Limiter{
		rules:   make(map[string]Rule, len(cfg.Rules)),
		enabled: cfg.EnabledOrDefault(),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for name, r := range cfg.Rules {
		if r.Limit <= 0 || r.Window <= 0 {
			return nil, &models.ConfigurationError{Component: "rate_limit", Message: fmt.Sprintf("rule %q needs a positive limit and window", name)}
		}
		l.rules[name] = Rule{Limit: r.Limit, Window: r.Window}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Rule returns the rule for resource.
func (l *Limiter) Rule(resource string) (Rule, bool) {
	r, ok := l.rules[resource]
	return r, ok
}

func key(resource, actorID string) string {
	return resource + "\x00" + actorID
}

// CheckLimit records a request for actorID on resource if the trailing window has room.
// Rejected requests are not recorded.
func (l *Limiter) CheckLimit(ctx context.Context, resource, actorID string) (*models.RateLimitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(actorID) == "" {
		return nil, models.NewValidationError("actor_id", "actor is required")
	}
	rule, ok := l.rules[resource]
	if !ok {
		return nil, &models.ConfigurationError{Component: "rate_limit", Message: fmt.Sprintf("no rule for resource %q", resource)}
	}
	now := l.now()
	if !l.enabled {
		return &models.RateLimitResult{Success: true, Limit: rule.Limit, Remaining: rule.Limit, Reset: now.Add(rule.Window)}, nil
	}

	k := key(resource, actorID)
	for {
		v, _ := l.windows.LoadOrStore(k, &window{})
		w := v.(*window)
		w.mu.Lock()
		if w.dead {
			// Removed by the sweeper between load and lock.
			w.mu.Unlock()
			continue
		}
		res := l.record(w, rule, now)
		w.mu.Unlock()

		l.metrics.GateDecision("rate_limit", resource, res.Success)
		if !res.Success {
			l.logger.Debug("rate limit exceeded",
				zap.String("resource", resource),
				zap.String("actor_id", actorID),
				zap.Int("limit", rule.Limit))
		}
		return res, nil
	}
}

// record must be called with w.mu held.
func (l *Limiter) record(w *window, rule Rule, now time.Time) *models.RateLimitResult {
	w.prune(now.Add(-rule.Window))

	res := &models.RateLimitResult{Limit: rule.Limit}
	if len(w.timestamps) >= rule.Limit {
		res.Reset = w.timestamps[0].Add(rule.Window)
		return res
	}
	w.timestamps = append(w.timestamps, now)
	res.Success = true
	res.Remaining = rule.Limit - len(w.timestamps)
	res.Reset = w.timestamps[0].Add(rule.Window)
	return res
}

// ExceededError converts a rejected result into the error surfaced to callers.
func ExceededError(resource string, r *models.RateLimitResult) *models.RateLimitError {
	return &models.RateLimitError{Resource: resource, Limit: r.Limit, Remaining: r.Remaining, Reset: r.Reset}
}

// Run sweeps expired windows every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("swept rate limit windows", zap.Int("removed", n))
			}
		}
	}
}

// Sweep prunes every window and removes the empty ones. It returns how many were removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	l.windows.Range(func(k, v interface{}) bool {
		resource, _, _ := strings.Cut(k.(string), "\x00")
		rule := l.rules[resource]
		w := v.(*window)
		w.mu.Lock()
		w.prune(now.Add(-rule.Window))
		if len(w.timestamps) == 0 {
			w.dead = true
			l.windows.Delete(k)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	n := 0
	l.windows.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
