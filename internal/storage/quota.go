package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kensaku/internal/models"
)

// ConsumeQuota atomically adds req.Amount to the counter when the result stays within
// req.Limit (negative limits are unlimited). The counter is created on first use and
// zeroed when req.WindowStart is newer than the stored window. It returns the counter
// after the attempt and whether the amount was consumed.
func (s *SQLiteStorage) ConsumeQuota(ctx context.Context, req QuotaRequest) (*models.QuotaCounter, bool, error) {
	windowStart, resetAt := unixOrZero(req.WindowStart), unixOrZero(req.ResetAt)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_counters (org_id, resource, used, quota_limit, window_start, reset_at)
		 VALUES (?, ?, 0, ?, ?, ?)
		 ON CONFLICT(org_id, resource) DO UPDATE SET
			used = CASE WHEN quota_counters.window_start < excluded.window_start THEN 0 ELSE quota_counters.used END,
			reset_at = CASE WHEN quota_counters.window_start < excluded.window_start THEN excluded.reset_at ELSE quota_counters.reset_at END,
			window_start = MAX(quota_counters.window_start, excluded.window_start),
			quota_limit = excluded.quota_limit`,
		req.OrgID, string(req.Resource), req.Limit, windowStart, resetAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to roll quota window: %w", err)
	}

	// The WHERE clause is the check; the UPDATE is the increment. SQLite runs both as one statement.
	counter := &models.QuotaCounter{OrgID: req.OrgID, Resource: req.Resource}
	var ws, ra int64
	err = s.db.QueryRowContext(ctx,
		`UPDATE quota_counters SET used = used + ?
		 WHERE org_id = ? AND resource = ? AND (quota_limit < 0 OR used + ? <= quota_limit)
		 RETURNING used, quota_limit, window_start, reset_at`,
		req.Amount, req.OrgID, string(req.Resource), req.Amount,
	).Scan(&counter.Used, &counter.Limit, &ws, &ra)
	if errors.Is(err, sql.ErrNoRows) {
		current, gerr := s.GetQuotaCounter(ctx, req.OrgID, req.Resource)
		if gerr != nil {
			return nil, false, gerr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to consume quota: %w", err)
	}
	counter.WindowStart, counter.ResetAt = timeOrZero(ws), timeOrZero(ra)
	return counter, true, nil
}

// ReleaseQuota returns amount to the counter without going below zero.
func (s *SQLiteStorage) ReleaseQuota(ctx context.Context, orgID string, resource models.Resource, amount int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quota_counters SET used = MAX(used - ?, 0) WHERE org_id = ? AND resource = ?`,
		amount, orgID, string(resource))
	if err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// GetQuotaCounter returns the stored counter, or ErrNotFound when it was never used.
func (s *SQLiteStorage) GetQuotaCounter(ctx context.Context, orgID string, resource models.Resource) (*models.QuotaCounter, error) {
	counter := &models.QuotaCounter{OrgID: orgID, Resource: resource}
	var ws, ra int64
	err := s.db.QueryRowContext(ctx,
		`SELECT used, quota_limit, window_start, reset_at FROM quota_counters WHERE org_id = ? AND resource = ?`,
		orgID, string(resource),
	).Scan(&counter.Used, &counter.Limit, &ws, &ra)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("quota counter %s/%s: %w", orgID, resource, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	counter.WindowStart, counter.ResetAt = timeOrZero(ws), timeOrZero(ra)
	return counter, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
