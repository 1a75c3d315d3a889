package cache

import (
	"context"
	"path"
	"strings"

	"github.com/hyperjump/kensaku/internal/models"
)

// Store is the distributed cache tier.
type Store interface {
	// Get returns the entry for key, or nil when it is missing or expired.
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	// Set stores entry under entry.Key with entry.TTLSeconds.
	Set(ctx context.Context, entry *models.CacheEntry) error
	// DeletePattern removes every key matching the glob pattern and returns how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)
	Close() error
}

// literalPrefix returns the part of a glob pattern before its first metacharacter.
func literalPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// matchKey reports whether key matches the glob pattern. A malformed pattern matches nothing.
func matchKey(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
