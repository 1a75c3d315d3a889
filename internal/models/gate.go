package models

import "time"

// Resource is a metered quota resource.
type Resource string

const (
	ResourceSearch    Resource = "search"
	ResourceRecording Resource = "recording"
	ResourceAPICall   Resource = "api_call"
	ResourceStorage   Resource = "storage"
)

// Valid reports whether r is a known resource.
func (r Resource) Valid() bool {
	switch r {
	case ResourceSearch, ResourceRecording, ResourceAPICall, ResourceStorage:
		return true
	}
	return false
}

// QuotaCounter is the persisted usage counter of one (org, resource) pair.
// Limit < 0 means unlimited.
type QuotaCounter struct {
	OrgID       string    `json:"org_id"`
	Resource    Resource  `json:"resource"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	WindowStart time.Time `json:"window_start"`
	ResetAt     time.Time `json:"reset_at"`
}

// QuotaResult is returned by a check-and-consume call.
type QuotaResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	Limit     int64     `json:"limit"`
	ResetAt   time.Time `json:"reset_at"`
	Message   string    `json:"message,omitempty"`
}

// RateLimitResult is returned by a rate-limit check.
type RateLimitResult struct {
	Success   bool      `json:"success"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// CacheEntry is the envelope stored in the distributed cache tier.
type CacheEntry struct {
	Key        string    `json:"key"`
	Value      []byte    `json:"value"`
	TenantID   string    `json:"tenant_id"`
	InsertedAt time.Time `json:"inserted_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
}

// Expired reports whether the entry is past its TTL at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.InsertedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}
