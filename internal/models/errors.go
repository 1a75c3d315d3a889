package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a document or chunk does not exist for the caller's organization.
var ErrNotFound = errors.New("not found")

// ErrorKind is the category reported to API clients.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation_error"
	KindRateLimit       ErrorKind = "rate_limit_exceeded"
	KindQuotaExceeded   ErrorKind = "quota_exceeded"
	KindProviderError   ErrorKind = "provider_error"
	KindProviderTimeout ErrorKind = "provider_timeout"
	KindConfiguration   ErrorKind = "configuration_error"
	KindNotFound        ErrorKind = "not_found"
	KindInternal        ErrorKind = "internal_error"
)

// ValidationError reports malformed input. No provider call is made when it is returned.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ConfigurationError reports invalid component configuration.
type ConfigurationError struct {
	Component string
	Message   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: invalid configuration: %s", e.Component, e.Message)
}

// RateLimitError is returned when the short-horizon throttle rejects a request.
type RateLimitError struct {
	Resource  string
	Limit     int
	Remaining int
	Reset     time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d requests per window", e.Resource, e.Limit)
}

// RetryAfter returns how long the caller should wait before retrying.
func (e *RateLimitError) RetryAfter(now time.Time) time.Duration {
	d := e.Reset.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}

// QuotaExceededError is returned when a plan limit would be exceeded.
type QuotaExceededError struct {
	Resource  Resource
	Limit     int64
	Remaining int64
	ResetAt   time.Time
	Message   string
}

func (e *QuotaExceededError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s quota exceeded (limit %d)", e.Resource, e.Limit)
}

// ProviderError wraps a failure of an external provider (embedding or reranking).
type ProviderError struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s provider timed out: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s provider failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// KindOf maps err to the ErrorKind reported to clients.
func KindOf(err error) ErrorKind {
	var (
		validation *ValidationError
		rate       *RateLimitError
		quota      *QuotaExceededError
		provider   *ProviderError
		config     *ConfigurationError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &rate):
		return KindRateLimit
	case errors.As(err, &quota):
		return KindQuotaExceeded
	case errors.As(err, &provider):
		if provider.Timeout {
			return KindProviderTimeout
		}
		return KindProviderError
	case errors.As(err, &config):
		return KindConfiguration
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	}
	return KindInternal
}
