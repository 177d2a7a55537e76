package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation    = errors.New("validation failed")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrNotFound      = errors.New("not found")
	ErrTooLarge      = errors.New("payload too large")
	ErrRateLimited   = errors.New("too many requests")
	ErrUpstream      = errors.New("upstream failure")
	ErrConfiguration = errors.New("configuration error")
)

// RateLimitError carries the retry hint for a rejected request.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Invalid builds a validation error with a client-facing message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
