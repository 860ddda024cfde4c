// Package remote defines the opaque blob-store contract the sync engine
// speaks, the manifest wire types, and an HTTP implementation with
// automatic retry and error classification.
package remote

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Sentinel errors for store-level classification.
// Use errors.Is(err, remote.ErrNotFound) to check.
var (
	ErrAuthExpired  = errors.New("remote: authentication expired")
	ErrRateLimited  = errors.New("remote: rate limited")
	ErrAccessDenied = errors.New("remote: access denied")
	ErrNotFound     = errors.New("remote: not found")
	ErrTransient    = errors.New("remote: transient failure")
)

// StoreError wraps a sentinel error with the HTTP status code, request
// ID, and response body for debugging.
type StoreError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *StoreError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("remote: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code (and body, for 403 variants)
// to a sentinel error. Returns nil for 2xx success codes.
func classifyStatus(code int, body string) error {
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusUnauthorized:
		return ErrAuthExpired
	case code == http.StatusForbidden:
		// Providers signal throttling as 403 with a rate-limit reason.
		if strings.Contains(strings.ToLower(body), "ratelimit") ||
			strings.Contains(strings.ToLower(body), "rate limit") {
			return ErrRateLimited
		}

		return ErrAccessDenied
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= http.StatusInternalServerError:
		return ErrTransient
	default:
		return fmt.Errorf("remote: unexpected status %d", code)
	}
}

// isRetryable reports whether the given HTTP status should be retried
// internally before surfacing to the caller.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
