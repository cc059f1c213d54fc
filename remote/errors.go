// Package remote provides an HTTP client for a zone-partitioned record
// store with automatic retry, change-feed streaming, and error
// classification.
package remote

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for response classification.
// Use errors.Is(err, remote.ErrTokenExpired) to check.
var (
	ErrBadRequest    = errors.New("remote: bad request")
	ErrUnauthorized  = errors.New("remote: unauthorized")
	ErrNotFound      = errors.New("remote: not found")
	ErrConflict      = errors.New("remote: conflict")
	ErrThrottled     = errors.New("remote: throttled")
	ErrUnavailable   = errors.New("remote: service unavailable")
	ErrTokenExpired  = errors.New("remote: change token expired")
	ErrZoneNotFound  = errors.New("remote: zone not found")
	ErrZoneDeleted   = errors.New("remote: zone deleted by user")
	ErrRecordChanged = errors.New("remote: record changed on server")
	ErrLimitExceeded = errors.New("remote: batch limit exceeded")
	ErrServerError   = errors.New("remote: server error")
)

// Wire error codes carried in the error envelope. The server reports a
// code alongside the HTTP status; the code wins when both are present
// because one status can cover several conditions (410 is both an
// expired token and a deleted zone).
const (
	codeBadRequest    = "bad_request"
	codeUnauthorized  = "unauthorized"
	codeNotFound      = "not_found"
	codeConflict      = "conflict"
	codeThrottled     = "throttled"
	codeUnavailable   = "unavailable"
	codeTokenExpired  = "token_expired"
	codeZoneNotFound  = "zone_not_found"
	codeZoneDeleted   = "zone_deleted"
	codeRecordChanged = "record_changed"
	codeLimitExceeded = "limit_exceeded"
	codeServerError   = "server_error"
)

// Error wraps a sentinel error with the HTTP status, the server's error
// code and message, and any retry hint it supplied.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode == 0 && e.Code != "":
		// Per-zone errors inside a change stream carry no HTTP status.
		return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("remote: HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("remote: HTTP %d: %s", e.StatusCode, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyCode maps a wire error code to a sentinel error. Returns nil
// for unknown codes so status classification can take over.
func classifyCode(code string) error {
	switch code {
	case codeBadRequest:
		return ErrBadRequest
	case codeUnauthorized:
		return ErrUnauthorized
	case codeNotFound:
		return ErrNotFound
	case codeConflict:
		return ErrConflict
	case codeThrottled:
		return ErrThrottled
	case codeUnavailable:
		return ErrUnavailable
	case codeTokenExpired:
		return ErrTokenExpired
	case codeZoneNotFound:
		return ErrZoneNotFound
	case codeZoneDeleted:
		return ErrZoneDeleted
	case codeRecordChanged:
		return ErrRecordChanged
	case codeLimitExceeded:
		return ErrLimitExceeded
	case codeServerError:
		return ErrServerError
	default:
		return nil
	}
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(status int) error {
	switch status {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrTokenExpired
	case http.StatusRequestEntityTooLarge:
		return ErrLimitExceeded
	case http.StatusTooManyRequests:
		return ErrThrottled
	case http.StatusServiceUnavailable:
		return ErrUnavailable
	default:
		if status >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the sentinel should be retried at the
// transport level. Expired tokens, missing zones, and oversized batches
// are not transport problems; the sync layer recovers from those.
func isRetryable(sentinel error) bool {
	switch {
	case errors.Is(sentinel, ErrThrottled),
		errors.Is(sentinel, ErrUnavailable),
		errors.Is(sentinel, ErrServerError):
		return true
	default:
		return false
	}
}
