// Package gh provides a thin client over the GitHub REST API with
// pagination, rate-limit awareness, and error classification.
package gh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/go-github/v57/github"
)

// Sentinel errors for remote failure classification.
// Use errors.Is(err, gh.ErrNotFound) to check.
var (
	ErrUnauthorized = errors.New("gh: unauthorized")
	ErrForbidden    = errors.New("gh: forbidden")
	ErrNotFound     = errors.New("gh: not found")
	ErrInvalid      = errors.New("gh: unprocessable")
	ErrRateLimited  = errors.New("gh: rate limited")
	ErrServerError  = errors.New("gh: server error")
)

// RemoteError wraps a sentinel with the HTTP status and, for rate limits,
// the reset time after which a retry may succeed.
type RemoteError struct {
	StatusCode int
	ResetAt    time.Time // zero unless rate limited
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *RemoteError) Error() string {
	if !e.ResetAt.IsZero() {
		return fmt.Sprintf("gh: HTTP %d (rate limit resets %s): %s",
			e.StatusCode, e.ResetAt.Format(time.RFC3339), e.Message)
	}

	return fmt.Sprintf("gh: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the error is a transient remote failure that
// a durable sync step may retry. Rate limits, server errors, and network
// failures qualify; authentication and access failures are terminal.
// Context cancellation is never retryable: the caller is going away.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServerError) {
		return true
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Connection failures surface as *url.Error without implementing
	// net.Error all the way up the wrap chain.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// classify converts go-github errors into RemoteError values carrying an
// errors.Is-able sentinel. Non-HTTP errors (network, context) pass through
// unchanged so callers can still see context.Canceled.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return &RemoteError{
			StatusCode: http.StatusForbidden,
			ResetAt:    rateErr.Rate.Reset.Time,
			Message:    rateErr.Message,
			Err:        ErrRateLimited,
		}
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		reset := time.Time{}
		if abuseErr.RetryAfter != nil {
			reset = time.Now().Add(*abuseErr.RetryAfter)
		}

		return &RemoteError{
			StatusCode: http.StatusForbidden,
			ResetAt:    reset,
			Message:    abuseErr.Message,
			Err:        ErrRateLimited,
		}
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return &RemoteError{
			StatusCode: respErr.Response.StatusCode,
			Message:    respErr.Message,
			Err:        classifyStatus(respErr.Response.StatusCode),
		}
	}

	return err
}

// classifyStatus maps an HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusUnprocessableEntity:
		return ErrInvalid
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return fmt.Errorf("gh: unexpected HTTP %d", code)
	}
}
