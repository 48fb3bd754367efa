package broker

import (
	"errors"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
)

// Error taxonomy for broker calls. Callers branch with errors.Is.
var (
	// ErrUnavailable covers network failures and 5xx responses; retryable.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrAuth covers 401/403; fatal, never retried.
	ErrAuth = errors.New("broker authentication failed")
	// ErrRejected means the broker refused the request; terminal for that intent.
	ErrRejected = errors.New("order rejected")
	// ErrRateLimited means 429; retry after a delay.
	ErrRateLimited = errors.New("broker rate limited")
	// ErrNotFound is 404, e.g. no position for a symbol.
	ErrNotFound = errors.New("not found")
)

// classify maps an SDK error onto the taxonomy, preserving the broker's
// reason text. Anything that is not an HTTP-level API error is assumed to be
// a transport problem.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return fmt.Errorf("%w: %s", ErrAuth, apiErr.Message)
		case apiErr.StatusCode == 404:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		case apiErr.StatusCode == 429:
			// Keep the cause in the chain so a retry-after hint, when
			// one is carried, survives classification.
			return fmt.Errorf("%w: %w", ErrRateLimited, err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: status %d: %s", ErrUnavailable, apiErr.StatusCode, apiErr.Message)
		default:
			return fmt.Errorf("%w: %s", ErrRejected, apiErr.Message)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// retryable reports whether a classified error is worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}
