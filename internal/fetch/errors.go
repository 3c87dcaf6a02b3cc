package fetch

import (
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is matched (errors.Is) by *RateLimitError.
var ErrRateLimited = errors.New("fetch: rate limited")

// FetchError is a non-success, non-429 HTTP response. It is never retried.
type FetchError struct {
	URL      string
	Status   int
	Attempts int
	// Body holds up to 4KB of the response body for debugging.
	Body string
}

func (e *FetchError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("fetch %s: http status %d after %d attempt(s)", e.URL, e.Status, e.Attempts)
	}
	return fmt.Sprintf("fetch %s: http status %d after %d attempt(s): %s", e.URL, e.Status, e.Attempts, e.Body)
}

// RateLimitError is returned only when a bounded RetryPolicy gives up while
// the origin is still answering 429. The default policy never produces it.
type RateLimitError struct {
	URL      string
	Attempts int
	Waited   time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("fetch %s: still rate limited after %d attempt(s) and %s of backoff", e.URL, e.Attempts, e.Waited)
}

// Is makes errors.Is(err, ErrRateLimited) work.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// StatusOf returns the HTTP status carried by a *FetchError in err's chain,
// or 0.
func StatusOf(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}
