package fetch

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Defaults for the sports-reference origin, which allows roughly twenty
// requests a minute.
const (
	DefaultPreDelay     = 3 * time.Second
	DefaultWait         = 60 * time.Second
	DefaultSafetyMargin = 10 * time.Second
)

// RetryPolicy decides how long to back off after an HTTP 429 and whether to
// keep trying. The zero values of MaxAttempts and MaxTotalWait mean
// "unbounded": the fetch blocks until the origin stops rate limiting or the
// context is done.
type RetryPolicy struct {
	// MaxAttempts caps requests per Fetch, including the first. 0 = unbounded.
	MaxAttempts int

	// MaxTotalWait caps the accumulated 429 backoff per Fetch. 0 = unbounded.
	MaxTotalWait time.Duration

	// DefaultWait is used when a 429 carries no usable Retry-After.
	// Zero means the package DefaultWait.
	DefaultWait time.Duration

	// SafetyMargin is added to every server-advised wait. Zero means
	// DefaultSafetyMargin.
	SafetyMargin time.Duration
}

// withDefaults fills the wait fields a caller left zero, so a policy that only
// sets a cap still backs off.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.DefaultWait <= 0 {
		p.DefaultWait = DefaultWait
	}
	if p.SafetyMargin <= 0 {
		p.SafetyMargin = DefaultSafetyMargin
	}
	return p
}

// DefaultRetryPolicy retries forever, waiting Retry-After+10s or 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		DefaultWait:  DefaultWait,
		SafetyMargin: DefaultSafetyMargin,
	}
}

// WaitFor returns the backoff for a 429. advised reports whether the server
// gave guidance.
func (p RetryPolicy) WaitFor(retryAfter time.Duration, advised bool) time.Duration {
	if !advised {
		return p.DefaultWait
	}
	return retryAfter + p.SafetyMargin
}

// Allows reports whether another attempt may follow attempt (1-based) given
// the total backoff that would have been spent before it.
func (p RetryPolicy) Allows(attempt int, totalWait time.Duration) bool {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return false
	}
	if p.MaxTotalWait > 0 && totalWait > p.MaxTotalWait {
		return false
	}
	return true
}

// parseRetryAfter reads the Retry-After header. ok is false when the header
// is absent or unparseable. Both delta-seconds and HTTP-date are accepted;
// negative or past values mean "retry now".
func parseRetryAfter(h http.Header, now func() time.Time) (d time.Duration, ok bool) {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0, false
	}

	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0, true
		}
		return time.Duration(secs) * time.Second, true
	}

	if t, err := http.ParseTime(ra); err == nil {
		if d := t.Sub(now()); d > 0 {
			return d.Round(time.Second), true
		}
		return 0, true
	}

	return 0, false
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext is the production SleepFunc.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
