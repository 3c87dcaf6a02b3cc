// Package fetch retrieves pages from the statistics site, backing off on
// HTTP 429 for as long as the server asks.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"cbbstats/internal/metrics"
)

// DefaultOrigin is the site every relative link is joined with.
const DefaultOrigin = "https://www.sports-reference.com"

// Page is raw markup plus the URL it was fetched from.
type Page struct {
	URL     string
	Status  int
	Content string
}

// Options configures a Fetcher. Zero fields fall back to the defaults noted on
// each field, except PreDelay where zero means "no delay".
type Options struct {
	// Origin is joined with every relative path. Default DefaultOrigin.
	Origin string

	// Client performs requests. Default: a client with a 60s timeout.
	Client *http.Client

	// UserAgent header value. Default "cbbstats/1.0".
	UserAgent string

	// PreDelay is slept once before each Fetch.
	PreDelay time.Duration

	// Policy governs 429 backoff. Zero wait fields take the package defaults,
	// so RetryPolicy{MaxAttempts: 5} still waits 60s or Retry-After+10s.
	Policy RetryPolicy

	// Limiter, when set, is waited on before every request. Share one
	// limiter between fetchers to hold a global request budget.
	Limiter *rate.Limiter

	// Logger receives per-attempt logs. Default zap.NewNop().
	Logger *zap.Logger

	// JobName labels metrics. Default "cbbstats".
	JobName string

	// Sleep and Now are test seams.
	Sleep SleepFunc
	Now   func() time.Time
}

// Fetcher issues GET requests against one origin. It holds no per-request
// state and is safe for concurrent use.
type Fetcher struct {
	origin    *url.URL
	client    *http.Client
	userAgent string
	preDelay  time.Duration
	policy    RetryPolicy
	limiter   *rate.Limiter
	log       *zap.Logger
	job       string
	sleep     SleepFunc
	now       func() time.Time
}

// New validates opts and returns a Fetcher.
func New(opts Options) (*Fetcher, error) {
	origin := opts.Origin
	if origin == "" {
		origin = DefaultOrigin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse origin %q: %w", origin, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("fetch: origin %q must be an absolute URL", origin)
	}
	if opts.PreDelay < 0 {
		return nil, fmt.Errorf("fetch: negative pre-request delay %s", opts.PreDelay)
	}

	f := &Fetcher{
		origin:    u,
		client:    opts.Client,
		userAgent: opts.UserAgent,
		preDelay:  opts.PreDelay,
		policy:    opts.Policy,
		limiter:   opts.Limiter,
		log:       opts.Logger,
		job:       opts.JobName,
		sleep:     opts.Sleep,
		now:       opts.Now,
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 60 * time.Second}
	}
	if f.userAgent == "" {
		f.userAgent = "cbbstats/1.0"
	}
	f.policy = f.policy.withDefaults()
	if f.log == nil {
		f.log = zap.NewNop()
	}
	if f.job == "" {
		f.job = "cbbstats"
	}
	if f.sleep == nil {
		f.sleep = sleepContext
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f, nil
}

// Origin returns the origin relative links are resolved against.
func (f *Fetcher) Origin() string { return f.origin.String() }

// Resolve joins a relative link with the origin. Absolute URLs are returned
// unchanged.
func (f *Fetcher) Resolve(path string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(path))
	if err != nil {
		return "", fmt.Errorf("fetch: parse path %q: %w", path, err)
	}
	return f.origin.ResolveReference(ref).String(), nil
}

// Fetch GETs path (relative to the origin) and returns the page body.
//
// On HTTP 429 it waits Retry-After plus the policy's safety margin, or the
// policy's default wait when the header is missing, and tries again for as
// long as the policy allows. Any other non-2xx status fails with *FetchError
// without retrying. Every wait honors ctx.
func (f *Fetcher) Fetch(ctx context.Context, path string) (Page, error) {
	target, err := f.Resolve(path)
	if err != nil {
		return Page{}, err
	}

	if f.preDelay > 0 {
		if err := f.sleep(ctx, f.preDelay); err != nil {
			return Page{}, fmt.Errorf("fetch %s: pre-request delay: %w", target, err)
		}
	}

	var waited time.Duration
	for attempt := 1; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return Page{}, fmt.Errorf("fetch %s: rate limiter wait: %w", target, err)
			}
		}

		res, err := f.doAttempt(ctx, target)
		if err != nil {
			return Page{}, err
		}

		log := f.log.With(zap.String("url", target), zap.Int("attempt", attempt), zap.Int("status", res.status))

		switch {
		case res.status >= 200 && res.status < 300:
			log.Debug("fetched", zap.Int("bytes", len(res.body)))
			return Page{URL: target, Status: res.status, Content: res.body}, nil

		case res.status == http.StatusTooManyRequests:
			advisedWait, advised := parseRetryAfter(res.header, f.now)
			wait := f.policy.WaitFor(advisedWait, advised)
			metrics.RecordRateLimited(f.job, wait, advised)

			if !advised {
				log.Warn("rate limited without Retry-After guidance; using default wait", zap.Duration("wait", wait))
			} else {
				log.Info("rate limited", zap.Duration("retry_after", advisedWait), zap.Duration("wait", wait))
			}

			if !f.policy.Allows(attempt, waited+wait) {
				return Page{}, &RateLimitError{URL: target, Attempts: attempt, Waited: waited}
			}
			if err := f.sleep(ctx, wait); err != nil {
				return Page{}, fmt.Errorf("fetch %s: rate-limit backoff: %w", target, err)
			}
			waited += wait

		default:
			log.Warn("non-retryable status")
			return Page{}, &FetchError{
				URL:      target,
				Status:   res.status,
				Attempts: attempt,
				Body:     strings.TrimSpace(res.body),
			}
		}
	}
}

type attemptResult struct {
	status int
	header http.Header
	body   string
}

// doAttempt performs one GET. For non-2xx responses the body is truncated to
// 4KB and kept only for error reporting.
func (f *Fetcher) doAttempt(ctx context.Context, target string) (attemptResult, error) {
	start := f.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return attemptResult{}, fmt.Errorf("fetch %s: new request: %w", target, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		metrics.RecordHTTP(f.job, 0, err, -1, -1)
		return attemptResult{}, fmt.Errorf("fetch %s: http get: %w", target, err)
	}
	defer resp.Body.Close()

	var r io.Reader = resp.Body
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r = io.LimitReader(resp.Body, 4096)
	}
	b, err := io.ReadAll(r)
	metrics.RecordHTTP(f.job, resp.StatusCode, err, f.now().Sub(start), int64(len(b)))
	if err != nil {
		return attemptResult{}, fmt.Errorf("fetch %s: read body: %w", target, err)
	}

	return attemptResult{
		status: resp.StatusCode,
		header: resp.Header,
		body:   string(b),
	}, nil
}

// ReadPage wraps already-downloaded markup (a saved file, stdin) as a Page so
// it can go through the same extraction path as fetched content.
func ReadPage(r io.Reader, source string) (Page, error) {
	if r == nil {
		return Page{URL: source}, nil
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return Page{}, fmt.Errorf("read %s: %w", source, err)
	}
	return Page{URL: source, Content: string(b)}, nil
}
