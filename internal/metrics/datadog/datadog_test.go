package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"cbbstats/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// newTestBackend builds a backend whose ticker never fires during a test.
func newTestBackend(t *testing.T, sub *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:   "test",
		Tags:      []string{"team:data"},
		now:       func() time.Time { return time.Unix(1700000000, 0) },
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(time.Hour) },
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b
}

func seriesByName(p datadogV2.MetricPayload) map[string]datadogV2.MetricSeries {
	out := make(map[string]datadogV2.MetricSeries, len(p.Series))
	for _, s := range p.Series {
		out[s.Metric] = s
	}
	return out
}

func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	if got := wrapInitErr(nil); got != nil {
		t.Fatalf("wrapInitErr(nil)=%v, want nil", got)
	}

	in := errors.New("boom")
	got := wrapInitErr(in)
	if !strings.Contains(got.Error(), "datadog metrics init:") || !errors.Is(got, in) {
		t.Fatalf("unexpected wrap: %v", got)
	}
}

func TestPairKeyRoundTrip(t *testing.T) {
	k := pairKey("roster", "skipped_no_link")
	a, b := splitPairKey(k)
	if a != "roster" || b != "skipped_no_link" {
		t.Fatalf("roundtrip got=(%q,%q)", a, b)
	}

	a, b = splitPairKey("no-sep")
	if a != "no-sep" || b != "unknown" {
		t.Fatalf("splitPairKey(no-sep)=(%q,%q)", a, b)
	}
}

func TestWithTags_DoesNotAliasBase(t *testing.T) {
	base := []string{"env:test", "job:cbb"}
	got := withTags(base, "status:200")
	if !reflect.DeepEqual(got, []string{"env:test", "job:cbb", "status:200"}) {
		t.Fatalf("withTags()=%v", got)
	}
	got[0] = "env:mutated"
	if base[0] != "env:test" {
		t.Fatalf("withTags output aliases base")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestFlush_EmptyDoesNotSubmit(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	t.Cleanup(func() { _ = b.Close() })

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sub.count() != 0 {
		t.Fatalf("expected no submission, got %d", sub.count())
	}
}

func TestFlush_SubmitsScrapeSeriesAndResets(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	t.Cleanup(func() { _ = b.Close() })

	b.IncCounter(metrics.HTTPRequestsTotal, 2, metrics.Labels{"status": "200"})
	b.IncCounter(metrics.RateLimitedTotal, 1, metrics.Labels{"guidance": "retry_after"})
	b.ObserveHistogram(metrics.RateLimitWaitSeconds, 15, metrics.Labels{"guidance": "retry_after"})
	b.IncCounter(metrics.RecordsTotal, 12, metrics.Labels{"kind": "gamelog"})
	b.IncCounter(metrics.RowsSkippedTotal, 3, metrics.Labels{"kind": "gamelog", "reason": "skipped_invalid_row"})
	b.IncCounter("unknown_metric", 1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	p, ok := sub.last()
	if !ok {
		t.Fatalf("expected a payload")
	}

	byName := seriesByName(p)
	req, ok := byName["scrape.http.requests.total"]
	if !ok || *req.Points[0].Value != 2 {
		t.Fatalf("missing/incorrect requests series: %#v", req)
	}
	if !contains(req.Tags, "status:200") || !contains(req.Tags, "job:test") || !contains(req.Tags, "team:data") {
		t.Fatalf("unexpected tags: %v", req.Tags)
	}
	if *req.Points[0].Timestamp != 1700000000 {
		t.Fatalf("unexpected timestamp %d", *req.Points[0].Timestamp)
	}
	if _, ok := byName["scrape.ratelimit.wait_seconds.p50"]; !ok {
		t.Fatalf("missing rate-limit wait percentiles")
	}
	skip, ok := byName["scrape.rows.skipped.total"]
	if !ok || !contains(skip.Tags, "reason:skipped_invalid_row") || !contains(skip.Tags, "kind:gamelog") {
		t.Fatalf("unexpected skipped series: %#v", skip)
	}

	// Buffers were reset: a second flush submits nothing.
	before := sub.count()
	if err := b.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if sub.count() != before {
		t.Fatalf("expected no new submission after reset")
	}
}

func TestFlush_PropagatesSubmitError(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("403")}
	b := newTestBackend(t, sub)
	t.Cleanup(func() { _ = b.Close() })

	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{"kind": "schools"})
	if err := b.Flush(); err == nil || !strings.Contains(err.Error(), "datadog submit") {
		t.Fatalf("expected wrapped submit error, got %v", err)
	}
}

func TestClose_FinalFlushAndIdempotent(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.IncCounter(metrics.HTTPErrorsTotal, 1, metrics.Labels{"status": "500"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sub.count() != 1 {
		t.Fatalf("expected final flush, got %d submissions", sub.count())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestIgnoresNonPositiveValues(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	t.Cleanup(func() { _ = b.Close() })

	b.IncCounter(metrics.RecordsTotal, 0, metrics.Labels{"kind": "x"})
	b.ObserveHistogram(metrics.HTTPRequestSeconds, -1, metrics.Labels{"status": "200"})
	b.IncCounter(metrics.RecordsTotal, 1, metrics.Labels{})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sub.count() != 0 {
		t.Fatalf("expected nothing buffered")
	}
}

func TestParseTagsCSV(t *testing.T) {
	if got := ParseTagsCSV(""); got != nil {
		t.Fatalf("empty: %v", got)
	}
	got := ParseTagsCSV(" env:prod, ,team:data ")
	if !reflect.DeepEqual(got, []string{"env:prod", "team:data"}) {
		t.Fatalf("ParseTagsCSV=%v", got)
	}
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
