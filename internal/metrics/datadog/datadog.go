// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Scrape runs are mostly sleeps (pre-request delays, 429 backoff), so a single
// submission at exit would hide a stalled run for its whole duration. The
// backend therefore:
//   - buffers metrics in-memory under a mutex
//   - Flush()es periodically on a ticker (default: once per minute)
//   - Flush()es one final time on Close()
//
// Flush snapshots and resets the buffers under the lock, then submits
// out-of-lock, so fetch goroutines never wait on the network.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"cbbstats/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "cbbstats".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "team:data"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams; production leaves them nil.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the slice of *datadogV2.MetricsApi the backend needs,
// so tests can stub submission without HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	httpReqCounts map[string]float64 // status -> count
	httpErrCounts map[string]float64 // status -> count
	httpReqDur    map[string][]float64
	httpDownloadB map[string][]float64

	rateLimited   map[string]float64 // guidance -> count
	rateLimitWait map[string][]float64

	recordCounts     map[string]float64 // kind -> count
	skipCounts       map[string]float64 // kind\x00reason -> count
	extractionFailed map[string]float64 // kind -> count
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client and
// starts its flush loop. Credentials come from the client's standard
// environment (DD_API_KEY, DD_SITE).
//
// Network errors surface from Flush, not from NewBackend.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, wrapInitErr(fmt.Errorf("nil context"))
	}

	job := opts.JobName
	if job == "" {
		job = "cbbstats"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
	}
	b.resetLocked()

	go b.loop()
	return b, nil
}

func (b *Backend) resetLocked() {
	b.httpReqCounts = make(map[string]float64)
	b.httpErrCounts = make(map[string]float64)
	b.httpReqDur = make(map[string][]float64)
	b.httpDownloadB = make(map[string][]float64)
	b.rateLimited = make(map[string]float64)
	b.rateLimitWait = make(map[string][]float64)
	b.recordCounts = make(map[string]float64)
	b.skipCounts = make(map[string]float64)
	b.extractionFailed = make(map[string]float64)
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Subsequent calls
// only flush.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
	return b.Flush()
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.HTTPRequestsTotal:
		b.httpReqCounts[labelOr(labels, "status")] += delta
	case metrics.HTTPErrorsTotal:
		b.httpErrCounts[labelOr(labels, "status")] += delta
	case metrics.RateLimitedTotal:
		b.rateLimited[labelOr(labels, "guidance")] += delta
	case metrics.RecordsTotal:
		if kind := labels["kind"]; kind != "" {
			b.recordCounts[kind] += delta
		}
	case metrics.RowsSkippedTotal:
		b.skipCounts[pairKey(labelOr(labels, "kind"), labelOr(labels, "reason"))] += delta
	case metrics.ExtractionFailedTotal:
		b.extractionFailed[labelOr(labels, "kind")] += delta
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.HTTPRequestSeconds:
		s := labelOr(labels, "status")
		b.httpReqDur[s] = append(b.httpReqDur[s], value)
	case metrics.HTTPDownloadBytes:
		s := labelOr(labels, "status")
		b.httpDownloadB[s] = append(b.httpDownloadB[s], value)
	case metrics.RateLimitWaitSeconds:
		g := labelOr(labels, "guidance")
		b.rateLimitWait[g] = append(b.rateLimitWait[g], value)
	}
}

// snapshot is the detached buffer state for one flush window.
type snapshot struct {
	httpReqCounts    map[string]float64
	httpErrCounts    map[string]float64
	httpReqDur       map[string][]float64
	httpDownloadB    map[string][]float64
	rateLimited      map[string]float64
	rateLimitWait    map[string][]float64
	recordCounts     map[string]float64
	skipCounts       map[string]float64
	extractionFailed map[string]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		httpReqCounts:    b.httpReqCounts,
		httpErrCounts:    b.httpErrCounts,
		httpReqDur:       b.httpReqDur,
		httpDownloadB:    b.httpDownloadB,
		rateLimited:      b.rateLimited,
		rateLimitWait:    b.rateLimitWait,
		recordCounts:     b.recordCounts,
		skipCounts:       b.skipCounts,
		extractionFailed: b.extractionFailed,
	}
	b.resetLocked()
	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.httpReqCounts) == 0 &&
		len(s.httpErrCounts) == 0 &&
		len(s.httpReqDur) == 0 &&
		len(s.httpDownloadB) == 0 &&
		len(s.rateLimited) == 0 &&
		len(s.rateLimitWait) == 0 &&
		len(s.recordCounts) == 0 &&
		len(s.skipCounts) == 0 &&
		len(s.extractionFailed) == 0
}

// Flush submits buffered metrics and resets local buffers.
//
// Buffers are reset even if submission fails; delivery is best effort.
// Returns nil when there is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	if err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// buildSeries converts a snapshot into Datadog series at a fixed timestamp.
// It is pure so naming and tagging can be unit tested.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, 64)

	counts := func(metric, tagKey string, m map[string]float64) {
		for _, k := range sortedKeys(m) {
			if v := m[k]; v != 0 {
				series = append(series, countSeries(metric, v, withTags(b.baseTags, tagKey+":"+k), nowUnix))
			}
		}
	}
	percentiles := func(metric, tagKey string, m map[string][]float64) {
		for _, k := range sortedKeys(m) {
			addPercentiles(&series, metric, m[k], withTags(b.baseTags, tagKey+":"+k), nowUnix)
		}
	}

	counts("scrape.http.requests.total", "status", s.httpReqCounts)
	counts("scrape.http.errors.total", "status", s.httpErrCounts)
	percentiles("scrape.http.request_duration_seconds", "status", s.httpReqDur)
	percentiles("scrape.http.download_bytes", "status", s.httpDownloadB)

	counts("scrape.ratelimit.total", "guidance", s.rateLimited)
	percentiles("scrape.ratelimit.wait_seconds", "guidance", s.rateLimitWait)

	counts("scrape.records.total", "kind", s.recordCounts)
	counts("scrape.extraction.failed.total", "kind", s.extractionFailed)

	for _, k := range sortedKeys(s.skipCounts) {
		v := s.skipCounts[k]
		if v == 0 {
			continue
		}
		kind, reason := splitPairKey(k)
		tags := withTags(b.baseTags, "kind:"+kind, "reason:"+reason)
		series = append(series, countSeries("scrape.rows.skipped.total", v, tags, nowUnix))
	}

	return series
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges for samples.
// It sorts a copy; samples is not mutated.
func addPercentiles(series *[]datadogV2.MetricSeries, metricPrefix string, samples []float64, tags []string, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func labelOr(labels metrics.Labels, key string) string {
	if v := labels[key]; v != "" {
		return v
	}
	return "unknown"
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func splitPairKey(k string) (a, b string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,team:data".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
