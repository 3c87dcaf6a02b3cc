// Package metrics is the backend-agnostic metrics facade used by the fetch
// and extraction layers. The default backend is a no-op; commands install a
// real one (see internal/metrics/datadog) with SetBackend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions (status, kind, reason, ...).
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names shared by the recorders below and by backends.
const (
	HTTPRequestsTotal     = "scrape_http_requests_total"
	HTTPErrorsTotal       = "scrape_http_errors_total"
	HTTPRequestSeconds    = "scrape_http_request_duration_seconds"
	HTTPDownloadBytes     = "scrape_http_download_bytes"
	RateLimitedTotal      = "scrape_ratelimited_total"
	RateLimitWaitSeconds  = "scrape_ratelimit_wait_seconds"
	RecordsTotal          = "scrape_records_total"
	RowsSkippedTotal      = "scrape_rows_skipped_total"
	ExtractionFailedTotal = "scrape_extraction_failed_total"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. A nil b restores the
// no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend.
func Flush() error {
	return current().Flush()
}

// RecordHTTP records one HTTP attempt. status 0 means the request never got a
// response (transport error).
func RecordHTTP(job string, status int, err error, dur time.Duration, downloaded int64) {
	b := current()
	l := Labels{"job": job, "status": statusLabel(status)}

	b.IncCounter(HTTPRequestsTotal, 1, l)
	if err != nil || status == 0 || status >= 400 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
	if dur >= 0 {
		b.ObserveHistogram(HTTPRequestSeconds, dur.Seconds(), l)
	}
	if downloaded >= 0 {
		b.ObserveHistogram(HTTPDownloadBytes, float64(downloaded), l)
	}
}

// RecordRateLimited records a 429 and the wait chosen for it.
func RecordRateLimited(job string, wait time.Duration, advised bool) {
	b := current()
	guidance := "default"
	if advised {
		guidance = "retry_after"
	}
	l := Labels{"job": job, "guidance": guidance}
	b.IncCounter(RateLimitedTotal, 1, l)
	b.ObserveHistogram(RateLimitWaitSeconds, wait.Seconds(), l)
}

// RecordRecords counts records returned for a table kind.
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordSkipped counts rows dropped by the extractor for reason.
func RecordSkipped(kind, reason string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsSkippedTotal, float64(n), Labels{"kind": kind, "reason": reason})
}

// RecordExtractionFailed counts a missing-table failure for kind.
func RecordExtractionFailed(kind string) {
	current().IncCounter(ExtractionFailedTotal, 1, Labels{"kind": kind})
}

func statusLabel(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
