package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type event struct {
	kind   string
	name   string
	value  float64
	labels Labels
}

type captureBackend struct {
	mu      sync.Mutex
	events  []event
	flushes int
}

func (c *captureBackend) IncCounter(name string, delta float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event{"counter", name, delta, labels})
}

func (c *captureBackend) ObserveHistogram(name string, value float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event{"histogram", name, value, labels})
}

func (c *captureBackend) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushes++
	return nil
}

func (c *captureBackend) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.name == name {
			n++
		}
	}
	return n
}

// These tests swap the process-wide backend, so they do not run in parallel.

func TestRecordHTTP_ErrorsCountedForNon2xxAndTransportFailures(t *testing.T) {
	c := &captureBackend{}
	SetBackend(c)
	t.Cleanup(func() { SetBackend(nil) })

	RecordHTTP("job", 200, nil, 10*time.Millisecond, 100)
	RecordHTTP("job", 429, nil, 10*time.Millisecond, 0)
	RecordHTTP("job", 0, errors.New("reset"), -1, -1)

	if got := c.count(HTTPRequestsTotal); got != 3 {
		t.Fatalf("requests=%d want 3", got)
	}
	if got := c.count(HTTPErrorsTotal); got != 2 {
		t.Fatalf("errors=%d want 2", got)
	}
	if got := c.count(HTTPRequestSeconds); got != 2 {
		t.Fatalf("duration samples=%d want 2", got)
	}
}

func TestRecordRecordsAndSkipped_IgnoreNonPositive(t *testing.T) {
	c := &captureBackend{}
	SetBackend(c)
	t.Cleanup(func() { SetBackend(nil) })

	RecordRecords("roster", 0)
	RecordSkipped("roster", "skipped_no_link", 0)
	RecordRecords("roster", 3)
	RecordSkipped("roster", "skipped_no_link", 1)

	if got := c.count(RecordsTotal); got != 1 {
		t.Fatalf("records events=%d want 1", got)
	}
	if got := c.count(RowsSkippedTotal); got != 1 {
		t.Fatalf("skipped events=%d want 1", got)
	}
}

func TestRecordRateLimited_GuidanceLabel(t *testing.T) {
	c := &captureBackend{}
	SetBackend(c)
	t.Cleanup(func() { SetBackend(nil) })

	RecordRateLimited("job", 15*time.Second, true)
	RecordRateLimited("job", time.Minute, false)

	c.mu.Lock()
	defer c.mu.Unlock()
	var guidances []string
	for _, e := range c.events {
		if e.name == RateLimitedTotal {
			guidances = append(guidances, e.labels["guidance"])
		}
	}
	if len(guidances) != 2 || guidances[0] != "retry_after" || guidances[1] != "default" {
		t.Fatalf("unexpected guidance labels: %v", guidances)
	}
}

func TestSetBackendNilRestoresNop(t *testing.T) {
	SetBackend(nil)
	if err := Flush(); err != nil {
		t.Fatalf("nop Flush: %v", err)
	}
	RecordRecords("x", 1)
}
