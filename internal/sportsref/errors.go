package sportsref

import (
	"fmt"
	"strings"
)

// Failure is one isolated failure inside a batch: a season of a roster or a
// player of a game-log batch.
type Failure struct {
	Key string
	Err error
}

// BatchError collects per-item failures of a batch whose other items
// succeeded. It unwraps to every underlying error, so errors.Is/As see
// through it.
type BatchError struct {
	Op       string
	Failures []Failure
}

func (e *BatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d failed", e.Op, len(e.Failures))
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-i)
			break
		}
		fmt.Fprintf(&b, "; %s: %v", f.Key, f.Err)
	}
	return b.String()
}

func (e *BatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// Keys returns the failed keys in order.
func (e *BatchError) Keys() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Key)
	}
	return out
}
