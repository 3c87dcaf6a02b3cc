// Package rowhash computes a stable SHA-256 dedupe key for records.
package rowhash

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"cbbstats/internal/record"
)

// DefaultField is where Apply stores the hash unless told otherwise.
const DefaultField = "row_hash"

// Hash computes a deterministic SHA-256 over selected fields of a record and
// writes it, as 64 lowercase hex characters, into TargetField.
//
// Canonical form:
//   - fields are joined in order with Separator (default ASCII unit separator)
//   - with IncludeFieldNames each part is "name=value"
//   - a missing field is a single NUL byte, so missing differs from ""
//
// When Fields is empty every field of the record except TargetField is used,
// in sorted order, so two scrapes of the same row hash the same regardless of
// column order.
type Hash struct {
	Fields            []string
	TargetField       string
	IncludeFieldNames bool
	Separator         string

	// Overwrite replaces an existing TargetField. Otherwise the record is left
	// unchanged.
	Overwrite bool

	// TrimSpace trims values before hashing. Stored values are untouched.
	TrimSpace bool
}

// Default hashes every field with names included into DefaultField.
func Default() Hash {
	return Hash{TargetField: DefaultField, IncludeFieldNames: true, Overwrite: true}
}

// Apply hashes every record in place and returns in.
func (h Hash) Apply(in []record.Record) []record.Record {
	target := h.TargetField
	if target == "" {
		target = DefaultField
	}
	for i := range in {
		if !h.Overwrite && in[i].Has(target) {
			continue
		}
		in[i].Set(target, h.Sum(in[i]))
	}
	return in
}

// Sum returns the hex hash of r.
func (h Hash) Sum(r record.Record) string {
	sep := h.Separator
	if sep == "" {
		sep = "\x1f"
	}
	fields := h.Fields
	if len(fields) == 0 {
		fields = hashableKeys(r, h.TargetField)
	}

	var b strings.Builder
	b.Grow(len(fields) * 20)
	for i, f := range fields {
		if i > 0 {
			b.WriteString(sep)
		}
		if h.IncludeFieldNames {
			b.WriteString(f)
			b.WriteByte('=')
		}
		v, ok := r.Get(f)
		if !ok {
			b.WriteByte('\x00')
			continue
		}
		if h.TrimSpace {
			v = strings.TrimSpace(v)
		}
		b.WriteString(v)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func hashableKeys(r record.Record, target string) []string {
	if target == "" {
		target = DefaultField
	}
	keys := r.Keys()
	out := keys[:0]
	for _, k := range keys {
		if k != target {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
