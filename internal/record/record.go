// Package record defines the open, ordered row type produced by table
// extraction and consumed by every sink (CSV, JSON, SQL).
package record

import (
	"errors"
	"fmt"
)

// ErrMissingField is matched (errors.Is) by every *MissingFieldError.
var ErrMissingField = errors.New("record: missing field")

// MissingFieldError reports a field a consumer expected but extraction did not
// populate for this row.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("record: missing field %q", e.Field)
}

// Is makes errors.Is(err, ErrMissingField) work.
func (e *MissingFieldError) Is(target error) bool { return target == ErrMissingField }

// Record is one table row: field identifier (the cell's data-stat) to the
// cell's raw text.
//
// Keys keep their first-insertion order so exports have stable columns.
// Setting an existing key overwrites the value in place. Absent cells are
// absent keys; there is no null placeholder.
type Record struct {
	keys   []string
	values map[string]string
	link   string
}

// New returns an empty record.
func New() Record {
	return Record{values: make(map[string]string)}
}

// FromPairs builds a record from alternating key, value arguments.
// A trailing key without value is ignored.
func FromPairs(kv ...string) Record {
	r := New()
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i], kv[i+1])
	}
	return r
}

// Set stores value under key.
func (r *Record) Set(key, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
}

// SetLink stores the navigable link both as the record's link and under field.
func (r *Record) SetLink(field, href string) {
	r.link = href
	if field != "" {
		r.Set(field, href)
	}
}

// Link returns the navigable link (relative to the site origin), or "".
func (r Record) Link() string { return r.link }

// Get returns the value for key and whether it was present.
func (r Record) Get(key string) (string, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Field returns the value for key or a *MissingFieldError.
func (r Record) Field(key string) (string, error) {
	v, ok := r.values[key]
	if !ok {
		return "", &MissingFieldError{Field: key}
	}
	return v, nil
}

// Has reports whether key is present.
func (r Record) Has(key string) bool {
	_, ok := r.values[key]
	return ok
}

// Keys returns field identifiers in insertion order.
func (r Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// Len returns the number of fields.
func (r Record) Len() int { return len(r.keys) }

// Map returns a copy of the fields as a plain map.
func (r Record) Map() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	c := Record{
		keys:   append([]string(nil), r.keys...),
		values: r.Map(),
		link:   r.link,
	}
	return c
}

// Columns returns the union of keys across records in first-appearance order.
func Columns(records []Record) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, r := range records {
		for _, k := range r.keys {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	return cols
}
