package storage

import (
	"fmt"

	"cbbstats/internal/record"
	"cbbstats/internal/rowhash"
)

// TableSpec describes a table to create.
type TableSpec struct {
	Name        string           `json:"name"`
	Columns     []ColumnSpec     `json:"columns"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
}

// ColumnSpec is one column. Type is a generic type name ("text"); backends
// map it to their dialect.
type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable *bool  `json:"nullable,omitempty"`
}

// ConstraintSpec is a table constraint. Only "unique" is supported.
type ConstraintSpec struct {
	Kind    string   `json:"kind"`
	Columns []string `json:"columns"`
}

// IsNullable reports whether the column accepts NULL (default false).
func (c ColumnSpec) IsNullable() bool {
	return c.Nullable != nil && *c.Nullable
}

// Layout maps record fields to table columns.
type Layout struct {
	// Fields are record keys in column order.
	Fields []string
	// Columns are the normalized, unique column names aligned with Fields.
	Columns []string
}

// LayoutFor normalizes the union of record keys into column names. Collisions
// after normalization get a numeric suffix ("pts", "pts_2").
func LayoutFor(records []record.Record) Layout {
	fields := record.Columns(records)
	l := Layout{Fields: fields, Columns: make([]string, 0, len(fields))}

	used := make(map[string]bool, len(fields))
	for _, f := range fields {
		base := NormalizeColumn(f)
		col := base
		for n := 2; used[col]; n++ {
			col = fmt.Sprintf("%s_%d", base, n)
		}
		used[col] = true
		l.Columns = append(l.Columns, col)
	}
	return l
}

// Rows materializes records in column order. Missing fields become NULL.
func (l Layout) Rows(records []record.Record) [][]any {
	out := make([][]any, 0, len(records))
	for _, r := range records {
		row := make([]any, len(l.Fields))
		for i, f := range l.Fields {
			if v, ok := r.Get(f); ok {
				row[i] = v
			}
		}
		out = append(out, row)
	}
	return out
}

// TableSpecFor builds the spec of a scrape table: every column nullable text,
// except row_hash which is required and unique.
func TableSpecFor(name string, l Layout) TableSpec {
	t := TableSpec{Name: name, Columns: make([]ColumnSpec, 0, len(l.Columns))}
	nullable := true
	notNull := false
	for _, c := range l.Columns {
		cs := ColumnSpec{Name: c, Type: "text", Nullable: &nullable}
		if c == rowhash.DefaultField {
			cs.Nullable = &notNull
			t.Constraints = append(t.Constraints, ConstraintSpec{Kind: "unique", Columns: []string{c}})
		}
		t.Columns = append(t.Columns, cs)
	}
	return t
}
