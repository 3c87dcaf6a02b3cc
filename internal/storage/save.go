package storage

import (
	"context"
	"fmt"

	"cbbstats/internal/record"
	"cbbstats/internal/rowhash"
)

// MaxParams caps the bind parameters of one INSERT. SQL Server allows 2100,
// the tightest of the supported backends.
const MaxParams = 2000

// SaveRecords hashes records into row_hash, makes sure table exists with
// every column, and inserts in batches deduplicated on row_hash. The input
// records are not modified. It returns the number of rows actually inserted.
func SaveRecords(ctx context.Context, repo Repository, table string, records []record.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	hashed := make([]record.Record, len(records))
	for i, r := range records {
		hashed[i] = r.Clone()
	}
	rowhash.Default().Apply(hashed)

	layout := LayoutFor(hashed)
	if err := repo.EnsureTable(ctx, TableSpecFor(table, layout)); err != nil {
		return 0, fmt.Errorf("save %s: ensure table: %w", table, err)
	}

	rows := layout.Rows(hashed)
	dedupe := []string{rowhash.DefaultField}

	batch := MaxParams / len(layout.Columns)
	if batch < 1 {
		batch = 1
	}

	var total int64
	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))
		n, err := repo.InsertRows(ctx, table, layout.Columns, rows[start:end], dedupe)
		total += n
		if err != nil {
			return total, fmt.Errorf("save %s: insert rows %d-%d: %w", table, start, end, err)
		}
	}
	return total, nil
}
