package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"cbbstats/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Dedupe uses INSERT ... SELECT ... WHERE NOT EXISTS. Unlike ON CONFLICT, that
// statement does not collapse duplicates inside its own VALUES list, so each
// chunk is deduplicated in memory first (first occurrence wins).
type Repo struct {
	db dbConn
}

// New opens cfg.DSN with the "sqlserver" driver and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	return &Repo{db: raw}, nil
}

// Close releases the connection pool.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTable creates the table behind an OBJECT_ID guard, then adds each
// missing column behind a COL_LENGTH guard.
func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	createSQL, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
	}
	unique := uniqueColumns(t)
	for _, c := range t.Columns {
		if _, err := r.db.ExecContext(ctx, buildAddColumnSQL(t.Name, c, unique)); err != nil {
			return fmt.Errorf("mssql: add column %s.%s: %w", t.Name, c.Name, err)
		}
	}
	return nil
}

// InsertRows inserts rows, skipping existing dedupe keys when dedupeColumns is
// set. Statements are chunked under the 2100 parameter limit.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	if len(dedupeColumns) > 0 {
		var err error
		rows, err = dedupeRowsByColumns(rows, columns, dedupeColumns)
		if err != nil {
			return 0, err
		}
	}

	maxRows := max(1, storage.MaxParams/max(1, len(columns)))

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := min(start+maxRows, len(rows))
		part := rows[start:end]

		var (
			q    string
			args []any
		)
		if len(dedupeColumns) > 0 {
			q, args = buildInsertNotExistsSQL(table, columns, part, dedupeColumns)
		} else {
			q, args = buildBulkInsertSQL(table, columns, part)
		}

		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, fmt.Errorf("mssql: insert into %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// dedupeRowsByColumns keeps the first row for each dedupe key, preserving
// order. Every dedupe column must be in columns.
func dedupeRowsByColumns(rows [][]any, columns []string, dedupeColumns []string) ([][]any, error) {
	pos := make(map[string]int, len(columns))
	for i, c := range columns {
		pos[c] = i
	}
	idx := make([]int, 0, len(dedupeColumns))
	for _, dc := range dedupeColumns {
		i, ok := pos[dc]
		if !ok {
			return nil, fmt.Errorf("mssql: dedupe column %q not present in columns", dc)
		}
		idx = append(idx, i)
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var key strings.Builder
	for _, row := range rows {
		key.Reset()
		for _, i := range idx {
			fmt.Fprintf(&key, "%v\x1f", row[i])
		}
		k := key.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("mssql: table %s: no columns", t.Name)
	}

	unique := uniqueColumns(t)
	parts := make([]string, 0, len(t.Columns)+len(t.Constraints))
	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c, unique[strings.ToLower(c.Name)])
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}
	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("mssql: %s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("mssql: %s unique constraint has no columns", t.Name)
		}
		cols := make([]string, 0, len(con.Columns))
		for _, c := range con.Columns {
			cols = append(cols, mssqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		escapeLiteral(t.Name),
		mssqlTableIdent(t.Name),
		strings.Join(parts, ", "),
	), nil
}

// buildAddColumnSQL adds c as a nullable column when the table lacks it.
func buildAddColumnSQL(table string, c storage.ColumnSpec, unique map[string]bool) string {
	return fmt.Sprintf(
		"IF COL_LENGTH(N'%s', N'%s') IS NULL ALTER TABLE %s ADD %s %s NULL;",
		escapeLiteral(table),
		escapeLiteral(c.Name),
		mssqlTableIdent(table),
		mssqlIdent(c.Name),
		mssqlType(c.Type, unique[strings.ToLower(c.Name)]),
	)
}

// mssqlColumnDef renders a column. Columns under a UNIQUE constraint get a
// bounded NVARCHAR since NVARCHAR(MAX) cannot be indexed.
func mssqlColumnDef(c storage.ColumnSpec, indexed bool) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	def := mssqlIdent(c.Name) + " " + mssqlType(c.Type, indexed)
	if c.IsNullable() {
		def += " NULL"
	} else {
		def += " NOT NULL"
	}
	return def, nil
}

func mssqlType(generic string, indexed bool) string {
	switch strings.ToLower(strings.TrimSpace(generic)) {
	case "bigint":
		return "BIGINT"
	case "timestamp":
		return "DATETIME2"
	default:
		if indexed {
			return "NVARCHAR(450)"
		}
		return "NVARCHAR(MAX)"
	}
}

func uniqueColumns(t storage.TableSpec) map[string]bool {
	out := map[string]bool{}
	for _, con := range t.Constraints {
		for _, c := range con.Columns {
			out[strings.ToLower(c)] = true
		}
	}
	return out
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeIdentList(&b, "", columns)
	b.WriteString(") VALUES ")
	args := writeValues(&b, columns, rows)
	return b.String(), args
}

// buildInsertNotExistsSQL materializes the rows as a derived table v and
// inserts those whose dedupe key is not yet in the target.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeIdentList(&b, "", columns)
	b.WriteString(") SELECT ")
	writeIdentList(&b, "v.", columns)
	b.WriteString(" FROM (VALUES ")
	args := writeValues(&b, columns, rows)
	b.WriteString(") AS v(")
	writeIdentList(&b, "", columns)
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")
	for i, dc := range dedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(")")

	return b.String(), args
}

func writeIdentList(b *strings.Builder, prefix string, columns []string) {
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(prefix)
		b.WriteString(mssqlIdent(c))
	}
}

func writeValues(b *strings.Builder, columns []string, rows [][]any) []any {
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent quotes each part of a schema-qualified name:
// "dbo.gamelog" -> [dbo].[gamelog].
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func escapeLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// dbConn is the subset of *sql.DB the repository uses.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Close() error
}

var _ dbConn = (*sql.DB)(nil)
