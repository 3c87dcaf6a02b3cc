package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"cbbstats/internal/storage"
)

func init() {
	storage.Register("sqlite", New)
}

// Repo implements storage.Repository for SQLite (modernc.org/sqlite, no cgo).
//
// Table names are used verbatim as one quoted identifier: "cbb.gamelog" is a
// table of that name in the main database, not a table in an attached one.
type Repo struct {
	db *sql.DB
}

// New opens cfg.DSN (a file path or ":memory:").
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection: SQLite has a single writer, and ":memory:" databases are
	// per connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTable creates the table if needed and adds columns it lacks. SQLite has
// no ADD COLUMN IF NOT EXISTS, so existing columns are read from table_info.
func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	createSQL, err := buildCreateTableSQL(t)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}

	existing, err := r.columns(ctx, t.Name)
	if err != nil {
		return err
	}
	for _, c := range t.Columns {
		if existing[strings.ToLower(c.Name)] {
			continue
		}
		q := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, sqlIdent(t.Name), sqlIdent(c.Name), sqliteType(c.Type))
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("add column %s.%s: %w", t.Name, c.Name, err)
		}
	}
	return nil
}

func (r *Repo) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("table info %s: %w", table, err)
		}
		out[strings.ToLower(name)] = true
	}
	return out, rows.Err()
}

// InsertRows performs a multi-row insert. With dedupeColumns it uses
// INSERT OR IGNORE, which relies on the UNIQUE constraint over those columns.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	q, args := buildInsertSQL(table, columns, rows, len(dedupeColumns) > 0)
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func buildInsertSQL(table string, columns []string, rows [][]any, orIgnore bool) (string, []any) {
	insertPrefix := "INSERT INTO "
	if orIgnore {
		insertPrefix = "INSERT OR IGNORE INTO "
	}

	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString(insertPrefix)
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row[:len(columns)]...)
	}
	return b.String(), args
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s: no columns", t.Name)
	}

	parts := make([]string, 0, len(t.Columns)+len(t.Constraints))
	for _, c := range t.Columns {
		def := sqlIdent(c.Name) + " " + sqliteType(c.Type)
		if !c.IsNullable() {
			def += " NOT NULL"
		}
		parts = append(parts, def)
	}
	for _, c := range t.Constraints {
		if !strings.EqualFold(strings.TrimSpace(c.Kind), "unique") {
			return "", fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
		if len(c.Columns) == 0 {
			return "", fmt.Errorf("table %s: unique constraint requires columns", t.Name)
		}
		idents := make([]string, 0, len(c.Columns))
		for _, col := range c.Columns {
			idents = append(idents, sqlIdent(col))
		}
		parts = append(parts, "UNIQUE ("+strings.Join(idents, ", ")+")")
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, sqlIdent(t.Name), strings.Join(parts, ", ")), nil
}

// sqliteType maps generic types onto SQLite affinities.
func sqliteType(generic string) string {
	switch strings.ToLower(strings.TrimSpace(generic)) {
	case "bigint":
		return "INTEGER"
	default:
		return "TEXT"
	}
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
