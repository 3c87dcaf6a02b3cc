package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cbbstats/internal/storage"
)

// pool is the subset of *pgxpool.Pool the repository uses.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Repo implements storage.Repository for Postgres.
type Repo struct {
	pool pool
}

// New opens a pgx pool for cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	p, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Repo{pool: p}, nil
}

// NewWithPool wraps an existing pool (a *pgxpool.Pool or a test double).
func NewWithPool(p pool) *Repo {
	return &Repo{pool: p}
}

// Close closes the pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTable creates the schema and table when missing, then adds columns a
// table from an earlier run may lack.
func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	schemaSQL, createSQL, alterSQL, err := buildEnsureSQL(t)
	if err != nil {
		return err
	}
	if schemaSQL != "" {
		if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema for %s: %w", t.Name, err)
		}
	}
	if _, err := r.pool.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	if _, err := r.pool.Exec(ctx, alterSQL); err != nil {
		return fmt.Errorf("add columns to %s: %w", t.Name, err)
	}
	return nil
}

// InsertRows performs one multi-row INSERT, with ON CONFLICT (...) DO NOTHING
// when dedupeColumns is set.
func (r *Repo) InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	sql, args := buildInsertSQL(table, columns, rows, dedupeColumns)
	cmd, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", table, err)
	}
	return cmd.RowsAffected(), nil
}

// buildInsertSQL renders INSERT ... VALUES ($1, ...), (...) [ON CONFLICT].
// Every row must have len(columns) values.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

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
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(dedupeColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range dedupeColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args
}

// buildEnsureSQL renders the optional CREATE SCHEMA, the CREATE TABLE and an
// ALTER TABLE adding every column if missing.
func buildEnsureSQL(t storage.TableSpec) (schemaSQL, createSQL, alterSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", "", "", fmt.Errorf("table %s: no columns", t.Name)
	}

	if schema, _ := storage.SplitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints))
	adds := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		typ, err := pgType(c.Type)
		if err != nil {
			return "", "", "", fmt.Errorf("table %s: column %s: %w", t.Name, c.Name, err)
		}
		def := pgIdent(c.Name) + " " + typ
		if !c.IsNullable() {
			def += " NOT NULL"
		}
		defs = append(defs, def)
		// Columns added to a populated table cannot be NOT NULL.
		adds = append(adds, "ADD COLUMN IF NOT EXISTS "+pgIdent(c.Name)+" "+typ)
	}

	for _, c := range t.Constraints {
		if !strings.EqualFold(strings.TrimSpace(c.Kind), "unique") {
			return "", "", "", fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
		if len(c.Columns) == 0 {
			return "", "", "", fmt.Errorf("table %s: unique constraint requires columns", t.Name)
		}
		idents := make([]string, 0, len(c.Columns))
		for _, col := range c.Columns {
			idents = append(idents, pgIdent(col))
		}
		defs = append(defs, "UNIQUE ("+strings.Join(idents, ", ")+")")
	}

	name := pgTableIdent(t.Name)
	createSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, name, strings.Join(defs, ", "))
	alterSQL = fmt.Sprintf(`ALTER TABLE %s %s;`, name, strings.Join(adds, ", "))
	return schemaSQL, createSQL, alterSQL, nil
}

func pgType(generic string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(generic)) {
	case "", "text":
		return "TEXT", nil
	case "bigint":
		return "BIGINT", nil
	case "timestamp":
		return "TIMESTAMPTZ", nil
	default:
		return "", fmt.Errorf("unsupported type %q", generic)
	}
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes each part of a possibly schema-qualified name.
func pgTableIdent(name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}
