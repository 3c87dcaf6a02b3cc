package mssql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"cbbstats/internal/storage"
)

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

// fakeDB records statements; each Exec reports every bound row as inserted.
type fakeDB struct {
	queries []string
	args    [][]any
	err     error
	perRow  int
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.queries = append(f.queries, query)
	f.args = append(f.args, args)
	if f.err != nil {
		return nil, f.err
	}
	if f.perRow == 0 {
		return fakeResult(0), nil
	}
	return fakeResult(len(args) / f.perRow), nil
}

func (f *fakeDB) Close() error { return nil }

func TestDedupeRowsByColumns_StableAndCorrect(t *testing.T) {
	// NOT EXISTS does not collapse duplicates inside one VALUES list, so the
	// first occurrence of each key must win before the statement is built.
	columns := []string{"date", "pts", "row_hash"}
	rows := [][]any{
		{"2024-01-02", "10", "h1"},
		{"2024-01-02", "10", "h1"},
		{"2024-01-05", "7", "h2"},
		{"2024-01-02", "99", "h1"},
	}

	got, err := dedupeRowsByColumns(rows, columns, []string{"row_hash"})
	if err != nil {
		t.Fatalf("dedupeRowsByColumns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows after dedupe, got %d", len(got))
	}
	if got[0][1] != "10" || got[1][2] != "h2" {
		t.Fatalf("unexpected rows: %v", got)
	}
}

func TestDedupeRowsByColumns_MissingColumnErrors(t *testing.T) {
	_, err := dedupeRowsByColumns([][]any{{1, 2}}, []string{"a", "b"}, []string{"missing"})
	if err == nil {
		t.Fatalf("expected error for missing dedupe column, got nil")
	}
}

func TestBuildCreateSQL_GuardsAndIndexedType(t *testing.T) {
	yes := true
	q, err := buildCreateSQL(storage.TableSpec{
		Name: "dbo.gamelog",
		Columns: []storage.ColumnSpec{
			{Name: "pts", Type: "text", Nullable: &yes},
			{Name: "row_hash", Type: "text"},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"row_hash"}}},
	})
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	for _, want := range []string{
		"IF OBJECT_ID(N'dbo.gamelog', N'U') IS NULL",
		"CREATE TABLE [dbo].[gamelog]",
		"[pts] NVARCHAR(MAX) NULL",
		"[row_hash] NVARCHAR(450) NOT NULL",
		"UNIQUE ([row_hash])",
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("missing %q in %q", want, q)
		}
	}
}

func TestBuildInsertNotExistsSQL(t *testing.T) {
	q, args := buildInsertNotExistsSQL("gamelog", []string{"pts", "row_hash"},
		[][]any{{"1", "h1"}, {"2", "h2"}}, []string{"row_hash"})

	want := "INSERT INTO [gamelog] ([pts], [row_hash]) SELECT v.[pts], v.[row_hash] FROM (VALUES (@p1, @p2), (@p3, @p4)) AS v([pts], [row_hash]) WHERE NOT EXISTS (SELECT 1 FROM [gamelog] t WHERE t.[row_hash] = v.[row_hash])"
	if q != want {
		t.Fatalf("q=\n%s\nwant\n%s", q, want)
	}
	if len(args) != 4 {
		t.Fatalf("args=%v", args)
	}
}

func TestEnsureTable_CreateThenAddColumns(t *testing.T) {
	db := &fakeDB{}
	repo := &Repo{db: db}

	err := repo.EnsureTable(context.Background(), storage.TableSpec{
		Name:    "roster",
		Columns: []storage.ColumnSpec{{Name: "player", Type: "text"}, {Name: "o'neil", Type: "text"}},
	})
	if err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	if len(db.queries) != 3 {
		t.Fatalf("expected create + 2 add-column statements, got %d", len(db.queries))
	}
	if !strings.Contains(db.queries[2], "COL_LENGTH(N'roster', N'o''neil')") {
		t.Fatalf("literal not escaped: %q", db.queries[2])
	}
}

func TestInsertRows_DedupesAndChunks(t *testing.T) {
	db := &fakeDB{perRow: 2}
	repo := &Repo{db: db}

	// 2 columns -> 1000 rows per statement.
	rows := make([][]any, 0, 2501)
	for i := 0; i < 2500; i++ {
		rows = append(rows, []any{"x", i})
	}
	rows = append(rows, []any{"dup", 0})

	n, err := repo.InsertRows(context.Background(), "t", []string{"a", "row_hash"}, rows, []string{"row_hash"})
	if err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	if n != 2500 {
		t.Fatalf("inserted=%d, want 2500", n)
	}
	if len(db.queries) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(db.queries))
	}
	if !strings.Contains(db.queries[0], "WHERE NOT EXISTS") {
		t.Fatalf("expected NOT EXISTS insert, got %q", db.queries[0])
	}
}

func TestInsertRows_NoDedupeAndError(t *testing.T) {
	db := &fakeDB{perRow: 1}
	repo := &Repo{db: db}

	if _, err := repo.InsertRows(context.Background(), "t", []string{"a"}, [][]any{{"1"}}, nil); err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	if strings.Contains(db.queries[0], "NOT EXISTS") {
		t.Fatalf("unexpected NOT EXISTS without dedupe: %q", db.queries[0])
	}

	boom := errors.New("deadlock")
	repo = &Repo{db: &fakeDB{err: boom}}
	if _, err := repo.InsertRows(context.Background(), "t", []string{"a"}, [][]any{{"1"}}, nil); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}
