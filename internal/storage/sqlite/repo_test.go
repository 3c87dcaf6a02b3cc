package sqlite

import (
	"context"
	"strings"
	"testing"

	"cbbstats/internal/record"
	"cbbstats/internal/storage"
)

func openMemory(t *testing.T) *Repo {
	t.Helper()
	repo, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo.(*Repo)
}

func countRows(t *testing.T, r *Repo, table string) int {
	t.Helper()
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM ` + sqlIdent(table)).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	yes := true
	got, err := buildCreateTableSQL(storage.TableSpec{
		Name: "gamelog",
		Columns: []storage.ColumnSpec{
			{Name: "pts", Type: "text", Nullable: &yes},
			{Name: "row_hash", Type: "text"},
		},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"row_hash"}}},
	})
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	want := `CREATE TABLE IF NOT EXISTS "gamelog" ("pts" TEXT, "row_hash" TEXT NOT NULL, UNIQUE ("row_hash"))`
	if got != want {
		t.Fatalf("got\n%q\nwant\n%q", got, want)
	}
}

func TestBuildInsertSQL_OrIgnore(t *testing.T) {
	t.Parallel()

	q, args := buildInsertSQL("t", []string{"a", "b"}, [][]any{{1, 2}, {3, 4}}, true)
	if q != `INSERT OR IGNORE INTO "t" ("a", "b") VALUES (?,?), (?,?)` {
		t.Fatalf("q=%q", q)
	}
	if len(args) != 4 {
		t.Fatalf("args=%v", args)
	}
	q, _ = buildInsertSQL("t", []string{"a"}, [][]any{{1}}, false)
	if !strings.HasPrefix(q, "INSERT INTO ") {
		t.Fatalf("q=%q", q)
	}
}

func TestSaveRecords_DedupesAcrossRuns(t *testing.T) {
	repo := openMemory(t)
	ctx := context.Background()

	games := []record.Record{
		record.FromPairs("date", "2024-01-02", "game_result", "W 60-50", "pts", "12"),
		record.FromPairs("date", "2024-01-05", "game_result", "L 55-70", "pts", "8"),
		record.FromPairs("date", "2024-01-02", "game_result", "W 60-50", "pts", "12"),
	}

	n, err := storage.SaveRecords(ctx, repo, "gamelog", games)
	if err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}
	if n != 2 {
		t.Fatalf("first run inserted %d, want 2 (one in-batch duplicate)", n)
	}

	n, err = storage.SaveRecords(ctx, repo, "gamelog", games)
	if err != nil {
		t.Fatalf("second SaveRecords: %v", err)
	}
	if n != 0 {
		t.Fatalf("second run inserted %d, want 0", n)
	}
	if got := countRows(t, repo, "gamelog"); got != 2 {
		t.Fatalf("rows=%d, want 2", got)
	}
}

func TestSaveRecords_AddsNewColumns(t *testing.T) {
	repo := openMemory(t)
	ctx := context.Background()

	if _, err := storage.SaveRecords(ctx, repo, "roster", []record.Record{
		record.FromPairs("player", "A", "pos", "G"),
	}); err != nil {
		t.Fatalf("SaveRecords: %v", err)
	}

	// A later season carries an extra column.
	n, err := storage.SaveRecords(ctx, repo, "roster", []record.Record{
		record.FromPairs("player", "B", "pos", "F", "Hometown", "Durham, NC"),
	})
	if err != nil {
		t.Fatalf("SaveRecords with new column: %v", err)
	}
	if n != 1 {
		t.Fatalf("inserted=%d", n)
	}

	var town string
	if err := repo.db.QueryRow(`SELECT "hometown" FROM "roster" WHERE "player" = 'B'`).Scan(&town); err != nil {
		t.Fatalf("select hometown: %v", err)
	}
	if town != "Durham, NC" {
		t.Fatalf("hometown=%q", town)
	}
}
