package record

import (
	"errors"
	"reflect"
	"testing"
)

func TestRecord_SetKeepsInsertionOrderAndOverwrites(t *testing.T) {
	t.Parallel()

	r := New()
	r.Set("b", "1")
	r.Set("a", "2")
	r.Set("b", "3")

	if got, want := r.Keys(), []string{"b", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("keys: want %v got %v", want, got)
	}
	if v, _ := r.Get("b"); v != "3" {
		t.Fatalf("expected overwrite to 3, got %q", v)
	}
}

func TestRecord_FieldMissing(t *testing.T) {
	t.Parallel()

	r := FromPairs("player", "A. Smith")
	if _, err := r.Field("pts"); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}

	var mf *MissingFieldError
	_, err := r.Field("pts")
	if !errors.As(err, &mf) || mf.Field != "pts" {
		t.Fatalf("expected *MissingFieldError for pts, got %#v", err)
	}

	v, err := r.Field("player")
	if err != nil || v != "A. Smith" {
		t.Fatalf("Field(player) = %q, %v", v, err)
	}
}

func TestRecord_SetLinkStoresFieldAndLink(t *testing.T) {
	t.Parallel()

	r := New()
	r.Set("player_link", "old")
	r.SetLink("player_link", "/cbb/players/a-1.html")

	if r.Link() != "/cbb/players/a-1.html" {
		t.Fatalf("unexpected link %q", r.Link())
	}
	if v, _ := r.Get("player_link"); v != "/cbb/players/a-1.html" {
		t.Fatalf("link field not overwritten: %q", v)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 key, got %d", r.Len())
	}
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	r := FromPairs("a", "1")
	c := r.Clone()
	c.Set("a", "2")
	c.Set("b", "3")

	if v, _ := r.Get("a"); v != "1" {
		t.Fatalf("clone mutated original: %q", v)
	}
	if r.Has("b") {
		t.Fatalf("clone added key to original")
	}
}

func TestColumns_FirstAppearanceOrder(t *testing.T) {
	t.Parallel()

	recs := []Record{
		FromPairs("x", "1", "y", "2"),
		FromPairs("z", "3", "x", "4"),
	}
	if got, want := Columns(recs), []string{"x", "y", "z"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("columns: want %v got %v", want, got)
	}
}

func TestOutcome_String(t *testing.T) {
	t.Parallel()

	if Included.String() != "included" || SkippedNoLink.String() != "skipped_no_link" || SkippedInvalidRow.String() != "skipped_invalid_row" {
		t.Fatalf("unexpected outcome names")
	}
}
