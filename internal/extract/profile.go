package extract

import "cbbstats/internal/record"

// LinkSource says where a profile's navigable link lives in a row.
type LinkSource int

const (
	// LinkNone: rows carry no link.
	LinkNone LinkSource = iota
	// LinkFromDataCell: the anchor inside the <td> whose data-stat is
	// Profile.LinkCellStat.
	LinkFromDataCell
	// LinkFromHeaderCell: the anchor inside the row's <th>.
	LinkFromHeaderCell
)

// Profile describes one kind of table: where it is, how rows become records
// and which rows are dropped. New table kinds are new profiles, not new code.
type Profile struct {
	// Name labels logs and metrics ("schools", "roster", "gamelog").
	Name string

	// TableID is the id attribute of the <table>.
	TableID string

	// LinkField is the field the navigable link is stored under.
	LinkField string

	LinkSource   LinkSource
	LinkCellStat string

	// RequireLink skips rows without a link (record.SkippedNoLink).
	RequireLink bool

	// HeaderCellField reads the row's <th> data-stat/text as a field.
	HeaderCellField bool

	// Accept, when set, must return true for a row to be kept; otherwise the
	// row is record.SkippedInvalidRow.
	Accept func(record.Record) bool

	// MissingOK turns an absent table into an empty result instead of a
	// *TableNotFoundError.
	MissingOK bool
}

// Field identifiers the built-in profiles rely on.
const (
	FieldSchoolName = "school_name"
	FieldSchoolLink = "school_link"
	FieldPlayer     = "player"
	FieldPlayerLink = "player_link"
	FieldGameResult = "game_result"
)

// SchoolsProfile is the /cbb/schools/ listing. A missing table is fatal since
// there is no other page to fall back to.
func SchoolsProfile() Profile {
	return Profile{
		Name:         "schools",
		TableID:      "schools",
		LinkField:    FieldSchoolLink,
		LinkSource:   LinkFromDataCell,
		LinkCellStat: FieldSchoolName,
	}
}

// RosterProfile is a team-season roster. Only players with a link in their
// header cell are kept; a team without a roster for a season yields nothing.
func RosterProfile() Profile {
	return Profile{
		Name:            "roster",
		TableID:         "roster",
		LinkField:       FieldPlayerLink,
		LinkSource:      LinkFromHeaderCell,
		RequireLink:     true,
		HeaderCellField: true,
		MissingOK:       true,
	}
}

// GameLogProfile is a player's per-game log with season-summary rows removed.
func GameLogProfile() Profile {
	return Profile{
		Name:      "gamelog",
		TableID:   "gamelog",
		Accept:    HasGameResult,
		MissingOK: true,
	}
}

// HasGameResult reports whether r is an individual game: it has a non-empty
// game_result. Subtotal and season rows fail it.
func HasGameResult(r record.Record) bool {
	v, ok := r.Get(FieldGameResult)
	return ok && v != ""
}

// FilterGames keeps the records that pass HasGameResult, preserving order.
// Applying it twice yields the same slice contents.
func FilterGames(in []record.Record) []record.Record {
	out := make([]record.Record, 0, len(in))
	for _, r := range in {
		if HasGameResult(r) {
			out = append(out, r)
		}
	}
	return out
}
