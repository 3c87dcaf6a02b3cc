package record

// Outcome is the per-row decision taken by the extractor.
type Outcome int

const (
	// Included rows are returned to the caller.
	Included Outcome = iota
	// SkippedNoLink rows lack the anchor their table profile requires.
	SkippedNoLink
	// SkippedInvalidRow rows are header, spacer or summary rows.
	SkippedInvalidRow
)

func (o Outcome) String() string {
	switch o {
	case Included:
		return "included"
	case SkippedNoLink:
		return "skipped_no_link"
	case SkippedInvalidRow:
		return "skipped_invalid_row"
	default:
		return "unknown"
	}
}
