package extract

import (
	"errors"
	"fmt"
)

// ErrTableNotFound is matched (errors.Is) by *TableNotFoundError.
var ErrTableNotFound = errors.New("extract: table not found")

// TableNotFoundError reports that the page has no table with the profile's id,
// neither in the live markup nor inside an HTML comment.
type TableNotFoundError struct {
	Profile string
	TableID string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("extract %s: no table with id %q", e.Profile, e.TableID)
}

// Is makes errors.Is(err, ErrTableNotFound) work.
func (e *TableNotFoundError) Is(target error) bool { return target == ErrTableNotFound }
