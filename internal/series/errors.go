package series

import "errors"

var (
	// ErrSeriesNotFound means the target event, series or occurrence no
	// longer exists (or never did). Nothing was resolved.
	ErrSeriesNotFound = errors.New("series not found")

	ErrInvalidScope   = errors.New("invalid scope")
	ErrInvalidChanges = errors.New("invalid changes")
)
