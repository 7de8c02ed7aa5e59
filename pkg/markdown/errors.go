package markdown

import "errors"

var (
	// ErrEmptyCellID rejects registration under a blank cell ID.
	ErrEmptyCellID = errors.New("markdown: empty cell id")

	// ErrCellNotFound reports an operation on an unregistered cell.
	ErrCellNotFound = errors.New("markdown: cell not found")

	// ErrRenderTimeout reports that a caller gave up waiting for a render.
	ErrRenderTimeout = errors.New("markdown: render timed out")
)
