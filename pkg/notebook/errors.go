package notebook

import "errors"

var (
	// ErrUnsupportedVersion reports a document written by a newer format.
	ErrUnsupportedVersion = errors.New("notebook: unsupported document version")

	// ErrInvalidCell reports a cell missing its kind's required fields.
	ErrInvalidCell = errors.New("notebook: invalid cell")

	// ErrDuplicateCell reports two cells of the same kind claiming one
	// name or id.
	ErrDuplicateCell = errors.New("notebook: duplicate cell")

	// ErrClosed reports an operation on a runtime after Close.
	ErrClosed = errors.New("notebook: runtime closed")
)
