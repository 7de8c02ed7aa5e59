package codecell

import "errors"

// ErrEmptyCellID is returned when a cell operation names an empty or
// all-whitespace cell ID.
var ErrEmptyCellID = errors.New("codecell: empty cell id")

// ErrCellNotFound is returned by operations on cell IDs that were never
// executed or registered.
var ErrCellNotFound = errors.New("codecell: cell not found")

// ErrExecTimeout is returned to a caller that gave up waiting for a cell
// run. The run itself keeps going on the scripting thread and its exports
// still land in the store when it finishes.
var ErrExecTimeout = errors.New("codecell: execution timed out")

// ErrExecStorm is returned when dependency notifications re-run a cell more
// often than its budget allows inside the sliding window, which is the
// signature of an export/dependency cycle between cells. The run is dropped.
var ErrExecStorm = errors.New("codecell: execution budget exceeded (dependency cycle?)")
