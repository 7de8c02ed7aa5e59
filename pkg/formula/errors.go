package formula

import "errors"

// ErrEmptyName is returned when a formula is created or updated under an
// empty or all-whitespace name. Nothing is registered in that case.
var ErrEmptyName = errors.New("formula: empty formula name")

// ErrNotFound is returned by UpdateFormula and RemoveFormula for names with
// no registered formula.
var ErrNotFound = errors.New("formula: formula not defined")

// ErrEvalStorm is returned when a formula exceeds its re-evaluation budget
// inside the sliding window. Exceeding the budget almost always means the
// formula participates in a notification cycle that value-equality
// suppression cannot settle. The run is dropped; the next external trigger
// starts a fresh window.
var ErrEvalStorm = errors.New("formula: evaluation budget exceeded (dependency cycle?)")

// ErrReentrantEval is returned when an evaluation is requested for a formula
// that is already evaluating on the scripting thread.
var ErrReentrantEval = errors.New("formula: re-entrant evaluation rejected")

// ErrEvalTimeout is returned to a caller that gave up waiting for an
// evaluation. The evaluation itself keeps running on the scripting thread;
// its result still lands in the store.
var ErrEvalTimeout = errors.New("formula: evaluation timed out")
