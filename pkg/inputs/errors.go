package inputs

import "errors"

var (
	// ErrEmptyName rejects an input definition with a blank name.
	ErrEmptyName = errors.New("inputs: empty input name")

	// ErrNotDefined reports an operation on an input that was never
	// defined through the registry.
	ErrNotDefined = errors.New("inputs: input not defined")

	// ErrInvalidConstraint reports a constraint expression that failed to
	// compile at definition time.
	ErrInvalidConstraint = errors.New("inputs: invalid constraint")

	// ErrConstraintViolation reports a rejected write; the previous value
	// stays committed.
	ErrConstraintViolation = errors.New("inputs: constraint violation")
)
