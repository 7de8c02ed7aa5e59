package reactive

import "errors"

// ErrEmptyName is returned when a value is defined under an empty or
// all-whitespace name. Names are user-visible identifiers; an unnamed slot
// could never be referenced again.
var ErrEmptyName = errors.New("reactive: empty value name")

// ErrNotDefined is returned when subscribing to a name that has not been
// defined. Reads of unknown names are tolerated (they yield nil), but a
// subscription to a slot that does not exist would never fire, so it is
// reported to the caller instead.
var ErrNotDefined = errors.New("reactive: value not defined")
