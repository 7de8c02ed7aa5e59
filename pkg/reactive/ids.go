package reactive

import "sync/atomic"

// subID is the global subscription ID counter.
// Atomic to support concurrent subscription from multiple goroutines.
var subID atomic.Uint64

// nextSubID returns the next unique subscription identifier.
// IDs start at 1; 0 is reserved as "no subscription".
func nextSubID() uint64 {
	return subID.Add(1)
}
