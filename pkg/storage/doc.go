// Package storage provides the persistent key/value handle behind the
// script-cell storage capability, with in-memory, sqlite and redis
// backends behind one interface.
//
// The serialized backends round values through JSON, so numbers read back
// as float64 and objects as map[string]any; the memory backend returns the
// stored values untouched. The section bridge (LoadFromNotebook,
// LoadSection, SnapshotSection) moves contents between a live store and
// the storage section of a notebook document.
package storage
