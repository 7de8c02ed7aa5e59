package storage

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Store is the persistent key/value handle cells reach through the storage
// capability. Implementations must be safe for concurrent use. Backends
// that cannot fail (memory) and backends that can (sqlite, redis) share
// this shape because script cells have no useful way to handle per-call
// errors; failing backends log and degrade to misses.
type Store interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Has(key string) bool
	Delete(key string)
	Keys() []string
	Clear()

	// Snapshot returns the full contents; Load replaces them wholesale.
	Snapshot() map[string]any
	Load(data map[string]any)

	Close() error
}

// LoadSection seeds the store from a notebook document's storage section,
// replacing whatever the store held.
func LoadSection(s Store, section map[string]any) {
	if section == nil {
		section = map[string]any{}
	}
	s.Load(section)
}

// LoadFromNotebook seeds the store from the serialized storage section of a
// notebook document.
func LoadFromNotebook(s Store, blob []byte) error {
	section := map[string]any{}
	if len(blob) > 0 {
		if err := sonic.Unmarshal(blob, &section); err != nil {
			return fmt.Errorf("storage: decode notebook section: %w", err)
		}
	}
	s.Load(section)
	return nil
}

// SnapshotSection captures the store contents for embedding into a notebook
// document at save time. It is the inverse of LoadFromNotebook.
func SnapshotSection(s Store) map[string]any {
	return s.Snapshot()
}
