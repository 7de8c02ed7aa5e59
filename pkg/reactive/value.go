package reactive

import "sync"

// SubscriberFunc receives change notifications for one value.
// It is called with the value as written and the version that write produced.
type SubscriberFunc func(value any, version uint64)

// subscriber pairs a callback with its subscription ID so that unsubscribe
// can remove exactly one registration even when the same func is subscribed
// twice.
type subscriber struct {
	id uint64
	fn SubscriberFunc
}

// Value is a single named reactive slot.
//
// A Value is created through Store.Define (or implicitly by a tolerant
// Store.Set) and lives for the rest of the session. Its identity is its
// name; its state is the latest value plus a version counter that increments
// on every accepted write.
type Value struct {
	name string

	// mu protects value and version.
	mu      sync.RWMutex
	value   any
	version uint64

	// subMu protects subs. Kept separate from mu so notification fan-out
	// never holds the value lock while running callbacks.
	subMu sync.RWMutex
	subs  []subscriber
}

// newValue creates a slot with the given initial value at version 0.
func newValue(name string, initial any) *Value {
	return &Value{
		name:  name,
		value: initial,
	}
}

// Name returns the name this slot was defined under.
func (v *Value) Name() string {
	return v.name
}

// Get returns the current value without recording a dependency.
func (v *Value) Get() any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value
}

// Version returns the number of accepted writes this slot has seen.
func (v *Value) Version() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.version
}

// set stores a new value and notifies subscribers when it differs from the
// current one. Returns the resulting version and whether the write was
// accepted.
func (v *Value) set(value any) (uint64, bool) {
	v.mu.Lock()
	if valuesEqual(v.value, value) {
		version := v.version
		v.mu.Unlock()
		return version, false
	}
	v.value = value
	v.version++
	version := v.version
	v.mu.Unlock()

	v.notify(value, version)
	return version, true
}

// Subscribe registers fn to run on every accepted write, after subscribers
// registered before it. The returned func removes the registration; calling
// it more than once is harmless.
func (v *Value) Subscribe(fn SubscriberFunc) func() {
	id := nextSubID()

	v.subMu.Lock()
	v.subs = append(v.subs, subscriber{id: id, fn: fn})
	v.subMu.Unlock()

	return func() {
		v.unsubscribe(id)
	}
}

// unsubscribe removes the subscription with the given ID, preserving the
// order of the remaining subscribers. Unknown IDs are ignored, which makes
// unsubscribe handles idempotent.
func (v *Value) unsubscribe(id uint64) {
	v.subMu.Lock()
	defer v.subMu.Unlock()

	for i, s := range v.subs {
		if s.id == id {
			v.subs = append(v.subs[:i], v.subs[i+1:]...)
			return
		}
	}
}

// notify runs all subscribers in subscription order.
// The list is copied first so callbacks can subscribe, unsubscribe or write
// into the store without deadlocking on subMu.
func (v *Value) notify(value any, version uint64) {
	v.subMu.RLock()
	subs := make([]subscriber, len(v.subs))
	copy(subs, v.subs)
	v.subMu.RUnlock()

	for _, s := range subs {
		s.fn(value, version)
	}
}

// subscriberCount reports the number of active subscriptions.
func (v *Value) subscriberCount() int {
	v.subMu.RLock()
	defer v.subMu.RUnlock()
	return len(v.subs)
}
