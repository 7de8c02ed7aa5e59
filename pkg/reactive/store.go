package reactive

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Store is the name-keyed table of reactive slots for one notebook session.
//
// All methods are safe for concurrent use. Notification fan-out happens
// synchronously inside Set on the calling goroutine; subscribers that need
// to do real work should schedule it rather than block the writer.
type Store struct {
	mu     sync.RWMutex
	values map[string]*Value

	logger *slog.Logger
	onSet  func(name string, version uint64, subscribers int)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSetHook installs fn to run after every accepted write, with the slot
// name, the version the write produced, and the number of subscribers the
// notification fanned out to. Used to feed instrumentation; fn runs on the
// writer's goroutine and must not block.
func WithSetHook(fn func(name string, version uint64, subscribers int)) StoreOption {
	return func(s *Store) {
		s.onSet = fn
	}
}

// NewStore creates an empty store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		values: make(map[string]*Value),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Define registers name with an initial value. When the name already exists
// the call is a no-op and the existing value is kept, so re-running a
// definition never clobbers state the user has since changed.
func (s *Store) Define(name string, initial any) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[name]; ok {
		return nil
	}
	s.values[name] = newValue(name, initial)
	return nil
}

// Get returns the slot for name, if defined.
func (s *Store) Get(name string) (*Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// GetValue returns the current value of name, or nil when the name has never
// been defined. Reads never create dependencies; use GetValueTracked inside
// an evaluation pass.
func (s *Store) GetValue(name string) any {
	s.mu.RLock()
	v, ok := s.values[name]
	s.mu.RUnlock()

	if !ok {
		return nil
	}
	return v.Get()
}

// GetValueTracked reads name and records the read in tracker. Only names
// that are defined at read time are recorded; there is no slot to subscribe
// to otherwise. A nil tracker degrades to a plain read.
func (s *Store) GetValueTracked(name string, tracker *Tracker) any {
	s.mu.RLock()
	v, ok := s.values[name]
	s.mu.RUnlock()

	if !ok {
		return nil
	}
	if tracker != nil {
		tracker.record(name)
	}
	return v.Get()
}

// Set writes value under name, defining the slot on the fly when it does not
// exist yet. Writes that do not change the value (see valuesEqual) are
// suppressed: no version bump, no notifications. Empty names are dropped.
func (s *Store) Set(name string, value any) {
	if strings.TrimSpace(name) == "" {
		s.logger.Warn("reactive: dropping write to empty name")
		return
	}

	s.mu.Lock()
	v, ok := s.values[name]
	if !ok {
		v = newValue(name, nil)
		s.values[name] = v
	}
	s.mu.Unlock()

	version, accepted := v.set(value)
	if accepted && s.onSet != nil {
		s.onSet(name, version, v.subscriberCount())
	}
}

// Subscribe registers fn for changes to name. Subscribers run synchronously
// inside Set, in subscription order. The returned handle removes the
// subscription and is safe to call more than once.
func (s *Store) Subscribe(name string, fn SubscriberFunc) (func(), error) {
	s.mu.RLock()
	v, ok := s.values[name]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotDefined
	}
	return v.Subscribe(fn), nil
}

// IsDefined reports whether name has a slot.
func (s *Store) IsDefined(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[name]
	return ok
}

// Names returns all defined names in lexical order.
func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Len returns the number of defined slots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Snapshot returns a copy of the current name → value table.
// Values themselves are not copied; composites keep their identity.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[string]any, len(s.values))
	for name, v := range s.values {
		snap[name] = v.Get()
	}
	return snap
}
