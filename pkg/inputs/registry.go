package inputs

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/nodebook-dev/nodebook/pkg/reactive"
)

// InputDef declares one input cell: the reactive name it owns, the value it
// starts with, and boolean constraint expressions over `value` that every
// write must satisfy, e.g. "value >= 0 && value <= 100".
type InputDef struct {
	Name        string
	Initial     any
	Constraints []string
}

type input struct {
	def      InputDef
	programs []*vm.Program
}

// Registry owns input definitions and validates writes before they reach
// the store.
type Registry struct {
	store  *reactive.Store
	logger *slog.Logger

	mu     sync.RWMutex
	inputs map[string]*input
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for rejected writes.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an input registry over the store.
func NewRegistry(store *reactive.Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  store,
		logger: slog.Default(),
		inputs: make(map[string]*input),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("engine", "inputs")
	return r
}

// DefineInput registers the input and defines its reactive value. Defining
// an existing input is a no-op: the current value and constraints stay.
// Constraints compile at definition time; a broken one rejects the whole
// definition.
func (r *Registry) DefineInput(def InputDef) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return ErrEmptyName
	}

	programs := make([]*vm.Program, 0, len(def.Constraints))
	for _, c := range def.Constraints {
		program, err := compileConstraint(c)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidConstraint, c, err)
		}
		programs = append(programs, program)
	}

	r.mu.Lock()
	if _, exists := r.inputs[def.Name]; exists {
		r.mu.Unlock()
		return nil
	}
	r.inputs[def.Name] = &input{def: def, programs: programs}
	r.mu.Unlock()

	// Define keeps any value that already exists under this name.
	return r.store.Define(def.Name, def.Initial)
}

// SetValue validates the value against the input's constraints and commits
// it. A violation leaves the previous value in place.
func (r *Registry) SetValue(name string, value any) error {
	r.mu.RLock()
	in, ok := r.inputs[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotDefined)
	}

	for i, program := range in.programs {
		ok, err := runConstraint(program, value)
		if err != nil {
			r.logger.Debug("constraint evaluation failed", "input", name, "constraint", in.def.Constraints[i], "err", err)
			return fmt.Errorf("%w: %q", ErrConstraintViolation, in.def.Constraints[i])
		}
		if !ok {
			return fmt.Errorf("%w: %q", ErrConstraintViolation, in.def.Constraints[i])
		}
	}

	r.store.Set(name, value)
	return nil
}

// Value returns the input's current value from the store.
func (r *Registry) Value(name string) (any, bool) {
	if !r.Exists(name) {
		return nil, false
	}
	return r.store.GetValue(name), true
}

// Exists reports whether the input was defined through this registry.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inputs[name]
	return ok
}

// Constraints returns the input's constraint expressions.
func (r *Registry) Constraints(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.inputs[name]
	if !ok {
		return nil
	}
	return append([]string(nil), in.def.Constraints...)
}

// Inputs returns the defined input names in lexical order.
func (r *Registry) Inputs() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.inputs))
	for name := range r.inputs {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Reset drops every input definition and its constraints. Store values
// persist; only the registry's knowledge of the inputs is cleared, so a
// following DefineInput for the same name keeps the prior value.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = make(map[string]*input)
}

// Committer returns a throttle-then-commit writer for the input, for
// high-frequency sources like drag-driven sliders. Rejected values are
// logged, not returned; the previous committed value stays.
func (r *Registry) Committer(name string, interval time.Duration) (*Committer, error) {
	if !r.Exists(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotDefined)
	}
	return NewCommitter(interval, func(v any) {
		if err := r.SetValue(name, v); err != nil {
			r.logger.Debug("throttled write rejected", "input", name, "err", err)
		}
	}), nil
}

// compileConstraint compiles a boolean expression whose only free variable
// is `value`. Unknown identifiers fail here rather than at write time.
func compileConstraint(src string) (*vm.Program, error) {
	return expr.Compile(src,
		expr.Env(map[string]any{"value": nil}),
		expr.AsBool(),
	)
}

func runConstraint(program *vm.Program, value any) (bool, error) {
	out, err := expr.Run(program, map[string]any{"value": value})
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("constraint returned %T, want bool", out)
	}
	return ok, nil
}
