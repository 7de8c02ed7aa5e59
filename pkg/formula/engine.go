package formula

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/nodebook-dev/nodebook/pkg/reactive"
)

// node is the registration record for one formula.
type node struct {
	name string

	// mu guards the compiled form and subscription state.
	mu      sync.Mutex
	expr    string
	params  []string
	program *goja.Program
	unsubs  []func()
	deps    []string
	lastErr error

	// computing rejects re-entrant evaluation of the same formula.
	computing atomic.Bool
	// pending coalesces bursts of dependency notifications into one run.
	pending atomic.Bool
	// removed marks a torn-down node so queued runs become no-ops.
	removed atomic.Bool

	window *reactive.RateWindow
}

func (n *node) setErr(err error) {
	n.mu.Lock()
	n.lastErr = err
	n.mu.Unlock()
}

func (n *node) lastError() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastErr
}

func (n *node) clearSubs() {
	n.mu.Lock()
	unsubs := n.unsubs
	n.unsubs = nil
	n.deps = nil
	n.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// discoverFunc turns expression text into the dependency parameter list and
// the script expression to compile. The two engine flavors differ only here.
type discoverFunc func(expr string) (deps []string, jsExpr string)

// core carries everything shared by the two engine flavors.
type core struct {
	store  *reactive.Store
	loop   *eventloop.EventLoop
	logger *slog.Logger

	discover    discoverFunc
	evalTimeout time.Duration
	evalBudget  int
	evalWindow  time.Duration
	evalHook    func(name string, d time.Duration, err error)

	mu       sync.RWMutex
	formulas map[string]*node
}

// Option configures an engine.
type Option func(*core)

// WithLogger sets the logger used for evaluation diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *core) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEvalTimeout bounds how long CreateFormula and UpdateFormula wait for
// the evaluation to finish. Zero disables the bound. The evaluation itself
// is never interrupted; only the wait gives up.
func WithEvalTimeout(d time.Duration) Option {
	return func(c *core) { c.evalTimeout = d }
}

// WithEvalBudget bounds dependency-triggered re-evaluations per formula to
// max runs per window. max <= 0 disables the budget.
func WithEvalBudget(max int, window time.Duration) Option {
	return func(c *core) {
		c.evalBudget = max
		c.evalWindow = window
	}
}

// WithEvalHook registers fn to run after every evaluation attempt with the
// formula name, wall time and outcome. The hook runs on the scripting
// thread and must not block.
func WithEvalHook(fn func(name string, d time.Duration, err error)) Option {
	return func(c *core) { c.evalHook = fn }
}

func initCore(c *core, store *reactive.Store, loop *eventloop.EventLoop, kind string, discover discoverFunc, opts []Option) {
	c.store = store
	c.loop = loop
	c.logger = slog.Default()
	c.discover = discover
	c.evalTimeout = 30 * time.Second
	c.evalBudget = 256
	c.evalWindow = time.Second
	c.formulas = make(map[string]*node)
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("engine", kind)
}

// CreateFormula registers name with the given expression and evaluates it
// before returning, so the store already holds the result when the call
// comes back. Creating over an existing name replaces it. Compile and
// evaluation failures are recorded as the formula's error state and also
// returned; the registration stays either way.
func (c *core) CreateFormula(ctx context.Context, name, expr string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}

	deps, jsExpr := c.discover(expr)
	program, cerr := compileWrapper(name, deps, jsExpr)

	n := &node{
		name:    name,
		expr:    expr,
		params:  deps,
		program: program,
		window:  reactive.NewRateWindow(c.evalBudget, c.evalWindow),
	}

	c.mu.Lock()
	old := c.formulas[name]
	c.formulas[name] = n
	c.mu.Unlock()

	if old != nil {
		old.removed.Store(true)
		old.clearSubs()
	}

	if cerr != nil {
		cerr = fmt.Errorf("formula %q: %w", name, cerr)
		n.setErr(cerr)
		c.logger.Warn("formula failed to compile", "name", name, "err", cerr)
		return cerr
	}
	return c.await(ctx, n)
}

// UpdateFormula swaps the expression of an existing formula and re-evaluates
// it. A compile failure disables the formula (its value stays at the last
// successful result) until a later update fixes it.
func (c *core) UpdateFormula(ctx context.Context, name, expr string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}

	c.mu.RLock()
	n := c.formulas[name]
	c.mu.RUnlock()
	if n == nil {
		return ErrNotFound
	}

	deps, jsExpr := c.discover(expr)
	program, cerr := compileWrapper(name, deps, jsExpr)
	if cerr != nil {
		cerr = fmt.Errorf("formula %q: %w", name, cerr)
		n.mu.Lock()
		n.expr = expr
		n.params = deps
		n.program = nil
		n.lastErr = cerr
		n.mu.Unlock()
		c.logger.Warn("formula failed to compile", "name", name, "err", cerr)
		return cerr
	}

	n.mu.Lock()
	n.expr = expr
	n.params = deps
	n.program = program
	n.mu.Unlock()

	return c.await(ctx, n)
}

// RemoveFormula tears down the registration. The reactive value it produced
// stays in the store at its last result.
func (c *core) RemoveFormula(name string) error {
	c.mu.Lock()
	n := c.formulas[name]
	delete(c.formulas, name)
	c.mu.Unlock()

	if n == nil {
		return ErrNotFound
	}
	n.removed.Store(true)
	n.clearSubs()
	return nil
}

// Exists reports whether name has a registered formula.
func (c *core) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.formulas[name]
	return ok
}

// Names returns the registered formula names in lexical order.
func (c *core) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.formulas))
	for name := range c.formulas {
		names = append(names, name)
	}
	c.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Expression returns the source text of a registered formula.
func (c *core) Expression(name string) (string, bool) {
	c.mu.RLock()
	n := c.formulas[name]
	c.mu.RUnlock()

	if n == nil {
		return "", false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.expr, true
}

// Dependencies returns the names the formula is currently subscribed to:
// the defined names it actually read during its last evaluation.
func (c *core) Dependencies(name string) []string {
	c.mu.RLock()
	n := c.formulas[name]
	c.mu.RUnlock()

	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.deps...)
}

// LastError returns the error recorded by the most recent evaluation, or
// nil after a successful one. Unknown names return nil.
func (c *core) LastError(name string) error {
	c.mu.RLock()
	n := c.formulas[name]
	c.mu.RUnlock()

	if n == nil {
		return nil
	}
	return n.lastError()
}

// await submits an evaluation to the scripting thread and blocks until it
// finishes, the context is cancelled, or the wait times out.
func (c *core) await(ctx context.Context, n *node) error {
	done := make(chan error, 1)
	c.loop.RunOnLoop(func(vm *goja.Runtime) {
		done <- c.evalOnLoop(vm, n)
	})

	var timeout <-chan time.Time
	if c.evalTimeout > 0 {
		timer := time.NewTimer(c.evalTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("formula %q: %w", n.name, ErrEvalTimeout)
	}
}

// schedule queues a re-evaluation in response to a dependency notification.
// It never evaluates inline: even when the notification fires on the
// scripting thread, the run lands behind the current job, so cascades
// proceed one settled step at a time.
func (c *core) schedule(n *node) {
	if n.removed.Load() {
		return
	}
	if !n.pending.CompareAndSwap(false, true) {
		return
	}
	c.loop.RunOnLoop(func(vm *goja.Runtime) {
		n.pending.Store(false)
		_ = c.evalOnLoop(vm, n)
	})
}

// evalOnLoop runs one evaluation. Must be called on the scripting thread.
func (c *core) evalOnLoop(vm *goja.Runtime, n *node) error {
	if n.removed.Load() {
		return nil
	}
	if !n.computing.CompareAndSwap(false, true) {
		n.setErr(ErrReentrantEval)
		return ErrReentrantEval
	}
	defer n.computing.Store(false)

	if !n.window.Allow() {
		n.setErr(ErrEvalStorm)
		c.logger.Warn("formula evaluation dropped", "name", n.name, "evals_in_window", n.window.Count())
		return ErrEvalStorm
	}

	start := time.Now()
	err := c.runFormula(vm, n)
	if c.evalHook != nil {
		c.evalHook(n.name, time.Since(start), err)
	}
	return err
}

func (c *core) runFormula(vm *goja.Runtime, n *node) error {
	n.mu.Lock()
	program := n.program
	params := n.params
	n.mu.Unlock()

	if program == nil {
		return n.lastError()
	}

	fnVal, err := vm.RunProgram(program)
	if err != nil {
		err = fmt.Errorf("formula %q: %w", n.name, err)
		n.setErr(err)
		return err
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		err := fmt.Errorf("formula %q: wrapper did not produce a function", n.name)
		n.setErr(err)
		return err
	}

	// Bind each dependency parameter: store value when the name is defined
	// (tracked, except the formula's own output), the environment global
	// when one exists, undefined otherwise. Missing references never abort
	// the evaluation.
	tracker := reactive.NewTracker()
	global := vm.GlobalObject()
	args := make([]goja.Value, len(params))
	for i, p := range params {
		switch {
		case p == n.name:
			args[i] = vm.ToValue(c.store.GetValue(p))
		case c.store.IsDefined(p):
			args[i] = vm.ToValue(c.store.GetValueTracked(p, tracker))
		default:
			if g := global.Get(p); g != nil {
				args[i] = g
			} else {
				args[i] = goja.Undefined()
			}
		}
	}

	result, err := fn(goja.Undefined(), args...)
	if err != nil {
		err = fmt.Errorf("formula %q: %w", n.name, err)
		n.setErr(err)
		c.logger.Debug("formula evaluation failed", "name", n.name, "err", err)
		// Keep whatever was read before the throw subscribed, so a fix
		// upstream re-triggers the formula.
		c.resubscribe(n, tracker.Names())
		return err
	}

	n.setErr(nil)
	c.store.Set(n.name, result.Export())
	c.resubscribe(n, tracker.Names())
	return nil
}

// resubscribe drops the previous run's subscriptions and installs the fresh
// dependency set.
func (c *core) resubscribe(n *node, deps []string) {
	n.clearSubs()
	if n.removed.Load() {
		return
	}

	fresh := make([]func(), 0, len(deps))
	names := make([]string, 0, len(deps))
	for _, dep := range deps {
		unsub, err := c.store.Subscribe(dep, func(any, uint64) {
			c.schedule(n)
		})
		if err != nil {
			continue
		}
		fresh = append(fresh, unsub)
		names = append(names, dep)
	}

	n.mu.Lock()
	n.unsubs = fresh
	n.deps = names
	n.mu.Unlock()

	// A removal that raced the refresh wins.
	if n.removed.Load() {
		n.clearSubs()
	}
}

// compileWrapper compiles the expression into a reusable function taking the
// dependency values as parameters. Compilation happens off the scripting
// thread; compiled programs are immutable and safe to run there later.
func compileWrapper(name string, params []string, expr string) (*goja.Program, error) {
	src := "(function(" + strings.Join(params, ", ") + ") { return (\n" + expr + "\n); })"
	return goja.Compile("formula:"+name, src, false)
}

// Engine evaluates formulas whose dependencies are marked explicitly with a
// $ sigil, as in "$price * (1 + $taxRate)". Only marked names become
// dependencies; the sigil is stripped before evaluation and each marked
// name is bound to its current store value.
type Engine struct {
	core
}

// NewEngine creates a sigil-marked formula engine. All script evaluation
// runs on loop; store holds the formula outputs.
func NewEngine(store *reactive.Store, loop *eventloop.EventLoop, opts ...Option) *Engine {
	e := &Engine{}
	initCore(&e.core, store, loop, "sigil", discoverSigil, opts)
	return e
}

func discoverSigil(expr string) ([]string, string) {
	return ExtractSigilRefs(expr), stripSigils(expr)
}

// EnhancedEngine evaluates plain expressions like "price * (1 + taxRate)",
// discovering dependencies by static identifier extraction instead of
// explicit marks.
type EnhancedEngine struct {
	core
}

// NewEnhancedEngine creates a formula engine with static dependency
// discovery.
func NewEnhancedEngine(store *reactive.Store, loop *eventloop.EventLoop, opts ...Option) *EnhancedEngine {
	e := &EnhancedEngine{}
	initCore(&e.core, store, loop, "static", discoverStatic, opts)
	return e
}

func discoverStatic(expr string) ([]string, string) {
	return ScanIdentifiers(expr), expr
}
