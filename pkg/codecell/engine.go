package codecell

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/nodebook-dev/nodebook/pkg/reactive"
)

// Engine executes script cells against the reactive store.
//
// Every body runs on the notebook's scripting thread wrapped as an async
// function inside a with-scope, so bare identifiers read and write reactive
// values directly and top-level await works. Callers block until the run
// settles; the scripting thread never does.
type Engine struct {
	store  *reactive.Store
	loop   *eventloop.EventLoop
	logger *slog.Logger

	storage      StorageHandle
	capabilities map[string]any

	execTimeout time.Duration
	execBudget  int
	execWindow  time.Duration
	maxConsole  int
	execHook    func(cellID string, d time.Duration, err error)

	mu    sync.RWMutex
	cells map[string]*record
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger used for execution diagnostics.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithStorage attaches the persistent key/value handle exposed to cells as
// the storage capability. Without it cells have no storage object.
func WithStorage(storage StorageHandle) EngineOption {
	return func(e *Engine) { e.storage = storage }
}

// WithCapability injects an extra named value into every cell scope. Go
// functions become callable from cell bodies.
func WithCapability(name string, value any) EngineOption {
	return func(e *Engine) { e.capabilities[name] = value }
}

// WithExecTimeout bounds how long ExecuteCell and UpdateCell wait for a run
// to settle. Zero disables the bound. The run itself is never interrupted.
func WithExecTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.execTimeout = d }
}

// WithExecBudget bounds dependency-triggered re-runs per cell to max runs
// per window. max <= 0 disables the budget.
func WithExecBudget(max int, window time.Duration) EngineOption {
	return func(e *Engine) {
		e.execBudget = max
		e.execWindow = window
	}
}

// WithMaxConsoleEntries caps the retained console log per run; older entries
// fall off first. max <= 0 keeps everything.
func WithMaxConsoleEntries(max int) EngineOption {
	return func(e *Engine) { e.maxConsole = max }
}

// WithExecHook registers fn to run after every settled run with the cell
// ID, wall time and outcome. It runs on the scripting thread and must not
// block.
func WithExecHook(fn func(cellID string, d time.Duration, err error)) EngineOption {
	return func(e *Engine) { e.execHook = fn }
}

// NewEngine creates a cell engine sharing the given store and scripting
// loop with the rest of the notebook runtime.
func NewEngine(store *reactive.Store, loop *eventloop.EventLoop, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        store,
		loop:         loop,
		logger:       slog.Default(),
		capabilities: make(map[string]any),
		execTimeout:  30 * time.Second,
		execBudget:   128,
		execWindow:   time.Second,
		maxConsole:   1000,
		cells:        make(map[string]*record),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("engine", "codecell")
	return e
}

// ExecOption configures a single ExecuteCell call.
type ExecOption func(*execOpts)

type execOpts struct {
	sink      OutputSink
	static    bool
	staticSet bool
}

// WithOutputSink attaches the destination for the run's output helpers. The
// sink stays attached for subsequent runs until replaced.
func WithOutputSink(sink OutputSink) ExecOption {
	return func(o *execOpts) { o.sink = sink }
}

// WithStatic marks or unmarks the cell as static. Static cells run only on
// explicit calls; dependency changes never re-run them.
func WithStatic(static bool) ExecOption {
	return func(o *execOpts) {
		o.static = static
		o.staticSet = true
	}
}

// ExecuteCell registers the cell if needed, stores its code and runs it,
// returning the names it exported. Calls for a cell that is already running
// are dropped silently: the call returns the previous exports and no error,
// and the passed code is not applied.
func (e *Engine) ExecuteCell(ctx context.Context, cellID, code string, opts ...ExecOption) ([]string, error) {
	cellID = strings.TrimSpace(cellID)
	if cellID == "" {
		return nil, ErrEmptyCellID
	}

	var o execOpts
	for _, opt := range opts {
		opt(&o)
	}

	rec := e.ensureRecord(cellID)
	if !rec.inFlight.CompareAndSwap(false, true) {
		return rec.exportNames(), nil
	}

	rec.setCode(code)
	if o.staticSet {
		rec.setStatic(o.static)
	}
	if o.sink != nil {
		rec.setSink(o.sink)
	}

	err := e.awaitRun(ctx, rec)
	return rec.exportNames(), err
}

// UpdateCell replaces the cell's code. Non-static cells re-run immediately;
// static cells just keep the new code for the next explicit execution. When
// a run is already in flight the new code is stored but not run.
func (e *Engine) UpdateCell(ctx context.Context, cellID, code string) error {
	rec, ok := e.lookup(cellID)
	if !ok {
		return ErrCellNotFound
	}

	rec.setCode(code)
	if rec.isStatic() {
		return nil
	}
	if !rec.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	return e.awaitRun(ctx, rec)
}

// RemoveCell tears down the cell's registration and subscriptions. Reactive
// values the cell exported stay in the store.
func (e *Engine) RemoveCell(cellID string) error {
	e.mu.Lock()
	rec, ok := e.cells[cellID]
	delete(e.cells, cellID)
	e.mu.Unlock()

	if !ok {
		return ErrCellNotFound
	}
	rec.removed.Store(true)
	rec.clearSubs()
	return nil
}

// Cells returns the registered cell IDs in lexical order.
func (e *Engine) Cells() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.cells))
	for id := range e.cells {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// CellState returns the cell's lifecycle state.
func (e *Engine) CellState(cellID string) (State, bool) {
	rec, ok := e.lookup(cellID)
	if !ok {
		return "", false
	}
	state, _, _ := rec.snapshotState()
	return state, true
}

// CellError returns the error recorded by the cell's last run, nil after a
// successful one or for unknown cells.
func (e *Engine) CellError(cellID string) error {
	rec, ok := e.lookup(cellID)
	if !ok {
		return nil
	}
	_, err, _ := rec.snapshotState()
	return err
}

// ExecutionCount returns how many runs the cell has completed.
func (e *Engine) ExecutionCount(cellID string) uint64 {
	rec, ok := e.lookup(cellID)
	if !ok {
		return 0
	}
	_, _, count := rec.snapshotState()
	return count
}

// CellExports returns the names the cell's last successful run exported, in
// lexical order.
func (e *Engine) CellExports(cellID string) []string {
	rec, ok := e.lookup(cellID)
	if !ok {
		return nil
	}
	return rec.exportNames()
}

// CellDependencies returns the defined names the cell actually read during
// its last run, minus its own exports, in lexical order.
func (e *Engine) CellDependencies(cellID string) []string {
	rec, ok := e.lookup(cellID)
	if !ok {
		return nil
	}
	return rec.depNames()
}

// CurrentCode returns the cell's registered source.
func (e *Engine) CurrentCode(cellID string) (string, bool) {
	rec, ok := e.lookup(cellID)
	if !ok {
		return "", false
	}
	return rec.currentCode(), true
}

// IsStatic reports whether the cell is marked static.
func (e *Engine) IsStatic(cellID string) bool {
	rec, ok := e.lookup(cellID)
	if !ok {
		return false
	}
	return rec.isStatic()
}

// OutputValues returns the values the cell passed to output during its most
// recent run, in call order.
func (e *Engine) OutputValues(cellID string) []any {
	rec, ok := e.lookup(cellID)
	if !ok {
		return nil
	}
	return rec.outputValues()
}

// ConsoleLog returns the console entries captured during the cell's most
// recent run.
func (e *Engine) ConsoleLog(cellID string) []ConsoleEntry {
	rec, ok := e.lookup(cellID)
	if !ok {
		return nil
	}
	return rec.consoleEntries()
}

func (e *Engine) lookup(cellID string) (*record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.cells[cellID]
	return rec, ok
}

func (e *Engine) ensureRecord(cellID string) *record {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec, ok := e.cells[cellID]; ok {
		return rec
	}
	rec := newRecord(cellID, e.execBudget, e.execWindow)
	e.cells[cellID] = rec
	return rec
}

// awaitRun submits a run for a cell whose in-flight flag the caller already
// holds, and blocks until it settles, the context is cancelled, or the wait
// times out.
func (e *Engine) awaitRun(ctx context.Context, rec *record) error {
	done := make(chan error, 1)
	e.loop.RunOnLoop(func(vm *goja.Runtime) {
		e.execOnLoop(vm, rec, done)
	})

	var timeout <-chan time.Time
	if e.execTimeout > 0 {
		timer := time.NewTimer(e.execTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("cell %s: %w", rec.id, ErrExecTimeout)
	}
}

// scheduleRun queues a dependency-triggered re-run. Triggers for a cell
// that is mid-run are dropped, bursts between runs coalesce, static cells
// never run this way, and the per-cell budget breaks notification cycles.
func (e *Engine) scheduleRun(rec *record) {
	if rec.removed.Load() || rec.isStatic() || rec.inFlight.Load() {
		return
	}
	if !rec.pending.CompareAndSwap(false, true) {
		return
	}
	e.loop.RunOnLoop(func(vm *goja.Runtime) {
		rec.pending.Store(false)
		if rec.removed.Load() || rec.isStatic() {
			return
		}
		if !rec.window.Allow() {
			e.logger.Warn("cell re-run dropped", "cell_id", rec.id, "runs_in_window", rec.window.Count())
			rec.recordDrop(fmt.Errorf("cell %s: %w", rec.id, ErrExecStorm))
			e.publishCompletion(rec)
			return
		}
		if !rec.inFlight.CompareAndSwap(false, true) {
			return
		}
		e.execOnLoop(vm, rec, nil)
	})
}

// execOnLoop performs one run. The caller must hold rec.inFlight. The run
// settles either synchronously (body without awaits) or later when its
// promise resolves; finishRun releases the flag in both cases.
func (e *Engine) execOnLoop(vm *goja.Runtime, rec *record, done chan<- error) {
	start := time.Now()

	rec.beginRun()
	e.store.Set(StateVarName(rec.id), string(StateRunning))

	code := rec.currentCode()
	prog, err := rec.compiled(code, func(src string) (*goja.Program, error) {
		return compileCell(rec.id, src)
	})
	if err != nil {
		e.finishRun(rec, nil, nil, fmt.Errorf("cell %s: %w", rec.id, err), start, done)
		return
	}

	tracker := reactive.NewTracker()
	scope, err := e.buildScope(vm, rec, tracker, code)
	if err != nil {
		e.finishRun(rec, nil, tracker, fmt.Errorf("cell %s: %w", rec.id, err), start, done)
		return
	}

	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		e.finishRun(rec, scope, tracker, fmt.Errorf("cell %s: %w", rec.id, err), start, done)
		return
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		e.finishRun(rec, scope, tracker, fmt.Errorf("cell %s: wrapper did not produce a function", rec.id), start, done)
		return
	}

	result, err := fn(goja.Undefined(), scope.obj)
	if err != nil {
		e.finishRun(rec, scope, tracker, fmt.Errorf("cell %s: %w", rec.id, err), start, done)
		return
	}

	// The wrapper returns the async body's promise. Settlement handlers run
	// as promise jobs on this same thread, after the body yields.
	thenFn, ok := goja.AssertFunction(result.ToObject(vm).Get("then"))
	if !ok {
		e.finishRun(rec, scope, tracker, nil, start, done)
		return
	}

	onFulfilled := vm.ToValue(func(goja.FunctionCall) goja.Value {
		e.finishRun(rec, scope, tracker, nil, start, done)
		return goja.Undefined()
	})
	onRejected := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		reason := call.Argument(0)
		e.finishRun(rec, scope, tracker, fmt.Errorf("cell %s: %s", rec.id, reason.String()), start, done)
		return goja.Undefined()
	})
	if _, err := thenFn(result, onFulfilled, onRejected); err != nil {
		e.finishRun(rec, scope, tracker, fmt.Errorf("cell %s: %w", rec.id, err), start, done)
	}
}

// finishRun harvests the settled run, refreshes subscriptions, publishes
// the cell's reactive state and releases the in-flight flag.
func (e *Engine) finishRun(rec *record, scope *cellScope, tracker *reactive.Tracker, runErr error, start time.Time, done chan<- error) {
	var exports []string
	if runErr == nil && scope != nil {
		// Store every export before this job yields the thread, so
		// downstream runs see the full coalesced set.
		keys := scope.exports.Keys()
		exports = make([]string, 0, len(keys))
		for _, key := range keys {
			if strings.TrimSpace(key) == "" {
				continue
			}
			e.store.Set(key, scope.exports.Get(key).Export())
			exports = append(exports, key)
		}
		sort.Strings(exports)
	} else {
		// Failed runs keep the previous export set authoritative.
		exports = rec.exportNames()
	}

	var deps []string
	if tracker != nil {
		owned := make(map[string]struct{}, len(exports))
		for _, name := range exports {
			owned[name] = struct{}{}
		}
		for _, name := range tracker.Names() {
			if _, own := owned[name]; !own {
				deps = append(deps, name)
			}
		}
	} else {
		deps = rec.depNames()
	}

	e.resubscribe(rec, deps)
	rec.completeRun(exports, deps, runErr)
	e.publishCompletion(rec)

	if e.execHook != nil {
		e.execHook(rec.id, time.Since(start), runErr)
	}
	if runErr != nil {
		e.logger.Debug("cell execution failed", "cell_id", rec.id, "err", runErr)
	}

	rec.inFlight.Store(false)
	if done != nil {
		done <- runErr
	}
}

// publishCompletion writes the cell's post-run reactive values: error text,
// execution count, then state, so state observers see settled counters.
func (e *Engine) publishCompletion(rec *record) {
	state, lastErr, count := rec.snapshotState()

	if lastErr != nil {
		e.store.Set(ErrorVarName(rec.id), lastErr.Error())
	} else {
		e.store.Set(ErrorVarName(rec.id), nil)
	}
	e.store.Set(ExecCountVarName(rec.id), int64(count))
	e.store.Set(StateVarName(rec.id), string(state))
}

// resubscribe replaces the cell's subscriptions with the fresh dependency
// set. Static cells record dependencies but subscribe to nothing.
func (e *Engine) resubscribe(rec *record, deps []string) {
	rec.clearSubs()
	if rec.removed.Load() {
		return
	}
	if rec.isStatic() {
		rec.setSubs(nil, deps)
		return
	}

	unsubs := make([]func(), 0, len(deps))
	subscribed := make([]string, 0, len(deps))
	for _, dep := range deps {
		unsub, err := e.store.Subscribe(dep, func(any, uint64) {
			e.scheduleRun(rec)
		})
		if err != nil {
			continue
		}
		unsubs = append(unsubs, unsub)
		subscribed = append(subscribed, dep)
	}
	rec.setSubs(unsubs, subscribed)

	// A removal that raced the refresh wins.
	if rec.removed.Load() {
		rec.clearSubs()
	}
}

// compileCell wraps the body so bare identifiers resolve through the scope
// and top-level await works, then compiles it. The with statement requires
// non-strict mode.
func compileCell(cellID, code string) (*goja.Program, error) {
	src := "(function(__scope) { with (__scope) { return (async function() {\n" +
		code +
		"\n})(); } })"
	return goja.Compile("cell:"+cellID, src, false)
}
