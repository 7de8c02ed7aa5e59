package notebook

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/nodebook-dev/nodebook/pkg/codecell"
	"github.com/nodebook-dev/nodebook/pkg/formula"
	"github.com/nodebook-dev/nodebook/pkg/inputs"
	"github.com/nodebook-dev/nodebook/pkg/markdown"
	"github.com/nodebook-dev/nodebook/pkg/middleware"
	"github.com/nodebook-dev/nodebook/pkg/reactive"
	"github.com/nodebook-dev/nodebook/pkg/storage"
)

// Engine kind labels used in logs, spans and metrics.
const (
	engineSigil  = "sigil"
	engineStatic = "static"
)

// Config assembles one Runtime.
type Config struct {
	// Logger for all subsystems. Default: slog.Default().
	Logger *slog.Logger

	// Storage backs the script-cell storage capability. The runtime takes
	// ownership and closes it with Close. Default: in-memory store.
	Storage storage.Store

	// EvalTimeout bounds how long synchronous calls wait for script work
	// (formula evaluation, cell execution, markdown render). Zero keeps
	// each engine's default.
	EvalTimeout time.Duration

	// EvalBudget and BudgetWindow bound dependency-triggered re-runs per
	// node. Zero keeps each engine's default.
	EvalBudget   int
	BudgetWindow time.Duration

	// MaxConsoleEntries caps each cell's retained console log.
	MaxConsoleEntries int

	// Capabilities are extra host values injected into every cell scope.
	Capabilities map[string]any

	// Metrics receives runtime instrumentation. Optional.
	Metrics *middleware.Metrics

	// Tracer wraps cell and formula work in spans. Optional.
	Tracer *middleware.Tracer
}

// formulaEngine is the operation set shared by the two formula flavors.
type formulaEngine interface {
	CreateFormula(ctx context.Context, name, expr string) error
	UpdateFormula(ctx context.Context, name, expr string) error
	RemoveFormula(name string) error
	Exists(name string) bool
	Names() []string
	Expression(name string) (string, bool)
	Dependencies(name string) []string
	LastError(name string) error
}

// Runtime is one open notebook session: the reactive store, the scripting
// event loop, and every engine wired to them. Collaborators hold a Runtime
// and reach all notebook operations through it.
type Runtime struct {
	logger  *slog.Logger
	metrics *middleware.Metrics
	tracer  *middleware.Tracer

	store    *reactive.Store
	loop     *eventloop.EventLoop
	storage  storage.Store
	inputs   *inputs.Registry
	markdown *markdown.Engine
	sigil    *formula.Engine
	enhanced *formula.EnhancedEngine
	cells    *codecell.Engine

	// loadMu serializes notebook loads; a load swaps session state in bulk.
	loadMu sync.Mutex
	closed atomic.Bool
}

// NewRuntime assembles and starts a runtime. The event loop is running when
// NewRuntime returns; Close releases it.
func NewRuntime(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st := cfg.Storage
	if st == nil {
		st = storage.NewMemoryStore()
	}

	storeOpts := []reactive.StoreOption{reactive.WithLogger(logger)}
	if cfg.Metrics != nil {
		storeOpts = append(storeOpts, reactive.WithSetHook(cfg.Metrics.StoreSetHook()))
	}
	store := reactive.NewStore(storeOpts...)

	loop := eventloop.NewEventLoop(eventloop.EnableConsole(false))
	loop.Start()

	rt := &Runtime{
		logger:  logger,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		store:   store,
		loop:    loop,
		storage: st,
		inputs:  inputs.NewRegistry(store, inputs.WithLogger(logger)),
	}

	rt.markdown = markdown.New(store, loop, markdownOptions(cfg, logger)...)
	rt.sigil = formula.NewEngine(store, loop, formulaOptions(cfg, logger, engineSigil)...)
	rt.enhanced = formula.NewEnhancedEngine(store, loop, formulaOptions(cfg, logger, engineStatic)...)
	rt.cells = codecell.NewEngine(store, loop, cellOptions(cfg, logger, st)...)
	return rt
}

func formulaOptions(cfg Config, logger *slog.Logger, kind string) []formula.Option {
	opts := []formula.Option{formula.WithLogger(logger)}
	if cfg.EvalTimeout > 0 {
		opts = append(opts, formula.WithEvalTimeout(cfg.EvalTimeout))
	}
	if cfg.EvalBudget > 0 {
		opts = append(opts, formula.WithEvalBudget(cfg.EvalBudget, cfg.BudgetWindow))
	}
	if cfg.Metrics != nil {
		opts = append(opts, formula.WithEvalHook(cfg.Metrics.FormulaEvalHook(kind)))
	}
	return opts
}

func markdownOptions(cfg Config, logger *slog.Logger) []markdown.Option {
	opts := []markdown.Option{markdown.WithLogger(logger)}
	if cfg.EvalTimeout > 0 {
		opts = append(opts, markdown.WithRenderTimeout(cfg.EvalTimeout))
	}
	if cfg.EvalBudget > 0 {
		opts = append(opts, markdown.WithRenderBudget(cfg.EvalBudget, cfg.BudgetWindow))
	}
	return opts
}

func cellOptions(cfg Config, logger *slog.Logger, st storage.Store) []codecell.EngineOption {
	opts := []codecell.EngineOption{
		codecell.WithLogger(logger),
		codecell.WithStorage(st),
	}
	if cfg.EvalTimeout > 0 {
		opts = append(opts, codecell.WithExecTimeout(cfg.EvalTimeout))
	}
	if cfg.EvalBudget > 0 {
		opts = append(opts, codecell.WithExecBudget(cfg.EvalBudget, cfg.BudgetWindow))
	}
	if cfg.MaxConsoleEntries > 0 {
		opts = append(opts, codecell.WithMaxConsoleEntries(cfg.MaxConsoleEntries))
	}
	if cfg.Metrics != nil {
		opts = append(opts, codecell.WithExecHook(cfg.Metrics.ObserveCellExecution))
	}
	for name, value := range cfg.Capabilities {
		opts = append(opts, codecell.WithCapability(name, value))
	}
	return opts
}

// Close stops the scripting loop and closes storage. Safe to call twice.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.loop.Stop()
	if err := r.storage.Close(); err != nil {
		return fmt.Errorf("notebook: close storage: %w", err)
	}
	return nil
}

// Store exposes the session's reactive store.
func (r *Runtime) Store() *reactive.Store { return r.store }

// Storage exposes the session's persistent storage handle.
func (r *Runtime) Storage() storage.Store { return r.storage }

// Variables.

// DefineVariable registers a reactive value; redefinition keeps live state.
func (r *Runtime) DefineVariable(name string, initial any) error {
	return r.store.Define(name, initial)
}

// SetVariable writes a reactive value, defining it when new.
func (r *Runtime) SetVariable(name string, value any) { r.store.Set(name, value) }

// Variable reads a reactive value; undefined names yield nil.
func (r *Runtime) Variable(name string) any { return r.store.GetValue(name) }

// VariableDefined reports whether name has a slot.
func (r *Runtime) VariableDefined(name string) bool { return r.store.IsDefined(name) }

// VariableNames lists defined names in lexical order.
func (r *Runtime) VariableNames() []string { return r.store.Names() }

// SubscribeVariable registers fn for changes to name.
func (r *Runtime) SubscribeVariable(name string, fn reactive.SubscriberFunc) (func(), error) {
	return r.store.Subscribe(name, fn)
}

// Snapshot copies the current name to value table.
func (r *Runtime) Snapshot() map[string]any { return r.store.Snapshot() }

// Formulas.

// CreateFormula registers a formula under name, replacing any previous one.
// Expressions with $-marked references go to the sigil engine unless
// enhanced forces static dependency discovery.
func (r *Runtime) CreateFormula(ctx context.Context, name, expr string, enhanced bool) error {
	target, other, kind := r.routeFormula(expr, enhanced)
	ctx, span := r.tracer.StartFormulaSpan(ctx, name, kind)
	if other.Exists(name) {
		if err := other.RemoveFormula(name); err != nil {
			middleware.EndSpan(span, err)
			return err
		}
	}
	err := target.CreateFormula(ctx, name, expr)
	middleware.EndSpan(span, err)
	return err
}

// UpdateFormula replaces the expression of an existing formula, moving it
// between engines when the expression style changed.
func (r *Runtime) UpdateFormula(ctx context.Context, name, expr string, enhanced bool) error {
	target, other, kind := r.routeFormula(expr, enhanced)
	ctx, span := r.tracer.StartFormulaSpan(ctx, name, kind)

	var err error
	if other.Exists(name) {
		if err = other.RemoveFormula(name); err == nil {
			err = target.CreateFormula(ctx, name, expr)
		}
	} else {
		err = target.UpdateFormula(ctx, name, expr)
	}
	middleware.EndSpan(span, err)
	return err
}

// RemoveFormula unregisters name from whichever engine owns it.
func (r *Runtime) RemoveFormula(name string) error {
	if r.sigil.Exists(name) {
		return r.sigil.RemoveFormula(name)
	}
	return r.enhanced.RemoveFormula(name)
}

// FormulaExists reports whether either engine owns name.
func (r *Runtime) FormulaExists(name string) bool {
	_, ok := r.formulaOwner(name)
	return ok
}

// Formulas lists all formula names across both engines, lexically sorted.
func (r *Runtime) Formulas() []string {
	names := r.sigil.Names()
	names = append(names, r.enhanced.Names()...)
	return sortedUnique(names)
}

// FormulaExpression returns the registered expression text for name.
func (r *Runtime) FormulaExpression(name string) (string, bool) {
	owner, ok := r.formulaOwner(name)
	if !ok {
		return "", false
	}
	return owner.Expression(name)
}

// FormulaDependencies returns the dependency names of the formula.
func (r *Runtime) FormulaDependencies(name string) []string {
	owner, ok := r.formulaOwner(name)
	if !ok {
		return nil
	}
	return owner.Dependencies(name)
}

// FormulaError returns the formula's last evaluation error, if any.
func (r *Runtime) FormulaError(name string) error {
	owner, ok := r.formulaOwner(name)
	if !ok {
		return nil
	}
	return owner.LastError(name)
}

// FormulaEngineKind reports which engine owns name: "sigil" or "static".
func (r *Runtime) FormulaEngineKind(name string) (string, bool) {
	if r.sigil.Exists(name) {
		return engineSigil, true
	}
	if r.enhanced.Exists(name) {
		return engineStatic, true
	}
	return "", false
}

func (r *Runtime) routeFormula(expr string, enhanced bool) (target, other formulaEngine, kind string) {
	if !enhanced && len(formula.ExtractSigilRefs(expr)) > 0 {
		return r.sigil, r.enhanced, engineSigil
	}
	return r.enhanced, r.sigil, engineStatic
}

func (r *Runtime) formulaOwner(name string) (formulaEngine, bool) {
	if r.sigil.Exists(name) {
		return r.sigil, true
	}
	if r.enhanced.Exists(name) {
		return r.enhanced, true
	}
	return nil, false
}

// Code cells.

// ExecuteCell runs code under cellID and waits for settlement, wrapped in a
// tracing span. Explicit execution always runs, static cells included.
func (r *Runtime) ExecuteCell(ctx context.Context, cellID, code string, opts ...codecell.ExecOption) ([]string, error) {
	ctx, span := r.tracer.StartCellSpan(ctx, cellID)
	exports, err := r.cells.ExecuteCell(ctx, cellID, code, opts...)
	middleware.EndSpan(span, err)
	return exports, err
}

// UpdateCell replaces a cell's code and re-executes unless static.
func (r *Runtime) UpdateCell(ctx context.Context, cellID, code string) error {
	ctx, span := r.tracer.StartCellSpan(ctx, cellID)
	err := r.cells.UpdateCell(ctx, cellID, code)
	middleware.EndSpan(span, err)
	return err
}

// RemoveCell unregisters a cell; its exported store values persist.
func (r *Runtime) RemoveCell(cellID string) error { return r.cells.RemoveCell(cellID) }

// Cells lists registered code cell IDs.
func (r *Runtime) Cells() []string { return r.cells.Cells() }

// CellState returns the cell's lifecycle state.
func (r *Runtime) CellState(cellID string) (codecell.State, bool) { return r.cells.CellState(cellID) }

// CellError returns the cell's last run error, if any.
func (r *Runtime) CellError(cellID string) error { return r.cells.CellError(cellID) }

// CellExports returns the names the cell's last successful run exported.
func (r *Runtime) CellExports(cellID string) []string { return r.cells.CellExports(cellID) }

// CellDependencies returns the names the cell's last run read.
func (r *Runtime) CellDependencies(cellID string) []string { return r.cells.CellDependencies(cellID) }

// CellExecutionCount returns how many times the cell has run.
func (r *Runtime) CellExecutionCount(cellID string) uint64 { return r.cells.ExecutionCount(cellID) }

// CellCode returns the cell's current code.
func (r *Runtime) CellCode(cellID string) (string, bool) { return r.cells.CurrentCode(cellID) }

// CellStatic reports whether the cell opted out of dependency re-runs.
func (r *Runtime) CellStatic(cellID string) bool { return r.cells.IsStatic(cellID) }

// CellOutputs returns the values the cell emitted through its output sink.
func (r *Runtime) CellOutputs(cellID string) []any { return r.cells.OutputValues(cellID) }

// CellConsole returns the cell's captured console entries.
func (r *Runtime) CellConsole(cellID string) []codecell.ConsoleEntry {
	return r.cells.ConsoleLog(cellID)
}

// Markdown.

// RegisterMarkdown registers an interpolated markdown cell and renders it.
func (r *Runtime) RegisterMarkdown(ctx context.Context, cellID, text string) error {
	return r.markdown.Register(ctx, cellID, text)
}

// UpdateMarkdown replaces a markdown cell's template and re-renders.
func (r *Runtime) UpdateMarkdown(ctx context.Context, cellID, text string) error {
	return r.markdown.Update(ctx, cellID, text)
}

// RemoveMarkdown unregisters a markdown cell.
func (r *Runtime) RemoveMarkdown(cellID string) error { return r.markdown.Remove(cellID) }

// RenderedMarkdown returns the cell's latest rendered text.
func (r *Runtime) RenderedMarkdown(cellID string) (string, bool) { return r.markdown.Rendered(cellID) }

// MarkdownText returns the cell's template source.
func (r *Runtime) MarkdownText(cellID string) (string, bool) { return r.markdown.CurrentText(cellID) }

// MarkdownReferences returns the names the cell's template interpolates.
func (r *Runtime) MarkdownReferences(cellID string) []string { return r.markdown.References(cellID) }

// MarkdownCells lists registered markdown cell IDs.
func (r *Runtime) MarkdownCells() []string { return r.markdown.Cells() }

// Inputs.

// DefineInput registers a constrained input.
func (r *Runtime) DefineInput(def inputs.InputDef) error { return r.inputs.DefineInput(def) }

// SetInput writes an input value after constraint checks.
func (r *Runtime) SetInput(name string, value any) error { return r.inputs.SetValue(name, value) }

// InputValue reads an input's current value.
func (r *Runtime) InputValue(name string) (any, bool) { return r.inputs.Value(name) }

// InputExists reports whether name was defined as an input.
func (r *Runtime) InputExists(name string) bool { return r.inputs.Exists(name) }

// InputConstraints returns the input's constraint expressions.
func (r *Runtime) InputConstraints(name string) []string { return r.inputs.Constraints(name) }

// Inputs lists defined input names.
func (r *Runtime) Inputs() []string { return r.inputs.Inputs() }

// InputCommitter returns a throttle-then-commit writer for the input.
func (r *Runtime) InputCommitter(name string, interval time.Duration) (*inputs.Committer, error) {
	return r.inputs.Committer(name, interval)
}

func sortedUnique(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
