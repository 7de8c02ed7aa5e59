package markdown

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

// RenderedVarName is the reactive name carrying the cell's rendered text.
func RenderedVarName(cellID string) string {
	return "__cell." + cellID + ".rendered"
}

// cell is one registered template.
type cell struct {
	id string

	mu       sync.Mutex
	text     string
	segments []segment
	refs     []string
	rendered string
	unsubs   []func()

	pending atomic.Bool
	removed atomic.Bool
	window  *reactive.RateWindow
}

func (c *cell) swapTemplate(text string, segs []segment, refs []string) {
	c.mu.Lock()
	c.text, c.segments, c.refs = text, segs, refs
	c.mu.Unlock()
}

func (c *cell) template() ([]segment, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.segments, c.refs
}

func (c *cell) setRendered(s string) {
	c.mu.Lock()
	c.rendered = s
	c.mu.Unlock()
}

func (c *cell) setSubs(unsubs []func()) {
	c.mu.Lock()
	c.unsubs = unsubs
	c.mu.Unlock()
}

func (c *cell) clearSubs() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// Engine renders markdown templates against the reactive store. Renders run
// on the notebook event loop so a re-render scheduled by a dependency change
// observes the complete set of values its trigger published.
type Engine struct {
	store  *reactive.Store
	loop   *eventloop.EventLoop
	logger *slog.Logger

	renderTimeout time.Duration
	renderBudget  int
	renderWindow  time.Duration

	mu    sync.RWMutex
	cells map[string]*cell
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for render diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRenderTimeout bounds how long Register and Update wait for the render
// to land. Zero disables the bound.
func WithRenderTimeout(d time.Duration) Option {
	return func(e *Engine) { e.renderTimeout = d }
}

// WithRenderBudget bounds dependency-triggered re-renders per cell to max
// renders per window. max <= 0 disables the budget.
func WithRenderBudget(max int, window time.Duration) Option {
	return func(e *Engine) {
		e.renderBudget = max
		e.renderWindow = window
	}
}

// New creates a markdown engine over the given store and event loop.
func New(store *reactive.Store, loop *eventloop.EventLoop, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		loop:          loop,
		logger:        slog.Default(),
		renderTimeout: 30 * time.Second,
		renderBudget:  256,
		renderWindow:  time.Second,
		cells:         make(map[string]*cell),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("engine", "markdown")
	return e
}

// Register compiles the template under the cell ID, renders it immediately
// and publishes the result as the cell's rendered variable. Registering an
// existing ID replaces its template. The cell re-renders whenever a
// referenced name changes.
func (e *Engine) Register(ctx context.Context, cellID, text string) error {
	cellID = strings.TrimSpace(cellID)
	if cellID == "" {
		return ErrEmptyCellID
	}

	segs, refs := parseTemplate(text)
	c := &cell{
		id:       cellID,
		text:     text,
		segments: segs,
		refs:     refs,
		window:   reactive.NewRateWindow(e.renderBudget, e.renderWindow),
	}

	e.mu.Lock()
	if old, ok := e.cells[cellID]; ok {
		old.removed.Store(true)
		defer old.clearSubs()
	}
	e.cells[cellID] = c
	e.mu.Unlock()

	return e.awaitRender(ctx, c)
}

// Update replaces the cell's template and re-renders.
func (e *Engine) Update(ctx context.Context, cellID, text string) error {
	c, ok := e.lookup(cellID)
	if !ok {
		return ErrCellNotFound
	}

	segs, refs := parseTemplate(text)
	c.swapTemplate(text, segs, refs)
	return e.awaitRender(ctx, c)
}

// Remove drops the cell and its subscriptions. The rendered variable stays
// in the store.
func (e *Engine) Remove(cellID string) error {
	e.mu.Lock()
	c, ok := e.cells[cellID]
	delete(e.cells, cellID)
	e.mu.Unlock()

	if !ok {
		return ErrCellNotFound
	}
	c.removed.Store(true)
	c.clearSubs()
	return nil
}

// Rendered returns the cell's last rendered text.
func (e *Engine) Rendered(cellID string) (string, bool) {
	c, ok := e.lookup(cellID)
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rendered, true
}

// References returns the names the cell's template interpolates, in lexical
// order.
func (e *Engine) References(cellID string) []string {
	c, ok := e.lookup(cellID)
	if !ok {
		return nil
	}
	_, refs := c.template()
	return append([]string(nil), refs...)
}

// CurrentText returns the cell's registered template text.
func (e *Engine) CurrentText(cellID string) (string, bool) {
	c, ok := e.lookup(cellID)
	if !ok {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, true
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

func (e *Engine) lookup(cellID string) (*cell, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.cells[cellID]
	return c, ok
}

func (e *Engine) awaitRender(ctx context.Context, c *cell) error {
	done := make(chan struct{}, 1)
	e.loop.RunOnLoop(func(*goja.Runtime) {
		e.renderOnLoop(c)
		done <- struct{}{}
	})

	var timeout <-chan time.Time
	if e.renderTimeout > 0 {
		timer := time.NewTimer(e.renderTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return fmt.Errorf("cell %s: %w", c.id, ErrRenderTimeout)
	}
}

// schedule queues a re-render after a referenced name changed. Bursts
// between renders coalesce; the per-cell budget breaks render feedback
// loops.
func (e *Engine) schedule(c *cell) {
	if c.removed.Load() {
		return
	}
	if !c.pending.CompareAndSwap(false, true) {
		return
	}
	e.loop.RunOnLoop(func(*goja.Runtime) {
		c.pending.Store(false)
		if c.removed.Load() {
			return
		}
		if !c.window.Allow() {
			e.logger.Warn("markdown re-render dropped", "cell_id", c.id, "renders_in_window", c.window.Count())
			return
		}
		e.renderOnLoop(c)
	})
}

// renderOnLoop renders the template, publishes the result and refreshes the
// cell's subscriptions to the names it references.
func (e *Engine) renderOnLoop(c *cell) {
	if c.removed.Load() {
		return
	}

	segs, refs := c.template()
	rendered := renderSegments(segs, e.store.GetValue)
	e.store.Set(RenderedVarName(c.id), rendered)
	c.setRendered(rendered)

	c.clearSubs()
	if c.removed.Load() {
		return
	}
	unsubs := make([]func(), 0, len(refs))
	for _, ref := range refs {
		unsub, err := e.store.Subscribe(ref, func(any, uint64) {
			e.schedule(c)
		})
		if err != nil {
			continue
		}
		unsubs = append(unsubs, unsub)
	}
	c.setSubs(unsubs)

	if c.removed.Load() {
		c.clearSubs()
	}
}
