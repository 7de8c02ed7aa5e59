package codecell

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/nodebook-dev/nodebook/pkg/reactive"
)

func newTestRuntime(t *testing.T, opts ...EngineOption) (*Engine, *reactive.Store) {
	t.Helper()
	store := reactive.NewStore()
	loop := eventloop.NewEventLoop(eventloop.EnableConsole(false))
	loop.Start()
	t.Cleanup(func() { loop.Stop() })
	return NewEngine(store, loop, opts...), store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func asInt(t *testing.T, v any) int64 {
	t.Helper()
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		t.Fatalf("expected numeric value, got %T (%v)", v, v)
		return 0
	}
}

type memorySink struct {
	mu     sync.Mutex
	values []any
	html   []string
	clears int
}

func (s *memorySink) Clear() {
	s.mu.Lock()
	s.values, s.html = nil, nil
	s.clears++
	s.mu.Unlock()
}

func (s *memorySink) AppendValue(v any) {
	s.mu.Lock()
	s.values = append(s.values, v)
	s.mu.Unlock()
}

func (s *memorySink) AppendHTML(html string) {
	s.mu.Lock()
	s.html = append(s.html, html)
	s.mu.Unlock()
}

type memoryStorage struct {
	mu   sync.Mutex
	data map[string]any
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{data: make(map[string]any)}
}

func (m *memoryStorage) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *memoryStorage) Set(key string, value any) {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
}

func (m *memoryStorage) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func (m *memoryStorage) Delete(key string) {
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
}

func (m *memoryStorage) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys
}

func (m *memoryStorage) Clear() {
	m.mu.Lock()
	m.data = make(map[string]any)
	m.mu.Unlock()
}

func TestExecuteCellExports(t *testing.T) {
	e, store := newTestRuntime(t)

	exports, err := e.ExecuteCell(context.Background(), "calc", "exports.a = 1;\nexports.b = a + 1;")
	if err != nil {
		t.Fatalf("ExecuteCell: %v", err)
	}
	if len(exports) != 2 || exports[0] != "a" || exports[1] != "b" {
		t.Fatalf("exports = %v, want [a b]", exports)
	}
	if got := asInt(t, store.GetValue("a")); got != 1 {
		t.Errorf("a = %d, want 1", got)
	}
	if got := asInt(t, store.GetValue("b")); got != 2 {
		t.Errorf("b = %d, want 2", got)
	}

	// Reading back its own export must not register a dependency.
	if deps := e.CellDependencies("calc"); len(deps) != 0 {
		t.Errorf("dependencies = %v, want none", deps)
	}
	if state, _ := e.CellState("calc"); state != StateSucceeded {
		t.Errorf("state = %q, want %q", state, StateSucceeded)
	}
}

func TestExecuteCellEmptyID(t *testing.T) {
	e, _ := newTestRuntime(t)
	if _, err := e.ExecuteCell(context.Background(), "  ", "exports.v = 1;"); !errors.Is(err, ErrEmptyCellID) {
		t.Fatalf("err = %v, want ErrEmptyCellID", err)
	}
}

func TestDependencyTriggersRerun(t *testing.T) {
	e, store := newTestRuntime(t)
	store.Set("price", 10)
	store.Set("qty", 3)

	if _, err := e.ExecuteCell(context.Background(), "total", "exports.total = price * qty;"); err != nil {
		t.Fatalf("ExecuteCell: %v", err)
	}
	if got := asInt(t, store.GetValue("total")); got != 30 {
		t.Fatalf("total = %d, want 30", got)
	}
	deps := e.CellDependencies("total")
	if len(deps) != 2 || deps[0] != "price" || deps[1] != "qty" {
		t.Fatalf("dependencies = %v, want [price qty]", deps)
	}

	store.Set("price", 20)
	waitFor(t, "total recompute", func() bool {
		v := store.GetValue("total")
		return v != nil && asInt(t, v) == 60
	})
	if count := e.ExecutionCount("total"); count != 2 {
		t.Errorf("execution count = %d, want 2", count)
	}
}

func TestBareAssignmentWritesStore(t *testing.T) {
	e, store := newTestRuntime(t)
	store.Set("m", 5)

	if _, err := e.ExecuteCell(context.Background(), "writer", "n = m * 2;"); err != nil {
		t.Fatalf("ExecuteCell: %v", err)
	}
	if got := asInt(t, store.GetValue("n")); got != 10 {
		t.Fatalf("n = %d, want 10", got)
	}
	deps := e.CellDependencies("writer")
	if len(deps) != 1 || deps[0] != "m" {
		t.Errorf("dependencies = %v, want [m]", deps)
	}
	if exports := e.CellExports("writer"); len(exports) != 0 {
		t.Errorf("exports = %v, want none", exports)
	}
}

func TestExportsCoalesceDownstream(t *testing.T) {
	e, store := newTestRuntime(t)

	if _, err := e.ExecuteCell(context.Background(), "up", "exports.x = 1;\nexports.y = 2;"); err != nil {
		t.Fatalf("ExecuteCell up: %v", err)
	}
	if _, err := e.ExecuteCell(context.Background(), "down", "exports.sum = x + y;"); err != nil {
		t.Fatalf("ExecuteCell down: %v", err)
	}
	if got := asInt(t, store.GetValue("sum")); got != 3 {
		t.Fatalf("sum = %d, want 3", got)
	}

	// Both replaced exports land before the loop yields, so the dependent
	// re-runs once and sees the complete set.
	if err := e.UpdateCell(context.Background(), "up", "exports.x = 10;\nexports.y = 20;"); err != nil {
		t.Fatalf("UpdateCell up: %v", err)
	}
	waitFor(t, "downstream recompute", func() bool {
		v := store.GetValue("sum")
		return v != nil && asInt(t, v) == 30
	})
	time.Sleep(50 * time.Millisecond)
	if count := e.ExecutionCount("down"); count != 2 {
		t.Errorf("downstream execution count = %d, want 2", count)
	}
}

func TestDropWhileRunning(t *testing.T) {
	e, store := newTestRuntime(t)
	ctx := context.Background()

	if _, err := e.ExecuteCell(ctx, "slow", "exports.v = 1;"); err != nil {
		t.Fatalf("initial run: %v", err)
	}

	finished := make(chan error, 1)
	go func() {
		_, err := e.ExecuteCell(ctx, "slow", "await new Promise(r => setTimeout(r, 150));\nexports.v = 2;")
		finished <- err
	}()
	waitFor(t, "cell to enter running state", func() bool {
		state, _ := e.CellState("slow")
		return state == StateRunning
	})

	// A trigger while the cell runs is dropped without touching its code.
	exports, err := e.ExecuteCell(ctx, "slow", "exports.v = 99;")
	if err != nil {
		t.Fatalf("dropped trigger returned error: %v", err)
	}
	if len(exports) != 1 || exports[0] != "v" {
		t.Errorf("dropped trigger exports = %v, want [v]", exports)
	}
	if code, _ := e.CurrentCode("slow"); strings.Contains(code, "99") {
		t.Errorf("dropped trigger replaced the cell code")
	}

	if err := <-finished; err != nil {
		t.Fatalf("in-flight run: %v", err)
	}
	if got := asInt(t, store.GetValue("v")); got != 2 {
		t.Errorf("v = %d, want 2", got)
	}
	if count := e.ExecutionCount("slow"); count != 2 {
		t.Errorf("execution count = %d, want 2", count)
	}
}

func TestStaticCellSkipsRerun(t *testing.T) {
	e, store := newTestRuntime(t)
	store.Set("base", 1)

	if _, err := e.ExecuteCell(context.Background(), "st", "exports.out = base + 1;", WithStatic(true)); err != nil {
		t.Fatalf("ExecuteCell: %v", err)
	}
	if got := asInt(t, store.GetValue("out")); got != 2 {
		t.Fatalf("out = %d, want 2", got)
	}
	if !e.IsStatic("st") {
		t.Fatalf("IsStatic = false, want true")
	}
	deps := e.CellDependencies("st")
	if len(deps) != 1 || deps[0] != "base" {
		t.Fatalf("dependencies = %v, want [base]", deps)
	}

	store.Set("base", 100)
	time.Sleep(50 * time.Millisecond)
	if got := asInt(t, store.GetValue("out")); got != 2 {
		t.Errorf("static cell re-ran: out = %d, want 2", got)
	}
	if count := e.ExecutionCount("st"); count != 1 {
		t.Errorf("execution count = %d, want 1", count)
	}

	// Explicit execution still works and picks up the new value.
	if _, err := e.ExecuteCell(context.Background(), "st", "exports.out = base + 1;", WithStatic(true)); err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if got := asInt(t, store.GetValue("out")); got != 101 {
		t.Errorf("out = %d, want 101", got)
	}
}

func TestCellStatePublications(t *testing.T) {
	e, store := newTestRuntime(t)

	if _, err := e.ExecuteCell(context.Background(), "pub", "exports.v = 1;"); err != nil {
		t.Fatalf("ExecuteCell: %v", err)
	}
	if got := store.GetValue(StateVarName("pub")); got != string(StateSucceeded) {
		t.Errorf("state value = %v, want %q", got, StateSucceeded)
	}
	if got := store.GetValue(ErrorVarName("pub")); got != nil {
		t.Errorf("error value = %v, want nil", got)
	}
	if got := asInt(t, store.GetValue(ExecCountVarName("pub"))); got != 1 {
		t.Errorf("execution count value = %d, want 1", got)
	}
}

func TestThrowContainedAndRecoverable(t *testing.T) {
	e, store := newTestRuntime(t)

	if _, err := e.ExecuteCell(context.Background(), "risky", "exports.v = 1;"); err != nil {
		t.Fatalf("initial run: %v", err)
	}

	_, err := e.ExecuteCell(context.Background(), "risky", "throw new Error(\"boom\");")
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want boom", err)
	}
	if state, _ := e.CellState("risky"); state != StateFailed {
		t.Errorf("state = %q, want %q", state, StateFailed)
	}
	if got := store.GetValue(ErrorVarName("risky")); got == nil || !strings.Contains(got.(string), "boom") {
		t.Errorf("error value = %v, want boom text", got)
	}
	// The previous export set survives the failure.
	if exports := e.CellExports("risky"); len(exports) != 1 || exports[0] != "v" {
		t.Errorf("exports = %v, want [v]", exports)
	}
	if got := asInt(t, store.GetValue("v")); got != 1 {
		t.Errorf("v = %d, want 1", got)
	}

	if err := e.UpdateCell(context.Background(), "risky", "exports.v = 7;"); err != nil {
		t.Fatalf("recovery run: %v", err)
	}
	if state, _ := e.CellState("risky"); state != StateSucceeded {
		t.Errorf("state after recovery = %q, want %q", state, StateSucceeded)
	}
	if got := asInt(t, store.GetValue("v")); got != 7 {
		t.Errorf("v = %d, want 7", got)
	}
}

func TestAwaitedRejectionFails(t *testing.T) {
	e, _ := newTestRuntime(t)

	_, err := e.ExecuteCell(context.Background(), "rej", "await Promise.reject(new Error(\"nope\"));")
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("err = %v, want nope", err)
	}
	if lastErr := e.CellError("rej"); lastErr == nil || !strings.Contains(lastErr.Error(), "nope") {
		t.Errorf("CellError = %v, want nope", lastErr)
	}
}

func TestConsoleAndOutputCapture(t *testing.T) {
	e, _ := newTestRuntime(t)
	sink := &memorySink{}

	code := "console.log(\"hi\", 42);\nconsole.warn(\"careful\");\noutput(7);\noutputHtml(\"<b>x</b>\");"
	if _, err := e.ExecuteCell(context.Background(), "io", code, WithOutputSink(sink)); err != nil {
		t.Fatalf("ExecuteCell: %v", err)
	}

	entries := e.ConsoleLog("io")
	if len(entries) != 2 {
		t.Fatalf("console entries = %d, want 2", len(entries))
	}
	if entries[0].Level != "log" || entries[0].Text != "hi 42" {
		t.Errorf("entry 0 = %q %q, want log %q", entries[0].Level, entries[0].Text, "hi 42")
	}
	if entries[1].Level != "warn" || entries[1].Text != "careful" {
		t.Errorf("entry 1 = %q %q, want warn careful", entries[1].Level, entries[1].Text)
	}

	outputs := e.OutputValues("io")
	if len(outputs) != 1 || asInt(t, outputs[0]) != 7 {
		t.Fatalf("outputs = %v, want [7]", outputs)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.clears != 1 {
		t.Errorf("sink clears = %d, want 1", sink.clears)
	}
	if len(sink.values) != 1 || asInt(t, sink.values[0]) != 7 {
		t.Errorf("sink values = %v, want [7]", sink.values)
	}
	if len(sink.html) != 1 || sink.html[0] != "<b>x</b>" {
		t.Errorf("sink html = %v, want [<b>x</b>]", sink.html)
	}
}

func TestConsoleCapDropsOldest(t *testing.T) {
	e, _ := newTestRuntime(t, WithMaxConsoleEntries(3))

	code := "for (let i = 0; i < 6; i++) { console.log(i); }"
	if _, err := e.ExecuteCell(context.Background(), "noisy", code); err != nil {
		t.Fatalf("ExecuteCell: %v", err)
	}
	entries := e.ConsoleLog("noisy")
	if len(entries) != 3 {
		t.Fatalf("console entries = %d, want 3", len(entries))
	}
	if entries[0].Text != "3" || entries[2].Text != "5" {
		t.Errorf("kept entries = [%s .. %s], want [3 .. 5]", entries[0].Text, entries[2].Text)
	}
}

func TestStorageCapability(t *testing.T) {
	handle := newMemoryStorage()
	e, store := newTestRuntime(t, WithStorage(handle))

	code := "storage.set(\"k\", 41);\nexports.v = storage.get(\"k\") + 1;"
	if _, err := e.ExecuteCell(context.Background(), "persist", code); err != nil {
		t.Fatalf("ExecuteCell: %v", err)
	}
	if got := asInt(t, store.GetValue("v")); got != 42 {
		t.Errorf("v = %d, want 42", got)
	}
	stored, ok := handle.Get("k")
	if !ok || asInt(t, stored) != 41 {
		t.Errorf("storage k = %v (%v), want 41", stored, ok)
	}
}

func TestCapabilityInjection(t *testing.T) {
	e, store := newTestRuntime(t, WithCapability("greet", func(name string) string {
		return "hello " + name
	}))

	if _, err := e.ExecuteCell(context.Background(), "cap", "exports.msg = greet(\"world\");"); err != nil {
		t.Fatalf("ExecuteCell: %v", err)
	}
	if got := store.GetValue("msg"); got != "hello world" {
		t.Errorf("msg = %v, want hello world", got)
	}
}

func TestRemoveCellStopsReruns(t *testing.T) {
	e, store := newTestRuntime(t)
	store.Set("src", 1)

	if _, err := e.ExecuteCell(context.Background(), "gone", "exports.echo = src;"); err != nil {
		t.Fatalf("ExecuteCell: %v", err)
	}
	if err := e.RemoveCell("gone"); err != nil {
		t.Fatalf("RemoveCell: %v", err)
	}
	if err := e.RemoveCell("gone"); !errors.Is(err, ErrCellNotFound) {
		t.Fatalf("second remove err = %v, want ErrCellNotFound", err)
	}

	store.Set("src", 50)
	time.Sleep(50 * time.Millisecond)
	// The exported value is orphaned but persists.
	if got := asInt(t, store.GetValue("echo")); got != 1 {
		t.Errorf("echo = %d, want 1", got)
	}
	if _, ok := e.CellState("gone"); ok {
		t.Errorf("removed cell still registered")
	}
}

func TestUpdateUnknownCell(t *testing.T) {
	e, _ := newTestRuntime(t)
	if err := e.UpdateCell(context.Background(), "nope", "exports.v = 1;"); !errors.Is(err, ErrCellNotFound) {
		t.Fatalf("err = %v, want ErrCellNotFound", err)
	}
}

func TestExecBudgetBreaksCycle(t *testing.T) {
	e, _ := newTestRuntime(t, WithExecBudget(5, time.Second))
	ctx := context.Background()

	if _, err := e.ExecuteCell(ctx, "a", "exports.x = (typeof y === \"number\" ? y : 0) + 1;"); err != nil {
		t.Fatalf("cell a: %v", err)
	}
	if _, err := e.ExecuteCell(ctx, "b", "exports.y = (typeof x === \"number\" ? x : 0) + 1;"); err != nil {
		t.Fatalf("cell b: %v", err)
	}
	// Re-running a now that y exists closes the loop between the two cells.
	if _, err := e.ExecuteCell(ctx, "a", "exports.x = (typeof y === \"number\" ? y : 0) + 1;"); err != nil {
		t.Fatalf("cell a rerun: %v", err)
	}

	waitFor(t, "budget to trip", func() bool {
		return errors.Is(e.CellError("a"), ErrExecStorm) || errors.Is(e.CellError("b"), ErrExecStorm)
	})
	if _, err := e.ExecuteCell(ctx, "a", "exports.x = 0;"); err != nil {
		t.Fatalf("explicit run after storm: %v", err)
	}
}

func TestExecTimeout(t *testing.T) {
	e, _ := newTestRuntime(t, WithExecTimeout(30*time.Millisecond))

	_, err := e.ExecuteCell(context.Background(), "long", "await new Promise(r => setTimeout(r, 200));\nexports.v = 1;")
	if !errors.Is(err, ErrExecTimeout) {
		t.Fatalf("err = %v, want ErrExecTimeout", err)
	}
	// The run keeps going on the scripting thread and settles on its own.
	waitFor(t, "abandoned run to settle", func() bool {
		state, _ := e.CellState("long")
		return state == StateSucceeded
	})
}

func TestExecHookObservesRuns(t *testing.T) {
	var mu sync.Mutex
	var runs []string
	var failures int
	e, _ := newTestRuntime(t, WithExecHook(func(cellID string, d time.Duration, err error) {
		mu.Lock()
		runs = append(runs, cellID)
		if err != nil {
			failures++
		}
		mu.Unlock()
	}))

	ctx := context.Background()
	if _, err := e.ExecuteCell(ctx, "h", "exports.v = 1;"); err != nil {
		t.Fatalf("ExecuteCell: %v", err)
	}
	if _, err := e.ExecuteCell(ctx, "h", "throw new Error(\"x\");"); err == nil {
		t.Fatalf("expected failing run")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(runs) != 2 || runs[0] != "h" || runs[1] != "h" {
		t.Errorf("hook runs = %v, want [h h]", runs)
	}
	if failures != 1 {
		t.Errorf("hook failures = %d, want 1", failures)
	}
}

func TestCellsListing(t *testing.T) {
	e, _ := newTestRuntime(t)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, err := e.ExecuteCell(ctx, id, "exports."+id+"_done = true;"); err != nil {
			t.Fatalf("ExecuteCell %s: %v", id, err)
		}
	}
	cells := e.Cells()
	if len(cells) != 3 || cells[0] != "alpha" || cells[1] != "mid" || cells[2] != "zeta" {
		t.Errorf("cells = %v, want [alpha mid zeta]", cells)
	}
}
