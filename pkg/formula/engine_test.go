package formula

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dop251/goja_nodejs/eventloop"

	"github.com/nodebook-dev/nodebook/pkg/reactive"
)

func newTestLoop(t *testing.T) *eventloop.EventLoop {
	t.Helper()
	loop := eventloop.NewEventLoop(eventloop.EnableConsole(false))
	loop.Start()
	t.Cleanup(func() { loop.Stop() })
	return loop
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// waitForValue polls until the store value satisfies want, failing the test
// after two seconds.
func waitForValue(t *testing.T, s *reactive.Store, name string, want func(any) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if want(s.GetValue(name)) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, last value: %v", name, s.GetValue(name))
}

func near(want float64) func(any) bool {
	return func(v any) bool {
		f, ok := asFloat(v)
		return ok && math.Abs(f-want) < 1e-9
	}
}

func TestSigilFormulaEvaluatesOnCreate(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEngine(store, loop)

	store.Define("price", 10)

	if err := engine.CreateFormula(context.Background(), "total", "$price * 1.08"); err != nil {
		t.Fatalf("CreateFormula failed: %v", err)
	}

	// The result must be visible as soon as the call returns.
	if f, ok := asFloat(store.GetValue("total")); !ok || math.Abs(f-10.8) > 1e-9 {
		t.Errorf("expected total 10.8, got %v", store.GetValue("total"))
	}
}

func TestSigilFormulaReevaluatesOnDependencyChange(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEngine(store, loop)

	store.Define("price", 10)
	if err := engine.CreateFormula(context.Background(), "total", "$price * 1.08"); err != nil {
		t.Fatalf("CreateFormula failed: %v", err)
	}

	store.Set("price", 20)
	waitForValue(t, store, "total", near(21.6))

	deps := engine.Dependencies("total")
	if len(deps) != 1 || deps[0] != "price" {
		t.Errorf("expected deps [price], got %v", deps)
	}
}

func TestSigilOnlyMarkedNamesAreDependencies(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEngine(store, loop)

	store.Define("a", 1)
	store.Define("b", 2)

	// b appears without a sigil inside a string; only a is a dependency.
	if err := engine.CreateFormula(context.Background(), "out", "$a + ' b'.length"); err != nil {
		t.Fatalf("CreateFormula failed: %v", err)
	}

	deps := engine.Dependencies("out")
	if len(deps) != 1 || deps[0] != "a" {
		t.Errorf("expected deps [a], got %v", deps)
	}
}

func TestEnhancedFormulaDiscoversDependencies(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEnhancedEngine(store, loop)

	store.Define("price", 10)
	store.Define("taxRate", 0.2)

	if err := engine.CreateFormula(context.Background(), "total", "Math.round(price * (1 + taxRate) * 100) / 100"); err != nil {
		t.Fatalf("CreateFormula failed: %v", err)
	}

	waitForValue(t, store, "total", near(12))

	deps := engine.Dependencies("total")
	if len(deps) != 2 || deps[0] != "price" || deps[1] != "taxRate" {
		t.Errorf("expected deps [price taxRate], got %v", deps)
	}

	store.Set("taxRate", 0.5)
	waitForValue(t, store, "total", near(15))
}

func TestFormulaChainAcrossEngines(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	sigil := NewEngine(store, loop)
	enhanced := NewEnhancedEngine(store, loop)

	store.Define("price", 10)
	store.Define("qty", 3)

	if err := enhanced.CreateFormula(context.Background(), "subtotal", "price * qty"); err != nil {
		t.Fatalf("CreateFormula subtotal failed: %v", err)
	}
	if err := sigil.CreateFormula(context.Background(), "total", "$subtotal * 1.1"); err != nil {
		t.Fatalf("CreateFormula total failed: %v", err)
	}

	waitForValue(t, store, "total", near(33))

	store.Set("price", 20)
	waitForValue(t, store, "total", near(66))
}

func TestFormulaErrorContainment(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEnhancedEngine(store, loop)

	store.Define("n", 1)
	if err := engine.CreateFormula(context.Background(), "ok", "n + 1"); err != nil {
		t.Fatalf("CreateFormula ok failed: %v", err)
	}

	// A throwing formula records its error without poisoning anything else.
	err := engine.CreateFormula(context.Background(), "boom", "(() => { throw new Error('broken') })()")
	if err == nil {
		t.Fatal("expected evaluation error")
	}
	if engine.LastError("boom") == nil {
		t.Error("expected recorded error state")
	}
	if !strings.Contains(engine.LastError("boom").Error(), "broken") {
		t.Errorf("expected script error text, got %v", engine.LastError("boom"))
	}

	// The healthy formula keeps working.
	store.Set("n", 5)
	waitForValue(t, store, "ok", near(6))

	// Fixing the broken formula clears its error state.
	if err := engine.UpdateFormula(context.Background(), "boom", "n * 10"); err != nil {
		t.Fatalf("UpdateFormula failed: %v", err)
	}
	if engine.LastError("boom") != nil {
		t.Errorf("expected cleared error state, got %v", engine.LastError("boom"))
	}
	waitForValue(t, store, "boom", near(50))
}

func TestFormulaErrorKeepsLastGoodValue(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEnhancedEngine(store, loop)

	store.Define("d", 2)
	if err := engine.CreateFormula(context.Background(), "out", "(() => { if (d === 0) throw new Error('div'); return 10 / d })()"); err != nil {
		t.Fatalf("CreateFormula failed: %v", err)
	}
	waitForValue(t, store, "out", near(5))

	store.Set("d", 0)
	waitForValue(t, store, "out", func(any) bool { return engine.LastError("out") != nil })

	// Output keeps the last successful result.
	if f, ok := asFloat(store.GetValue("out")); !ok || f != 5 {
		t.Errorf("expected out to stay 5, got %v", store.GetValue("out"))
	}

	// An upstream fix recovers automatically.
	store.Set("d", 5)
	waitForValue(t, store, "out", near(2))
	if engine.LastError("out") != nil {
		t.Errorf("expected recovered formula, got %v", engine.LastError("out"))
	}
}

func TestFormulaRejectsEmptyName(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEngine(store, loop)

	if err := engine.CreateFormula(context.Background(), "", "1 + 1"); !errors.Is(err, ErrEmptyName) {
		t.Errorf("expected ErrEmptyName, got %v", err)
	}
	if err := engine.CreateFormula(context.Background(), "   ", "1 + 1"); !errors.Is(err, ErrEmptyName) {
		t.Errorf("expected ErrEmptyName for whitespace, got %v", err)
	}
	if len(engine.Names()) != 0 {
		t.Errorf("rejected create still registered: %v", engine.Names())
	}
}

func TestUpdateFormulaUnknownName(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEngine(store, loop)

	if err := engine.UpdateFormula(context.Background(), "ghost", "1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFormulaCompileErrorIsRecorded(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEnhancedEngine(store, loop)

	err := engine.CreateFormula(context.Background(), "bad", "1 +")
	if err == nil {
		t.Fatal("expected compile error")
	}
	if engine.LastError("bad") == nil {
		t.Error("expected recorded compile error")
	}
	if !engine.Exists("bad") {
		t.Error("formula with compile error should stay registered for later update")
	}
}

func TestUndefinedReferenceEvaluatesAsUndefined(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEnhancedEngine(store, loop)

	if err := engine.CreateFormula(context.Background(), "probe", "ghost === undefined ? 'absent' : 'present'"); err != nil {
		t.Fatalf("CreateFormula failed: %v", err)
	}
	if got := store.GetValue("probe"); got != "absent" {
		t.Errorf("expected 'absent', got %v", got)
	}

	// Undefined at evaluation time means no subscription: defining ghost
	// later does not retrigger.
	store.Set("ghost", 1)
	time.Sleep(50 * time.Millisecond)
	if got := store.GetValue("probe"); got != "absent" {
		t.Errorf("expected stale 'absent' (no subscription), got %v", got)
	}
	if len(engine.Dependencies("probe")) != 0 {
		t.Errorf("expected no dependencies, got %v", engine.Dependencies("probe"))
	}
}

func TestFormulaOwnNameIsNotADependency(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEnhancedEngine(store, loop)

	store.Define("acc", 10)
	if err := engine.CreateFormula(context.Background(), "acc", "acc + 1"); err != nil {
		t.Fatalf("CreateFormula failed: %v", err)
	}

	waitForValue(t, store, "acc", near(11))
	time.Sleep(50 * time.Millisecond)

	// Exactly one evaluation: the self reference must not retrigger.
	if f, _ := asFloat(store.GetValue("acc")); f != 11 {
		t.Errorf("self-reference retriggered, acc = %v", store.GetValue("acc"))
	}
	if len(engine.Dependencies("acc")) != 0 {
		t.Errorf("own name leaked into dependencies: %v", engine.Dependencies("acc"))
	}
}

func TestCreateFormulaReplacesExisting(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEnhancedEngine(store, loop)

	store.Define("a", 1)
	store.Define("b", 2)

	engine.CreateFormula(context.Background(), "out", "a * 100")
	if err := engine.CreateFormula(context.Background(), "out", "b * 100"); err != nil {
		t.Fatalf("replacement create failed: %v", err)
	}
	waitForValue(t, store, "out", near(200))

	// The replaced formula's subscription to a is gone.
	store.Set("a", 9)
	time.Sleep(50 * time.Millisecond)
	if f, _ := asFloat(store.GetValue("out")); f != 200 {
		t.Errorf("stale subscription survived replacement, out = %v", store.GetValue("out"))
	}
}

func TestRemoveFormulaStopsReevaluation(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEnhancedEngine(store, loop)

	store.Define("x", 1)
	engine.CreateFormula(context.Background(), "y", "x * 2")
	waitForValue(t, store, "y", near(2))

	if err := engine.RemoveFormula("y"); err != nil {
		t.Fatalf("RemoveFormula failed: %v", err)
	}
	if err := engine.RemoveFormula("y"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}

	store.Set("x", 50)
	time.Sleep(50 * time.Millisecond)

	// The value survives at its last result but no longer updates.
	if f, _ := asFloat(store.GetValue("y")); f != 2 {
		t.Errorf("removed formula still evaluating, y = %v", store.GetValue("y"))
	}
}

func TestEvalBudgetBreaksCycle(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)
	engine := NewEnhancedEngine(store, loop, WithEvalBudget(10, time.Second))

	store.Define("a", float64(0))
	store.Define("b", float64(0))

	// a and b chase each other upward; equality suppression never settles
	// this, so the budget has to.
	engine.CreateFormula(context.Background(), "a", "b + 1")
	engine.CreateFormula(context.Background(), "b", "a + 1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if errors.Is(engine.LastError("a"), ErrEvalStorm) || errors.Is(engine.LastError("b"), ErrEvalStorm) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cycle was never broken by the evaluation budget")
}

func TestEvalHookObservesRuns(t *testing.T) {
	store := reactive.NewStore()
	loop := newTestLoop(t)

	var mu sync.Mutex
	runs := map[string]int{}
	engine := NewEnhancedEngine(store, loop, WithEvalHook(func(name string, _ time.Duration, _ error) {
		mu.Lock()
		runs[name]++
		mu.Unlock()
	}))

	store.Define("x", 1)
	engine.CreateFormula(context.Background(), "y", "x + 1")
	store.Set("x", 2)
	waitForValue(t, store, "y", near(3))

	mu.Lock()
	defer mu.Unlock()
	if runs["y"] < 2 {
		t.Errorf("expected at least 2 observed runs, got %d", runs["y"])
	}
}
