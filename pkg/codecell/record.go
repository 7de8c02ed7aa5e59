package codecell

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/nodebook-dev/nodebook/pkg/reactive"
)

// State is a cell's position in its execution lifecycle.
type State string

const (
	// StateIdle means the cell is registered but has never run.
	StateIdle State = "idle"
	// StateRunning means a run is in flight, including time spent awaiting.
	StateRunning State = "running"
	// StateSucceeded means the last run completed and its exports were stored.
	StateSucceeded State = "succeeded"
	// StateFailed means the last run threw or rejected; the error is retained.
	StateFailed State = "failed"
)

// ConsoleEntry is one captured console call from a cell body.
type ConsoleEntry struct {
	Time  time.Time
	Level string
	Args  []any
	Text  string
}

// OutputSink receives a cell's rich output. The engine clears it at the
// start of every run and appends as the body calls the output helpers.
// Sinks are invoked on the scripting thread and must not block.
type OutputSink interface {
	Clear()
	AppendValue(v any)
	AppendHTML(html string)
}

// StorageHandle is the persistent key/value surface exposed to cell bodies
// as the storage capability.
type StorageHandle interface {
	Get(key string) (any, bool)
	Set(key string, value any)
	Has(key string) bool
	Delete(key string)
	Keys() []string
	Clear()
}

// StateVarName returns the reactive name publishing a cell's lifecycle
// state. The dotted form keeps the name out of script identifier space.
func StateVarName(cellID string) string {
	return "__cell." + cellID + ".state"
}

// ErrorVarName returns the reactive name publishing a cell's last error
// text, nil after a successful run.
func ErrorVarName(cellID string) string {
	return "__cell." + cellID + ".error"
}

// ExecCountVarName returns the reactive name publishing how many runs the
// cell has completed.
func ExecCountVarName(cellID string) string {
	return "__cell." + cellID + ".executionCount"
}

// record is the engine's registration for one cell. Records are never
// dropped implicitly; RemoveCell is the only way out.
type record struct {
	id string

	mu        sync.Mutex
	code      string
	static    bool
	state     State
	lastErr   error
	execCount uint64
	exports   []string
	deps      []string
	unsubs    []func()
	outputs   []any
	console   []ConsoleEntry
	sink      OutputSink

	// program caches the compiled wrapper for the code it was built from.
	program     *goja.Program
	programCode string

	// inFlight marks a run from submission to settlement; triggers arriving
	// while it is held are dropped.
	inFlight atomic.Bool
	// pending coalesces notification bursts between runs.
	pending atomic.Bool
	removed atomic.Bool

	window *reactive.RateWindow
}

func newRecord(id string, budget int, window time.Duration) *record {
	return &record{
		id:     id,
		state:  StateIdle,
		window: reactive.NewRateWindow(budget, window),
	}
}

func (r *record) setCode(code string) {
	r.mu.Lock()
	r.code = code
	r.mu.Unlock()
}

func (r *record) currentCode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code
}

func (r *record) isStatic() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.static
}

func (r *record) setStatic(static bool) {
	r.mu.Lock()
	r.static = static
	r.mu.Unlock()
}

func (r *record) setSink(sink OutputSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

func (r *record) currentSink() OutputSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink
}

// beginRun resets the per-run capture state and marks the cell running.
func (r *record) beginRun() {
	r.mu.Lock()
	r.state = StateRunning
	r.outputs = nil
	r.console = nil
	sink := r.sink
	r.mu.Unlock()

	if sink != nil {
		sink.Clear()
	}
}

// completeRun records the outcome of a finished run.
func (r *record) completeRun(exports, deps []string, runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.execCount++
	r.exports = exports
	r.deps = deps
	r.lastErr = runErr
	if runErr != nil {
		r.state = StateFailed
	} else {
		r.state = StateSucceeded
	}
}

// recordDrop marks a run that was rejected before it started. The
// execution count and the last known exports stay untouched.
func (r *record) recordDrop(dropErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastErr = dropErr
	r.state = StateFailed
}

func (r *record) snapshotState() (State, error, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.lastErr, r.execCount
}

func (r *record) exportNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.exports...)
}

func (r *record) depNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deps...)
}

func (r *record) appendOutput(v any) {
	r.mu.Lock()
	r.outputs = append(r.outputs, v)
	r.mu.Unlock()
}

func (r *record) outputValues() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.outputs...)
}

// appendConsole adds an entry, dropping the oldest once the cap is reached.
func (r *record) appendConsole(entry ConsoleEntry, max int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max > 0 && len(r.console) >= max {
		copy(r.console, r.console[1:])
		r.console[len(r.console)-1] = entry
		return
	}
	r.console = append(r.console, entry)
}

func (r *record) consoleEntries() []ConsoleEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConsoleEntry(nil), r.console...)
}

func (r *record) setSubs(unsubs []func(), deps []string) {
	sort.Strings(deps)
	r.mu.Lock()
	r.unsubs = unsubs
	r.deps = deps
	r.mu.Unlock()
}

func (r *record) clearSubs() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// compiled returns the cached program when the code is unchanged, compiling
// otherwise.
func (r *record) compiled(code string, compile func(string) (*goja.Program, error)) (*goja.Program, error) {
	r.mu.Lock()
	if r.program != nil && r.programCode == code {
		prog := r.program
		r.mu.Unlock()
		return prog, nil
	}
	r.mu.Unlock()

	prog, err := compile(code)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.program = prog
	r.programCode = code
	r.mu.Unlock()
	return prog, nil
}
