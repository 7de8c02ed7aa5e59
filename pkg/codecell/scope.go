package codecell

import (
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/nodebook-dev/nodebook/pkg/formula"
	"github.com/nodebook-dev/nodebook/pkg/reactive"
)

// cellScope is the per-run environment a cell body executes inside.
type cellScope struct {
	obj     *goja.Object
	exports *goja.Object
}

// buildScope assembles the with-scope for one run: accessor properties that
// bridge bare identifiers to the reactive store, the run's exports object,
// and the capability table. Must be called on the scripting thread.
//
// Accessors are installed for every statically scanned identifier in the
// code plus every defined store name that is a lexically valid identifier.
// Getters check the run's own exports first (an export shadows the store for
// the rest of the run), then the store, recording reads of defined names in
// the run's tracker; anything else reads as undefined. Setters write through
// to the store, defining the name on the fly. Names that already exist on
// the script global object (Math, JSON, require, ...) are skipped so the
// scope never shadows the environment.
func (e *Engine) buildScope(vm *goja.Runtime, rec *record, tracker *reactive.Tracker, code string) (*cellScope, error) {
	scope := vm.NewObject()
	exports := vm.NewObject()

	reserved := map[string]struct{}{
		"exports":    {},
		"console":    {},
		"storage":    {},
		"output":     {},
		"outputHtml": {},
	}
	for name := range e.capabilities {
		reserved[name] = struct{}{}
	}

	names := make(map[string]struct{})
	for _, name := range formula.ScanIdentifiers(code) {
		names[name] = struct{}{}
	}
	for _, name := range e.store.Names() {
		if formula.ValidIdentifier(name) {
			names[name] = struct{}{}
		}
	}

	global := vm.GlobalObject()
	for name := range names {
		if _, ok := reserved[name]; ok {
			continue
		}
		if global.Get(name) != nil {
			continue
		}

		name := name
		getter := vm.ToValue(func(goja.FunctionCall) goja.Value {
			if v := exports.Get(name); v != nil {
				return v
			}
			if e.store.IsDefined(name) {
				return vm.ToValue(e.store.GetValueTracked(name, tracker))
			}
			return goja.Undefined()
		})
		setter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
			e.store.Set(name, call.Argument(0).Export())
			return goja.Undefined()
		})
		if err := scope.DefineAccessorProperty(name, getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return nil, err
		}
	}

	if err := scope.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := scope.Set("console", e.buildConsole(vm, rec)); err != nil {
		return nil, err
	}
	if e.storage != nil {
		if err := scope.Set("storage", e.buildStorage(vm)); err != nil {
			return nil, err
		}
	}
	if err := e.bindOutputHelpers(vm, scope, rec); err != nil {
		return nil, err
	}
	for name, capability := range e.capabilities {
		if err := scope.Set(name, capability); err != nil {
			return nil, err
		}
	}

	return &cellScope{obj: scope, exports: exports}, nil
}

// buildConsole returns the per-cell console object. Every call is captured
// on the cell record as both exported values and preformatted text.
func (e *Engine) buildConsole(vm *goja.Runtime, rec *record) *goja.Object {
	console := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		console.Set(level, func(call goja.FunctionCall) goja.Value {
			args := make([]any, 0, len(call.Arguments))
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				args = append(args, arg.Export())
				parts = append(parts, arg.String())
			}
			rec.appendConsole(ConsoleEntry{
				Time:  time.Now(),
				Level: level,
				Args:  args,
				Text:  strings.Join(parts, " "),
			}, e.maxConsole)
			return goja.Undefined()
		})
	}
	return console
}

// buildStorage exposes the engine's storage handle with the script-facing
// method names.
func (e *Engine) buildStorage(vm *goja.Runtime) *goja.Object {
	st := vm.NewObject()
	st.Set("get", func(call goja.FunctionCall) goja.Value {
		v, ok := e.storage.Get(call.Argument(0).String())
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
	st.Set("set", func(call goja.FunctionCall) goja.Value {
		e.storage.Set(call.Argument(0).String(), call.Argument(1).Export())
		return goja.Undefined()
	})
	st.Set("has", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(e.storage.Has(call.Argument(0).String()))
	})
	st.Set("remove", func(call goja.FunctionCall) goja.Value {
		e.storage.Delete(call.Argument(0).String())
		return goja.Undefined()
	})
	st.Set("keys", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(e.storage.Keys())
	})
	st.Set("clear", func(call goja.FunctionCall) goja.Value {
		e.storage.Clear()
		return goja.Undefined()
	})
	return st
}

// bindOutputHelpers installs output and outputHtml. Values go to the cell
// record in call order and to the run's sink when one is attached.
func (e *Engine) bindOutputHelpers(vm *goja.Runtime, scope *goja.Object, rec *record) error {
	if err := scope.Set("output", func(call goja.FunctionCall) goja.Value {
		sink := rec.currentSink()
		for _, arg := range call.Arguments {
			v := arg.Export()
			rec.appendOutput(v)
			if sink != nil {
				sink.AppendValue(v)
			}
		}
		return goja.Undefined()
	}); err != nil {
		return err
	}
	return scope.Set("outputHtml", func(call goja.FunctionCall) goja.Value {
		if sink := rec.currentSink(); sink != nil {
			sink.AppendHTML(call.Argument(0).String())
		}
		return goja.Undefined()
	})
}
