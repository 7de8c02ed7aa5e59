// Package notebook ties the reactive store, the scripting event loop and
// every cell engine into one session runtime, and defines the JSON document
// format notebooks are saved as.
//
// A Runtime owns the full lifecycle:
//
//	rt := notebook.NewRuntime(notebook.Config{})
//	defer rt.Close()
//
//	result, err := rt.LoadNotebookData(ctx, data)
//
// Documents hold cells of four kinds. Loading registers them in document
// order: inputs define constrained values, markdown cells register their
// templates, formulas route to the sigil or static engine by expression
// style, and code cells execute once (explicit load runs static cells too).
// Loading a second document replaces the first wholesale; reactive values
// persist so unchanged names keep their live state and subscriptions.
package notebook
