package notebook

import (
	"context"
	"fmt"

	"github.com/nodebook-dev/nodebook/pkg/codecell"
	"github.com/nodebook-dev/nodebook/pkg/inputs"
	"github.com/nodebook-dev/nodebook/pkg/middleware"
	"github.com/nodebook-dev/nodebook/pkg/storage"
)

// CellFailure records one cell that could not be loaded or whose first run
// failed. The cell stays registered with its error state; loading continues.
type CellFailure struct {
	Index int
	Kind  string
	Label string
	Err   error
}

func (f CellFailure) String() string {
	return fmt.Sprintf("cell %d (%s %q): %v", f.Index, f.Kind, f.Label, f.Err)
}

// LoadResult summarizes one document load.
type LoadResult struct {
	CellCount int
	Failures  []CellFailure
}

// Failed reports whether any cell failed to load.
func (r *LoadResult) Failed() bool { return len(r.Failures) > 0 }

// LoadNotebook replaces the session's contents with the document: previous
// cells, formulas and input definitions are dropped, storage is reseeded
// from the document's storage section, and cells register in document order.
// Reactive values persist across loads, so re-opened inputs keep state the
// user already changed.
//
// Cell-level failures (bad constraint, formula compile error, cell body
// throw) do not abort the load; they are collected in the result and left
// as the cell's error state. Only structural problems return an error.
func (r *Runtime) LoadNotebook(ctx context.Context, doc *Document) (*LoadResult, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if doc == nil {
		return nil, fmt.Errorf("notebook: nil document")
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	ctx, span := r.tracer.StartNotebookSpan(ctx, len(doc.Cells))

	r.resetSession()
	storage.LoadSection(r.storage, doc.Storage)

	result := &LoadResult{CellCount: len(doc.Cells)}
	for i := range doc.Cells {
		cell := &doc.Cells[i]
		if err := r.loadCell(ctx, cell); err != nil {
			failure := CellFailure{Index: i, Kind: cell.Kind, Label: cell.Label(), Err: err}
			result.Failures = append(result.Failures, failure)
			r.logger.Warn("notebook cell failed to load",
				"index", i, "kind", cell.Kind, "cell", cell.Label(), "err", err)
		}
	}

	var spanErr error
	if result.Failed() {
		spanErr = fmt.Errorf("notebook: %d of %d cells failed", len(result.Failures), result.CellCount)
	}
	middleware.EndSpan(span, spanErr)

	r.logger.Info("notebook loaded",
		"cells", result.CellCount, "failures", len(result.Failures))
	return result, nil
}

// LoadNotebookData parses data as a notebook document and loads it.
func (r *Runtime) LoadNotebookData(ctx context.Context, data []byte) (*LoadResult, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return r.LoadNotebook(ctx, doc)
}

// resetSession detaches everything the previous document registered. Store
// slots stay live so outstanding subscriptions keep working across loads.
func (r *Runtime) resetSession() {
	for _, id := range r.cells.Cells() {
		if err := r.cells.RemoveCell(id); err != nil {
			r.logger.Warn("removing cell on reload", "cell", id, "err", err)
		}
	}
	for _, name := range r.sigil.Names() {
		if err := r.sigil.RemoveFormula(name); err != nil {
			r.logger.Warn("removing formula on reload", "formula", name, "err", err)
		}
	}
	for _, name := range r.enhanced.Names() {
		if err := r.enhanced.RemoveFormula(name); err != nil {
			r.logger.Warn("removing formula on reload", "formula", name, "err", err)
		}
	}
	for _, id := range r.markdown.Cells() {
		if err := r.markdown.Remove(id); err != nil {
			r.logger.Warn("removing markdown on reload", "cell", id, "err", err)
		}
	}
	r.inputs.Reset()
}

func (r *Runtime) loadCell(ctx context.Context, cell *Cell) error {
	switch cell.Kind {
	case KindInput:
		return r.inputs.DefineInput(inputs.InputDef{
			Name:        cell.Name,
			Initial:     cell.Value,
			Constraints: cell.Constraints,
		})
	case KindMarkdown:
		return r.markdown.Register(ctx, cell.ID, cell.Content)
	case KindFormula:
		return r.CreateFormula(ctx, cell.Name, cell.Expression, cell.Enhanced)
	case KindCode:
		// Document load is an explicit trigger, so static cells run too.
		_, err := r.ExecuteCell(ctx, cell.ID, cell.Code, codecell.WithStatic(cell.Static))
		return err
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCell, cell.Kind)
	}
}
