package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"

	"github.com/nodebook-dev/nodebook/pkg/codecell"
	"github.com/nodebook-dev/nodebook/pkg/formula"
	"github.com/nodebook-dev/nodebook/pkg/inputs"
	"github.com/nodebook-dev/nodebook/pkg/markdown"
	"github.com/nodebook-dev/nodebook/pkg/notebook"
)

// Variables.

func (s *Server) handleListVariables(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.runtime.Snapshot()
	records := make([]variableRecord, 0, len(snapshot))
	for _, name := range s.runtime.VariableNames() {
		records = append(records, variableRecord{Name: name, Value: snapshot[name]})
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetVariable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.runtime.VariableDefined(name) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("variable %q not defined", name))
		return
	}
	s.writeJSON(w, http.StatusOK, variableRecord{Name: name, Value: s.runtime.Variable(name)})
}

// handleSetVariable writes a value. Names defined as inputs go through the
// input registry so their constraints still apply.
func (s *Server) handleSetVariable(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req setValueRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if s.runtime.InputExists(name) {
		if err := s.runtime.SetInput(name, req.Value); err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
	} else {
		s.runtime.SetVariable(name, req.Value)
	}
	s.writeJSON(w, http.StatusOK, variableRecord{Name: name, Value: s.runtime.Variable(name)})
}

// Formulas.

func (s *Server) handleCreateFormula(w http.ResponseWriter, r *http.Request) {
	var req formulaRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" || req.Expression == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("name and expression are required"))
		return
	}
	if err := s.runtime.CreateFormula(r.Context(), req.Name, req.Expression, req.Enhanced); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.formulaRecord(req.Name))
}

func (s *Server) handleGetFormula(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.runtime.FormulaExists(name) {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("formula %q not defined", name))
		return
	}
	s.writeJSON(w, http.StatusOK, s.formulaRecord(name))
}

func (s *Server) handleRemoveFormula(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.runtime.RemoveFormula(name); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, formula.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) formulaRecord(name string) formulaRecord {
	expr, _ := s.runtime.FormulaExpression(name)
	kind, _ := s.runtime.FormulaEngineKind(name)
	rec := formulaRecord{
		Name:         name,
		Expression:   expr,
		Engine:       kind,
		Dependencies: s.runtime.FormulaDependencies(name),
		Value:        s.runtime.Variable(name),
	}
	if err := s.runtime.FormulaError(name); err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// Inputs.

func (s *Server) handleDefineInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	def := inputs.InputDef{Name: req.Name, Initial: req.Value, Constraints: req.Constraints}
	if err := s.runtime.DefineInput(def); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, inputs.ErrEmptyName) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.inputRecord(req.Name))
}

func (s *Server) handleSetInput(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req setValueRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.runtime.SetInput(name, req.Value); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, inputs.ErrNotDefined) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.inputRecord(name))
}

func (s *Server) inputRecord(name string) inputRecord {
	value, _ := s.runtime.InputValue(name)
	return inputRecord{
		Name:        name,
		Value:       value,
		Constraints: s.runtime.InputConstraints(name),
	}
}

// Code cells.

// handleExecuteCell runs code and reports the settled cell. Script failures
// are part of the cell record, not transport errors.
func (s *Server) handleExecuteCell(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req executeCellRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Code == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("code is required"))
		return
	}
	var opts []codecell.ExecOption
	if req.Static != nil {
		opts = append(opts, codecell.WithStatic(*req.Static))
	}
	if _, err := s.runtime.ExecuteCell(r.Context(), id, req.Code, opts...); err != nil {
		if errors.Is(err, codecell.ErrEmptyCellID) {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		s.logger.Debug("cell execution failed", "cell", id, "err", err)
	}
	s.writeJSON(w, http.StatusOK, s.cellRecord(id))
}

func (s *Server) handleGetCell(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.runtime.CellCode(id); !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("cell %q not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, s.cellRecord(id))
}

func (s *Server) handleUpdateCell(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateCellRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Code == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("code is required"))
		return
	}
	if err := s.runtime.UpdateCell(r.Context(), id, req.Code); err != nil {
		if errors.Is(err, codecell.ErrCellNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.logger.Debug("cell update failed", "cell", id, "err", err)
	}
	s.writeJSON(w, http.StatusOK, s.cellRecord(id))
}

func (s *Server) handleRemoveCell(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runtime.RemoveCell(id); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, codecell.ErrCellNotFound) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cellRecord(id string) cellRecord {
	code, _ := s.runtime.CellCode(id)
	state, _ := s.runtime.CellState(id)
	rec := cellRecord{
		Cell:           id,
		Code:           code,
		Static:         s.runtime.CellStatic(id),
		State:          state,
		ExecutionCount: s.runtime.CellExecutionCount(id),
		Exports:        s.runtime.CellExports(id),
		Dependencies:   s.runtime.CellDependencies(id),
		Outputs:        s.runtime.CellOutputs(id),
	}
	if err := s.runtime.CellError(id); err != nil {
		rec.Error = err.Error()
	}
	for _, entry := range s.runtime.CellConsole(id) {
		rec.Console = append(rec.Console, consoleRecord{
			Time:  entry.Time,
			Level: entry.Level,
			Text:  entry.Text,
		})
	}
	return rec
}

// Markdown.

// handleRegisterMarkdown upserts a markdown cell.
func (s *Server) handleRegisterMarkdown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req markdownRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	var err error
	if _, exists := s.runtime.MarkdownText(id); exists {
		err = s.runtime.UpdateMarkdown(r.Context(), id, req.Content)
	} else {
		err = s.runtime.RegisterMarkdown(r.Context(), id, req.Content)
	}
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, markdown.ErrEmptyCellID) {
			status = http.StatusBadRequest
		}
		s.writeError(w, status, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.markdownRecord(id))
}

func (s *Server) handleGetMarkdown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.runtime.MarkdownText(id); !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("markdown cell %q not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, s.markdownRecord(id))
}

func (s *Server) handleRemoveMarkdown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runtime.RemoveMarkdown(id); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, markdown.ErrCellNotFound) {
			status = http.StatusNotFound
		}
		s.writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markdownRecord(id string) markdownRecord {
	content, _ := s.runtime.MarkdownText(id)
	rendered, _ := s.runtime.RenderedMarkdown(id)
	return markdownRecord{
		Cell:       id,
		Content:    content,
		Rendered:   rendered,
		References: s.runtime.MarkdownReferences(id),
	}
}

// Notebook.

// handleLoadNotebook loads a document sent inline or referenced by
// {"ref": "..."} and resolved through the blob source.
func (s *Server) handleLoadNotebook(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("reading body: %w", err))
		return
	}
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("empty body"))
		return
	}

	var ref loadNotebookRequest
	if err := sonic.Unmarshal(data, &ref); err == nil && ref.Ref != "" {
		if s.blobs == nil {
			s.writeError(w, http.StatusUnprocessableEntity, errors.New("no blob source configured"))
			return
		}
		data, err = s.blobs.Fetch(r.Context(), ref.Ref)
		if err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("fetching %q: %w", ref.Ref, err))
			return
		}
	}

	result, err := s.runtime.LoadNotebookData(r.Context(), data)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, notebook.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err)
		return
	}

	rec := loadRecord{Cells: result.CellCount}
	for _, f := range result.Failures {
		rec.Failures = append(rec.Failures, loadFailureRecord{
			Index: f.Index,
			Kind:  f.Kind,
			Cell:  f.Label,
			Error: f.Err.Error(),
		})
	}
	s.writeJSON(w, http.StatusOK, rec)
}
