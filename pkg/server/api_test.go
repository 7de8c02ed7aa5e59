package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nodebook-dev/nodebook/pkg/blobstore"
	"github.com/nodebook-dev/nodebook/pkg/middleware"
	"github.com/nodebook-dev/nodebook/pkg/notebook"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *notebook.Runtime) {
	t.Helper()
	logger := discardLogger()
	rt := notebook.NewRuntime(notebook.Config{Logger: logger})
	t.Cleanup(func() { rt.Close() })

	srv := New(rt, append([]Option{WithLogger(logger)}, opts...)...)
	t.Cleanup(func() { srv.Close() })
	return srv, rt
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := sonic.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func wantStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, want, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", "")
	wantStatus(t, rec, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rec, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status field = %q, want ok", resp["status"])
	}
}

func TestVariableEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPut, "/api/v1/variables/price", `{"value": 10}`)
	wantStatus(t, rec, http.StatusOK)

	var set variableRecord
	decodeJSON(t, rec, &set)
	if set.Name != "price" || set.Value != float64(10) {
		t.Errorf("set record = %+v, want price=10", set)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/variables/price", "")
	wantStatus(t, rec, http.StatusOK)

	var got variableRecord
	decodeJSON(t, rec, &got)
	if got.Value != float64(10) {
		t.Errorf("get value = %v, want 10", got.Value)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/variables", "")
	wantStatus(t, rec, http.StatusOK)

	var list []variableRecord
	decodeJSON(t, rec, &list)
	found := false
	for _, r := range list {
		if r.Name == "price" {
			found = true
		}
	}
	if !found {
		t.Errorf("variable list %+v missing price", list)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/variables/nope", "")
	wantStatus(t, rec, http.StatusNotFound)

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/variables/price", `{"value":`)
	wantStatus(t, rec, http.StatusBadRequest)
}

func TestSetVariableRoutesThroughInputConstraints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/inputs",
		`{"name": "qty", "value": 1, "constraints": ["value >= 0"]}`)
	wantStatus(t, rec, http.StatusCreated)

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/variables/qty", `{"value": -3}`)
	wantStatus(t, rec, http.StatusUnprocessableEntity)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/variables/qty", "")
	var got variableRecord
	decodeJSON(t, rec, &got)
	if got.Value != float64(1) {
		t.Errorf("rejected write changed value to %v, want 1", got.Value)
	}

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/variables/qty", `{"value": 5}`)
	wantStatus(t, rec, http.StatusOK)
}

func TestInputEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/inputs",
		`{"name": "level", "value": 3, "constraints": ["value >= 0", "value <= 10"]}`)
	wantStatus(t, rec, http.StatusCreated)

	var created inputRecord
	decodeJSON(t, rec, &created)
	if created.Name != "level" || created.Value != float64(3) {
		t.Errorf("created = %+v, want level=3", created)
	}
	if len(created.Constraints) != 2 {
		t.Errorf("constraints = %v, want 2 entries", created.Constraints)
	}

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/inputs/level", `{"value": 7}`)
	wantStatus(t, rec, http.StatusOK)

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/inputs/level", `{"value": 42}`)
	wantStatus(t, rec, http.StatusUnprocessableEntity)

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/inputs/ghost", `{"value": 1}`)
	wantStatus(t, rec, http.StatusNotFound)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/inputs",
		`{"name": "", "value": 0}`)
	wantStatus(t, rec, http.StatusBadRequest)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/inputs",
		`{"name": "bad", "value": 0, "constraints": ["value >=("]}`)
	wantStatus(t, rec, http.StatusUnprocessableEntity)
}

func TestFormulaEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	doRequest(t, srv, http.MethodPut, "/api/v1/variables/price", `{"value": 10}`)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/formulas",
		`{"name": "total", "expression": "$price * 2"}`)
	wantStatus(t, rec, http.StatusCreated)

	var created formulaRecord
	decodeJSON(t, rec, &created)
	if created.Engine != "sigil" {
		t.Errorf("engine = %q, want sigil", created.Engine)
	}
	if created.Value != float64(20) {
		t.Errorf("value = %v, want 20", created.Value)
	}
	if len(created.Dependencies) != 1 || created.Dependencies[0] != "price" {
		t.Errorf("dependencies = %v, want [price]", created.Dependencies)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/formulas",
		`{"name": "direct", "expression": "price * 3", "enhanced": true}`)
	wantStatus(t, rec, http.StatusCreated)

	var direct formulaRecord
	decodeJSON(t, rec, &direct)
	if direct.Engine != "static" {
		t.Errorf("engine = %q, want static", direct.Engine)
	}
	if direct.Value != float64(30) {
		t.Errorf("value = %v, want 30", direct.Value)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/formulas/total", "")
	wantStatus(t, rec, http.StatusOK)

	var got formulaRecord
	decodeJSON(t, rec, &got)
	if got.Expression != "$price * 2" {
		t.Errorf("expression = %q", got.Expression)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/formulas/total", "")
	wantStatus(t, rec, http.StatusNoContent)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/formulas/total", "")
	wantStatus(t, rec, http.StatusNotFound)

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/formulas/total", "")
	wantStatus(t, rec, http.StatusNotFound)
}

func TestCreateFormulaValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/formulas",
		`{"name": "broken", "expression": "((("}`)
	wantStatus(t, rec, http.StatusUnprocessableEntity)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/formulas",
		`{"expression": "1 + 1"}`)
	wantStatus(t, rec, http.StatusBadRequest)
}

func TestCellEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/cells/c1/execute",
		`{"code": "a = 2; b = 3;"}`)
	wantStatus(t, rec, http.StatusOK)

	var ran cellRecord
	decodeJSON(t, rec, &ran)
	if ran.State != "succeeded" {
		t.Errorf("state = %q, want succeeded", ran.State)
	}
	if len(ran.Exports) != 2 {
		t.Errorf("exports = %v, want [a b]", ran.Exports)
	}
	if ran.ExecutionCount != 1 {
		t.Errorf("executionCount = %d, want 1", ran.ExecutionCount)
	}

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/cells/c1", `{"code": "a = 10;"}`)
	wantStatus(t, rec, http.StatusOK)

	var updated cellRecord
	decodeJSON(t, rec, &updated)
	if updated.ExecutionCount != 2 {
		t.Errorf("executionCount after update = %d, want 2", updated.ExecutionCount)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/variables/a", "")
	var got variableRecord
	decodeJSON(t, rec, &got)
	if got.Value != float64(10) {
		t.Errorf("a = %v after update, want 10", got.Value)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/cells/c1", "")
	wantStatus(t, rec, http.StatusNoContent)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/cells/c1", "")
	wantStatus(t, rec, http.StatusNotFound)

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/cells/c1", `{"code": "a = 1;"}`)
	wantStatus(t, rec, http.StatusNotFound)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/cells/c2/execute", `{"code": ""}`)
	wantStatus(t, rec, http.StatusBadRequest)
}

func TestExecuteCellReportsScriptFailure(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/cells/boom/execute",
		`{"code": "throw new Error('kaput');"}`)
	wantStatus(t, rec, http.StatusOK)

	var got cellRecord
	decodeJSON(t, rec, &got)
	if got.State != "failed" {
		t.Errorf("state = %q, want failed", got.State)
	}
	if !strings.Contains(got.Error, "kaput") {
		t.Errorf("error = %q, want it to mention kaput", got.Error)
	}
}

func TestExecuteCellCapturesConsole(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/cells/logs/execute",
		`{"code": "console.log('hi', 42); console.warn('careful');"}`)
	wantStatus(t, rec, http.StatusOK)

	var got cellRecord
	decodeJSON(t, rec, &got)
	if len(got.Console) != 2 {
		t.Fatalf("console = %+v, want 2 entries", got.Console)
	}
	if got.Console[0].Level != "log" || got.Console[0].Text != "hi 42" {
		t.Errorf("first entry = %+v", got.Console[0])
	}
	if got.Console[1].Level != "warn" {
		t.Errorf("second entry = %+v", got.Console[1])
	}
}

func TestStaticCellViaExecuteOption(t *testing.T) {
	srv, _ := newTestServer(t)

	doRequest(t, srv, http.MethodPut, "/api/v1/variables/n", `{"value": 1}`)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/cells/frozen/execute",
		`{"code": "snap = n;", "static": true}`)
	wantStatus(t, rec, http.StatusOK)

	var got cellRecord
	decodeJSON(t, rec, &got)
	if !got.Static {
		t.Errorf("static = false, want true")
	}
}

func TestMarkdownEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	doRequest(t, srv, http.MethodPut, "/api/v1/variables/name", `{"value": "Ada"}`)

	rec := doRequest(t, srv, http.MethodPut, "/api/v1/markdown/intro",
		`{"content": "Hello {{ name }}!"}`)
	wantStatus(t, rec, http.StatusOK)

	var created markdownRecord
	decodeJSON(t, rec, &created)
	if created.Rendered != "Hello Ada!" {
		t.Errorf("rendered = %q, want Hello Ada!", created.Rendered)
	}
	if len(created.References) != 1 || created.References[0] != "name" {
		t.Errorf("references = %v, want [name]", created.References)
	}

	rec = doRequest(t, srv, http.MethodPut, "/api/v1/markdown/intro",
		`{"content": "Bye {{ name }}."}`)
	wantStatus(t, rec, http.StatusOK)

	var updated markdownRecord
	decodeJSON(t, rec, &updated)
	if updated.Rendered != "Bye Ada." {
		t.Errorf("rendered after update = %q, want Bye Ada.", updated.Rendered)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/markdown/intro", "")
	wantStatus(t, rec, http.StatusOK)

	var got markdownRecord
	decodeJSON(t, rec, &got)
	if got.Content != "Bye {{ name }}." {
		t.Errorf("content = %q", got.Content)
	}

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/markdown/intro", "")
	wantStatus(t, rec, http.StatusNoContent)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/markdown/intro", "")
	wantStatus(t, rec, http.StatusNotFound)
}

const testDocument = `{
	"version": 1,
	"cells": [
		{"kind": "input", "name": "price", "value": 10},
		{"kind": "formula", "name": "total", "expression": "$price * 2"},
		{"kind": "markdown", "id": "summary", "content": "Total: {{ total }}"},
		{"kind": "code", "id": "calc", "code": "grand = total + 5;"}
	]
}`

func TestLoadNotebookInline(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/notebook", testDocument)
	wantStatus(t, rec, http.StatusOK)

	var loaded loadRecord
	decodeJSON(t, rec, &loaded)
	if loaded.Cells != 4 {
		t.Errorf("cells = %d, want 4", loaded.Cells)
	}
	if len(loaded.Failures) != 0 {
		t.Errorf("failures = %+v, want none", loaded.Failures)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/variables/total", "")
	var total variableRecord
	decodeJSON(t, rec, &total)
	if total.Value != float64(20) {
		t.Errorf("total = %v, want 20", total.Value)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/variables/grand", "")
	var grand variableRecord
	decodeJSON(t, rec, &grand)
	if grand.Value != float64(25) {
		t.Errorf("grand = %v, want 25", grand.Value)
	}
}

func TestLoadNotebookReportsCellFailures(t *testing.T) {
	srv, _ := newTestServer(t)

	doc := `{
		"version": 1,
		"cells": [
			{"kind": "formula", "name": "broken", "expression": "((("},
			{"kind": "input", "name": "ok", "value": 1}
		]
	}`
	rec := doRequest(t, srv, http.MethodPost, "/api/v1/notebook", doc)
	wantStatus(t, rec, http.StatusOK)

	var loaded loadRecord
	decodeJSON(t, rec, &loaded)
	if len(loaded.Failures) != 1 {
		t.Fatalf("failures = %+v, want 1", loaded.Failures)
	}
	if loaded.Failures[0].Index != 0 || loaded.Failures[0].Cell != "broken" {
		t.Errorf("failure = %+v", loaded.Failures[0])
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/variables/ok", "")
	wantStatus(t, rec, http.StatusOK)
}

func TestLoadNotebookRejectsBadDocument(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/notebook",
		`{"version": 99, "cells": []}`)
	wantStatus(t, rec, http.StatusUnprocessableEntity)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/notebook", "")
	wantStatus(t, rec, http.StatusBadRequest)
}

func TestLoadNotebookFromRef(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "nb.json"), []byte(testDocument), 0o644); err != nil {
		t.Fatal(err)
	}

	srv, _ := newTestServer(t, WithBlobSource(blobstore.NewFSSource(dir)))

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/notebook", `{"ref": "nb.json"}`)
	wantStatus(t, rec, http.StatusOK)

	rec = doRequest(t, srv, http.MethodGet, "/api/v1/variables/total", "")
	var total variableRecord
	decodeJSON(t, rec, &total)
	if total.Value != float64(20) {
		t.Errorf("total = %v, want 20", total.Value)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/notebook", `{"ref": "missing.json"}`)
	wantStatus(t, rec, http.StatusUnprocessableEntity)
}

func TestLoadNotebookRefWithoutSource(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/notebook", `{"ref": "nb.json"}`)
	wantStatus(t, rec, http.StatusUnprocessableEntity)
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(middleware.WithRegistry(registry))
	logger := discardLogger()

	rt := notebook.NewRuntime(notebook.Config{Logger: logger, Metrics: metrics})
	t.Cleanup(func() { rt.Close() })

	srv := New(rt, WithLogger(logger), WithMetrics(metrics), WithGatherer(registry))
	t.Cleanup(func() { srv.Close() })

	doRequest(t, srv, http.MethodPost, "/api/v1/cells/c1/execute", `{"code": "x = 1;"}`)

	rec := doRequest(t, srv, http.MethodGet, "/metrics", "")
	wantStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), "nodebook_cell_executions_total") {
		t.Errorf("metrics output missing cell execution counter")
	}
}
