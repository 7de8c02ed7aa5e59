package server

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/nodebook-dev/nodebook/pkg/codecell"
)

// maxBodyBytes caps API request bodies; notebook documents are the largest
// legitimate payload.
const maxBodyBytes = 8 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type variableRecord struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type setValueRequest struct {
	Value any `json:"value"`
}

type formulaRequest struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Enhanced   bool   `json:"enhanced,omitempty"`
}

type formulaRecord struct {
	Name         string   `json:"name"`
	Expression   string   `json:"expression"`
	Engine       string   `json:"engine"`
	Dependencies []string `json:"dependencies"`
	Value        any      `json:"value"`
	Error        string   `json:"error,omitempty"`
}

type inputRequest struct {
	Name        string   `json:"name"`
	Value       any      `json:"value"`
	Constraints []string `json:"constraints,omitempty"`
}

type inputRecord struct {
	Name        string   `json:"name"`
	Value       any      `json:"value"`
	Constraints []string `json:"constraints,omitempty"`
}

type executeCellRequest struct {
	Code   string `json:"code"`
	Static *bool  `json:"static,omitempty"`
}

type updateCellRequest struct {
	Code string `json:"code"`
}

type consoleRecord struct {
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

type cellRecord struct {
	Cell           string          `json:"cell"`
	Code           string          `json:"code"`
	Static         bool            `json:"static"`
	State          codecell.State  `json:"state"`
	Error          string          `json:"error,omitempty"`
	ExecutionCount uint64          `json:"executionCount"`
	Exports        []string        `json:"exports"`
	Dependencies   []string        `json:"dependencies"`
	Outputs        []any           `json:"outputs,omitempty"`
	Console        []consoleRecord `json:"console,omitempty"`
}

type markdownRequest struct {
	Content string `json:"content"`
}

type markdownRecord struct {
	Cell       string   `json:"cell"`
	Content    string   `json:"content"`
	Rendered   string   `json:"rendered"`
	References []string `json:"references"`
}

type loadNotebookRequest struct {
	Ref string `json:"ref"`
}

type loadFailureRecord struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	Cell  string `json:"cell"`
	Error string `json:"error"`
}

type loadRecord struct {
	Cells    int                 `json:"cells"`
	Failures []loadFailureRecord `json:"failures,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		s.logger.Error("encoding response", "err", err)
		http.Error(w, `{"error":"internal encoding failure"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("empty body")
	}
	if err := sonic.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}
	return nil
}
