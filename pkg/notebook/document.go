package notebook

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// CurrentVersion is the document format version this package writes.
const CurrentVersion = 1

// Cell kinds.
const (
	KindInput    = "input"
	KindMarkdown = "markdown"
	KindFormula  = "formula"
	KindCode     = "code"
)

// Document is the serialized form of one notebook.
type Document struct {
	Version int            `json:"version"`
	Cells   []Cell         `json:"cells"`
	Storage map[string]any `json:"storage,omitempty"`
}

// Cell is one notebook cell. Kind selects which fields apply:
//
//	input:    Name, Value, Constraints
//	markdown: ID, Content
//	formula:  Name, Expression, Enhanced
//	code:     ID, Code, Static
type Cell struct {
	ID   string `json:"id,omitempty"`
	Kind string `json:"kind"`

	Name        string   `json:"name,omitempty"`
	Value       any      `json:"value,omitempty"`
	Constraints []string `json:"constraints,omitempty"`

	Content string `json:"content,omitempty"`

	Expression string `json:"expression,omitempty"`
	Enhanced   bool   `json:"enhanced,omitempty"`

	Code   string `json:"code,omitempty"`
	Static bool   `json:"static,omitempty"`
}

// Label returns the cell's user-facing handle: the ID for markdown and code
// cells, the name for inputs and formulas.
func (c *Cell) Label() string {
	switch c.Kind {
	case KindInput, KindFormula:
		return c.Name
	default:
		return c.ID
	}
}

// ParseDocument decodes and validates a notebook document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := sonic.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("notebook: decode document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Encode serializes the document.
func (d *Document) Encode() ([]byte, error) {
	data, err := sonic.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("notebook: encode document: %w", err)
	}
	return data, nil
}

// Validate checks the structural rules every loadable document obeys: a
// supported version, a known kind per cell, and the kind's required fields.
func (d *Document) Validate() error {
	if d.Version > CurrentVersion {
		return fmt.Errorf("%w: document version %d, newest supported is %d",
			ErrUnsupportedVersion, d.Version, CurrentVersion)
	}

	seen := make(map[string]int, len(d.Cells))
	for i := range d.Cells {
		cell := &d.Cells[i]
		if err := cell.validate(); err != nil {
			return fmt.Errorf("notebook: cell %d: %w", i, err)
		}

		key := cell.Kind + ":" + cell.Label()
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("notebook: cell %d: %w: %s %q also declared by cell %d",
				i, ErrDuplicateCell, cell.Kind, cell.Label(), prev)
		}
		seen[key] = i
	}
	return nil
}

func (c *Cell) validate() error {
	switch c.Kind {
	case KindInput:
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: input cell needs a name", ErrInvalidCell)
		}
	case KindMarkdown:
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("%w: markdown cell needs an id", ErrInvalidCell)
		}
	case KindFormula:
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("%w: formula cell needs a name", ErrInvalidCell)
		}
		if strings.TrimSpace(c.Expression) == "" {
			return fmt.Errorf("%w: formula cell needs an expression", ErrInvalidCell)
		}
	case KindCode:
		if strings.TrimSpace(c.ID) == "" {
			return fmt.Errorf("%w: code cell needs an id", ErrInvalidCell)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCell, c.Kind)
	}
	return nil
}
