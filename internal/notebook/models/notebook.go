// Package models defines the notebook document as stored on disk (nbformat 4 JSON).
package models

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
)

// CellType is the kind of a cell.
type CellType string

const (
	CellTypeCode     CellType = "code"
	CellTypeMarkdown CellType = "markdown"
)

// OutputType is the kind of a cell output.
type OutputType string

const (
	OutputStatus OutputType = "status"
	OutputStdout OutputType = "stdout"
	OutputStderr OutputType = "stderr"
)

// StatusRunning is the placeholder content shown while a cell executes.
const StatusRunning = "running"

const (
	FormatMajor = 4
	FormatMinor = 5
)

// Output is the single rendered result of a code cell.
type Output struct {
	Type    OutputType `json:"type"`
	Content string     `json:"content"`
}

// Cell is one unit of a notebook. ID is stable for the cell's lifetime and is
// persisted as the nbformat 4.5 cell id.
type Cell struct {
	ID       string
	Type     CellType
	Source   []string
	Outputs  []Output
	Metadata map[string]interface{}
}

// Document is a whole notebook.
type Document struct {
	Cells         []*Cell                `json:"cells"`
	Metadata      map[string]interface{} `json:"metadata"`
	NBFormat      int                    `json:"nbformat"`
	NBFormatMinor int                    `json:"nbformat_minor"`
}

// NewCell returns the default template for kind with a fresh id.
func NewCell(kind CellType) *Cell {
	c := &Cell{
		ID:       NewCellID(),
		Type:     kind,
		Source:   []string{},
		Metadata: map[string]interface{}{},
	}
	if kind == CellTypeCode {
		c.Outputs = []Output{}
	}
	return c
}

// NewDocument returns an empty notebook with a single code cell.
func NewDocument() *Document {
	return &Document{
		Cells:         []*Cell{NewCell(CellTypeCode)},
		Metadata:      map[string]interface{}{},
		NBFormat:      FormatMajor,
		NBFormatMinor: FormatMinor,
	}
}

// NewCellID returns an nbformat-compatible cell id.
func NewCellID() string {
	return uuid.NewString()
}

// IsCode reports whether the cell can be executed.
func (c *Cell) IsCode() bool {
	return c.Type == CellTypeCode
}

// Text returns the source joined into one string.
func (c *Cell) Text() string {
	return JoinSource(c.Source)
}

// Output returns the current output, if any.
func (c *Cell) Output() (Output, bool) {
	if len(c.Outputs) == 0 {
		return Output{}, false
	}
	return c.Outputs[0], true
}

// Clone returns a deep copy of the cell. Metadata is copied one level deep.
func (c *Cell) Clone() *Cell {
	out := &Cell{
		ID:       c.ID,
		Type:     c.Type,
		Source:   append([]string{}, c.Source...),
		Metadata: maps.Clone(c.Metadata),
	}
	if c.Outputs != nil {
		out.Outputs = append([]Output{}, c.Outputs...)
	}
	return out
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := &Document{
		Cells:         make([]*Cell, len(d.Cells)),
		Metadata:      maps.Clone(d.Metadata),
		NBFormat:      d.NBFormat,
		NBFormatMinor: d.NBFormatMinor,
	}
	for i, c := range d.Cells {
		out.Cells[i] = c.Clone()
	}
	return out
}

// SplitSource splits text at newline boundaries, keeping the terminators.
func SplitSource(text string) []string {
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// JoinSource joins source lines. Lines stored without terminators are joined
// with a newline so both storage conventions yield the same text.
func JoinSource(lines []string) string {
	var b strings.Builder
	for i, line := range lines {
		b.WriteString(line)
		if i < len(lines)-1 && !strings.HasSuffix(line, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

type cellJSON struct {
	ID       string                 `json:"id,omitempty"`
	Type     CellType               `json:"cell_type"`
	Source   json.RawMessage        `json:"source"`
	Metadata map[string]interface{} `json:"metadata"`
	Outputs  []Output               `json:"outputs,omitempty"`
}

// MarshalJSON writes the nbformat cell shape. Markdown cells never carry outputs.
func (c *Cell) MarshalJSON() ([]byte, error) {
	source := c.Source
	if source == nil {
		source = []string{}
	}
	rawSource, err := json.Marshal(source)
	if err != nil {
		return nil, err
	}
	metadata := c.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	if c.Type != CellTypeCode {
		return json.Marshal(cellJSON{ID: c.ID, Type: c.Type, Source: rawSource, Metadata: metadata})
	}
	outputs := c.Outputs
	if outputs == nil {
		outputs = []Output{}
	}
	// outputs is always written for code cells, so bypass omitempty.
	return json.Marshal(struct {
		cellJSON
		Outputs []Output `json:"outputs"`
	}{cellJSON{ID: c.ID, Type: c.Type, Source: rawSource, Metadata: metadata}, outputs})
}

// UnmarshalJSON accepts source as a list of lines or a single string and
// assigns an id when the stored cell has none.
func (c *Cell) UnmarshalJSON(data []byte) error {
	var raw cellJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var source []string
	if len(raw.Source) > 0 && string(raw.Source) != "null" {
		if err := json.Unmarshal(raw.Source, &source); err != nil {
			var text string
			if err := json.Unmarshal(raw.Source, &text); err != nil {
				return fmt.Errorf("cell source must be a string or a list of strings")
			}
			source = SplitSource(text)
		}
	}
	if source == nil {
		source = []string{}
	}

	switch raw.Type {
	case CellTypeCode, CellTypeMarkdown:
	case "":
		raw.Type = CellTypeCode
	default:
		return fmt.Errorf("unsupported cell_type %q", raw.Type)
	}

	*c = Cell{
		ID:       raw.ID,
		Type:     raw.Type,
		Source:   source,
		Metadata: raw.Metadata,
	}
	if c.ID == "" {
		c.ID = NewCellID()
	}
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	if c.Type == CellTypeCode {
		c.Outputs = raw.Outputs
		if c.Outputs == nil {
			c.Outputs = []Output{}
		}
		if len(c.Outputs) > 1 {
			c.Outputs = c.Outputs[len(c.Outputs)-1:]
		}
	}
	return nil
}

// Parse decodes a stored notebook and fills in missing format fields.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid notebook document: %w", err)
	}
	if doc.Cells == nil {
		doc.Cells = []*Cell{}
	}
	if doc.Metadata == nil {
		doc.Metadata = map[string]interface{}{}
	}
	if doc.NBFormat == 0 {
		doc.NBFormat = FormatMajor
		doc.NBFormatMinor = FormatMinor
	}
	return &doc, nil
}
