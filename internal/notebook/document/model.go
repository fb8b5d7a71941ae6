// Package document holds the in-memory notebook being edited: the ordered
// cells, the active cell, and the dirty flag with a revision counter used to
// detect edits that race a save.
//
// Model is not safe for concurrent use; the session controller owns it.
package document

import (
	"errors"
	"fmt"

	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
)

var (
	ErrNoDocument           = errors.New("no notebook is open")
	ErrInvalidIndex         = errors.New("cell index out of range")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrNotCodeCell          = errors.New("cell is not a code cell")
)

// NoCell is the active index when no cell is selected.
const NoCell = -1

// Direction is the direction of MoveCell.
type Direction int

const (
	Up Direction = iota
	Down
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

// Model is the open notebook plus its editing state.
type Model struct {
	doc      *models.Document
	name     string
	active   int
	dirty    bool
	revision uint64
}

// New returns a model with no document loaded.
func New() *Model {
	return &Model{active: NoCell}
}

// Load replaces the current document. The first cell becomes active and the
// document starts clean.
func (m *Model) Load(name string, doc *models.Document) {
	m.doc = doc
	m.name = name
	m.dirty = false
	m.revision++
	m.active = NoCell
	if len(doc.Cells) > 0 {
		m.active = 0
	}
}

// Unload discards the document.
func (m *Model) Unload() {
	m.doc = nil
	m.name = ""
	m.dirty = false
	m.active = NoCell
	m.revision++
}

func (m *Model) Loaded() bool {
	return m.doc != nil
}

func (m *Model) Name() string {
	return m.name
}

// SetName changes the name the document is saved under.
func (m *Model) SetName(name string) {
	m.name = name
}

func (m *Model) Dirty() bool {
	return m.dirty
}

// Revision increases on every content or structure mutation.
func (m *Model) Revision() uint64 {
	return m.revision
}

// MarkSaved clears the dirty flag if no mutation happened after revision was
// serialised. It reports whether the flag was cleared.
func (m *Model) MarkSaved(revision uint64) bool {
	if !m.Loaded() || revision != m.revision {
		return false
	}
	m.dirty = false
	return true
}

func (m *Model) Len() int {
	if m.doc == nil {
		return 0
	}
	return len(m.doc.Cells)
}

// ActiveIndex returns the active cell index or NoCell.
func (m *Model) ActiveIndex() int {
	return m.active
}

// SetActive selects a cell. NoCell clears the selection.
func (m *Model) SetActive(index int) error {
	if !m.Loaded() {
		return ErrNoDocument
	}
	if index != NoCell && !m.valid(index) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	m.active = index
	return nil
}

// Cell returns a copy of the cell at index.
func (m *Model) Cell(index int) (*models.Cell, error) {
	if !m.Loaded() {
		return nil, ErrNoDocument
	}
	if !m.valid(index) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	return m.doc.Cells[index].Clone(), nil
}

// CellIndex returns the current index of the cell with id, or NoCell.
func (m *Model) CellIndex(id string) int {
	if m.doc == nil || id == "" {
		return NoCell
	}
	for i, c := range m.doc.Cells {
		if c.ID == id {
			return i
		}
	}
	return NoCell
}

// Snapshot returns a deep copy of the document, or nil when nothing is loaded.
func (m *Model) Snapshot() *models.Document {
	if m.doc == nil {
		return nil
	}
	return m.doc.Clone()
}

// SetCellSource replaces the source of the cell at index. It does nothing when
// no document is loaded.
func (m *Model) SetCellSource(index int, text string) error {
	if !m.Loaded() {
		return nil
	}
	if !m.valid(index) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	m.doc.Cells[index].Source = models.SplitSource(text)
	m.touch()
	return nil
}

// InsertCell inserts a new cell of kind after the active cell, or at the end
// when nothing is active. The new cell becomes active.
func (m *Model) InsertCell(kind models.CellType) (int, error) {
	if !m.Loaded() {
		return NoCell, ErrNoDocument
	}
	at := len(m.doc.Cells)
	if m.active != NoCell {
		at = m.active + 1
	}
	cells := append(m.doc.Cells, nil)
	copy(cells[at+1:], cells[at:])
	cells[at] = models.NewCell(kind)
	m.doc.Cells = cells
	m.active = at
	m.touch()
	return at, nil
}

// DeleteCell removes the cell at index. Removing the only remaining cell
// requires confirmed; without it ErrConfirmationRequired is returned and the
// document is left untouched.
func (m *Model) DeleteCell(index int, confirmed bool) error {
	if !m.Loaded() {
		return ErrNoDocument
	}
	if !m.valid(index) {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	if len(m.doc.Cells) == 1 && !confirmed {
		return ErrConfirmationRequired
	}

	m.doc.Cells = append(m.doc.Cells[:index], m.doc.Cells[index+1:]...)
	switch {
	case m.active == index:
		m.active = index - 1 // NoCell when the first cell was removed
	case m.active > index:
		m.active--
	}
	m.touch()
	return nil
}

// MoveCell swaps the cell at index with its neighbour. Moves past either end
// are no-ops and report false. The active index follows the moved cell.
func (m *Model) MoveCell(index int, dir Direction) (bool, error) {
	if !m.Loaded() {
		return false, ErrNoDocument
	}
	if !m.valid(index) {
		return false, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	target := index - 1
	if dir == Down {
		target = index + 1
	}
	if !m.valid(target) {
		return false, nil
	}

	cells := m.doc.Cells
	cells[index], cells[target] = cells[target], cells[index]
	switch m.active {
	case index:
		m.active = target
	case target:
		m.active = index
	}
	m.touch()
	return true, nil
}

// ClearAllOutputs empties the outputs of every code cell. Outputs are
// execution state, so the document stays clean.
func (m *Model) ClearAllOutputs() {
	if m.doc == nil {
		return
	}
	for _, c := range m.doc.Cells {
		if c.IsCode() {
			c.Outputs = []models.Output{}
		}
	}
}

func (m *Model) valid(index int) bool {
	return m.doc != nil && index >= 0 && index < len(m.doc.Cells)
}

func (m *Model) touch() {
	m.dirty = true
	m.revision++
}
