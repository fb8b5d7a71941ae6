package document

import (
	"fmt"

	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
)

// MergeStreamed folds a streamed chunk into prior. A status placeholder is
// replaced, never appended to. Otherwise the content is concatenated and the
// kind stays whatever the execution established first.
func MergeStreamed(prior *models.Output, incoming models.Output) models.Output {
	if prior == nil {
		prior = &models.Output{Type: models.OutputStdout}
	}
	if prior.Type == models.OutputStatus {
		kind := incoming.Type
		if kind == "" {
			kind = models.OutputStdout
		}
		return models.Output{Type: kind, Content: incoming.Content}
	}
	return models.Output{Type: prior.Type, Content: prior.Content + incoming.Content}
}

// MergeTerminal is MergeStreamed with the final kind forced to the terminal frame's kind.
func MergeTerminal(prior *models.Output, incoming models.Output) models.Output {
	out := MergeStreamed(prior, incoming)
	if incoming.Type != "" {
		out.Type = incoming.Type
	}
	return out
}

// ApplyOutput updates the output of the code cell at index. A non-streamed
// output replaces the current one wholesale; a streamed one is merged.
func (m *Model) ApplyOutput(index int, incoming models.Output, streamed bool) error {
	cell, err := m.codeCell(index)
	if err != nil {
		return err
	}
	if !streamed {
		cell.Outputs = []models.Output{incoming}
		return nil
	}
	cell.Outputs = []models.Output{MergeStreamed(currentOutput(cell), incoming)}
	return nil
}

// ApplyTerminal merges the frame that ends an execution.
func (m *Model) ApplyTerminal(index int, incoming models.Output) error {
	cell, err := m.codeCell(index)
	if err != nil {
		return err
	}
	cell.Outputs = []models.Output{MergeTerminal(currentOutput(cell), incoming)}
	return nil
}

func (m *Model) codeCell(index int) (*models.Cell, error) {
	if !m.Loaded() {
		return nil, ErrNoDocument
	}
	if !m.valid(index) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	cell := m.doc.Cells[index]
	if !cell.IsCode() {
		return nil, ErrNotCodeCell
	}
	return cell, nil
}

func currentOutput(cell *models.Cell) *models.Output {
	if len(cell.Outputs) == 0 {
		return nil
	}
	out := cell.Outputs[0]
	return &out
}
