package document

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
)

func newLoaded(t *testing.T, sources ...string) *Model {
	t.Helper()
	doc := &models.Document{NBFormat: models.FormatMajor, NBFormatMinor: models.FormatMinor}
	for _, s := range sources {
		c := models.NewCell(models.CellTypeCode)
		c.Source = models.SplitSource(s)
		doc.Cells = append(doc.Cells, c)
	}
	m := New()
	m.Load("test.ipynb", doc)
	return m
}

func sources(m *Model) []string {
	var out []string
	for _, c := range m.Snapshot().Cells {
		out = append(out, c.Text())
	}
	return out
}

func TestSetCellSource(t *testing.T) {
	m := newLoaded(t, "a")
	rev := m.Revision()

	require.NoError(t, m.SetCellSource(0, "x = 1\nprint(x)"))

	cell, err := m.Cell(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"x = 1\n", "print(x)"}, cell.Source)
	assert.True(t, m.Dirty())
	assert.Greater(t, m.Revision(), rev)

	assert.ErrorIs(t, m.SetCellSource(5, "nope"), ErrInvalidIndex)
}

func TestSetCellSourceWithoutDocumentIsNoop(t *testing.T) {
	m := New()
	assert.NoError(t, m.SetCellSource(0, "x"))
	assert.False(t, m.Dirty())
}

func TestInsertCell(t *testing.T) {
	t.Run("after active cell", func(t *testing.T) {
		m := newLoaded(t, "a", "b")
		require.NoError(t, m.SetActive(0))

		idx, err := m.InsertCell(models.CellTypeMarkdown)
		require.NoError(t, err)

		assert.Equal(t, 1, idx)
		assert.Equal(t, 1, m.ActiveIndex())
		assert.Equal(t, []string{"a", "", "b"}, sources(m))
		cell, _ := m.Cell(1)
		assert.Equal(t, models.CellTypeMarkdown, cell.Type)
		assert.True(t, m.Dirty())
	})

	t.Run("at end when nothing active", func(t *testing.T) {
		m := newLoaded(t, "a", "b")
		require.NoError(t, m.SetActive(NoCell))

		idx, err := m.InsertCell(models.CellTypeCode)
		require.NoError(t, err)
		assert.Equal(t, 2, idx)
		assert.Equal(t, 2, m.ActiveIndex())
	})

	t.Run("requires document", func(t *testing.T) {
		_, err := New().InsertCell(models.CellTypeCode)
		assert.ErrorIs(t, err, ErrNoDocument)
	})
}

func TestDeleteCell(t *testing.T) {
	t.Run("deleting active picks previous", func(t *testing.T) {
		m := newLoaded(t, "a", "b", "c")
		require.NoError(t, m.SetActive(2))
		require.NoError(t, m.DeleteCell(2, false))
		assert.Equal(t, 1, m.ActiveIndex())
		assert.Equal(t, []string{"a", "b"}, sources(m))
	})

	t.Run("deleting first active clears selection", func(t *testing.T) {
		m := newLoaded(t, "a", "b")
		require.NoError(t, m.SetActive(0))
		require.NoError(t, m.DeleteCell(0, false))
		assert.Equal(t, NoCell, m.ActiveIndex())
	})

	t.Run("active after deleted shifts down", func(t *testing.T) {
		m := newLoaded(t, "a", "b", "c")
		require.NoError(t, m.SetActive(2))
		require.NoError(t, m.DeleteCell(0, false))
		assert.Equal(t, 1, m.ActiveIndex())
		assert.Equal(t, []string{"b", "c"}, sources(m))
	})

	t.Run("last cell needs confirmation", func(t *testing.T) {
		m := newLoaded(t, "only")
		before := m.Snapshot()

		err := m.DeleteCell(0, false)
		assert.ErrorIs(t, err, ErrConfirmationRequired)
		assert.Equal(t, before, m.Snapshot())
		assert.False(t, m.Dirty())

		require.NoError(t, m.DeleteCell(0, true))
		assert.Equal(t, 0, m.Len())
		assert.Equal(t, NoCell, m.ActiveIndex())
	})
}

func TestMoveCell(t *testing.T) {
	m := newLoaded(t, "a", "b", "c")

	moved, err := m.MoveCell(0, Up)
	require.NoError(t, err)
	assert.False(t, moved)
	moved, err = m.MoveCell(2, Down)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, []string{"a", "b", "c"}, sources(m))
	assert.False(t, m.Dirty())

	require.NoError(t, m.SetActive(0))
	moved, err = m.MoveCell(0, Down)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, []string{"b", "a", "c"}, sources(m))
	assert.Equal(t, 1, m.ActiveIndex())
	assert.True(t, m.Dirty())
}

func TestClearAllOutputsKeepsClean(t *testing.T) {
	m := newLoaded(t, "a")
	_, err := m.InsertCell(models.CellTypeMarkdown)
	require.NoError(t, err)
	require.NoError(t, m.ApplyOutput(0, models.Output{Type: models.OutputStdout, Content: "x"}, false))
	m.MarkSaved(m.Revision())

	m.ClearAllOutputs()

	cell, _ := m.Cell(0)
	assert.Empty(t, cell.Outputs)
	md, _ := m.Cell(1)
	assert.Nil(t, md.Outputs)
	assert.False(t, m.Dirty())
}

func TestMarkSavedIgnoresStaleRevision(t *testing.T) {
	m := newLoaded(t, "a")
	require.NoError(t, m.SetCellSource(0, "b"))
	saved := m.Revision()
	require.NoError(t, m.SetCellSource(0, "c"))

	assert.False(t, m.MarkSaved(saved))
	assert.True(t, m.Dirty())
	assert.True(t, m.MarkSaved(m.Revision()))
	assert.False(t, m.Dirty())
}

func TestCellIndexFollowsMoves(t *testing.T) {
	m := newLoaded(t, "a", "b")
	id := m.Snapshot().Cells[0].ID

	_, err := m.MoveCell(0, Down)
	require.NoError(t, err)
	assert.Equal(t, 1, m.CellIndex(id))
	assert.Equal(t, NoCell, m.CellIndex("missing"))
}

func TestActiveIndexAlwaysValid(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	m := newLoaded(t, "a", "b", "c")

	for i := 0; i < 2000; i++ {
		switch rng.Intn(4) {
		case 0:
			kind := models.CellTypeCode
			if rng.Intn(2) == 0 {
				kind = models.CellTypeMarkdown
			}
			_, err := m.InsertCell(kind)
			require.NoError(t, err)
		case 1:
			if m.Len() > 0 {
				if err := m.DeleteCell(rng.Intn(m.Len()), rng.Intn(2) == 0); err != nil {
					require.ErrorIs(t, err, ErrConfirmationRequired)
					require.Equal(t, 1, m.Len())
				}
			}
		case 2:
			if m.Len() > 0 {
				_, err := m.MoveCell(rng.Intn(m.Len()), Direction(rng.Intn(2)))
				require.NoError(t, err)
			}
		case 3:
			if m.Len() > 0 {
				require.NoError(t, m.SetActive(rng.Intn(m.Len()+1)-1))
			}
		}
		active := m.ActiveIndex()
		assert.True(t, active == NoCell || (active >= 0 && active < m.Len()),
			"step %d: active %d out of range for %d cells", i, active, m.Len())
	}
}
