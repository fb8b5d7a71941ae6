package document

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
)

var running = models.Output{Type: models.OutputStatus, Content: models.StatusRunning}

func output(t *testing.T, m *Model, index int) models.Output {
	t.Helper()
	cell, err := m.Cell(index)
	require.NoError(t, err)
	require.Len(t, cell.Outputs, 1)
	return cell.Outputs[0]
}

func TestStreamedChunksConcatenate(t *testing.T) {
	m := newLoaded(t, "for i in range(3): print(i)")
	require.NoError(t, m.ApplyOutput(0, running, false))

	chunks := []string{"0\n", "1\n", "2\n"}
	for _, c := range chunks {
		require.NoError(t, m.ApplyOutput(0, models.Output{Type: models.OutputStdout, Content: c}, true))
	}

	out := output(t, m, 0)
	assert.Equal(t, models.OutputStdout, out.Type)
	assert.Equal(t, strings.Join(chunks, ""), out.Content)
	assert.NotContains(t, out.Content, models.StatusRunning)
}

func TestStreamedKindIsSticky(t *testing.T) {
	m := newLoaded(t, "x")
	require.NoError(t, m.ApplyOutput(0, running, false))
	require.NoError(t, m.ApplyOutput(0, models.Output{Type: models.OutputStdout, Content: "a"}, true))
	require.NoError(t, m.ApplyOutput(0, models.Output{Type: models.OutputStderr, Content: "b"}, true))

	assert.Equal(t, models.Output{Type: models.OutputStdout, Content: "ab"}, output(t, m, 0))
}

func TestPlaceholderTakesIncomingKind(t *testing.T) {
	m := newLoaded(t, "x")
	require.NoError(t, m.ApplyOutput(0, running, false))
	require.NoError(t, m.ApplyOutput(0, models.Output{Type: models.OutputStderr, Content: "warn"}, true))

	assert.Equal(t, models.Output{Type: models.OutputStderr, Content: "warn"}, output(t, m, 0))
}

func TestStreamedWithoutPriorOutput(t *testing.T) {
	m := newLoaded(t, "x")
	require.NoError(t, m.ApplyOutput(0, models.Output{Type: models.OutputStderr, Content: "a"}, true))

	assert.Equal(t, models.Output{Type: models.OutputStdout, Content: "a"}, output(t, m, 0))
}

func TestNonStreamedReplaces(t *testing.T) {
	m := newLoaded(t, "x")
	require.NoError(t, m.ApplyOutput(0, models.Output{Type: models.OutputStdout, Content: "old"}, false))
	require.NoError(t, m.ApplyOutput(0, running, false))

	assert.Equal(t, running, output(t, m, 0))
}

func TestTerminalForcesKind(t *testing.T) {
	tests := []struct {
		name     string
		streamed []string
		terminal models.Output
		want     models.Output
	}{
		{
			name:     "empty stdout ends a streamed run",
			streamed: []string{"hi\n"},
			terminal: models.Output{Type: models.OutputStdout},
			want:     models.Output{Type: models.OutputStdout, Content: "hi\n"},
		},
		{
			name:     "stderr after stdout switches kind",
			streamed: []string{"partial\n"},
			terminal: models.Output{Type: models.OutputStderr, Content: "Traceback"},
			want:     models.Output{Type: models.OutputStderr, Content: "partial\nTraceback"},
		},
		{
			name:     "terminal replaces placeholder",
			terminal: models.Output{Type: models.OutputStderr, Content: "boom"},
			want:     models.Output{Type: models.OutputStderr, Content: "boom"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newLoaded(t, "x")
			require.NoError(t, m.ApplyOutput(0, running, false))
			for _, s := range tt.streamed {
				require.NoError(t, m.ApplyOutput(0, models.Output{Type: models.OutputStdout, Content: s}, true))
			}
			require.NoError(t, m.ApplyTerminal(0, tt.terminal))
			assert.Equal(t, tt.want, output(t, m, 0))
		})
	}
}

func TestOutputRejectedForMarkdown(t *testing.T) {
	m := newLoaded(t, "x")
	idx, err := m.InsertCell(models.CellTypeMarkdown)
	require.NoError(t, err)

	assert.ErrorIs(t, m.ApplyOutput(idx, running, false), ErrNotCodeCell)
	assert.ErrorIs(t, m.ApplyTerminal(idx, running), ErrNotCodeCell)
}

func TestOutputDoesNotDirty(t *testing.T) {
	m := newLoaded(t, "x")
	require.NoError(t, m.ApplyOutput(0, running, false))
	assert.False(t, m.Dirty())
}
