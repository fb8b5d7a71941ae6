package dispatcher

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/internal/notebook/document"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

type fakeSender struct {
	sent []protocol.ClientFrame
	err  error
}

func (f *fakeSender) Send(frame protocol.ClientFrame) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, frame)
	return nil
}

func newDispatcher(t *testing.T, sources ...string) (*Dispatcher, *document.Model, *fakeSender) {
	t.Helper()
	doc := &models.Document{NBFormat: models.FormatMajor, NBFormatMinor: models.FormatMinor}
	for _, src := range sources {
		cell := models.NewCell(models.CellTypeCode)
		cell.Source = models.SplitSource(src)
		doc.Cells = append(doc.Cells, cell)
	}
	m := document.New()
	m.Load("test.ipynb", doc)
	d := New(m, logger.Nop())
	s := &fakeSender{}
	d.Attach(s)
	return d, m, s
}

func output(t *testing.T, m *document.Model, index int) models.Output {
	t.Helper()
	cell, err := m.Cell(index)
	require.NoError(t, err)
	out, ok := cell.Output()
	require.True(t, ok)
	return out
}

func TestRunPrintScenario(t *testing.T) {
	d, m, s := newDispatcher(t, "print('hi')")

	require.NoError(t, d.Run(context.Background(), 0))
	require.Len(t, s.sent, 1)
	assert.Equal(t, protocol.ClientFrame{Action: "execute", Code: "print('hi')"}, s.sent[0])
	assert.Equal(t, 0, d.Executing())
	assert.Equal(t, models.Output{Type: models.OutputStatus, Content: models.StatusRunning}, output(t, m, 0))

	res := d.HandleFrame(protocol.TextFrame(protocol.FrameStream, "hi\n"))
	assert.False(t, res.Completed)
	assert.Equal(t, 0, d.Executing())

	res = d.HandleFrame(protocol.TextFrame(protocol.FrameStdout, ""))
	assert.True(t, res.Completed)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.False(t, res.IsError)

	assert.Equal(t, models.Output{Type: models.OutputStdout, Content: "hi\n"}, output(t, m, 0))
	assert.Equal(t, document.NoCell, d.Executing())
}

func TestRunRequiresConnection(t *testing.T) {
	d, m, _ := newDispatcher(t, "1")
	d.Detach()

	err := d.Run(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotConnected)
	cell, _ := m.Cell(0)
	assert.Empty(t, cell.Outputs)
	assert.ErrorIs(t, d.Stop(), ErrNotConnected)
	assert.ErrorIs(t, d.RestartKernel(true), ErrNotConnected)
}

func TestRunRejectsMarkdownAndSecondRun(t *testing.T) {
	d, m, s := newDispatcher(t, "1", "2")
	_, err := m.InsertCell(models.CellTypeMarkdown)
	require.NoError(t, err)

	assert.ErrorIs(t, d.Run(context.Background(), m.ActiveIndex()), document.ErrNotCodeCell)
	require.NoError(t, d.Run(context.Background(), 0))
	assert.ErrorIs(t, d.Run(context.Background(), 2), ErrExecutionInFlight)
	assert.Len(t, s.sent, 1)
}

func TestRunWithoutDocument(t *testing.T) {
	d := New(document.New(), logger.Nop())
	d.Attach(&fakeSender{})
	assert.ErrorIs(t, d.Run(context.Background(), 0), document.ErrNoDocument)
}

func TestRunSendFailureLeavesIdle(t *testing.T) {
	d, m, s := newDispatcher(t, "1")
	prior := models.Output{Type: models.OutputStdout, Content: "1\n"}
	require.NoError(t, m.ApplyOutput(0, prior, false))
	s.err = errors.New("broken pipe")

	err := d.Run(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, document.NoCell, d.Executing())
	assert.False(t, d.Busy())
	assert.Equal(t, prior, output(t, m, 0))
}

func TestDeletedExecutingCellKeepsBusyUntilTerminal(t *testing.T) {
	d, m, s := newDispatcher(t, "a", "b")
	require.NoError(t, d.Run(context.Background(), 1))
	require.NoError(t, m.DeleteCell(1, false))

	assert.Equal(t, document.NoCell, d.Executing())
	assert.True(t, d.Busy())
	assert.ErrorIs(t, d.Run(context.Background(), 0), ErrExecutionInFlight)

	res := d.HandleFrame(protocol.TextFrame(protocol.FrameStream, "dropped"))
	assert.Empty(t, res.CellID)
	res = d.HandleFrame(protocol.TextFrame(protocol.FrameStdout, ""))
	assert.True(t, res.Completed)
	assert.Empty(t, res.CellID)
	assert.False(t, d.Busy())

	cell, _ := m.Cell(0)
	assert.Empty(t, cell.Outputs)
	require.NoError(t, d.Run(context.Background(), 0))
	assert.Len(t, s.sent, 2)
}

func TestStderrTerminalForcesKind(t *testing.T) {
	d, m, _ := newDispatcher(t, "import sys")
	require.NoError(t, d.Run(context.Background(), 0))

	d.HandleFrame(protocol.TextFrame(protocol.FrameStream, "partial "))
	res := d.HandleFrame(protocol.TextFrame(protocol.FrameStderr, "Traceback"))

	assert.True(t, res.IsError)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, models.Output{Type: models.OutputStderr, Content: "partial Traceback"}, output(t, m, 0))
}

func TestOutputFollowsExecutingCellWhenActiveMoves(t *testing.T) {
	d, m, _ := newDispatcher(t, "a", "b")
	require.NoError(t, d.Run(context.Background(), 1))

	moved, err := m.MoveCell(1, document.Up)
	require.NoError(t, err)
	require.True(t, moved)
	require.NoError(t, m.SetActive(1))

	res := d.HandleFrame(protocol.TextFrame(protocol.FrameStream, "out"))
	cell, _ := m.Cell(0)
	assert.Equal(t, cell.ID, res.CellID)
	assert.Equal(t, "out", output(t, m, 0).Content)

	other, _ := m.Cell(1)
	assert.Empty(t, other.Outputs)
}

func TestStreamWithoutExecutionTargetsActiveCell(t *testing.T) {
	d, m, _ := newDispatcher(t, "a", "b")
	require.NoError(t, m.SetActive(1))

	d.HandleFrame(protocol.TextFrame(protocol.FrameStream, "late"))
	assert.Equal(t, "late", output(t, m, 1).Content)
}

func TestStopDoesNotClearExecuting(t *testing.T) {
	d, _, s := newDispatcher(t, "while True: pass")
	require.NoError(t, d.Run(context.Background(), 0))

	require.NoError(t, d.Stop())
	assert.Equal(t, protocol.StopExecution(), s.sent[1])
	assert.Equal(t, 0, d.Executing())
}

func TestRestartRequiresConfirmation(t *testing.T) {
	d, _, s := newDispatcher(t, "1")

	assert.ErrorIs(t, d.RestartKernel(false), ErrConfirmationRequired)
	assert.Empty(t, s.sent)

	require.NoError(t, d.RestartKernel(true))
	assert.Equal(t, []protocol.ClientFrame{protocol.RestartKernel()}, s.sent)
}

func TestSideChannelFrames(t *testing.T) {
	d, m, _ := newDispatcher(t, "1")
	before := m.Revision()

	res := d.HandleFrame(protocol.ServerFrame{Type: protocol.FrameFilesystemUpdate})
	assert.True(t, res.RefreshWorkspace)
	assert.Equal(t, before, m.Revision())

	frame, err := protocol.ObjectFrame(protocol.FrameResourceStats,
		protocol.ResourceStats{CPUPercent: 12.5, RAMUsage: 40, RAMLimit: 256})
	require.NoError(t, err)
	assert.True(t, d.HandleFrame(frame).StatsChanged)

	frame, err = protocol.ObjectFrame(protocol.FrameDiskStats, protocol.DiskStats{DiskUsage: 3, DiskLimit: 1024})
	require.NoError(t, err)
	assert.True(t, d.HandleFrame(frame).StatsChanged)

	assert.Equal(t, Stats{
		CPUPercent: 12.5, RAMUsage: 40, RAMLimit: 256,
		DiskUsage: 3, DiskLimit: 1024,
		HasResources: true, HasDisk: true,
	}, d.Stats())

	bad := protocol.ServerFrame{Type: protocol.FrameDiskStats, Content: []byte(`"nope"`)}
	assert.False(t, d.HandleFrame(bad).StatsChanged)
}

func TestUnknownFrameAbortsExecution(t *testing.T) {
	d, _, _ := newDispatcher(t, "1")
	assert.Equal(t, Result{}, d.HandleFrame(protocol.ServerFrame{Type: "mystery"}))

	require.NoError(t, d.Run(context.Background(), 0))
	res := d.HandleFrame(protocol.ServerFrame{Type: "mystery"})
	assert.Equal(t, Result{Completed: true, Status: StatusAborted, IsError: true}, res)
	assert.Equal(t, document.NoCell, d.Executing())
	assert.False(t, d.Busy())
}

func TestDetachResetsState(t *testing.T) {
	d, _, _ := newDispatcher(t, "1")
	require.NoError(t, d.Run(context.Background(), 0))
	frame, _ := protocol.ObjectFrame(protocol.FrameResourceStats, protocol.ResourceStats{CPUPercent: 1})
	d.HandleFrame(frame)

	d.Detach()
	assert.Equal(t, document.NoCell, d.Executing())
	assert.Equal(t, Stats{}, d.Stats())
	assert.False(t, d.Connected())
}
