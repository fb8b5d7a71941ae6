// Package dispatcher sends execution requests and folds inbound frames into
// the document.
//
// At most one execution is in flight. The target cell is remembered by id
// when Run is called, so moving or inserting cells while output streams in
// does not misroute it.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/internal/common/tracing"
	"github.com/pegasus-notebook/pegasus/internal/notebook/document"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

var (
	ErrNotConnected         = errors.New("kernel not connected")
	ErrExecutionInFlight    = errors.New("an execution is already running")
	ErrConfirmationRequired = errors.New("kernel restart requires confirmation")
)

const (
	StatusCompleted  = "Execution completed"
	StatusFailed     = "Execution finished with errors"
	StatusRestarting = "Restarting kernel..."
	StatusStopping   = "Stop requested"
	StatusAborted    = "Execution aborted"
)

// Sender is the open execution socket.
type Sender interface {
	Send(frame protocol.ClientFrame) error
}

// Stats is the resource side channel. Memory and disk values are MiB.
type Stats struct {
	CPUPercent float64
	RAMUsage   float64
	RAMLimit   float64
	DiskUsage  float64
	DiskLimit  float64

	HasResources bool
	HasDisk      bool
}

// Result describes what HandleFrame changed.
type Result struct {
	// CellID is the cell whose output changed, empty if none.
	CellID string
	// Completed is set when a terminal frame ended the execution.
	Completed bool
	// Status is a human readable status for the frame, empty if unchanged.
	Status  string
	IsError bool

	RefreshWorkspace bool
	StatsChanged     bool
}

// Dispatcher is not safe for concurrent use; the session controller owns it.
type Dispatcher struct {
	doc    *document.Model
	sender Sender
	logger *logger.Logger

	executingID string
	stats       Stats

	span trace.Span
}

func New(doc *document.Model, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		doc:    doc,
		logger: log.WithFields(zap.String("component", "execution-dispatcher")),
	}
}

// Attach sets the open connection. Run, Stop and RestartKernel fail with
// ErrNotConnected until a sender is attached.
func (d *Dispatcher) Attach(s Sender) {
	d.sender = s
}

// Detach drops the connection and resets execution state, since an in-flight
// execution can no longer complete.
func (d *Dispatcher) Detach() {
	d.sender = nil
	d.Reset()
}

func (d *Dispatcher) Connected() bool {
	return d.sender != nil
}

// Run executes the code cell at index.
func (d *Dispatcher) Run(ctx context.Context, index int) error {
	if d.sender == nil {
		return ErrNotConnected
	}
	if !d.doc.Loaded() {
		return document.ErrNoDocument
	}
	if d.executingID != "" {
		return ErrExecutionInFlight
	}
	cell, err := d.doc.Cell(index)
	if err != nil {
		return err
	}
	if !cell.IsCode() {
		return document.ErrNotCodeCell
	}
	if err := d.doc.SetActive(index); err != nil {
		return err
	}

	code := cell.Text()
	_, span := tracing.TraceCellRun(ctx, d.doc.Name(), cell.ID, len(code))

	if err := d.sender.Send(protocol.Execute(code)); err != nil {
		tracing.TraceResult(span, "send_failed", err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	d.executingID = cell.ID
	d.span = span

	placeholder := models.Output{Type: models.OutputStatus, Content: models.StatusRunning}
	if err := d.doc.ApplyOutput(index, placeholder, false); err != nil {
		d.logger.Warn("running placeholder not applied", zap.Error(err), zap.Int("index", index))
	}
	d.logger.Debug("execution dispatched",
		zap.String("cell_id", cell.ID),
		zap.Int("index", index),
		zap.Int("code_length", len(code)))
	return nil
}

// Stop asks the backend to stop the running execution. The busy state only
// clears when a terminal frame arrives or the connection closes.
func (d *Dispatcher) Stop() error {
	if d.sender == nil {
		return ErrNotConnected
	}
	if err := d.sender.Send(protocol.StopExecution()); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (d *Dispatcher) RestartKernel(confirmed bool) error {
	if d.sender == nil {
		return ErrNotConnected
	}
	if !confirmed {
		return ErrConfirmationRequired
	}
	if err := d.sender.Send(protocol.RestartKernel()); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Busy reports whether an execution is in flight. It stays set when the
// executing cell was deleted or the document replaced, until the terminal
// frame arrives or the connection closes.
func (d *Dispatcher) Busy() bool {
	return d.executingID != ""
}

// Executing returns the index of the executing cell, or document.NoCell.
func (d *Dispatcher) Executing() int {
	if d.executingID == "" {
		return document.NoCell
	}
	return d.doc.CellIndex(d.executingID)
}

// ExecutingID returns the id of the executing cell, empty when idle.
func (d *Dispatcher) ExecutingID() string {
	return d.executingID
}

func (d *Dispatcher) Stats() Stats {
	return d.stats
}

// Reset clears the executing cell and the resource stats.
func (d *Dispatcher) Reset() {
	d.finish("aborted", nil)
	d.stats = Stats{}
}

// HandleFrame applies one inbound frame.
func (d *Dispatcher) HandleFrame(frame protocol.ServerFrame) Result {
	switch frame.Type {
	case protocol.FrameStream:
		return d.applyStream(frame)
	case protocol.FrameStdout, protocol.FrameStderr:
		return d.applyTerminal(frame)
	case protocol.FrameFilesystemUpdate:
		return Result{RefreshWorkspace: true}
	case protocol.FrameResourceStats:
		stats, err := frame.ResourceStats()
		if err != nil {
			d.logger.Warn("ignoring resource stats", zap.Error(err))
			return Result{}
		}
		d.stats.CPUPercent = stats.CPUPercent
		d.stats.RAMUsage = stats.RAMUsage
		d.stats.RAMLimit = stats.RAMLimit
		d.stats.HasResources = true
		return Result{StatsChanged: true}
	case protocol.FrameDiskStats:
		stats, err := frame.DiskStats()
		if err != nil {
			d.logger.Warn("ignoring disk stats", zap.Error(err))
			return Result{}
		}
		d.stats.DiskUsage = stats.DiskUsage
		d.stats.DiskLimit = stats.DiskLimit
		d.stats.HasDisk = true
		return Result{StatsChanged: true}
	default:
		d.logger.Warn("unknown frame type", zap.String("type", frame.Type))
		if d.executingID == "" {
			return Result{}
		}
		d.finish("unknown_frame", errors.New(StatusAborted))
		return Result{Completed: true, Status: StatusAborted, IsError: true}
	}
}

func (d *Dispatcher) applyStream(frame protocol.ServerFrame) Result {
	index := d.target()
	if index == document.NoCell {
		d.logger.Debug("stream frame with no target cell")
		return Result{}
	}
	out := models.Output{Type: models.OutputStdout, Content: frame.Text()}
	if err := d.doc.ApplyOutput(index, out, true); err != nil {
		d.logger.Debug("stream frame not applied", zap.Error(err), zap.Int("index", index))
		return Result{}
	}
	return Result{CellID: d.cellID(index)}
}

func (d *Dispatcher) applyTerminal(frame protocol.ServerFrame) Result {
	res := Result{Completed: true, Status: StatusCompleted}
	kind := models.OutputStdout
	if frame.Type == protocol.FrameStderr {
		kind = models.OutputStderr
		res.Status = StatusFailed
		res.IsError = true
	}

	if index := d.target(); index != document.NoCell {
		if err := d.doc.ApplyTerminal(index, models.Output{Type: kind, Content: frame.Text()}); err != nil {
			d.logger.Debug("terminal frame not applied", zap.Error(err), zap.Int("index", index))
		} else {
			res.CellID = d.cellID(index)
		}
	}

	var err error
	if res.IsError {
		err = errors.New(StatusFailed)
	}
	d.finish(string(kind), err)
	return res
}

// target is the executing cell, or the active cell when nothing is executing.
func (d *Dispatcher) target() int {
	if d.executingID != "" {
		if i := d.doc.CellIndex(d.executingID); i != document.NoCell {
			return i
		}
		return document.NoCell
	}
	return d.doc.ActiveIndex()
}

func (d *Dispatcher) cellID(index int) string {
	cell, err := d.doc.Cell(index)
	if err != nil {
		return ""
	}
	return cell.ID
}

func (d *Dispatcher) finish(outcome string, err error) {
	if d.span != nil {
		tracing.TraceResult(d.span, outcome, err)
		d.span = nil
	}
	d.executingID = ""
}
