package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/internal/common/tracing"
	"github.com/pegasus-notebook/pegasus/internal/server/history"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
	maxStderrBytes = 1 << 20

	DefaultTimeout       = 10 * time.Second
	DefaultStatsInterval = 2 * time.Second

	dockerUnavailable = "Critical error: Docker is not available on the server. Please contact the administrator."
	executionStopped  = "Execution stopped"
	executionBusy     = "Another execution is already running"
)

// Recorder stores finished executions.
type Recorder interface {
	Record(ctx context.Context, e *history.Execution) error
}

// DiskUsage reports the bytes used by the workspace.
type DiskUsage interface {
	Usage() (int64, error)
}

type Options struct {
	Image         string
	Timeout       time.Duration
	StatsInterval time.Duration
	MemoryLimitMB float64
	DiskLimitMB   float64
}

// Kernel serves execution sockets.
type Kernel struct {
	runtime Runtime
	hub     *Hub
	history Recorder
	disk    DiskUsage
	opts    Options
	logger  *logger.Logger
}

// New builds a Kernel. history and disk may be nil.
func New(runtime Runtime, hub *Hub, rec Recorder, disk DiskUsage, opts Options, log *logger.Logger) *Kernel {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = DefaultStatsInterval
	}
	return &Kernel{
		runtime: runtime,
		hub:     hub,
		history: rec,
		disk:    disk,
		opts:    opts,
		logger:  log.WithFields(zap.String("component", "kernel")),
	}
}

func (k *Kernel) Hub() *Hub {
	return k.hub
}

// Available reports whether the runtime answers.
func (k *Kernel) Available(ctx context.Context) bool {
	return k.runtime.Ping(ctx) == nil
}

// Session is one execution socket.
type Session struct {
	ID string

	kernel *Kernel
	conn   *websocket.Conn
	logger *logger.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu     sync.Mutex
	execID string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Serve runs the session on an upgraded connection until the peer goes away
// or the kernel is restarted.
func (k *Kernel) Serve(ctx context.Context, conn *websocket.Conn) {
	s := &Session{
		ID:     uuid.New().String(),
		kernel: k,
		conn:   conn,
	}
	s.logger = k.logger.WithFields(zap.String("session_id", s.ID))
	defer s.CloseWith(websocket.CloseNormalClosure, "")

	if err := k.runtime.Ping(ctx); err != nil {
		s.logger.Error("runtime unavailable", zap.Error(err))
		_ = s.Send(protocol.TextFrame(protocol.FrameStderr, dockerUnavailable))
		s.CloseWith(websocket.CloseInternalServerErr, "Docker unavailable")
		return
	}

	k.hub.Register(s)
	defer k.hub.Unregister(s)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.statsLoop(ctx)
	s.readLoop(ctx)

	s.stopExecution()
	s.wg.Wait()
}

func (s *Session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.logger.Warn("invalid client frame", zap.Error(err))
			continue
		}

		switch frame.Action {
		case protocol.ActionExecute:
			s.execute(ctx, frame.Code)
		case protocol.ActionStopExecution:
			s.stopExecution()
		case protocol.ActionRestartKernel:
			s.logger.Info("kernel restart requested")
			s.stopExecution()
			s.wg.Wait()
			s.CloseWith(websocket.CloseNormalClosure, protocol.ReasonKernelRestarting)
			return
		default:
			s.logger.Warn("unknown action", zap.String("action", frame.Action))
		}
	}
}

// Send writes one frame.
func (s *Session) Send(frame protocol.ServerFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(frame)
}

// CloseWith sends a close frame and closes the connection. Later calls are no-ops.
func (s *Session) CloseWith(code int, reason string) {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
}

// Executing returns the id of the running execution, or "".
func (s *Session) Executing() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execID
}

func (s *Session) execute(ctx context.Context, code string) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		s.logger.Warn("execute rejected, an execution is already running")
		_ = s.Send(protocol.TextFrame(protocol.FrameStderr, executionBusy))
		return
	}
	req := Request{ID: uuid.New().String(), Code: code}
	execCtx, cancel := context.WithTimeout(ctx, s.kernel.opts.Timeout)
	s.execID = req.ID
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		defer s.release(req.ID)
		s.run(execCtx, req)
	}()
}

// release clears the running execution so the next execute is accepted.
func (s *Session) release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execID == id {
		s.execID = ""
		s.cancel = nil
	}
}

func (s *Session) stopExecution() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.logger.Info("stopping execution", zap.String("execution_id", s.execID))
		s.cancel()
	}
}

// streamWriter forwards stdout chunks as stream frames. A multibyte rune
// split across writes is held back until it is complete.
type streamWriter struct {
	s *Session
	n atomic.Int64

	mu      sync.Mutex
	pending []byte
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.n.Add(int64(len(p)))
	w.mu.Lock()
	defer w.mu.Unlock()

	data := append(w.pending, p...)
	cut := len(data) - partialRuneLen(data)
	w.pending = append([]byte(nil), data[cut:]...)
	if cut > 0 {
		w.send(data[:cut])
	}
	return len(p), nil
}

// flush sends whatever is still held back.
func (w *streamWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.send(w.pending)
		w.pending = nil
	}
}

func (w *streamWriter) send(p []byte) {
	if err := w.s.Send(protocol.TextFrame(protocol.FrameStream, string(p))); err != nil {
		w.s.logger.Debug("stream frame dropped", zap.Error(err))
	}
}

// partialRuneLen is the length of an incomplete UTF-8 sequence at the end of b.
func partialRuneLen(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		tail := b[len(b)-i:]
		if utf8.RuneStart(tail[0]) {
			if utf8.FullRune(tail) {
				return 0
			}
			return i
		}
	}
	return 0
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (s *Session) run(ctx context.Context, req Request) {
	log := s.logger.WithFields(zap.String("execution_id", req.ID))
	ctx, span := tracing.TraceKernelExecute(ctx, req.ID, s.kernel.opts.Image, req.Shell())

	started := time.Now()
	stdout := &streamWriter{s: s}
	stderr := &limitedBuffer{max: maxStderrBytes}
	res, err := s.kernel.runtime.Run(ctx, req, stdout, stderr)
	elapsed := time.Since(started)
	stdout.flush()

	collected := stderr.String()
	status, terminal := s.outcome(res, err, collected)
	s.release(req.ID)
	if sendErr := s.Send(terminal); sendErr != nil {
		log.Debug("terminal frame dropped", zap.Error(sendErr))
	}
	_ = s.Send(protocol.TextFrame(protocol.FrameFilesystemUpdate, ""))

	log.Info("execution finished",
		zap.String("status", status),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", elapsed),
	)
	tracing.TraceResult(span, status, err)

	if s.kernel.history == nil {
		return
	}
	rec := &history.Execution{
		ID:          req.ID,
		Code:        req.Code,
		Status:      status,
		ExitCode:    res.ExitCode,
		OutputBytes: stdout.n.Load() + int64(len(collected)),
		StartedAt:   started.UTC(),
		DurationMs:  elapsed.Milliseconds(),
	}
	if err := s.kernel.history.Record(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to record execution", zap.Error(err))
	}
}

// outcome picks the history status and the terminal frame.
func (s *Session) outcome(res Result, err error, stderr string) (string, protocol.ServerFrame) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg := fmt.Sprintf("Execution timed out after %g seconds", s.kernel.opts.Timeout.Seconds())
		if stderr != "" {
			msg = stderr + "\n" + msg
		}
		return history.StatusTimeout, protocol.TextFrame(protocol.FrameStderr, msg)
	case errors.Is(err, context.Canceled):
		return history.StatusStopped, protocol.TextFrame(protocol.FrameStderr, executionStopped)
	case err != nil:
		return history.StatusFailed, protocol.TextFrame(protocol.FrameStderr, "Execution failed: "+err.Error())
	case stderr != "":
		return history.StatusFailed, protocol.TextFrame(protocol.FrameStderr, stderr)
	case res.ExitCode != 0:
		return history.StatusFailed, protocol.TextFrame(protocol.FrameStderr, fmt.Sprintf("Process exited with code %d", res.ExitCode))
	default:
		return history.StatusCompleted, protocol.TextFrame(protocol.FrameStdout, "")
	}
}

func (s *Session) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.kernel.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sendStats(ctx); err != nil {
				s.logger.Debug("stats not sent", zap.Error(err))
			}
		}
	}
}

func (s *Session) sendStats(ctx context.Context) error {
	stats := protocol.ResourceStats{RAMLimit: s.kernel.opts.MemoryLimitMB}
	if id := s.Executing(); id != "" {
		sample, err := s.kernel.runtime.Stats(ctx, id)
		if err == nil {
			stats = sample
		}
	}
	frame, err := protocol.ObjectFrame(protocol.FrameResourceStats, stats)
	if err != nil {
		return err
	}
	if err := s.Send(frame); err != nil {
		return err
	}

	if s.kernel.disk == nil {
		return nil
	}
	used, err := s.kernel.disk.Usage()
	if err != nil {
		return err
	}
	frame, err = protocol.ObjectFrame(protocol.FrameDiskStats, protocol.DiskStats{
		DiskUsage: round2(float64(used) / mib),
		DiskLimit: s.kernel.opts.DiskLimitMB,
	})
	if err != nil {
		return err
	}
	return s.Send(frame)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
