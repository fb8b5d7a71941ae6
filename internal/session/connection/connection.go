// Package connection manages one execution WebSocket.
//
// A Connection moves CLOSED -> CONNECTING -> OPEN -> CLOSED exactly once;
// reconnecting means creating a new Connection. Lifecycle changes and inbound
// frames are delivered as Events to a sink, tagged with the originating
// Connection so the owner can discard events from a connection it already
// replaced.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024 * 1024
)

var (
	ErrNotOpen        = errors.New("connection is not open")
	ErrAlreadyStarted = errors.New("connection already started")
)

// State of the connection.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// CloseReason classifies why a connection ended.
type CloseReason int

const (
	// ReasonLocal is a Close call by the owner.
	ReasonLocal CloseReason = iota
	// ReasonAuthRejected is close code 1008 or a 401/403 handshake.
	ReasonAuthRejected
	// ReasonKernelRestart is the benign "Kernel restarting" closure.
	ReasonKernelRestart
	// ReasonTransportError is anything else.
	ReasonTransportError
)

func (r CloseReason) String() string {
	switch r {
	case ReasonAuthRejected:
		return "auth_rejected"
	case ReasonKernelRestart:
		return "kernel_restart"
	case ReasonTransportError:
		return "transport_error"
	default:
		return "local"
	}
}

// EventKind discriminates Event.
type EventKind int

const (
	EventOpened EventKind = iota
	EventFrame
	EventClosed
)

// Event is delivered to the sink from the connection goroutine.
type Event struct {
	Conn   *Connection
	Kind   EventKind
	Frame  protocol.ServerFrame
	Reason CloseReason
	Code   int
	Text   string
	Err    error
}

// Sink receives events in order. It may block; Close unblocks nothing, so the
// sink must give up when its owner stops.
type Sink func(Event)

// Connection is one execution socket.
type Connection struct {
	url    string
	dialer *websocket.Dialer
	sink   Sink
	logger *logger.Logger

	state   atomic.Int32
	started atomic.Bool
	closing atomic.Bool

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// New creates a connection for url. Nothing happens until Start.
func New(url string, sink Sink, log *logger.Logger) *Connection {
	return &Connection{
		url:    url,
		dialer: websocket.DefaultDialer,
		sink:   sink,
		logger: log.WithFields(zap.String("component", "session-connection")),
	}
}

// WithDialer replaces the default dialer. Must be called before Start.
func (c *Connection) WithDialer(d *websocket.Dialer) *Connection {
	c.dialer = d
	return c
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Start dials in the background. Exactly one EventClosed follows, preceded by
// EventOpened when the handshake succeeds.
func (c *Connection) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.state.Store(int32(StateConnecting))
	go c.run(ctx)
	return nil
}

func (c *Connection) run(ctx context.Context) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		reason := ReasonTransportError
		code := 0
		if resp != nil {
			code = resp.StatusCode
			if code == http.StatusUnauthorized || code == http.StatusForbidden {
				reason = ReasonAuthRejected
			}
		}
		if c.closing.Load() {
			reason = ReasonLocal
		}
		c.logger.Warn("execution socket dial failed", zap.Error(err), zap.Int("status", code))
		c.finish(Event{Reason: reason, Code: code, Err: err})
		return
	}

	c.mu.Lock()
	if c.closing.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		c.finish(Event{Reason: ReasonLocal})
		return
	}
	c.conn = conn
	c.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	c.state.Store(int32(StateOpen))
	c.logger.Info("execution socket open")
	c.sink(Event{Conn: c, Kind: EventOpened})

	c.readLoop(conn)
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(c.classify(err))
			return
		}
		var frame protocol.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		c.sink(Event{Conn: c, Kind: EventFrame, Frame: frame})
	}
}

func (c *Connection) classify(err error) Event {
	if c.closing.Load() {
		return Event{Reason: ReasonLocal, Err: err}
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		ev := Event{Code: ce.Code, Text: ce.Text, Err: err}
		switch {
		case ce.Code == protocol.CloseAuthRejected:
			ev.Reason = ReasonAuthRejected
		case ce.Text == protocol.ReasonKernelRestarting:
			ev.Reason = ReasonKernelRestart
		default:
			ev.Reason = ReasonTransportError
		}
		return ev
	}
	return Event{Reason: ReasonTransportError, Err: err}
}

func (c *Connection) finish(ev Event) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()

		ev.Conn = c
		ev.Kind = EventClosed
		c.logger.Info("execution socket closed",
			zap.String("reason", ev.Reason.String()),
			zap.Int("code", ev.Code),
			zap.String("text", ev.Text))
		c.sink(ev)
	})
}

// Send writes a client frame. It fails with ErrNotOpen unless the socket is open.
func (c *Connection) Send(frame protocol.ClientFrame) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to send %s: %w", frame.Action, err)
	}
	return nil
}

// Close tears the connection down. The resulting EventClosed carries ReasonLocal.
func (c *Connection) Close() {
	c.closing.Store(true)
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	if !c.started.Load() {
		c.state.Store(int32(StateClosed))
	}
}
