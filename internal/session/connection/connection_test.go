package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func newServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") == "forbidden" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/execute?token="
}

func startConn(t *testing.T, url string) (*Connection, chan Event) {
	t.Helper()
	events := make(chan Event, 32)
	c := New(url, func(ev Event) { events <- ev }, logger.Nop())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)
	return c, events
}

func next(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connection event")
		return Event{}
	}
}

func waitClosed(t *testing.T, events chan Event) Event {
	t.Helper()
	for {
		ev := next(t, events)
		if ev.Kind == EventClosed {
			return ev
		}
	}
}

func TestOpenSendAndReceive(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		var frame protocol.ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.TextFrame(protocol.FrameStream, frame.Code))
		_ = conn.WriteJSON(protocol.TextFrame(protocol.FrameStdout, ""))
		_, _, _ = conn.ReadMessage()
	})
	c, events := startConn(t, url+"tok")

	opened := next(t, events)
	require.Equal(t, EventOpened, opened.Kind)
	assert.Same(t, c, opened.Conn)
	assert.Equal(t, StateOpen, c.State())

	require.NoError(t, c.Send(protocol.Execute("hi\n")))

	ev := next(t, events)
	require.Equal(t, EventFrame, ev.Kind)
	assert.Equal(t, protocol.FrameStream, ev.Frame.Type)
	assert.Equal(t, "hi\n", ev.Frame.Text())

	ev = next(t, events)
	assert.Equal(t, protocol.FrameStdout, ev.Frame.Type)
}

func TestCloseClassification(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		text   string
		reason CloseReason
	}{
		{"policy violation is auth rejection", websocket.ClosePolicyViolation, "", ReasonAuthRejected},
		{"kernel restart", websocket.CloseNormalClosure, protocol.ReasonKernelRestarting, ReasonKernelRestart},
		{"server error", websocket.CloseInternalServerErr, "boom", ReasonTransportError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := newServer(t, func(conn *websocket.Conn) {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(tt.code, tt.text))
				_, _, _ = conn.ReadMessage()
			})
			c, events := startConn(t, url+"tok")

			ev := waitClosed(t, events)
			assert.Equal(t, tt.reason, ev.Reason)
			assert.Equal(t, tt.code, ev.Code)
			assert.Equal(t, StateClosed, c.State())
		})
	}
}

func TestAbruptDropIsTransportError(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		_ = conn.UnderlyingConn().Close()
	})
	_, events := startConn(t, url+"tok")

	ev := waitClosed(t, events)
	assert.Equal(t, ReasonTransportError, ev.Reason)
}

func TestForbiddenHandshakeIsAuthRejection(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {})
	c, events := startConn(t, url+"forbidden")

	ev := next(t, events)
	require.Equal(t, EventClosed, ev.Kind)
	assert.Equal(t, ReasonAuthRejected, ev.Reason)
	assert.Equal(t, http.StatusForbidden, ev.Code)
	assert.ErrorIs(t, c.Send(protocol.StopExecution()), ErrNotOpen)
}

func TestLocalClose(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})
	c, events := startConn(t, url+"tok")
	require.Equal(t, EventOpened, next(t, events).Kind)

	c.Close()

	ev := waitClosed(t, events)
	assert.Equal(t, ReasonLocal, ev.Reason)
	assert.ErrorIs(t, c.Send(protocol.StopExecution()), ErrNotOpen)
}

func TestStartTwice(t *testing.T) {
	url := newServer(t, func(conn *websocket.Conn) { _, _, _ = conn.ReadMessage() })
	c, _ := startConn(t, url+"tok")
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestSendBeforeStart(t *testing.T) {
	c := New("ws://127.0.0.1:1/x", func(Event) {}, logger.Nop())
	assert.Equal(t, StateClosed, c.State())
	assert.ErrorIs(t, c.Send(protocol.Execute("1")), ErrNotOpen)
}
