package controller

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/api"
	"github.com/pegasus-notebook/pegasus/internal/events/bus"
	"github.com/pegasus-notebook/pegasus/internal/session/connection"
	"github.com/pegasus-notebook/pegasus/pkg/protocol"
)

const (
	statusConnecting   = "Connecting to kernel..."
	statusConnected    = "Kernel connected"
	statusAuthRejected = "Session expired, please log in again"
	statusRestarting   = "Kernel restarting..."
)

// Login exchanges the credentials for a token and connects to the kernel.
func (c *Controller) Login(ctx context.Context, username, password string) error {
	var base *api.Context
	if err := c.do(ctx, func() { base = c.api.Anonymous() }); err != nil {
		return err
	}

	token, err := c.creds.Exchange(ctx, base, username, password)
	if err != nil {
		_ = c.do(ctx, func() { c.setStatus(fmt.Sprintf("Login failed: %v", err), true) })
		return fmt.Errorf("login: %w", err)
	}

	return c.do(ctx, func() {
		c.username = username
		c.api = c.api.WithToken(token)
		c.loggedIn = true
		c.logger.Info("logged in", zap.String("username", username))
		c.connect()
	})
}

// Logout drops the credential and closes the kernel connection. The open
// document stays in memory.
func (c *Controller) Logout(ctx context.Context) error {
	return c.do(ctx, func() {
		c.logout()
		c.setStatus("Logged out", false)
	})
}

// Reconnect replaces the kernel connection using the current credential.
func (c *Controller) Reconnect(ctx context.Context) error {
	var err error
	if doErr := c.do(ctx, func() {
		if !c.loggedIn {
			err = ErrNotLoggedIn
			return
		}
		c.connect()
	}); doErr != nil {
		return doErr
	}
	return err
}

// APIContext returns the authenticated backend context.
func (c *Controller) APIContext(ctx context.Context) (*api.Context, error) {
	var (
		out *api.Context
		err error
	)
	if doErr := c.do(ctx, func() { out, err = c.session() }); doErr != nil {
		return nil, doErr
	}
	return out, err
}

func (c *Controller) session() (*api.Context, error) {
	if !c.loggedIn {
		return nil, ErrNotLoggedIn
	}
	return c.api, nil
}

func (c *Controller) logout() {
	c.connGen++
	c.closeConn()
	c.sched.Cancel()
	c.loggedIn = false
	c.api = c.api.Anonymous()
	c.logger.Info("logged out", zap.String("username", c.username))
	c.username = ""
}

// connect tears down the current connection and dials a new one.
func (c *Controller) connect() {
	c.closeConn()
	c.connGen++

	conn := connection.New(c.api.ExecuteURL(), c.onConnectionEvent, c.logger)
	if c.dialer != nil {
		conn.WithDialer(c.dialer)
	}
	c.conn = conn
	if err := conn.Start(c.ctx); err != nil {
		c.conn = nil
		c.setStatus(fmt.Sprintf("Failed to connect to kernel: %v", err), true)
		return
	}
	c.setStatus(statusConnecting, false)
}

func (c *Controller) closeConn() {
	if c.conn == nil {
		return
	}
	old := c.conn
	c.conn = nil
	c.disp.Detach()
	old.Close()
}

// onConnectionEvent runs on the connection's goroutine.
func (c *Controller) onConnectionEvent(ev connection.Event) {
	c.post(func() { c.handleConnectionEvent(ev) })
}

func (c *Controller) handleConnectionEvent(ev connection.Event) {
	if ev.Conn == nil || ev.Conn != c.conn {
		c.logger.Debug("ignoring event from stale connection", zap.Int("kind", int(ev.Kind)))
		return
	}

	switch ev.Kind {
	case connection.EventOpened:
		c.disp.Attach(ev.Conn)
		c.setStatus(statusConnected, false)
	case connection.EventFrame:
		c.handleFrame(ev.Frame)
	case connection.EventClosed:
		c.conn = nil
		c.disp.Detach()
		c.handleClosed(ev)
	}
}

func (c *Controller) handleClosed(ev connection.Event) {
	switch ev.Reason {
	case connection.ReasonAuthRejected:
		c.logout()
		c.setStatus(statusAuthRejected, true)
	case connection.ReasonKernelRestart:
		c.doc.ClearAllOutputs()
		c.setStatus(statusRestarting, false)
		c.scheduleReconnect()
	case connection.ReasonLocal:
	default:
		msg := "Kernel disconnected"
		switch {
		case ev.Text != "":
			msg = fmt.Sprintf("%s: %s", msg, ev.Text)
		case ev.Err != nil:
			msg = fmt.Sprintf("%s: %v", msg, ev.Err)
		}
		c.setStatus(msg, true)
	}
}

func (c *Controller) scheduleReconnect() {
	gen := c.connGen
	c.clock.AfterFunc(c.reconnectDelay, func() {
		c.post(func() {
			if gen != c.connGen || !c.loggedIn || c.conn != nil {
				return
			}
			c.logger.Info("reconnecting after kernel restart")
			c.connect()
		})
	})
}

func (c *Controller) handleFrame(frame protocol.ServerFrame) {
	executingID := c.disp.ExecutingID()
	res := c.disp.HandleFrame(frame)
	if res.Status != "" {
		c.setStatus(res.Status, res.IsError)
	}
	if res.Completed {
		c.finished++
		c.failed = res.IsError
		c.publish(bus.SubjectExecutionDone, map[string]interface{}{
			"notebook": c.doc.Name(),
			"cell_id":  executingID,
			"is_error": res.IsError,
		})
	}
	if res.RefreshWorkspace {
		c.publish(bus.SubjectWorkspaceRefresh, map[string]interface{}{})
	}
}

// handleRequestError logs out when the backend rejected the token.
func (c *Controller) handleRequestError(err error) {
	if errors.Is(err, api.ErrUnauthorized) && c.loggedIn {
		c.logout()
		c.setStatus(statusAuthRejected, true)
	}
}
