// Package controller runs a notebook session: login, the execution socket,
// the open document and its autosave.
//
// All session state is owned by the goroutine running Run. Public methods post
// a command to that goroutine and wait for it; socket events and timer fires
// are posted the same way, so every transition runs to completion before the
// next one starts. HTTP calls happen on the caller's goroutine and only their
// results are posted back.
package controller

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/api"
	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/internal/events/bus"
	"github.com/pegasus-notebook/pegasus/internal/notebook/autosave"
	"github.com/pegasus-notebook/pegasus/internal/notebook/document"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
	"github.com/pegasus-notebook/pegasus/internal/session/connection"
	"github.com/pegasus-notebook/pegasus/internal/session/dispatcher"
)

const (
	eventSource           = "notebook-controller"
	defaultBaseURL        = "http://localhost:8000/api"
	DefaultReconnectDelay = time.Second
)

var (
	ErrStopped             = errors.New("controller stopped")
	ErrAlreadyRunning      = errors.New("controller already running")
	ErrNotLoggedIn         = errors.New("not logged in")
	ErrChangesNotDiscarded = errors.New("unsaved changes were not discarded")
	ErrExecutionFailed     = errors.New("execution finished with errors")
)

// NotebookStore is the document storage service.
type NotebookStore interface {
	List(ctx context.Context, api *api.Context) ([]api.NotebookInfo, error)
	Get(ctx context.Context, api *api.Context, name string) (*models.Document, error)
	Put(ctx context.Context, api *api.Context, name string, doc *models.Document) error
	Rename(ctx context.Context, api *api.Context, name, newName string) error
	Delete(ctx context.Context, api *api.Context, name string) error
	Download(ctx context.Context, api *api.Context, name string, w io.Writer) error
}

// Authenticator exchanges credentials for an opaque bearer token.
type Authenticator interface {
	Exchange(ctx context.Context, api *api.Context, username, password string) (string, error)
}

// Status is the single user-visible status line.
type Status struct {
	Message string
	IsError bool
}

// Snapshot is a consistent copy of the session state.
type Snapshot struct {
	LoggedIn bool
	Username string

	Connection  connection.State
	KernelReady bool
	Status      Status

	// Notebook is empty when no document is open; Document is nil then.
	Notebook  string
	Document  *models.Document
	Active    int
	Executing int
	// Busy is set while an execution is in flight, including when its cell
	// is no longer in the document and Executing is document.NoCell.
	Busy     bool
	Dirty    bool
	Autosave autosave.State

	Stats dispatcher.Stats
	// Finished counts executions that ended with a terminal frame.
	Finished uint64
	// LastFailed reports whether the most recent finished execution failed.
	LastFailed bool
}

// Options configures a Controller.
type Options struct {
	// API is the unauthenticated backend context.
	API         *api.Context
	Notebooks   NotebookStore
	Credentials Authenticator
	Confirmer   Confirmer
	// Bus receives session events. An in-memory bus is used when nil.
	Bus            bus.EventBus
	Clock          autosave.Clock
	AutosaveDelay  time.Duration
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
	Logger         *logger.Logger
}

// Controller is a notebook session.
type Controller struct {
	store     NotebookStore
	creds     Authenticator
	confirmer Confirmer
	bus       bus.EventBus
	clock     autosave.Clock
	dialer    *websocket.Dialer
	logger    *logger.Logger

	reconnectDelay time.Duration

	cmds    chan func()
	stopped chan struct{}
	running atomic.Bool

	// Loop state.
	ctx      context.Context
	api      *api.Context
	username string
	loggedIn bool
	doc      *document.Model
	disp     *dispatcher.Dispatcher
	sched    *autosave.Scheduler
	armedRev uint64
	conn     *connection.Connection
	connGen  uint64
	status   Status
	finished uint64
	failed   bool

	saveMu sync.Mutex

	subsMu sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
	last   atomic.Pointer[Snapshot]
}

// New creates a controller. Call Run before using it.
func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", eventSource))

	eventBus := opts.Bus
	if eventBus == nil {
		eventBus = bus.NewMemoryEventBus(log)
	}
	clock := opts.Clock
	if clock == nil {
		clock = autosave.SystemClock()
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	store := opts.Notebooks
	if store == nil {
		store = api.Notebooks{}
	}
	creds := opts.Credentials
	if creds == nil {
		creds = api.Credentials{}
	}
	base := opts.API
	if base == nil {
		base, _ = api.NewContext(defaultBaseURL, 0, log)
	}

	doc := document.New()
	c := &Controller{
		store:          store,
		creds:          creds,
		confirmer:      opts.Confirmer,
		bus:            eventBus,
		clock:          clock,
		dialer:         opts.Dialer,
		logger:         log,
		reconnectDelay: delay,
		cmds:           make(chan func()),
		stopped:        make(chan struct{}),
		ctx:            context.Background(),
		api:            base.Anonymous(),
		doc:            doc,
		disp:           dispatcher.New(doc, log),
		subs:           make(map[int]chan Snapshot),
	}
	c.sched = autosave.New(opts.AutosaveDelay, clock, func(token uint64) {
		c.post(func() { c.onAutosave(token) })
	})
	snap := c.snapshot()
	c.last.Store(&snap)
	return c
}

// Bus returns the event bus session events are published on.
func (c *Controller) Bus() bus.EventBus {
	return c.bus
}

// Serve processes commands and events until ctx is cancelled.
func (c *Controller) Serve(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.stopped)
	c.ctx = ctx
	c.logger.Info("notebook controller started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.logger.Info("notebook controller stopped")
			return nil
		case cmd := <-c.cmds:
			cmd()
		}
	}
}

func (c *Controller) shutdown() {
	c.sched.Cancel()
	c.connGen++
	c.closeConn()
	c.subsMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subsMu.Unlock()
}

// do runs f on the loop and waits for it.
func (c *Controller) do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		f()
		c.changed()
	}
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	<-done
	return nil
}

// post queues f on the loop without waiting. It blocks until the loop accepts
// the event so events from one source keep their order.
func (c *Controller) post(f func()) {
	cmd := func() {
		f()
		c.changed()
	}
	select {
	case c.cmds <- cmd:
	case <-c.stopped:
	}
}

// changed runs after every command: it re-arms autosave after a mutation and
// publishes a new snapshot.
func (c *Controller) changed() {
	if c.doc.Loaded() && c.doc.Dirty() && c.doc.Revision() != c.armedRev {
		c.armedRev = c.doc.Revision()
		c.sched.Arm()
	}

	snap := c.snapshot()
	c.last.Store(&snap)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		deliver(ch, snap)
	}
}

// deliver keeps only the latest snapshot in ch.
func deliver(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func (c *Controller) snapshot() Snapshot {
	snap := Snapshot{
		LoggedIn:    c.loggedIn,
		Username:    c.username,
		Connection:  connection.StateClosed,
		KernelReady: c.disp.Connected(),
		Status:      c.status,
		Notebook:    c.doc.Name(),
		Document:    c.doc.Snapshot(),
		Active:      c.doc.ActiveIndex(),
		Executing:   c.disp.Executing(),
		Busy:        c.disp.Busy(),
		Dirty:       c.doc.Dirty(),
		Autosave:    c.sched.State(),
		Stats:       c.disp.Stats(),
		Finished:    c.finished,
		LastFailed:  c.failed,
	}
	if c.conn != nil {
		snap.Connection = c.conn.State()
	}
	return snap
}

// Snapshot returns the state after the most recent command.
func (c *Controller) Snapshot() Snapshot {
	return *c.last.Load()
}

// Subscribe returns a channel that always holds the latest snapshot. Slow
// readers skip intermediate states. The channel is closed when the controller
// stops or cancel is called.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	ch <- c.Snapshot()

	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			defer c.subsMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

func (c *Controller) setStatus(message string, isError bool) {
	c.status = Status{Message: message, IsError: isError}
	if isError {
		c.logger.Warn("session status", zap.String("status", message))
	} else {
		c.logger.Debug("session status", zap.String("status", message))
	}
	c.publish(bus.SubjectStatus, map[string]interface{}{
		"message":  message,
		"is_error": isError,
	})
}

func (c *Controller) publish(subject string, data map[string]interface{}) {
	if err := c.bus.Publish(c.ctx, subject, bus.NewEvent(subject, eventSource, data)); err != nil {
		c.logger.Debug("failed to publish session event", zap.String("subject", subject), zap.Error(err))
	}
}
