package controller

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/api"
	"github.com/pegasus-notebook/pegasus/internal/common/logger"
	"github.com/pegasus-notebook/pegasus/internal/events/bus"
)

// FileService is the workspace file service.
type FileService interface {
	List(ctx context.Context, api *api.Context) ([]api.FileInfo, error)
	Upload(ctx context.Context, api *api.Context, filename string, r io.Reader) (*api.FileInfo, error)
	Download(ctx context.Context, api *api.Context, filename string, w io.Writer) error
	Delete(ctx context.Context, api *api.Context, filename string) error
}

// Workspace keeps the workspace file listing current. It refreshes whenever
// the kernel reports a filesystem change.
type Workspace struct {
	ctrl   *Controller
	files  FileService
	logger *logger.Logger

	mu       sync.RWMutex
	listing  []api.FileInfo
	onChange func([]api.FileInfo)
	sub      bus.Subscription
}

func NewWorkspace(ctrl *Controller, files FileService, log *logger.Logger) *Workspace {
	if files == nil {
		files = api.Files{}
	}
	return &Workspace{
		ctrl:   ctrl,
		files:  files,
		logger: log.WithFields(zap.String("component", "workspace")),
	}
}

// OnChange registers f to be called with every new listing.
func (w *Workspace) OnChange(f func([]api.FileInfo)) {
	w.mu.Lock()
	w.onChange = f
	w.mu.Unlock()
}

// Start subscribes to workspace refresh events.
func (w *Workspace) Start() error {
	sub, err := w.ctrl.Bus().Subscribe(bus.SubjectWorkspaceRefresh, func(ctx context.Context, _ *bus.Event) error {
		_, err := w.Refresh(ctx)
		return err
	})
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.sub = sub
	w.mu.Unlock()
	return nil
}

func (w *Workspace) Stop() {
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

// Refresh fetches the listing now.
func (w *Workspace) Refresh(ctx context.Context) ([]api.FileInfo, error) {
	apiCtx, err := w.ctrl.APIContext(ctx)
	if err != nil {
		return nil, err
	}
	listing, err := w.files.List(ctx, apiCtx)
	if err != nil {
		w.logger.Warn("failed to refresh workspace", zap.Error(err))
		return nil, err
	}

	w.mu.Lock()
	w.listing = listing
	onChange := w.onChange
	w.mu.Unlock()
	if onChange != nil {
		onChange(listing)
	}
	return listing, nil
}

// Files returns the last fetched listing.
func (w *Workspace) Files() []api.FileInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]api.FileInfo(nil), w.listing...)
}

// Upload sends a file and refreshes the listing.
func (w *Workspace) Upload(ctx context.Context, filename string, r io.Reader) (*api.FileInfo, error) {
	apiCtx, err := w.ctrl.APIContext(ctx)
	if err != nil {
		return nil, err
	}
	info, err := w.files.Upload(ctx, apiCtx, filename, r)
	if err != nil {
		return nil, err
	}
	_, _ = w.Refresh(ctx)
	return info, nil
}

func (w *Workspace) Download(ctx context.Context, filename string, out io.Writer) error {
	apiCtx, err := w.ctrl.APIContext(ctx)
	if err != nil {
		return err
	}
	return w.files.Download(ctx, apiCtx, filename, out)
}

// Delete removes a file and refreshes the listing.
func (w *Workspace) Delete(ctx context.Context, filename string) error {
	apiCtx, err := w.ctrl.APIContext(ctx)
	if err != nil {
		return err
	}
	if err := w.files.Delete(ctx, apiCtx, filename); err != nil {
		return err
	}
	_, _ = w.Refresh(ctx)
	return nil
}
