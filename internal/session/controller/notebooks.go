package controller

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/api"
	"github.com/pegasus-notebook/pegasus/internal/events/bus"
	"github.com/pegasus-notebook/pegasus/internal/notebook/document"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
)

// NotebookExt is appended to notebook names that lack it.
const NotebookExt = ".ipynb"

// NotebookFilename normalises a user-supplied notebook name.
func NotebookFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || strings.HasSuffix(name, NotebookExt) {
		return name
	}
	return name + NotebookExt
}

type saveJob struct {
	api      *api.Context
	name     string
	doc      *models.Document
	revision uint64
}

func (c *Controller) ListNotebooks(ctx context.Context) ([]api.NotebookInfo, error) {
	apiCtx, err := c.APIContext(ctx)
	if err != nil {
		return nil, err
	}
	list, err := c.store.List(ctx, apiCtx)
	if err != nil {
		c.requestFailed(ctx, "Failed to list notebooks", err)
		return nil, err
	}
	return list, nil
}

// Open loads a stored notebook, replacing the open one. A dirty document is
// only replaced when the Confirmer agrees to discard it.
func (c *Controller) Open(ctx context.Context, name string) error {
	name = NotebookFilename(name)
	if err := c.confirmDiscard(ctx); err != nil {
		return err
	}
	apiCtx, err := c.APIContext(ctx)
	if err != nil {
		return err
	}
	doc, err := c.store.Get(ctx, apiCtx, name)
	if err != nil {
		c.requestFailed(ctx, "Failed to open "+name, err)
		return fmt.Errorf("open %s: %w", name, err)
	}
	return c.do(ctx, func() {
		c.load(name, doc)
		c.setStatus("Opened "+name, false)
	})
}

// New creates an empty notebook on the server and opens it.
func (c *Controller) New(ctx context.Context, name string) error {
	name = NotebookFilename(name)
	if name == "" {
		return fmt.Errorf("notebook name is required")
	}
	if err := c.confirmDiscard(ctx); err != nil {
		return err
	}
	apiCtx, err := c.APIContext(ctx)
	if err != nil {
		return err
	}
	doc := models.NewDocument()
	if err := c.store.Put(ctx, apiCtx, name, doc); err != nil {
		c.requestFailed(ctx, "Failed to create "+name, err)
		return fmt.Errorf("create %s: %w", name, err)
	}
	return c.do(ctx, func() {
		c.load(name, doc)
		c.setStatus("Created "+name, false)
	})
}

func (c *Controller) load(name string, doc *models.Document) {
	c.sched.Cancel()
	c.doc.Load(name, doc)
	c.armedRev = c.doc.Revision()
	c.logger.Info("notebook loaded", zap.String("notebook", name), zap.Int("cells", len(doc.Cells)))
}

// CloseNotebook unloads the open document.
func (c *Controller) CloseNotebook(ctx context.Context) error {
	if err := c.confirmDiscard(ctx); err != nil {
		return err
	}
	return c.do(ctx, func() {
		if !c.doc.Loaded() {
			return
		}
		c.sched.Cancel()
		c.doc.Unload()
		c.setStatus("Notebook closed", false)
	})
}

// Rename renames the open notebook.
func (c *Controller) Rename(ctx context.Context, newName string) error {
	var current string
	if err := c.do(ctx, func() { current = c.doc.Name() }); err != nil {
		return err
	}
	if current == "" {
		return document.ErrNoDocument
	}
	return c.RenameNotebook(ctx, current, newName)
}

// RenameNotebook renames a stored notebook. The open document follows when it
// is the one renamed.
func (c *Controller) RenameNotebook(ctx context.Context, name, newName string) error {
	name, newName = NotebookFilename(name), NotebookFilename(newName)
	apiCtx, err := c.APIContext(ctx)
	if err != nil {
		return err
	}
	if err := c.store.Rename(ctx, apiCtx, name, newName); err != nil {
		c.requestFailed(ctx, "Failed to rename "+name, err)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return c.do(ctx, func() {
		if c.doc.Loaded() && c.doc.Name() == name {
			c.doc.SetName(newName)
		}
		c.setStatus(fmt.Sprintf("Renamed %s to %s", name, newName), false)
	})
}

// DeleteNotebook deletes a stored notebook, closing it when open.
func (c *Controller) DeleteNotebook(ctx context.Context, name string) error {
	name = NotebookFilename(name)
	apiCtx, err := c.APIContext(ctx)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, apiCtx, name); err != nil {
		c.requestFailed(ctx, "Failed to delete "+name, err)
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return c.do(ctx, func() {
		if c.doc.Loaded() && c.doc.Name() == name {
			c.sched.Cancel()
			c.doc.Unload()
		}
		c.setStatus("Deleted "+name, false)
	})
}

func (c *Controller) DownloadNotebook(ctx context.Context, name string, w io.Writer) error {
	name = NotebookFilename(name)
	apiCtx, err := c.APIContext(ctx)
	if err != nil {
		return err
	}
	if err := c.store.Download(ctx, apiCtx, name, w); err != nil {
		c.requestFailed(ctx, "Failed to download "+name, err)
		return fmt.Errorf("download %s: %w", name, err)
	}
	return nil
}

// Save writes the open document now, cancelling any pending autosave.
func (c *Controller) Save(ctx context.Context) error {
	var (
		job *saveJob
		err error
	)
	if doErr := c.do(ctx, func() { job, err = c.beginSave() }); doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}
	err = c.put(ctx, job)
	if doErr := c.do(ctx, func() { c.finishSave(job, err) }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Controller) onAutosave(token uint64) {
	if !c.sched.Fire(token) {
		return
	}
	job, err := c.beginSave()
	if err != nil {
		c.logger.Debug("autosave skipped", zap.Error(err))
		return
	}
	ctx := c.ctx
	go func() {
		err := c.put(ctx, job)
		c.post(func() { c.finishSave(job, err) })
	}()
}

func (c *Controller) beginSave() (*saveJob, error) {
	if !c.doc.Loaded() {
		return nil, document.ErrNoDocument
	}
	apiCtx, err := c.session()
	if err != nil {
		return nil, err
	}
	c.sched.Cancel()
	return &saveJob{
		api:      apiCtx,
		name:     c.doc.Name(),
		doc:      c.doc.Snapshot(),
		revision: c.doc.Revision(),
	}, nil
}

// put serialises writes to the store.
func (c *Controller) put(ctx context.Context, job *saveJob) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	return c.store.Put(ctx, job.api, job.name, job.doc)
}

func (c *Controller) finishSave(job *saveJob, err error) {
	if err != nil {
		c.setStatus(fmt.Sprintf("Save failed: %v", err), true)
		c.handleRequestError(err)
		return
	}
	if c.doc.Name() == job.name {
		c.doc.MarkSaved(job.revision)
	}
	c.setStatus("Saved "+job.name, false)
	c.publish(bus.SubjectNotebookSaved, map[string]interface{}{
		"notebook": job.name,
		"revision": job.revision,
	})
}

// requestFailed surfaces a failed backend call.
func (c *Controller) requestFailed(ctx context.Context, what string, err error) {
	_ = c.do(ctx, func() {
		c.setStatus(fmt.Sprintf("%s: %v", what, err), true)
		c.handleRequestError(err)
	})
}
