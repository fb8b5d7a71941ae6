package controller

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/events/bus"
	"github.com/pegasus-notebook/pegasus/internal/notebook/document"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
	"github.com/pegasus-notebook/pegasus/internal/session/connection"
	"github.com/pegasus-notebook/pegasus/internal/session/dispatcher"
)

const statusNotConnected = "Kernel not connected"

// call runs f on the loop and returns its error.
func (c *Controller) call(ctx context.Context, f func() error) error {
	var err error
	if doErr := c.do(ctx, func() { err = f() }); doErr != nil {
		return doErr
	}
	return err
}

func (c *Controller) SetCellSource(ctx context.Context, index int, text string) error {
	return c.call(ctx, func() error {
		return c.doc.SetCellSource(index, text)
	})
}

// InsertCell adds a cell after the active one and returns its index.
func (c *Controller) InsertCell(ctx context.Context, kind models.CellType) (int, error) {
	index := document.NoCell
	err := c.call(ctx, func() error {
		var err error
		index, err = c.doc.InsertCell(kind)
		return err
	})
	return index, err
}

// DeleteCell removes a cell. Removing the last cell asks the Confirmer.
func (c *Controller) DeleteCell(ctx context.Context, index int) error {
	return c.withConfirmation(ctx, PromptDeleteLastCell, func(confirmed bool) error {
		return c.call(ctx, func() error {
			err := c.doc.DeleteCell(index, confirmed)
			if errors.Is(err, document.ErrConfirmationRequired) {
				return errNeedsConfirmation
			}
			return err
		})
	})
}

// MoveCell reports whether the cell moved.
func (c *Controller) MoveCell(ctx context.Context, index int, dir document.Direction) (bool, error) {
	var moved bool
	err := c.call(ctx, func() error {
		var err error
		moved, err = c.doc.MoveCell(index, dir)
		return err
	})
	return moved, err
}

func (c *Controller) SetActive(ctx context.Context, index int) error {
	return c.call(ctx, func() error {
		return c.doc.SetActive(index)
	})
}

func (c *Controller) ClearAllOutputs(ctx context.Context) error {
	return c.call(ctx, func() error {
		if !c.doc.Loaded() {
			return document.ErrNoDocument
		}
		c.doc.ClearAllOutputs()
		return nil
	})
}

// Run executes the code cell at index.
func (c *Controller) Run(ctx context.Context, index int) error {
	return c.call(ctx, func() error {
		if err := c.disp.Run(c.ctx, index); err != nil {
			c.executionFailed(err)
			return err
		}
		cellID := c.disp.ExecutingID()
		c.setStatus(fmt.Sprintf("Executing cell %d...", index+1), false)
		c.publish(bus.SubjectExecutionStarted, map[string]interface{}{
			"notebook": c.doc.Name(),
			"cell_id":  cellID,
			"index":    index,
		})
		return nil
	})
}

// Stop asks the kernel to stop the running execution.
func (c *Controller) Stop(ctx context.Context) error {
	return c.call(ctx, func() error {
		if err := c.disp.Stop(); err != nil {
			c.executionFailed(err)
			return err
		}
		c.setStatus(dispatcher.StatusStopping, false)
		return nil
	})
}

// RestartKernel asks the Confirmer, then asks the kernel to restart.
func (c *Controller) RestartKernel(ctx context.Context) error {
	return c.withConfirmation(ctx, PromptRestartKernel, func(confirmed bool) error {
		return c.call(ctx, func() error {
			err := c.disp.RestartKernel(confirmed)
			switch {
			case errors.Is(err, dispatcher.ErrConfirmationRequired):
				return errNeedsConfirmation
			case err != nil:
				c.executionFailed(err)
				return err
			}
			c.setStatus(dispatcher.StatusRestarting, false)
			return nil
		})
	})
}

func (c *Controller) executionFailed(err error) {
	if errors.Is(err, dispatcher.ErrNotConnected) {
		c.setStatus(statusNotConnected, true)
		return
	}
	c.setStatus(err.Error(), true)
}

// AwaitKernel blocks until the execution socket is open. It fails when the
// session is logged out or the connection closed with an error.
func (c *Controller) AwaitKernel(ctx context.Context) error {
	updates, cancel := c.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return ErrStopped
			}
			switch {
			case snap.KernelReady:
				return nil
			case !snap.LoggedIn:
				return ErrNotLoggedIn
			case snap.Connection == connection.StateClosed && snap.Status.IsError:
				return fmt.Errorf("%w: %s", dispatcher.ErrNotConnected, snap.Status.Message)
			}
		}
	}
}

// RunAll executes every code cell in order, waiting for each to finish. It
// stops at the first cell that fails.
func (c *Controller) RunAll(ctx context.Context) error {
	updates, cancel := c.Subscribe()
	defer cancel()

	snap := c.Snapshot()
	if snap.Document == nil {
		return document.ErrNoDocument
	}
	for i, cell := range snap.Document.Cells {
		if !cell.IsCode() {
			continue
		}
		finished := c.Snapshot().Finished
		if err := c.Run(ctx, i); err != nil {
			return fmt.Errorf("cell %d: %w", i+1, err)
		}
		done, err := awaitExecution(ctx, updates, finished)
		if err != nil {
			return fmt.Errorf("cell %d: %w", i+1, err)
		}
		if done.LastFailed {
			c.logger.Info("run all stopped", zap.Int("cell", i+1))
			return fmt.Errorf("cell %d: %w", i+1, ErrExecutionFailed)
		}
	}
	return nil
}

func awaitExecution(ctx context.Context, updates <-chan Snapshot, finished uint64) (Snapshot, error) {
	for {
		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return Snapshot{}, ErrStopped
			}
			if snap.Finished > finished {
				return snap, nil
			}
			if !snap.KernelReady {
				return snap, dispatcher.ErrNotConnected
			}
		}
	}
}
