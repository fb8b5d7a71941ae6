package controller

import (
	"context"
	"errors"

	"github.com/pegasus-notebook/pegasus/internal/notebook/document"
	"github.com/pegasus-notebook/pegasus/internal/session/dispatcher"
)

// Prompt identifies a destructive action that needs the user's consent.
type Prompt int

const (
	PromptDiscardChanges Prompt = iota
	PromptDeleteLastCell
	PromptRestartKernel
)

func (p Prompt) String() string {
	switch p {
	case PromptDeleteLastCell:
		return "Delete the last remaining cell?"
	case PromptRestartKernel:
		return "Restart the kernel? All variables will be lost."
	default:
		return "Discard unsaved changes?"
	}
}

// Confirmer asks the user. It is called on the caller's goroutine, never on
// the controller loop, so it may block on user input.
type Confirmer interface {
	Confirm(ctx context.Context, prompt Prompt) bool
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, prompt Prompt) bool

func (f ConfirmFunc) Confirm(ctx context.Context, prompt Prompt) bool {
	return f(ctx, prompt)
}

// AlwaysConfirm accepts every prompt.
var AlwaysConfirm = ConfirmFunc(func(context.Context, Prompt) bool { return true })

var errNeedsConfirmation = errors.New("needs confirmation")

func (c *Controller) confirm(ctx context.Context, prompt Prompt) bool {
	if c.confirmer == nil {
		return false
	}
	return c.confirmer.Confirm(ctx, prompt)
}

// withConfirmation calls try unconfirmed first and only asks when try reports
// errNeedsConfirmation.
func (c *Controller) withConfirmation(ctx context.Context, prompt Prompt, try func(confirmed bool) error) error {
	err := try(false)
	if !errors.Is(err, errNeedsConfirmation) {
		return err
	}
	if !c.confirm(ctx, prompt) {
		return declined(prompt)
	}
	return try(true)
}

func declined(prompt Prompt) error {
	switch prompt {
	case PromptDeleteLastCell:
		return document.ErrConfirmationRequired
	case PromptRestartKernel:
		return dispatcher.ErrConfirmationRequired
	default:
		return ErrChangesNotDiscarded
	}
}

// confirmDiscard gates replacing the open document.
func (c *Controller) confirmDiscard(ctx context.Context) error {
	return c.withConfirmation(ctx, PromptDiscardChanges, func(confirmed bool) error {
		if confirmed {
			return nil
		}
		var dirty bool
		if err := c.do(ctx, func() { dirty = c.doc.Loaded() && c.doc.Dirty() }); err != nil {
			return err
		}
		if dirty {
			return errNeedsConfirmation
		}
		return nil
	})
}
