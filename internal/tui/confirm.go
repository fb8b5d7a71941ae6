package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pegasus-notebook/pegasus/internal/session/controller"
)

type confirmRequest struct {
	prompt controller.Prompt
	reply  chan bool
}

// confirmMsg asks the model to show the confirmation overlay.
type confirmMsg struct {
	req confirmRequest
}

// Confirmer implements controller.Confirmer by routing prompts to the
// running program's overlay. Confirm blocks until the user answers or ctx
// ends; it must not be called from Update.
type Confirmer struct {
	requests chan confirmRequest
}

func NewConfirmer() *Confirmer {
	return &Confirmer{requests: make(chan confirmRequest)}
}

func (c *Confirmer) Confirm(ctx context.Context, prompt controller.Prompt) bool {
	req := confirmRequest{prompt: prompt, reply: make(chan bool, 1)}
	select {
	case c.requests <- req:
	case <-ctx.Done():
		return false
	}
	select {
	case ok := <-req.reply:
		return ok
	case <-ctx.Done():
		return false
	}
}

// wait delivers the next prompt to the program.
func (c *Confirmer) wait() tea.Cmd {
	return func() tea.Msg {
		return confirmMsg{req: <-c.requests}
	}
}
