package tui

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pegasus-notebook/pegasus/internal/notebook/autosave"
	"github.com/pegasus-notebook/pegasus/internal/notebook/document"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
	"github.com/pegasus-notebook/pegasus/internal/session/connection"
	"github.com/pegasus-notebook/pegasus/internal/session/controller"
	"github.com/pegasus-notebook/pegasus/internal/session/dispatcher"
)

func TestHighlightCodeKeepsTokens(t *testing.T) {
	out := highlightCode("print('hi')")
	assert.Contains(t, out, "print")
	assert.Contains(t, out, "hi")

	shell := highlightCode("!ls -la")
	assert.Contains(t, shell, "ls")
}

func TestMarkdownRenderer(t *testing.T) {
	r := &markdownRenderer{}
	out := r.render("# Heading\n\nsome *text*", 40)
	assert.Contains(t, out, "Heading")
	assert.Contains(t, out, "text")
	first := r.r

	r.render("again", 40)
	assert.Same(t, first, r.r)
	r.render("again", 60)
	assert.NotSame(t, first, r.r)
}

func TestStatusLine(t *testing.T) {
	snap := controller.Snapshot{
		LoggedIn:   true,
		Connection: connection.StateOpen,
		Document:   models.NewDocument(),
		Executing:  1,
		Dirty:      true,
		Autosave:   autosave.Armed,
		Stats: dispatcher.Stats{
			CPUPercent: 12.5, RAMUsage: 64, RAMLimit: 256, HasResources: true,
			DiskUsage: 2, DiskLimit: 1024, HasDisk: true,
		},
		Status: controller.Status{Message: "Kernel connected"},
	}
	line := statusLine(snap, 300)
	for _, want := range []string{"kernel", "busy [2]", "CPU 12.5% RAM 64/256 MiB", "Disk 2/1024 MiB", "autosave pending", "Kernel connected"} {
		assert.Contains(t, line, want)
	}

	idle := statusLine(controller.Snapshot{Executing: document.NoCell}, 300)
	assert.Contains(t, idle, "logged out")
	assert.NotContains(t, idle, "busy")
	assert.NotContains(t, idle, "CPU")

	orphaned := statusLine(controller.Snapshot{Executing: document.NoCell, Busy: true}, 300)
	assert.Contains(t, orphaned, "busy")
	assert.NotContains(t, orphaned, "busy [")
}

func TestRenderOutputStyles(t *testing.T) {
	out := renderOutput(models.Output{Type: models.OutputStderr, Content: "Traceback\n"}, 30)
	assert.Contains(t, out, "Traceback")
}
