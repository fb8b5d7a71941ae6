package tui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/pegasus-notebook/pegasus/internal/notebook/autosave"
	"github.com/pegasus-notebook/pegasus/internal/notebook/document"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
	"github.com/pegasus-notebook/pegasus/internal/session/connection"
	"github.com/pegasus-notebook/pegasus/internal/session/controller"
)

const (
	codeLanguage = "python"
	codeStyle    = "monokai"
	minWrapWidth = 20
)

// highlightCode renders code with terminal colours. Shell-escaped cells use
// the bash lexer.
func highlightCode(code string) string {
	language := codeLanguage
	if strings.HasPrefix(strings.TrimSpace(code), "!") {
		language = "bash"
	}
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get(codeStyle)
	if style == nil {
		style = chromaStyles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return strings.TrimRight(buf.String(), "\n")
}

// markdownRenderer caches one glamour renderer per wrap width.
type markdownRenderer struct {
	mu    sync.Mutex
	width int
	r     *glamour.TermRenderer
}

func (m *markdownRenderer) render(text string, width int) string {
	if width < minWrapWidth {
		width = minWrapWidth
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.r == nil || m.width != width {
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle("dark"),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return text
		}
		m.r, m.width = r, width
	}
	out, err := m.r.Render(text)
	if err != nil {
		return text
	}
	return strings.Trim(out, "\n")
}

// cellView holds what renderCell needs besides the cell itself.
type cellView struct {
	index     int
	active    bool
	executing bool
	width     int
}

func (m *Model) renderCell(cell *models.Cell, v cellView) string {
	inner := v.width - cellStyle.GetHorizontalFrameSize()
	if inner < minWrapWidth {
		inner = minWrapWidth
	}

	var body string
	text := cell.Text()
	switch {
	case cell.IsCode() && text == "":
		body = mutedStyle.Render("# empty")
	case cell.IsCode():
		body = highlightCode(text)
	case text == "":
		body = mutedStyle.Render("Empty markdown cell")
	default:
		body = m.markdown.render(text, inner)
	}

	parts := []string{cellPrompt(cell, v), body}
	if out, ok := cell.Output(); ok && out.Content != "" {
		parts = append(parts, renderOutput(out, inner))
	}

	style := cellStyle
	if v.active {
		style = activeCellStyle
	}
	return style.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func cellPrompt(cell *models.Cell, v cellView) string {
	if !cell.IsCode() {
		return promptStyle.Render(fmt.Sprintf("md [%d]", v.index+1))
	}
	marker := " "
	if v.executing {
		marker = "*"
	}
	return promptStyle.Render(fmt.Sprintf("In [%s] %d", marker, v.index+1))
}

func renderOutput(out models.Output, width int) string {
	content := strings.TrimRight(out.Content, "\n")
	style := stdoutStyle
	switch out.Type {
	case models.OutputStderr:
		style = stderrStyle
	case models.OutputStatus:
		style = statusOutStyle
	}
	rule := mutedStyle.Render(strings.Repeat("─", width))
	return lipgloss.JoinVertical(lipgloss.Left, rule, style.Render(content))
}

// statusLine renders the bottom bar: connection, busy marker, resource usage,
// save state and the latest status message.
func statusLine(snap controller.Snapshot, width int) string {
	var parts []string

	switch {
	case !snap.LoggedIn:
		parts = append(parts, connDownStyle.Render("○ logged out"))
	case snap.Connection == connection.StateOpen:
		parts = append(parts, connOpenStyle.Render("● kernel"))
	case snap.Connection == connection.StateConnecting:
		parts = append(parts, connBusyStyle.Render("◌ connecting"))
	default:
		parts = append(parts, connDownStyle.Render("○ disconnected"))
	}

	switch {
	case snap.Executing != document.NoCell:
		parts = append(parts, connBusyStyle.Render(fmt.Sprintf("busy [%d]", snap.Executing+1)))
	case snap.Busy:
		parts = append(parts, connBusyStyle.Render("busy"))
	}
	if s := snap.Stats; s.HasResources {
		parts = append(parts, fmt.Sprintf("CPU %.1f%% RAM %.0f/%.0f MiB", s.CPUPercent, s.RAMUsage, s.RAMLimit))
	}
	if s := snap.Stats; s.HasDisk {
		parts = append(parts, fmt.Sprintf("Disk %.0f/%.0f MiB", s.DiskUsage, s.DiskLimit))
	}
	if snap.Document != nil {
		switch {
		case snap.Dirty && snap.Autosave == autosave.Armed:
			parts = append(parts, dirtyStyle.Render("autosave pending"))
		case snap.Dirty:
			parts = append(parts, dirtyStyle.Render("modified"))
		default:
			parts = append(parts, mutedStyle.Render("saved"))
		}
	}
	if msg := snap.Status.Message; msg != "" {
		if snap.Status.IsError {
			msg = statusErrStyle.Render(msg)
		}
		parts = append(parts, msg)
	}

	return statusBarStyle.MaxWidth(width).Render(strings.Join(parts, mutedStyle.Render(" │ ")))
}
