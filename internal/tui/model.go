// Package tui is the terminal notebook editor. It renders controller
// snapshots and turns key presses into controller commands.
package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pegasus-notebook/pegasus/internal/notebook/document"
	"github.com/pegasus-notebook/pegasus/internal/notebook/models"
	"github.com/pegasus-notebook/pegasus/internal/session/controller"
	"github.com/pegasus-notebook/pegasus/internal/session/dispatcher"
)

const (
	defaultWidth  = 100
	defaultHeight = 30
	chromeLines   = 3
	editorMinRows = 5
	editorMaxRows = 15

	helpNormal  = "↑/↓ select • enter edit • r run • R run all • a/m add code/md • d delete • K/J move • x stop • X restart • c clear • s save • q quit"
	helpEdit    = "esc done • ctrl+r save and run"
	helpConfirm = "y confirm • n cancel"
)

// Session is the part of the controller the editor drives.
type Session interface {
	Snapshot() controller.Snapshot
	Subscribe() (<-chan controller.Snapshot, func())

	SetCellSource(ctx context.Context, index int, text string) error
	InsertCell(ctx context.Context, kind models.CellType) (int, error)
	DeleteCell(ctx context.Context, index int) error
	MoveCell(ctx context.Context, index int, dir document.Direction) (bool, error)
	SetActive(ctx context.Context, index int) error
	ClearAllOutputs(ctx context.Context) error
	Save(ctx context.Context) error

	Run(ctx context.Context, index int) error
	RunAll(ctx context.Context) error
	Stop(ctx context.Context) error
	RestartKernel(ctx context.Context) error
}

type mode int

const (
	modeNormal mode = iota
	modeEdit
	modeConfirm
)

type snapshotMsg struct {
	snap controller.Snapshot
	ok   bool
}

type actionErrMsg struct {
	err error
}

type Model struct {
	ctx       context.Context
	session   Session
	confirmer *Confirmer

	updates     <-chan controller.Snapshot
	unsubscribe func()
	snap        controller.Snapshot

	mode     mode
	editor   textarea.Model
	editing  int
	pending  *confirmRequest
	notice   string
	viewport viewport.Model
	markdown *markdownRenderer

	width, height int
}

// New subscribes to the session. The subscription ends when the program
// quits or Close is called.
func New(ctx context.Context, session Session, confirmer *Confirmer) Model {
	updates, unsubscribe := session.Subscribe()
	editor := textarea.New()
	editor.ShowLineNumbers = true
	editor.CharLimit = 0
	editor.Placeholder = "Write code or markdown..."

	m := Model{
		ctx:         ctx,
		session:     session,
		confirmer:   confirmer,
		updates:     updates,
		unsubscribe: unsubscribe,
		snap:        session.Snapshot(),
		editor:      editor,
		editing:     document.NoCell,
		viewport:    viewport.New(defaultWidth, defaultHeight-chromeLines),
		markdown:    &markdownRenderer{},
		width:       defaultWidth,
		height:      defaultHeight,
	}
	m.refresh()
	return m
}

// Close drops the snapshot subscription.
func (m Model) Close() {
	m.unsubscribe()
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.waitSnapshot()}
	if m.confirmer != nil {
		cmds = append(cmds, m.confirmer.wait())
	}
	return tea.Batch(cmds...)
}

func (m Model) waitSnapshot() tea.Cmd {
	updates := m.updates
	return func() tea.Msg {
		snap, ok := <-updates
		return snapshotMsg{snap: snap, ok: ok}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case snapshotMsg:
		if !msg.ok {
			return m, tea.Quit
		}
		m.snap = msg.snap
		if m.mode == modeEdit && !m.validCell(m.editing) {
			m.leaveEdit()
		}
		m.refresh()
		return m, m.waitSnapshot()

	case confirmMsg:
		req := msg.req
		m.pending = &req
		m.mode = modeConfirm
		return m, nil

	case actionErrMsg:
		m.notice = describe(msg.err)
		return m, nil

	case tea.KeyMsg:
		switch m.mode {
		case modeConfirm:
			return m.handleConfirmKey(msg)
		case modeEdit:
			return m.handleEditKey(msg)
		default:
			return m.handleKey(msg)
		}
	}

	if m.mode == modeEdit {
		var cmd tea.Cmd
		m.editor, cmd = m.editor.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.notice = ""
	active := m.snap.Active

	switch msg.String() {
	case "q", "ctrl+c":
		m.unsubscribe()
		return m, tea.Quit
	case "up", "k":
		if active > 0 {
			return m, m.do(func(ctx context.Context) error { return m.session.SetActive(ctx, active-1) })
		}
	case "down", "j":
		if m.validCell(active + 1) {
			return m, m.do(func(ctx context.Context) error { return m.session.SetActive(ctx, active+1) })
		}
	case "pgup":
		m.viewport.HalfViewUp()
	case "pgdown":
		m.viewport.HalfViewDown()
	case "enter", "e":
		if m.validCell(active) {
			cmd := m.enterEdit(active)
			return m, cmd
		}
	case "r", "ctrl+r":
		return m, m.do(func(ctx context.Context) error { return m.session.Run(ctx, active) })
	case "R":
		return m, m.do(m.session.RunAll)
	case "a":
		return m, m.insert(models.CellTypeCode)
	case "m":
		return m, m.insert(models.CellTypeMarkdown)
	case "d":
		return m, m.do(func(ctx context.Context) error { return m.session.DeleteCell(ctx, active) })
	case "K":
		return m, m.move(active, document.Up)
	case "J":
		return m, m.move(active, document.Down)
	case "x":
		return m, m.do(m.session.Stop)
	case "X":
		return m, m.do(m.session.RestartKernel)
	case "c":
		return m, m.do(m.session.ClearAllOutputs)
	case "s", "ctrl+s":
		return m, m.do(m.session.Save)
	}
	return m, nil
}

func (m Model) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		cmd := m.commit()
		m.leaveEdit()
		m.refresh()
		return m, cmd
	case "ctrl+r":
		index := m.editing
		cmd := m.commit()
		m.leaveEdit()
		m.refresh()
		run := m.do(func(ctx context.Context) error { return m.session.Run(ctx, index) })
		if cmd == nil {
			return m, run
		}
		return m, tea.Sequence(cmd, run)
	}
	var cmd tea.Cmd
	m.editor, cmd = m.editor.Update(msg)
	m.refresh()
	return m, cmd
}

func (m Model) handleConfirmKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var answer bool
	switch msg.String() {
	case "y", "Y", "enter":
		answer = true
	case "n", "N", "esc", "ctrl+c":
	default:
		return m, nil
	}
	if m.pending != nil {
		m.pending.reply <- answer
		m.pending = nil
	}
	m.mode = modeNormal
	if m.editing != document.NoCell {
		m.mode = modeEdit
	}
	if m.confirmer == nil {
		return m, nil
	}
	return m, m.confirmer.wait()
}

// do runs a controller command off the update loop so confirmations can be
// answered while it blocks.
func (m Model) do(f func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		if err := f(ctx); err != nil {
			return actionErrMsg{err: err}
		}
		return nil
	}
}

func (m Model) insert(kind models.CellType) tea.Cmd {
	return m.do(func(ctx context.Context) error {
		_, err := m.session.InsertCell(ctx, kind)
		return err
	})
}

func (m Model) move(index int, dir document.Direction) tea.Cmd {
	return m.do(func(ctx context.Context) error {
		_, err := m.session.MoveCell(ctx, index, dir)
		return err
	})
}

func (m *Model) enterEdit(index int) tea.Cmd {
	cell := m.snap.Document.Cells[index]
	m.mode = modeEdit
	m.editing = index
	m.editor.SetValue(cell.Text())
	m.sizeEditor()
	m.refresh()
	return m.editor.Focus()
}

// commit writes the editor text back when it changed.
func (m *Model) commit() tea.Cmd {
	index, text := m.editing, m.editor.Value()
	if !m.validCell(index) || m.snap.Document.Cells[index].Text() == text {
		return nil
	}
	return m.do(func(ctx context.Context) error { return m.session.SetCellSource(ctx, index, text) })
}

func (m *Model) leaveEdit() {
	m.editor.Blur()
	m.editing = document.NoCell
	m.mode = modeNormal
}

func (m Model) validCell(index int) bool {
	return m.snap.Document != nil && index >= 0 && index < len(m.snap.Document.Cells)
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.viewport.Width = width
	m.viewport.Height = max(height-chromeLines, 1)
	m.sizeEditor()
	m.refresh()
}

func (m *Model) sizeEditor() {
	m.editor.SetWidth(max(m.width-activeCellStyle.GetHorizontalFrameSize(), minWrapWidth))
	rows := strings.Count(m.editor.Value(), "\n") + 2
	m.editor.SetHeight(min(max(rows, editorMinRows), editorMaxRows))
}

// refresh re-renders the cell list into the viewport and scrolls the active
// cell into view.
func (m *Model) refresh() {
	doc := m.snap.Document
	if doc == nil {
		m.viewport.SetContent(mutedStyle.Render("No notebook open"))
		return
	}

	blocks := make([]string, 0, len(doc.Cells))
	offsets := make([]int, 0, len(doc.Cells))
	line := 0
	for i, cell := range doc.Cells {
		var block string
		if i == m.editing {
			block = activeCellStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
				cellPrompt(cell, cellView{index: i}), m.editor.View()))
		} else {
			block = m.renderCell(cell, cellView{
				index:     i,
				active:    i == m.snap.Active,
				executing: i == m.snap.Executing,
				width:     m.width,
			})
		}
		offsets = append(offsets, line)
		line += lipgloss.Height(block)
		blocks = append(blocks, block)
	}
	m.viewport.SetContent(strings.Join(blocks, "\n"))

	focus := m.snap.Active
	if m.editing != document.NoCell {
		focus = m.editing
	}
	if focus < 0 || focus >= len(offsets) {
		return
	}
	top := offsets[focus]
	bottom := top + lipgloss.Height(blocks[focus])
	switch {
	case top < m.viewport.YOffset:
		m.viewport.SetYOffset(top)
	case bottom > m.viewport.YOffset+m.viewport.Height:
		m.viewport.SetYOffset(max(bottom-m.viewport.Height, top))
	}
}

func (m Model) View() string {
	if m.mode == modeConfirm && m.pending != nil {
		box := confirmStyle.Render(m.pending.prompt.String() + "\n\n" + mutedStyle.Render(helpConfirm))
		return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
	}

	help := helpNormal
	if m.mode == modeEdit {
		help = helpEdit
	}
	footer := statusLine(m.snap, m.width)
	if m.notice != "" {
		footer = statusBarStyle.Render(statusErrStyle.Render(m.notice))
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.header(),
		m.viewport.View(),
		footer,
		mutedStyle.MaxWidth(m.width).Render(help),
	)
}

func (m Model) header() string {
	title := titleStyle.Render("Pegasus")
	if m.snap.Notebook != "" {
		title += " " + m.snap.Notebook
	}
	if m.snap.Dirty {
		title += dirtyStyle.Render(" •")
	}
	if m.snap.Username != "" {
		title += mutedStyle.Render("  (" + m.snap.Username + ")")
	}
	return title
}

// describe turns declined confirmations into a short notice.
func describe(err error) string {
	switch {
	case errors.Is(err, document.ErrConfirmationRequired),
		errors.Is(err, dispatcher.ErrConfirmationRequired),
		errors.Is(err, controller.ErrChangesNotDiscarded):
		return "Cancelled"
	default:
		return err.Error()
	}
}
