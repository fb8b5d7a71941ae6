package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent = lipgloss.Color("#7D56F4")
	colorMuted  = lipgloss.Color("#6C6C6C")
	colorError  = lipgloss.Color("#E06C75")
	colorOK     = lipgloss.Color("#98C379")
	colorWarn   = lipgloss.Color("#E5C07B")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	dirtyStyle = lipgloss.NewStyle().Foreground(colorWarn)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)

	cellStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
	activeCellStyle = cellStyle.BorderForeground(colorAccent)

	promptStyle    = lipgloss.NewStyle().Foreground(colorMuted).Bold(true)
	stdoutStyle    = lipgloss.NewStyle()
	stderrStyle    = lipgloss.NewStyle().Foreground(colorError)
	statusOutStyle = lipgloss.NewStyle().Foreground(colorMuted).Italic(true)

	statusBarStyle = lipgloss.NewStyle().Padding(0, 1)
	statusErrStyle = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	connOpenStyle  = lipgloss.NewStyle().Foreground(colorOK)
	connBusyStyle  = lipgloss.NewStyle().Foreground(colorWarn)
	connDownStyle  = lipgloss.NewStyle().Foreground(colorError)

	confirmStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(colorWarn).
			Padding(1, 3).
			Bold(true)
)
