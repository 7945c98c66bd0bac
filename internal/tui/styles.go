package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorAccent = lipgloss.Color("#2383E2")
	colorMuted  = lipgloss.Color("#787774")
	colorGreen  = lipgloss.Color("#4CAF50")
	colorRed    = lipgloss.Color("#EB5757")

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(1, 2)

	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	subtleStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	savedStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorGreen)
	errorStyle    = lipgloss.NewStyle().Foreground(colorRed)
)
