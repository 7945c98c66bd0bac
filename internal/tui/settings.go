// Package tui implements the terminal settings popup.
package tui

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/porticus-lab/export-preview/internal/settings"
)

// SavedText is shown after every successful save.
const SavedText = "Settings saved!"

// SavedTTL is how long SavedText stays visible.
const SavedTTL = 2 * time.Second

// Store is the part of settings.Store the popup uses.
type Store interface {
	Get() settings.Settings
	Save(settings.Settings) error
}

const (
	rowAutoPreview = iota
	rowZoom
	rowCount
)

type clearSavedMsg struct{ gen int }

// Model is the settings popup. Every change is saved immediately.
type Model struct {
	store   Store
	version string

	current  settings.Settings
	row      int
	saved    bool
	savedGen int
	err      error
	quitting bool

	keys KeyMap
	help help.Model
}

// New returns a popup editing store.
func New(store Store, version string) Model {
	return Model{
		store:   store,
		version: version,
		current: store.Get(),
		keys:    DefaultKeyMap(),
		help:    help.New(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.help.Width = msg.Width
		return m, nil

	case clearSavedMsg:
		if msg.gen == m.savedGen {
			m.saved = false
		}
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, m.keys.Up):
			if m.row > 0 {
				m.row--
			}
		case key.Matches(msg, m.keys.Down):
			if m.row < rowCount-1 {
				m.row++
			}
		case key.Matches(msg, m.keys.Toggle):
			next := m.current
			if m.row == rowAutoPreview {
				next.AutoPreview = !next.AutoPreview
			} else {
				next.DefaultZoom = stepZoom(next.DefaultZoom, 1, true)
			}
			return m.save(next)
		case key.Matches(msg, m.keys.Left):
			if m.row == rowZoom {
				return m.saveZoom(-1)
			}
		case key.Matches(msg, m.keys.Right):
			if m.row == rowZoom {
				return m.saveZoom(1)
			}
		case key.Matches(msg, m.keys.Reset):
			return m.save(settings.Default())
		}
	}
	return m, nil
}

func (m Model) saveZoom(dir int) (tea.Model, tea.Cmd) {
	next := m.current
	next.DefaultZoom = stepZoom(next.DefaultZoom, dir, false)
	if next == m.current {
		return m, nil
	}
	return m.save(next)
}

func (m Model) save(next settings.Settings) (tea.Model, tea.Cmd) {
	if err := m.store.Save(next); err != nil {
		m.err = err
		return m, nil
	}
	m.err = nil
	m.current = next
	m.saved = true
	m.savedGen++
	gen := m.savedGen
	return m, tea.Tick(SavedTTL, func(time.Time) tea.Msg {
		return clearSavedMsg{gen: gen}
	})
}

// stepZoom moves dir places through settings.ZoomChoices from the choice
// closest to z, wrapping when wrap is set and clamping otherwise.
func stepZoom(z float64, dir int, wrap bool) float64 {
	choices := settings.ZoomChoices
	i := nearestZoom(z)
	j := i + dir
	switch {
	case wrap:
		j = (j%len(choices) + len(choices)) % len(choices)
	case j < 0:
		j = 0
	case j >= len(choices):
		j = len(choices) - 1
	}
	return choices[j]
}

func nearestZoom(z float64) int {
	best := 0
	for i, c := range settings.ZoomChoices {
		if math.Abs(c-z) < math.Abs(settings.ZoomChoices[best]-z) {
			best = i
		}
	}
	return best
}

// Settings returns the settings as last saved by the popup.
func (m Model) Settings() settings.Settings { return m.current }

// Saved reports whether the saved notice is showing.
func (m Model) Saved() bool { return m.saved }

// Err returns the last save error.
func (m Model) Err() error { return m.err }

// Quitting reports whether the user closed the popup.
func (m Model) Quitting() bool { return m.quitting }

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	check := "[ ]"
	if m.current.AutoPreview {
		check = "[x]"
	}
	autoLine := fmt.Sprintf("%s Automatically preview PDFs", check)
	zoomLine := fmt.Sprintf("Default Zoom Level  ‹ %d%% ›", int(math.Round(m.current.DefaultZoom*100)))

	lines := []string{
		titleStyle.Render("Notion Export Preview"),
		subtleStyle.Render("Settings"),
		"",
		m.renderRow(rowAutoPreview, autoLine),
		subtleStyle.Render("    When enabled, PDF exports will open in preview instead of downloading"),
		"",
		m.renderRow(rowZoom, zoomLine),
		"",
	}
	switch {
	case m.err != nil:
		lines = append(lines, errorStyle.Render("Error: "+m.err.Error()))
	case m.saved:
		lines = append(lines, savedStyle.Render(SavedText))
	default:
		lines = append(lines, "")
	}
	if m.version != "" {
		lines = append(lines, subtleStyle.Render("Version "+strings.TrimPrefix(m.version, "v")))
	}
	lines = append(lines, "", m.help.View(m.keys))

	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) renderRow(row int, text string) string {
	if row == m.row {
		return selectedStyle.Render("> " + text)
	}
	return "  " + text
}
