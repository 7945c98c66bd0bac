// Package indicator shows the short-lived outcome badge of the last
// interception.
package indicator

import (
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"github.com/porticus-lab/export-preview/internal/logging"
)

// Badge texts and how long each stays visible.
const (
	SuccessText = "✓"
	ErrorText   = "!"

	SuccessTTL = 3 * time.Second
	ErrorTTL   = 5 * time.Second
)

var (
	successStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1).
			Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#22C55E"))
	errorStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1).
			Foreground(lipgloss.Color("#FFFFFF")).Background(lipgloss.Color("#EF4444"))
)

// Badge holds at most one visible badge. A newer badge replaces an older one
// and resets the expiry. It is safe for concurrent use.
type Badge struct {
	log *logrus.Entry

	mu    sync.Mutex
	text  string
	gen   uint64
	timer *time.Timer
}

// New returns an empty Badge.
func New(log *logrus.Entry) *Badge {
	return &Badge{log: logging.OrDiscard(log)}
}

// Success shows the success badge.
func (b *Badge) Success() {
	b.Show(SuccessText, SuccessTTL)
	b.log.Info(successStyle.Render(SuccessText) + " preview ready")
}

// Error shows the error badge.
func (b *Badge) Error() {
	b.Show(ErrorText, ErrorTTL)
	b.log.Warn(errorStyle.Render(ErrorText) + " preview failed")
}

// Show displays text for ttl.
func (b *Badge) Show(text string, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	gen := b.gen
	b.text = text
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(ttl, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.gen == gen {
			b.text = ""
		}
	})
}

// Current returns the visible badge text, or "" when none is shown.
func (b *Badge) Current() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

// Render returns the visible badge styled for a terminal.
func (b *Badge) Render() string {
	switch t := b.Current(); t {
	case SuccessText:
		return successStyle.Render(t)
	case ErrorText:
		return errorStyle.Render(t)
	case "":
		return ""
	default:
		return lipgloss.NewStyle().Padding(0, 1).Render(t)
	}
}
