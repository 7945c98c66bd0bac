// Package agent is the presence inside a host page: it finds the page's
// export dialog, adds a preview control next to the native export button,
// reads and writes the dialog's scale field and relays page context.
//
// DOM heuristics live in the embedded script; this package decides what to
// do with their answers.
package agent

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/porticus-lab/export-preview/internal/logging"
	"github.com/porticus-lab/export-preview/internal/message"
	"github.com/porticus-lab/export-preview/internal/notionapi"
)

// Script is injected into every host document.
//
//go:embed agent.js
var Script string

// BindingName is the page-to-Go callback the script reports events through.
const BindingName = "__exportPreviewEvent"

// Defaults for the timing of native export clicks.
const (
	DefaultSettleDelay = 500 * time.Millisecond
	DefaultClickDelay  = 10 * time.Millisecond
	DefaultScale       = 100
	DefaultLabel       = "Preview"
)

// ErrNotFound is returned when a dialog affordance cannot be located.
var ErrNotFound = errors.New("agent: element not found")

// Page evaluates the injected script's functions in one host document.
type Page interface {
	// Call invokes the named script function with args and decodes its
	// JSON result into out. A missing script yields a null result.
	Call(ctx context.Context, fn string, out any, args ...any) error
}

// Event types reported by the script.
const (
	EventDialogOpened = "dialogOpened"
	EventDialogClosed = "dialogClosed"
	EventPreviewClick = "previewClick"
)

// Event is one binding payload.
type Event struct {
	Type string `json:"type"`
}

// ParseEvent decodes a binding payload.
func ParseEvent(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("agent: bad event payload: %w", err)
	}
	return ev, nil
}

// Agent serves one host tab.
type Agent struct {
	id     message.TabID
	page   Page
	sender message.Sender
	log    *logrus.Entry

	SettleDelay time.Duration
	ClickDelay  time.Duration
	Label       string

	mu        sync.Mutex
	installed bool
}

// New returns an Agent for tab id.
func New(id message.TabID, page Page, sender message.Sender, log *logrus.Entry) *Agent {
	return &Agent{
		id:          id,
		page:        page,
		sender:      sender,
		log:         logging.OrDiscard(log).WithField("tab", id),
		SettleDelay: DefaultSettleDelay,
		ClickDelay:  DefaultClickDelay,
		Label:       DefaultLabel,
	}
}

// ID returns the tab the agent serves.
func (a *Agent) ID() message.TabID { return a.id }

// FindTriggerAnchor reports whether the native export button is present in
// an open export dialog.
func (a *Agent) FindTriggerAnchor(ctx context.Context) (bool, error) {
	var found bool
	if err := a.page.Call(ctx, "findTrigger", &found); err != nil {
		return false, err
	}
	return found, nil
}

// InstallPreviewControl adds the preview control next to the native export
// button unless the dialog already has one. It always asks the document, so a
// reloaded page gets a fresh control. It reports whether the control is in
// place.
func (a *Agent) InstallPreviewControl(ctx context.Context) (bool, error) {
	var ok bool
	if err := a.page.Call(ctx, "install", &ok, a.Label); err != nil {
		return false, err
	}

	a.mu.Lock()
	was := a.installed
	a.installed = ok
	a.mu.Unlock()
	if ok && !was {
		a.log.Debug("preview control installed")
	}
	return ok, nil
}

// Installed reports whether the last install attempt found the dialog.
func (a *Agent) Installed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.installed
}

// OnDialogClosed resets the installed flag.
func (a *Agent) OnDialogClosed() {
	a.mu.Lock()
	a.installed = false
	a.mu.Unlock()
}

// ReadCurrentScale returns the dialog's scale, or 100 when the field is
// absent or unreadable.
func (a *Agent) ReadCurrentScale(ctx context.Context) int {
	var v *int
	if err := a.page.Call(ctx, "readScale", &v); err != nil {
		a.log.WithError(err).Debug("reading scale")
		return DefaultScale
	}
	if v == nil || *v <= 0 {
		return DefaultScale
	}
	return *v
}

// WriteScale sets the dialog's scale field. It returns false when the field
// cannot be found.
func (a *Agent) WriteScale(ctx context.Context, v int) bool {
	var ok bool
	if err := a.page.Call(ctx, "writeScale", &ok, v); err != nil {
		a.log.WithError(err).Warn("writing scale")
		return false
	}
	return ok
}

// ClickTrigger clicks the native export button.
func (a *Agent) ClickTrigger(ctx context.Context) error {
	var ok bool
	if err := a.page.Call(ctx, "clickTrigger", &ok); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: export button", ErrNotFound)
	}
	return nil
}

// PageID returns the id of the page open in the tab.
func (a *Agent) PageID(ctx context.Context) (string, error) {
	var href string
	if err := a.page.Call(ctx, "href", &href); err != nil {
		return "", err
	}
	id, ok := notionapi.ExtractPageID(href)
	if !ok {
		return "", fmt.Errorf("%w: page id in %q", ErrNotFound, href)
	}
	return id, nil
}

// HandleMessage serves CHANGE_SCALE and GET_CONTEXT.
func (a *Agent) HandleMessage(ctx context.Context, _ message.TabID, msg message.Message) message.Response {
	switch msg.Kind {
	case message.KindChangeScale:
		return a.changeScale(ctx, msg.Scale)
	case message.KindGetContext:
		id, err := a.PageID(ctx)
		if err != nil {
			return message.Fail(err)
		}
		return message.Response{Success: true, Context: &message.PageContext{PageID: id}}
	}
	return message.Failf("unsupported message " + string(msg.Kind))
}

func (a *Agent) changeScale(ctx context.Context, scale int) message.Response {
	log := a.log.WithField("scale", scale)
	if !a.WriteScale(ctx, scale) {
		log.Warn("scale field not found")
		return message.Failf("Failed to change scale")
	}

	// Re-arm; the controller armed already, so the answer is informational.
	if resp, err := a.sender.Send(ctx, a.id, message.ControllerID, message.EnablePreview(0)); err != nil || !resp.Success {
		log.WithError(err).WithField("response", resp.Error).Debug("re-arm not acknowledged")
	}

	if err := sleep(ctx, a.SettleDelay); err != nil {
		return message.Fail(err)
	}
	if err := a.ClickTrigger(ctx); err != nil {
		log.WithError(err).Warn("export button not found")
		return message.Failf("Export button not found")
	}
	log.Info("native export re-triggered")
	return message.OK()
}

// OnPreviewClick arms the controller with the dialog's current scale and
// then clicks the native export button.
func (a *Agent) OnPreviewClick(ctx context.Context) error {
	scale := a.ReadCurrentScale(ctx)
	resp, err := a.sender.Send(ctx, a.id, message.ControllerID, message.EnablePreview(scale))
	if err != nil {
		return fmt.Errorf("agent: enabling preview: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("agent: enabling preview: %s", resp.Error)
	}
	a.log.WithField("scale", scale).Info("preview requested")

	if err := sleep(ctx, a.ClickDelay); err != nil {
		return err
	}
	return a.ClickTrigger(ctx)
}

// HandleEvent dispatches one script event.
func (a *Agent) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventDialogOpened:
		_, err := a.InstallPreviewControl(ctx)
		return err
	case EventDialogClosed:
		a.OnDialogClosed()
		// The dialog may have been re-rendered rather than closed.
		_, err := a.InstallPreviewControl(ctx)
		return err
	case EventPreviewClick:
		return a.OnPreviewClick(ctx)
	}
	return fmt.Errorf("agent: unknown event %q", ev.Type)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
