// Package viewer renders a previewed document and lets the user pick a
// different export scale, caching every scale it has seen.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/porticus-lab/export-preview/internal/logging"
	"github.com/porticus-lab/export-preview/internal/message"
)

// DisplayZoom is the on-screen zoom at a default zoom setting of 1.0. It is
// independent of the export scale.
const DisplayZoom = 1.5

// DefaultStatusTimeout is how long a transient status stays visible.
const DefaultStatusTimeout = 3 * time.Second

// Statuses shown next to the scale control.
const (
	StatusCached     = "cached"
	StatusGenerating = "generating"
)

// PageView is one page surface at display size.
type PageView struct {
	Number int     `json:"number"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Surface is where the viewer paints. Implementations forward to the viewer
// page.
type Surface interface {
	Reset(ctx context.Context) error
	AppendPage(ctx context.Context, p PageView) error
	Paint(ctx context.Context, doc string, zoom float64) error
	SetStatus(ctx context.Context, status string) error
	SetScale(ctx context.Context, scale int) error
	Print(ctx context.Context) error
}

// Config wires a Viewer.
type Config struct {
	Launch  Launch
	Sender  message.Sender
	Surface Surface
	Decoder Decoder
	Fetcher Fetcher

	// Zoom multiplies DisplayZoom; the persisted default zoom setting.
	Zoom          float64
	StatusTimeout time.Duration

	// DocURL maps a document version to the URL the surface paints from.
	DocURL func(version int) string

	Log *logrus.Entry
}

// Viewer is one preview session.
type Viewer struct {
	cfg   Config
	cache *ScaleCache
	log   *logrus.Entry

	renderMu sync.Mutex

	mu        sync.Mutex
	selected  int
	status    string
	statusGen uint64
	doc       []byte
	version   int

	// requested holds uncached scales whose result has not arrived yet.
	requested map[int]bool
}

// New returns a Viewer seeded with the launch source at the launch scale.
func New(cfg Config) *Viewer {
	if cfg.Zoom <= 0 {
		cfg.Zoom = 1
	}
	if cfg.StatusTimeout == 0 {
		cfg.StatusTimeout = DefaultStatusTimeout
	}
	if cfg.Decoder == nil {
		cfg.Decoder = PDFDecoder{}
	}
	if cfg.Launch.Scale == 0 {
		cfg.Launch.Scale = DefaultScale
	}
	v := &Viewer{
		cfg:      cfg,
		cache:    NewScaleCache(),
		log:      logging.OrDiscard(cfg.Log).WithField("session", cfg.Launch.Session),
		selected:  cfg.Launch.Scale,
		requested: make(map[int]bool),
	}
	if cfg.Launch.Src != "" {
		v.cache.Put(cfg.Launch.Scale, cfg.Launch.Src)
	}
	return v
}

// Launch returns the launch parameters.
func (v *Viewer) Launch() Launch { return v.cfg.Launch }

// Cache returns the scale cache.
func (v *Viewer) Cache() *ScaleCache { return v.cache }

// Selected returns the currently selected scale.
func (v *Viewer) Selected() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.selected
}

// Status returns the current status text.
func (v *Viewer) Status() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// Zoom returns the display zoom.
func (v *Viewer) Zoom() float64 { return DisplayZoom * v.cfg.Zoom }

// Start renders the launch source.
func (v *Viewer) Start(ctx context.Context) error {
	if err := v.cfg.Surface.SetScale(ctx, v.Selected()); err != nil {
		return err
	}
	if v.cfg.Launch.Src == "" {
		return errors.New("viewer: no source")
	}
	return v.Render(ctx, v.cfg.Launch.Src)
}

// Render clears the surface, decodes the document behind src and paints
// one surface per page in page order.
func (v *Viewer) Render(ctx context.Context, src string) error {
	v.renderMu.Lock()
	defer v.renderMu.Unlock()

	if err := v.cfg.Surface.Reset(ctx); err != nil {
		return err
	}
	data, err := v.cfg.Fetcher.Fetch(ctx, src)
	if err != nil {
		return err
	}
	pages, err := v.cfg.Decoder.Decode(ctx, data)
	if err != nil {
		return err
	}

	zoom := v.Zoom()
	for i, p := range pages {
		pv := PageView{Number: i + 1, Width: p.Width * zoom, Height: p.Height * zoom}
		if err := v.cfg.Surface.AppendPage(ctx, pv); err != nil {
			return err
		}
	}

	v.mu.Lock()
	v.doc = data
	v.version++
	version := v.version
	v.mu.Unlock()

	doc := src
	if v.cfg.DocURL != nil {
		doc = v.cfg.DocURL(version)
	}
	v.log.WithFields(logrus.Fields{"pages": len(pages), "bytes": len(data)}).Debug("rendered")
	return v.cfg.Surface.Paint(ctx, doc, zoom)
}

// RequestScale selects the scale parsed from raw. A cached scale renders at
// once; otherwise exactly one scale-change request goes to the controller
// and the result arrives later through HandleMessage. A scale already
// requested is not asked for again until its result or failure arrives.
func (v *Viewer) RequestScale(ctx context.Context, raw string) int {
	v.mu.Lock()
	scale := Clamp(raw, v.selected)
	v.selected = scale
	v.mu.Unlock()

	if err := v.cfg.Surface.SetScale(ctx, scale); err != nil {
		v.log.WithError(err).Debug("reflecting scale")
	}

	if src, ok := v.cache.Get(scale); ok {
		v.setStatus(ctx, StatusCached, true)
		if err := v.Render(ctx, src); err != nil {
			v.fail(ctx, err)
		}
		return scale
	}

	v.setStatus(ctx, StatusGenerating, false)

	v.mu.Lock()
	pending := v.requested[scale]
	v.requested[scale] = true
	v.mu.Unlock()
	if pending {
		v.log.WithField("scale", scale).Debug("scale already requested")
		return scale
	}

	resp, err := v.cfg.Sender.Send(ctx, v.cfg.Launch.Session, message.ControllerID,
		message.RequestScaleChange(scale, v.cfg.Launch.TabID))
	if err == nil && !resp.Success {
		err = errors.New(resp.Error)
	}
	if err != nil {
		v.settle(scale)
		v.fail(ctx, err)
	}
	return scale
}

func (v *Viewer) settle(scale int) {
	v.mu.Lock()
	delete(v.requested, scale)
	v.mu.Unlock()
}

// HandleMessage serves NEW_SCALE_RESULT and SCALE_CHANGE_FAILED. Every
// result is cached; only the currently selected scale is rendered.
func (v *Viewer) HandleMessage(ctx context.Context, _ message.TabID, msg message.Message) message.Response {
	switch msg.Kind {
	case message.KindNewScaleResult:
	case message.KindScaleChangeFailed:
		return v.scaleFailed(ctx, msg)
	default:
		return message.Failf("unsupported message " + string(msg.Kind))
	}
	if msg.Scale == 0 || msg.URL == "" {
		return message.Failf("incomplete scale result")
	}
	v.cache.Put(msg.Scale, msg.URL)
	v.settle(msg.Scale)

	if msg.Scale != v.Selected() {
		v.log.WithField("scale", msg.Scale).Debug("cached stale scale result")
		return message.OK()
	}
	if err := v.Render(ctx, msg.URL); err != nil {
		v.fail(ctx, err)
		return message.Fail(err)
	}
	v.setStatus(ctx, "", false)
	return message.OK()
}

func (v *Viewer) scaleFailed(ctx context.Context, msg message.Message) message.Response {
	if msg.Scale == 0 {
		return message.Failf("incomplete scale failure")
	}
	v.settle(msg.Scale)
	if _, cached := v.cache.Get(msg.Scale); cached || msg.Scale != v.Selected() {
		v.log.WithField("scale", msg.Scale).Debug("stale scale failure")
		return message.OK()
	}
	reason := msg.Error
	if reason == "" {
		reason = "scale change failed"
	}
	v.fail(ctx, errors.New(reason))
	return message.OK()
}

// Document returns the bytes currently on screen.
func (v *Viewer) Document() ([]byte, string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.doc == nil {
		return nil, "", false
	}
	return v.doc, v.cfg.Launch.Filename, true
}

// Print delegates to the page's print action.
func (v *Viewer) Print(ctx context.Context) error {
	return v.cfg.Surface.Print(ctx)
}

func (v *Viewer) fail(ctx context.Context, err error) {
	v.log.WithError(err).Warn("scale change failed")
	v.setStatus(ctx, fmt.Sprintf("error: %v", err), true)
}

// setStatus shows status, clearing it after StatusTimeout when transient.
func (v *Viewer) setStatus(ctx context.Context, status string, transient bool) {
	v.mu.Lock()
	v.status = status
	v.statusGen++
	gen := v.statusGen
	v.mu.Unlock()

	if err := v.cfg.Surface.SetStatus(ctx, status); err != nil {
		v.log.WithError(err).Debug("showing status")
	}
	if !transient || v.cfg.StatusTimeout < 0 {
		return
	}
	time.AfterFunc(v.cfg.StatusTimeout, func() {
		v.mu.Lock()
		if v.statusGen != gen {
			v.mu.Unlock()
			return
		}
		v.status = ""
		v.mu.Unlock()
		v.cfg.Surface.SetStatus(context.Background(), "")
	})
}
