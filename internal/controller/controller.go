// Package controller owns the interception state machine: it is armed by a
// page agent, claims the next matching export download, cancels it before
// any byte is fetched and hands the document to a viewer.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/porticus-lab/export-preview/internal/allowlist"
	"github.com/porticus-lab/export-preview/internal/logging"
	"github.com/porticus-lab/export-preview/internal/message"
	"github.com/porticus-lab/export-preview/internal/notionapi"
	"github.com/porticus-lab/export-preview/internal/retrieval"
)

// DefaultArmTimeout is how long an arm waits for a matching download.
const DefaultArmTimeout = 10 * time.Second

// DefaultInitialScale is used when an arm request carries no scale.
const DefaultInitialScale = 100

// ErrPreviewDisabled is returned to arm requests while auto preview is off.
var ErrPreviewDisabled = errors.New("preview disabled")

// ErrArmExpired is reported to a waiting viewer when the re-export download
// never arrived.
var ErrArmExpired = errors.New("export did not start in time")

// Mode selects how a viewer's scale-change request is fulfilled.
type Mode string

const (
	// ModeReexport drives the host page's own export dialog again.
	ModeReexport Mode = "reexport"
	// ModePrivate calls the host's private export pipeline directly.
	ModePrivate Mode = "private"
)

// ParseMode parses a mode name. The empty string selects ModeReexport.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeReexport:
		return ModeReexport, nil
	case ModePrivate:
		return ModePrivate, nil
	}
	return "", fmt.Errorf("controller: unknown scale change mode %q", s)
}

// Phase is the coarse state of the machine.
type Phase int

const (
	Idle Phase = iota
	Armed
	Claiming
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Claiming:
		return "claiming"
	}
	return "phase(" + strconv.Itoa(int(p)) + ")"
}

// State is the interception state. PendingScale is zero when no scale
// change is in flight.
type State struct {
	Armed        bool
	OriginTabID  message.TabID
	ViewerTabID  message.TabID
	PendingScale int
	InitialScale int
}

// DownloadClaim describes one observed download.
type DownloadClaim struct {
	ID       string
	URL      string
	Filename string
}

// DownloadCanceller cancels a browser download before it reaches disk.
type DownloadCanceller interface {
	CancelDownload(ctx context.Context, id string) error
}

// TabOpener opens a new browser tab.
type TabOpener interface {
	OpenTab(ctx context.Context, rawURL string) error
}

// CredentialStore reads a named session credential for a site.
type CredentialStore interface {
	Credential(ctx context.Context, siteURL, name string) (string, error)
}

// Exporter runs a private export and returns the resulting file URL.
type Exporter interface {
	ExportPageWithScale(ctx context.Context, pageID string, scale float64, token string) (string, error)
}

// Indicator surfaces the outcome of a claim.
type Indicator interface {
	Success()
	Error()
}

// Preferences exposes the user's persisted preferences.
type Preferences interface {
	AutoPreview() bool
}

// Messenger delivers bus messages.
type Messenger interface {
	message.Sender
	Post(ctx context.Context, from, to message.TabID, msg message.Message) error
}

// Config wires a Controller to its collaborators. Messenger, Downloads, Tabs
// and Strategy are required.
type Config struct {
	Matcher     *allowlist.Matcher
	Messenger   Messenger
	Downloads   DownloadCanceller
	Tabs        TabOpener
	Strategy    retrieval.Strategy
	Exporter    Exporter
	Credentials CredentialStore
	Indicator   Indicator
	Preferences Preferences

	Mode       Mode
	ArmTimeout time.Duration

	// ViewerBase is the origin serving the viewer, e.g. http://127.0.0.1:7733.
	// Downloads from this origin are never claimed.
	ViewerBase string

	// CredentialSite is the site whose session cookie authorizes private exports.
	CredentialSite string

	Log *logrus.Entry

	newSessionID func() string
}

// Controller is the interception state machine. It is safe for concurrent
// use; every handler re-reads state after each blocking call.
type Controller struct {
	cfg Config
	log *logrus.Entry

	mu       sync.Mutex
	state    State
	claiming int
	armGen   uint64
	armTimer *time.Timer

	// privateScale is the scale of an in-flight private export. It never
	// routes a download.
	privateScale int
}

// New returns an idle Controller.
func New(cfg Config) (*Controller, error) {
	switch {
	case cfg.Messenger == nil:
		return nil, errors.New("controller: messenger is required")
	case cfg.Downloads == nil:
		return nil, errors.New("controller: download canceller is required")
	case cfg.Tabs == nil:
		return nil, errors.New("controller: tab opener is required")
	case cfg.Strategy == nil:
		return nil, errors.New("controller: retrieval strategy is required")
	}
	if cfg.Matcher == nil {
		cfg.Matcher = allowlist.Default(false)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeReexport
	}
	if cfg.ArmTimeout == 0 {
		cfg.ArmTimeout = DefaultArmTimeout
	}
	if cfg.CredentialSite == "" {
		cfg.CredentialSite = "https://www.notion.so"
	}
	if cfg.newSessionID == nil {
		cfg.newSessionID = uuid.NewString
	}
	cfg.ViewerBase = strings.TrimRight(cfg.ViewerBase, "/")

	return &Controller{
		cfg:   cfg,
		log:   logging.OrDiscard(cfg.Log),
		state: State{InitialScale: DefaultInitialScale},
	}, nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Phase reports the coarse state.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.state.Armed:
		return Armed
	case c.claiming > 0:
		return Claiming
	}
	return Idle
}

// AwaitingScaleResult reports whether a scale change is in flight.
func (c *Controller) AwaitingScaleResult() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.PendingScale != 0 || c.privateScale != 0
}

// HandleMessage serves ENABLE_PREVIEW and REQUEST_SCALE_CHANGE.
func (c *Controller) HandleMessage(ctx context.Context, from message.TabID, msg message.Message) message.Response {
	switch msg.Kind {
	case message.KindEnablePreview:
		return c.enablePreview(from, msg.Scale)
	case message.KindRequestScaleChange:
		return c.requestScaleChange(ctx, from, msg)
	}
	return message.Failf("unsupported message " + string(msg.Kind))
}

func (c *Controller) enablePreview(from message.TabID, scale int) message.Response {
	if p := c.cfg.Preferences; p != nil && !p.AutoPreview() {
		c.log.Debug("arm refused: auto preview is off")
		return message.Fail(ErrPreviewDisabled)
	}
	if scale <= 0 {
		scale = DefaultInitialScale
	}

	c.mu.Lock()
	c.state.OriginTabID = from
	c.state.InitialScale = scale
	c.armLocked()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"origin": from, "scale": scale}).Info("armed")
	return message.OK()
}

// armLocked sets armed and (re)starts the arm timeout. c.mu must be held.
func (c *Controller) armLocked() uint64 {
	c.state.Armed = true
	c.armGen++
	gen := c.armGen
	if c.armTimer != nil {
		c.armTimer.Stop()
	}
	if c.cfg.ArmTimeout > 0 {
		c.armTimer = time.AfterFunc(c.cfg.ArmTimeout, func() { c.expire(gen) })
	}
	return gen
}

// disarmLocked clears armed and stops the timeout. c.mu must be held.
func (c *Controller) disarmLocked() {
	c.state.Armed = false
	if c.armTimer != nil {
		c.armTimer.Stop()
		c.armTimer = nil
	}
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if gen != c.armGen || !c.state.Armed {
		c.mu.Unlock()
		return
	}
	scale, viewer := c.state.PendingScale, c.state.ViewerTabID
	c.state.Armed = false
	c.state.PendingScale = 0
	c.armTimer = nil
	c.mu.Unlock()
	c.log.Info("arm expired without a matching download")
	c.reportScaleFailure(context.Background(), viewer, scale, ErrArmExpired)
}

// reportScaleFailure tells the viewer waiting on scale that no result is
// coming. It does nothing when no scale change was pending.
func (c *Controller) reportScaleFailure(ctx context.Context, viewer message.TabID, scale int, err error) {
	if scale == 0 || viewer == "" {
		return
	}
	if perr := c.cfg.Messenger.Post(ctx, message.ControllerID, viewer, message.ScaleChangeFailed(scale, err.Error())); perr != nil {
		c.log.WithError(perr).WithField("viewer", viewer).Debug("scale failure not delivered")
	}
}

func (c *Controller) requestScaleChange(ctx context.Context, from message.TabID, msg message.Message) message.Response {
	if msg.Scale <= 0 {
		return message.Failf("invalid scale")
	}

	c.mu.Lock()
	c.state.ViewerTabID = from
	origin := msg.OriginTabID
	if origin == "" {
		origin = c.state.OriginTabID
	}
	c.mu.Unlock()

	if origin == "" {
		return message.Failf("origin tab not found")
	}

	log := c.log.WithFields(logrus.Fields{"scale": msg.Scale, "origin": origin, "viewer": from, "mode": c.cfg.Mode})
	log.Info("scale change requested")

	if c.cfg.Mode == ModePrivate {
		return c.privateScaleChange(ctx, log, origin, from, msg.Scale)
	}
	return c.reexportScaleChange(ctx, log, origin, msg.Scale)
}

func (c *Controller) reexportScaleChange(ctx context.Context, log *logrus.Entry, origin message.TabID, scale int) message.Response {
	c.mu.Lock()
	c.state.OriginTabID = origin
	c.state.PendingScale = scale
	gen := c.armLocked()
	c.mu.Unlock()

	resp, err := c.cfg.Messenger.Send(ctx, message.ControllerID, origin, message.ChangeScale(scale))
	if err == nil && resp.Success {
		return message.OK()
	}
	if err == nil {
		err = errors.New(resp.Error)
	}

	c.mu.Lock()
	if c.state.PendingScale == scale {
		c.state.PendingScale = 0
	}
	if c.armGen == gen {
		c.disarmLocked()
	}
	c.mu.Unlock()

	log.WithError(err).Warn("page agent could not change scale")
	return message.Fail(err)
}

func (c *Controller) privateScaleChange(ctx context.Context, log *logrus.Entry, origin, viewer message.TabID, scale int) message.Response {
	if c.cfg.Exporter == nil || c.cfg.Credentials == nil {
		return message.Failf("private export is not configured")
	}

	c.mu.Lock()
	c.privateScale = scale
	c.mu.Unlock()

	src, err := c.privateExport(ctx, origin, scale)
	if err == nil {
		err = c.cfg.Messenger.Post(ctx, message.ControllerID, viewer, message.NewScaleResult(scale, src.URL))
	}

	c.mu.Lock()
	if c.privateScale == scale {
		c.privateScale = 0
	}
	c.mu.Unlock()

	if err != nil {
		log.WithError(err).Warn("private export failed")
		c.indicate(false)
		return message.Fail(err)
	}
	log.WithField("url", src.URL).Info("scale result delivered")
	c.indicate(true)
	return message.OK()
}

func (c *Controller) privateExport(ctx context.Context, origin message.TabID, scale int) (retrieval.Source, error) {
	resp, err := c.cfg.Messenger.Send(ctx, message.ControllerID, origin, message.GetContext())
	if err != nil {
		return retrieval.Source{}, fmt.Errorf("controller: querying page context: %w", err)
	}
	if !resp.Success || resp.Context == nil || resp.Context.PageID == "" {
		reason := resp.Error
		if reason == "" {
			reason = "page id not found"
		}
		return retrieval.Source{}, fmt.Errorf("controller: querying page context: %s", reason)
	}

	token, err := c.cfg.Credentials.Credential(ctx, c.cfg.CredentialSite, notionapi.TokenCookie)
	if err != nil {
		return retrieval.Source{}, fmt.Errorf("controller: reading %s: %w", notionapi.TokenCookie, err)
	}
	if token == "" {
		return retrieval.Source{}, fmt.Errorf("controller: %s not found", notionapi.TokenCookie)
	}

	exportURL, err := c.cfg.Exporter.ExportPageWithScale(ctx, resp.Context.PageID, notionapi.ScaleFactor(scale), token)
	if err != nil {
		return retrieval.Source{}, err
	}
	return c.cfg.Strategy.Retrieve(ctx, retrieval.Request{URL: exportURL})
}

// OnDownloadCreated is called for every observed download. It returns true
// when the download was claimed; a claimed download has been cancelled and
// its document routed to a viewer or reported as failed.
func (c *Controller) OnDownloadCreated(ctx context.Context, d DownloadClaim) bool {
	log := c.log.WithFields(logrus.Fields{"download": d.ID, "url": d.URL})

	if c.isOwnDownload(d.URL) || !c.cfg.Matcher.Matches(d.URL) {
		log.Debug("download ignored")
		return false
	}

	c.mu.Lock()
	if !c.state.Armed {
		c.mu.Unlock()
		log.Debug("download ignored: not armed")
		return false
	}
	c.disarmLocked()
	c.claiming++
	st := c.state
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.claiming--
		c.mu.Unlock()
	}()

	log.Info("download claimed")
	if err := c.claim(ctx, log, d, st); err != nil {
		c.mu.Lock()
		if st.PendingScale != 0 && c.state.PendingScale == st.PendingScale {
			c.state.PendingScale = 0
		}
		c.mu.Unlock()
		log.WithError(err).Error("preview failed; the download was not resumed")
		c.reportScaleFailure(ctx, st.ViewerTabID, st.PendingScale, err)
		c.indicate(false)
		return true
	}
	c.indicate(true)
	return true
}

func (c *Controller) claim(ctx context.Context, log *logrus.Entry, d DownloadClaim, st State) error {
	if err := c.cfg.Downloads.CancelDownload(ctx, d.ID); err != nil {
		return fmt.Errorf("controller: cancelling download: %w", err)
	}

	src, err := c.cfg.Strategy.Retrieve(ctx, retrieval.Request{URL: d.URL, Filename: d.Filename})
	if err != nil {
		return err
	}

	if st.PendingScale != 0 && st.ViewerTabID != "" {
		if err := c.cfg.Messenger.Post(ctx, message.ControllerID, st.ViewerTabID, message.NewScaleResult(st.PendingScale, src.URL)); err != nil {
			return fmt.Errorf("controller: pushing scale result: %w", err)
		}
		c.mu.Lock()
		if c.state.PendingScale == st.PendingScale {
			c.state.PendingScale = 0
		}
		c.mu.Unlock()
		log.WithField("scale", st.PendingScale).Info("scale result pushed to viewer")
		return nil
	}

	session := message.TabID(c.cfg.newSessionID())
	filename := src.Filename
	if filename == "" {
		filename = d.Filename
	}
	viewerURL := c.ViewerURL(src.URL, filename, st.OriginTabID, st.InitialScale, session)
	if err := c.cfg.Tabs.OpenTab(ctx, viewerURL); err != nil {
		return fmt.Errorf("controller: opening viewer: %w", err)
	}

	c.mu.Lock()
	c.state.ViewerTabID = session
	if st.PendingScale != 0 && c.state.PendingScale == st.PendingScale {
		c.state.PendingScale = 0
	}
	c.mu.Unlock()
	log.WithFields(logrus.Fields{"session": session, "scale": st.InitialScale}).Info("viewer opened")
	return nil
}

// ViewerURL builds the viewer launch URL.
func (c *Controller) ViewerURL(src, filename string, origin message.TabID, scale int, session message.TabID) string {
	if filename == "" {
		filename = "export.pdf"
	}
	q := url.Values{}
	q.Set("src", src)
	q.Set("filename", filename)
	if origin != "" {
		q.Set("tabId", string(origin))
	}
	q.Set("scale", strconv.Itoa(scale))
	q.Set("session", string(session))
	return c.cfg.ViewerBase + "/viewer?" + q.Encode()
}

func (c *Controller) isOwnDownload(rawURL string) bool {
	if c.cfg.ViewerBase == "" {
		return false
	}
	own, err := url.Parse(c.cfg.ViewerBase)
	if err != nil {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, own.Scheme) && strings.EqualFold(u.Host, own.Host)
}

func (c *Controller) indicate(ok bool) {
	if c.cfg.Indicator == nil {
		return
	}
	if ok {
		c.cfg.Indicator.Success()
	} else {
		c.cfg.Indicator.Error()
	}
}
