package exportpreview

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/porticus-lab/export-preview/internal/agent"
	"github.com/porticus-lab/export-preview/internal/allowlist"
	"github.com/porticus-lab/export-preview/internal/cdp"
	"github.com/porticus-lab/export-preview/internal/controller"
	"github.com/porticus-lab/export-preview/internal/indicator"
	"github.com/porticus-lab/export-preview/internal/logging"
	"github.com/porticus-lab/export-preview/internal/message"
	"github.com/porticus-lab/export-preview/internal/notionapi"
	"github.com/porticus-lab/export-preview/internal/retrieval"
	"github.com/porticus-lab/export-preview/internal/settings"
	"github.com/porticus-lab/export-preview/internal/viewer"
)

// Status is a point-in-time report of a running Preview.
type Status struct {
	Phase       string `json:"phase"`
	Armed       bool   `json:"armed"`
	Badge       string `json:"badge"`
	AutoPreview bool   `json:"autoPreview"`
	Tabs        int    `json:"tabs"`
	Sessions    int    `json:"sessions"`
	ViewerBase  string `json:"viewerBase"`
}

// Preview intercepts PDF exports in a browser and shows them in a local
// viewer instead of saving them.
//
// A Preview owns a browser session, the viewer HTTP server and the settings
// watcher. Call [Preview.Run] to start serving and [Preview.Close] to release
// everything.
type Preview struct {
	cfg previewConfig
	log *logrus.Logger

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	ctx           context.Context
	cancel        context.CancelFunc

	bus      *message.Bus
	blobs    *retrieval.BlobStore
	settings *settings.Store
	badge    *indicator.Badge
	browser  *cdp.Browser
	agents   *agent.Manager
	tabs     *cdp.TabWatcher
	ctrl     *controller.Controller
	viewer   *viewer.Server

	listener net.Listener
	server   *http.Server
	base     string

	mu      sync.Mutex
	closed  bool
	running bool
}

// New starts a browser and wires the preview pipeline with the given
// options. The caller must call [Preview.Close] when finished.
func New(opts ...Option) (*Preview, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	mode, err := controller.ParseMode(string(cfg.mode))
	if err != nil {
		return nil, fmt.Errorf("exportpreview: %w", err)
	}
	cfg.mode = mode
	if cfg.strategy != StrategyDelegated && cfg.strategy != StrategyPassThrough {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.strategy)
	}

	log := cfg.logger
	if log == nil {
		log = logging.Discard()
	}
	p := &Preview{cfg: cfg, log: log}

	settingsPath := cfg.settingsPath
	if settingsPath == "" {
		if settingsPath, err = settings.DefaultPath(); err != nil {
			return nil, fmt.Errorf("exportpreview: %w", err)
		}
	}
	if p.settings, err = settings.Open(settingsPath, logging.Component(log, "settings")); err != nil {
		return nil, fmt.Errorf("exportpreview: %w", err)
	}

	if p.listener, err = net.Listen("tcp", cfg.listenAddr); err != nil {
		return nil, fmt.Errorf("exportpreview: listening on %s: %w", cfg.listenAddr, err)
	}
	p.base = "http://" + p.listener.Addr().String()

	if p.allocCtx, p.allocCancel, err = newAllocator(cfg); err != nil {
		p.listener.Close()
		return nil, err
	}
	p.browserCtx, p.browserCancel = chromedp.NewContext(p.allocCtx)

	// Start the browser eagerly so errors surface at creation time.
	if err := chromedp.Run(p.browserCtx); err != nil {
		p.release()
		return nil, fmt.Errorf("exportpreview: starting browser: %w", err)
	}

	if err := p.wire(); err != nil {
		p.release()
		return nil, err
	}
	return p, nil
}

// wire builds the pipeline on top of a started browser.
func (p *Preview) wire() error {
	cfg, log := p.cfg, p.log
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.bus = message.NewBus()
	p.blobs = retrieval.NewBlobStore(p.base)
	p.badge = indicator.New(logging.Component(log, "indicator"))
	p.browser = cdp.NewBrowser(p.browserCtx, logging.Component(log, "cdp"))
	if err := p.browser.EnableDownloadEvents(p.browserCtx); err != nil {
		return fmt.Errorf("exportpreview: %w", err)
	}

	var strategy retrieval.Strategy = retrieval.PassThrough{}
	if cfg.strategy == StrategyDelegated {
		strategy = &retrieval.Delegated{
			Client:  &http.Client{Timeout: cfg.timeout},
			Cookies: p.browser,
			Store:   p.blobs,
			Log:     logging.Component(log, "retrieval"),
		}
	}

	exporter := notionapi.NewClient()
	exporter.Log = logging.Component(log, "notionapi")

	matcher := allowlist.Default(cfg.storageHosts)
	ctrl, err := controller.New(controller.Config{
		Matcher:     matcher,
		Messenger:   p.bus,
		Downloads:   p.browser,
		Tabs:        p.browser,
		Strategy:    strategy,
		Exporter:    exporter,
		Credentials: p.browser,
		Indicator:   p.badge,
		Preferences: p.settings,
		Mode:        cfg.mode,
		ArmTimeout:  cfg.armTimeout,
		ViewerBase:  p.base,
		Log:         logging.Component(log, "controller"),
	})
	if err != nil {
		return fmt.Errorf("exportpreview: %w", err)
	}
	p.ctrl = ctrl
	p.bus.Register(message.ControllerID, ctrl)

	p.viewer = viewer.NewServer(viewer.ServerConfig{
		Bus:     p.bus,
		Store:   p.blobs,
		Fetcher: &viewer.SourceFetcher{Store: p.blobs, Client: &http.Client{Timeout: cfg.timeout}},
		Zoom:    p.settings.DefaultZoom,
		Health:  p.health,
		Log:     logging.Component(log, "viewer"),
	})
	p.server = &http.Server{
		Handler:           p.viewer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	p.agents = agent.NewManager(p.bus, logging.Component(log, "agent"))
	p.tabs = cdp.NewTabWatcher(p.browser, p.agents, matcher, time.Second, logging.Component(log, "tabs"))

	p.browser.OnDownload(func(d controller.DownloadClaim) {
		p.ctrl.OnDownloadCreated(p.ctx, d)
	})
	p.settings.OnChange(func(s settings.Settings) {
		log.WithFields(logrus.Fields{"autoPreview": s.AutoPreview, "defaultZoom": s.DefaultZoom}).Info("settings changed")
	})
	return nil
}

// Run serves the viewer, watches host tabs and the settings file, and
// blocks until ctx ends, the Preview is closed or a component fails.
func (p *Preview) Run(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return ErrClosed
	case p.running:
		p.mu.Unlock()
		return errors.New("exportpreview: already running")
	}
	p.running = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	p.log.WithField("viewer", p.base).Info("export preview running")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.server.Serve(p.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("exportpreview: serving viewer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		return p.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return p.tabs.Run(gctx)
	})
	g.Go(func() error {
		return p.settings.Watch(gctx)
	})
	g.Go(func() error {
		select {
		case <-p.browserCtx.Done():
			if p.ctx.Err() != nil {
				return nil
			}
			return errors.New("exportpreview: browser closed")
		case <-gctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// Status reports the current state.
func (p *Preview) Status() (Status, error) {
	if err := p.checkClosed(); err != nil {
		return Status{}, err
	}
	snap := p.ctrl.Snapshot()
	return Status{
		Phase:       p.ctrl.Phase().String(),
		Armed:       snap.Armed,
		Badge:       p.badge.Current(),
		AutoPreview: p.settings.AutoPreview(),
		Tabs:        p.tabs.Attached(),
		Sessions:    p.viewer.Sessions(),
		ViewerBase:  p.base,
	}, nil
}

// ViewerBase returns the origin serving the viewer, e.g. http://127.0.0.1:7733.
func (p *Preview) ViewerBase() string { return p.base }

func (p *Preview) health() map[string]any {
	return map[string]any{
		"phase":       p.ctrl.Phase().String(),
		"badge":       p.badge.Current(),
		"autoPreview": p.settings.AutoPreview(),
		"tabs":        p.tabs.Attached(),
	}
}

// Close releases all resources held by the Preview, including the
// browser process. Close is idempotent.
func (p *Preview) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	var err error
	if p.server != nil && !p.running {
		err = p.server.Close()
	}
	if p.agents != nil {
		p.agents.Close()
	}
	p.release()
	return err
}

func (p *Preview) release() {
	if p.browserCancel != nil {
		p.browserCancel()
	}
	if p.allocCancel != nil {
		p.allocCancel()
	}
	if p.listener != nil && !p.running {
		p.listener.Close()
	}
}

func (p *Preview) checkClosed() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}
