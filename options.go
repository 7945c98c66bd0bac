package exportpreview

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/porticus-lab/export-preview/internal/controller"
)

// Retrieval strategies accepted by [WithStrategy].
const (
	// StrategyDelegated fetches the export with the browser's cookies and
	// serves it from the local blob store.
	StrategyDelegated = "delegated"
	// StrategyPassThrough hands the download URL to the viewer unchanged.
	StrategyPassThrough = "passthrough"
)

// DefaultListenAddr is where the viewer is served unless [WithListenAddr]
// says otherwise.
const DefaultListenAddr = "127.0.0.1:7733"

// previewConfig holds internal configuration for a Preview.
type previewConfig struct {
	chromePath   string
	timeout      time.Duration
	noSandbox    bool
	headless     string
	remoteURL    string
	userDataDir  string
	autoDownload bool
	listenAddr   string
	logger       *logrus.Logger
	strategy     string
	mode         controller.Mode
	storageHosts bool
	armTimeout   time.Duration
	settingsPath string
}

func defaultConfig() previewConfig {
	return previewConfig{
		timeout:    60 * time.Second,
		listenAddr: DefaultListenAddr,
		strategy:   StrategyDelegated,
		mode:       controller.ModeReexport,
		armTimeout: controller.DefaultArmTimeout,
	}
}

// Option configures a [Preview].
type Option func(*previewConfig)

// WithChromePath sets the path to the Chrome or Chromium executable.
// By default chromedp searches standard locations.
func WithChromePath(path string) Option {
	return func(c *previewConfig) {
		c.chromePath = path
	}
}

// WithTimeout bounds a single document retrieval. Defaults to 60 seconds.
// A zero or negative value disables the timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *previewConfig) {
		c.timeout = d
	}
}

// WithNoSandbox disables the Chrome sandbox. This is required when
// running as root, for example inside Docker containers.
func WithNoSandbox() Option {
	return func(c *previewConfig) {
		c.noSandbox = true
	}
}

// WithHeadless runs the browser without a window. Only useful for tests and
// for driving a session through a remote debugger.
func WithHeadless() Option {
	return func(c *previewConfig) {
		c.headless = "new"
	}
}

// WithRemoteURL attaches to an already running browser through its DevTools
// websocket URL instead of launching one.
func WithRemoteURL(wsURL string) Option {
	return func(c *previewConfig) {
		c.remoteURL = wsURL
	}
}

// WithUserDataDir sets the browser profile directory, so the host site's
// login survives restarts.
func WithUserDataDir(dir string) Option {
	return func(c *previewConfig) {
		c.userDataDir = dir
	}
}

// WithAutoDownload downloads a compatible Chromium when no executable path
// is given.
func WithAutoDownload() Option {
	return func(c *previewConfig) {
		c.autoDownload = true
	}
}

// WithListenAddr sets the address the viewer is served on. Use port 0 for
// an ephemeral port.
func WithListenAddr(addr string) Option {
	return func(c *previewConfig) {
		c.listenAddr = addr
	}
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l *logrus.Logger) Option {
	return func(c *previewConfig) {
		c.logger = l
	}
}

// WithStrategy selects how the export is retrieved: [StrategyDelegated]
// (default) or [StrategyPassThrough].
func WithStrategy(name string) Option {
	return func(c *previewConfig) {
		c.strategy = name
	}
}

// WithScaleChangeMode selects how the viewer's scale changes are served:
// "reexport" (default) drives the host page, "private" calls the host's
// export API directly.
func WithScaleChangeMode(mode string) Option {
	return func(c *previewConfig) {
		c.mode = controller.Mode(mode)
	}
}

// WithStorageHosts also attaches to the host's file storage origin.
func WithStorageHosts() Option {
	return func(c *previewConfig) {
		c.storageHosts = true
	}
}

// WithArmTimeout sets how long an armed preview waits for its download.
func WithArmTimeout(d time.Duration) Option {
	return func(c *previewConfig) {
		c.armTimeout = d
	}
}

// WithSettingsPath overrides the settings file location.
func WithSettingsPath(path string) Option {
	return func(c *previewConfig) {
		c.settingsPath = path
	}
}
