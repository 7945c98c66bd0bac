package exportpreview

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	"github.com/go-rod/rod/lib/launcher"
)

// resolveBrowser downloads a compatible Chromium binary if one is not
// already cached and returns the path to the executable. The binary is
// stored in ~/.cache/rod/browser (Unix) or %APPDATA%\rod\browser (Windows).
func resolveBrowser() (string, error) {
	path, err := launcher.NewBrowser().Get()
	if err != nil {
		return "", fmt.Errorf("exportpreview: downloading browser: %w", err)
	}
	return path, nil
}

// allocatorOptions returns the exec allocator flags for cfg. The browser is
// the user's window onto the host site, so it runs headed unless asked.
func allocatorOptions(cfg previewConfig) ([]chromedp.ExecAllocatorOption, error) {
	opts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("headless", false),
		chromedp.Flag("hide-scrollbars", false),
		chromedp.Flag("mute-audio", false),
	)
	if cfg.headless != "" {
		opts = append(opts, chromedp.Flag("headless", cfg.headless), chromedp.Flag("disable-gpu", true))
	}

	path := cfg.chromePath
	if path == "" && cfg.autoDownload {
		p, err := resolveBrowser()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if path != "" {
		opts = append(opts, chromedp.ExecPath(path))
	}
	if cfg.noSandbox {
		opts = append(opts, chromedp.Flag("no-sandbox", true))
	}
	if cfg.userDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.userDataDir))
	}
	return opts, nil
}

// newAllocator returns a context that launches a browser, or attaches to a
// running one when cfg names a remote URL.
func newAllocator(cfg previewConfig) (context.Context, context.CancelFunc, error) {
	if cfg.remoteURL != "" {
		ctx, cancel := chromedp.NewRemoteAllocator(context.Background(), cfg.remoteURL)
		return ctx, cancel, nil
	}
	opts, err := allocatorOptions(cfg)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return ctx, cancel, nil
}
