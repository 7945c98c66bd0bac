// Package cdp adapts a chromedp browser session to the capabilities the
// controller and page agents consume: download observation and cancel, tab
// creation, cookie lookup and host page evaluation.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"github.com/porticus-lab/export-preview/internal/controller"
	"github.com/porticus-lab/export-preview/internal/logging"
)

// ErrNoBrowser is returned when the context carries no started browser.
var ErrNoBrowser = errors.New("cdp: no browser in context")

// Browser wraps a started chromedp browser context.
type Browser struct {
	ctx context.Context
	log *logrus.Entry
}

// NewBrowser wraps browserCtx, which must come from chromedp.NewContext and
// have been run at least once.
func NewBrowser(browserCtx context.Context, log *logrus.Entry) *Browser {
	return &Browser{ctx: browserCtx, log: logging.OrDiscard(log)}
}

// Context returns the browser context.
func (b *Browser) Context() context.Context { return b.ctx }

// browserExec binds ctx to the browser-level executor.
func (b *Browser) browserExec(ctx context.Context) (context.Context, error) {
	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Browser == nil {
		return nil, ErrNoBrowser
	}
	return cdp.WithExecutor(ctx, c.Browser), nil
}

// EnableDownloadEvents keeps the browser's default download behaviour but
// asks it to report download lifecycle events.
func (b *Browser) EnableDownloadEvents(ctx context.Context) error {
	ectx, err := b.browserExec(ctx)
	if err != nil {
		return err
	}
	if err := browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorDefault).
		WithEventsEnabled(true).
		Do(ectx); err != nil {
		return fmt.Errorf("cdp: enabling download events: %w", err)
	}
	return nil
}

// OnDownload calls fn on its own goroutine for every download that begins.
func (b *Browser) OnDownload(fn func(controller.DownloadClaim)) {
	chromedp.ListenBrowser(b.ctx, func(ev any) {
		e, ok := ev.(*browser.EventDownloadWillBegin)
		if !ok {
			return
		}
		claim := controller.DownloadClaim{ID: e.GUID, URL: e.URL, Filename: e.SuggestedFilename}
		go fn(claim)
	})
}

// CancelDownload cancels the download with the given GUID.
func (b *Browser) CancelDownload(ctx context.Context, id string) error {
	ectx, err := b.browserExec(ctx)
	if err != nil {
		return err
	}
	if err := browser.CancelDownload(id).Do(ectx); err != nil {
		return fmt.Errorf("cdp: cancelling download %s: %w", id, err)
	}
	return nil
}

// OpenTab opens rawURL in a new tab.
func (b *Browser) OpenTab(ctx context.Context, rawURL string) error {
	ectx, err := b.browserExec(ctx)
	if err != nil {
		return err
	}
	id, err := target.CreateTarget(rawURL).Do(ectx)
	if err != nil {
		return fmt.Errorf("cdp: opening tab: %w", err)
	}
	b.log.WithField("target", id).Debug("tab opened")
	return nil
}

// Cookies returns the browser's cookies for rawURL.
func (b *Browser) Cookies(ctx context.Context, rawURL string) ([]*http.Cookie, error) {
	c := chromedp.FromContext(b.ctx)
	if c == nil || c.Target == nil {
		return nil, ErrNoBrowser
	}
	cookies, err := network.GetCookies().WithURLs([]string{rawURL}).Do(cdp.WithExecutor(ctx, c.Target))
	if err != nil {
		return nil, fmt.Errorf("cdp: reading cookies: %w", err)
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, ck := range cookies {
		out = append(out, &http.Cookie{Name: ck.Name, Value: ck.Value, Domain: ck.Domain, Path: ck.Path})
	}
	return out, nil
}

// Credential returns the value of cookie name for siteURL, or "" when the
// browser holds none.
func (b *Browser) Credential(ctx context.Context, siteURL, name string) (string, error) {
	cookies, err := b.Cookies(ctx, siteURL)
	if err != nil {
		return "", err
	}
	for _, c := range cookies {
		if c.Name == name {
			return c.Value, nil
		}
	}
	return "", nil
}
