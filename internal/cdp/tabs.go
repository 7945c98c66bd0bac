package cdp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/sirupsen/logrus"

	"github.com/porticus-lab/export-preview/internal/agent"
	"github.com/porticus-lab/export-preview/internal/allowlist"
	"github.com/porticus-lab/export-preview/internal/logging"
	"github.com/porticus-lab/export-preview/internal/message"
)

// TabWatcher attaches a page agent to every host tab whose URL matches the
// allow-list and detaches it when the tab closes.
type TabWatcher struct {
	browser  *Browser
	agents   *agent.Manager
	matcher  *allowlist.Matcher
	log      *logrus.Entry
	interval time.Duration

	mu       sync.Mutex
	attached map[target.ID]context.CancelFunc
}

// NewTabWatcher returns a watcher polling the browser's targets every
// interval.
func NewTabWatcher(b *Browser, agents *agent.Manager, matcher *allowlist.Matcher, interval time.Duration, log *logrus.Entry) *TabWatcher {
	if interval <= 0 {
		interval = time.Second
	}
	return &TabWatcher{
		browser:  b,
		agents:   agents,
		matcher:  matcher,
		log:      logging.OrDiscard(log),
		interval: interval,
		attached: make(map[target.ID]context.CancelFunc),
	}
}

// Run polls until ctx ends.
func (w *TabWatcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		if err := w.sync(ctx); err != nil {
			w.log.WithError(err).Debug("listing targets")
		}
		select {
		case <-ctx.Done():
			w.detachAll()
			return nil
		case <-t.C:
		}
	}
}

func (w *TabWatcher) sync(ctx context.Context) error {
	infos, err := chromedp.Targets(w.browser.Context())
	if err != nil {
		return err
	}

	live := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		live[info.TargetID] = true
		if !w.isAttached(info.TargetID) && w.matcher.Matches(info.URL) {
			if err := w.attach(ctx, info); err != nil {
				w.log.WithError(err).WithField("target", info.TargetID).Warn("attaching page agent")
			}
		}
	}

	w.mu.Lock()
	var gone []target.ID
	for id := range w.attached {
		if !live[id] {
			gone = append(gone, id)
		}
	}
	w.mu.Unlock()
	for _, id := range gone {
		w.detach(id)
	}
	return nil
}

func (w *TabWatcher) isAttached(id target.ID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.attached[id]
	return ok
}

func (w *TabWatcher) attach(ctx context.Context, info *target.Info) error {
	tabCtx, cancel := chromedp.NewContext(w.browser.Context(), chromedp.WithTargetID(info.TargetID))
	var injected bool
	if err := chromedp.Run(tabCtx,
		runtime.AddBinding(agent.BindingName),
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(agent.Script).Do(ctx)
			return err
		}),
		chromedp.Evaluate(agent.Script+"\ntrue", &injected),
	); err != nil {
		cancel()
		return fmt.Errorf("cdp: injecting agent: %w", err)
	}

	tab := message.TabID(info.TargetID)
	a := w.agents.Attach(ctx, tab, NewHostPage(tabCtx))
	log := w.log.WithField("tab", tab)

	chromedp.ListenTarget(tabCtx, func(ev any) {
		e, ok := ev.(*runtime.EventBindingCalled)
		if !ok || e.Name != agent.BindingName {
			return
		}
		go func() {
			evt, err := agent.ParseEvent(e.Payload)
			if err != nil {
				log.WithError(err).Debug("ignoring binding payload")
				return
			}
			if err := a.HandleEvent(ctx, evt); err != nil {
				log.WithError(err).WithField("event", evt.Type).Warn("page event failed")
			}
		}()
	})

	w.mu.Lock()
	w.attached[info.TargetID] = cancel
	w.mu.Unlock()
	return nil
}

func (w *TabWatcher) detach(id target.ID) {
	w.mu.Lock()
	cancel, ok := w.attached[id]
	delete(w.attached, id)
	w.mu.Unlock()
	if !ok {
		return
	}
	w.agents.Detach(message.TabID(id))
	cancel()
}

// detachAll drops every agent but leaves the tabs open. Cancelling a tab
// context closes its target, so the contexts are left to end with the
// browser context.
func (w *TabWatcher) detachAll() {
	w.mu.Lock()
	ids := make([]target.ID, 0, len(w.attached))
	for id := range w.attached {
		ids = append(ids, id)
	}
	w.attached = make(map[target.ID]context.CancelFunc)
	w.mu.Unlock()
	for _, id := range ids {
		w.agents.Detach(message.TabID(id))
	}
}

// Attached returns the number of attached tabs.
func (w *TabWatcher) Attached() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.attached)
}
