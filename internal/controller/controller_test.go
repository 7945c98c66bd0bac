package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticus-lab/export-preview/internal/allowlist"
	"github.com/porticus-lab/export-preview/internal/message"
	"github.com/porticus-lab/export-preview/internal/notionapi"
	"github.com/porticus-lab/export-preview/internal/retrieval"
)

const (
	exportURL = "https://file.notion.so/f/export/Weekly.pdf?sig=1"
	hostTab   = message.TabID("host-1")
	viewerTab = message.TabID("viewer-1")
)

type fakeDownloads struct {
	mu        sync.Mutex
	cancelled []string
	err       error
}

func (f *fakeDownloads) CancelDownload(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return f.err
}

func (f *fakeDownloads) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fakeTabs struct {
	mu     sync.Mutex
	opened []string
}

func (f *fakeTabs) OpenTab(_ context.Context, rawURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, rawURL)
	return nil
}

func (f *fakeTabs) Opened() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.opened...)
}

// stubStrategy blocks until released when gate is non-nil, so tests can
// observe state mid-claim.
type stubStrategy struct {
	gate chan struct{}
	err  error
	reqs chan retrieval.Request
}

func (s *stubStrategy) Retrieve(_ context.Context, req retrieval.Request) (retrieval.Source, error) {
	if s.reqs != nil {
		s.reqs <- req
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return retrieval.Source{}, s.err
	}
	return retrieval.Source{URL: "http://127.0.0.1:7733/blob/abc", Filename: req.Filename}, nil
}

type countingIndicator struct {
	mu            sync.Mutex
	success, fail int
}

func (c *countingIndicator) Success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.success++
}

func (c *countingIndicator) Error() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail++
}

func (c *countingIndicator) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.success, c.fail
}

type prefs bool

func (p prefs) AutoPreview() bool { return bool(p) }

type fixture struct {
	bus       *message.Bus
	c         *Controller
	downloads *fakeDownloads
	tabs      *fakeTabs
	strategy  *stubStrategy
	badge     *countingIndicator
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		bus:       message.NewBus(),
		downloads: &fakeDownloads{},
		tabs:      &fakeTabs{},
		strategy:  &stubStrategy{},
		badge:     &countingIndicator{},
	}
	cfg := Config{
		Matcher:      allowlist.Default(false),
		Messenger:    f.bus,
		Downloads:    f.downloads,
		Tabs:         f.tabs,
		Strategy:     f.strategy,
		Indicator:    f.badge,
		ViewerBase:   "http://127.0.0.1:7733",
		ArmTimeout:   time.Hour,
		newSessionID: func() string { return string(viewerTab) },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	f.c = c
	f.bus.Register(message.ControllerID, c)
	t.Cleanup(f.bus.Wait)
	return f
}

func (f *fixture) arm(t *testing.T, scale int) {
	t.Helper()
	resp, err := f.bus.Send(context.Background(), hostTab, message.ControllerID, message.EnablePreview(scale))
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeReexport, m)
	m, err = ParseMode("PRIVATE")
	require.NoError(t, err)
	assert.Equal(t, ModePrivate, m)
	_, err = ParseMode("fast")
	assert.Error(t, err)
}

func TestArm_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.arm(t, 120)
	f.arm(t, 0)

	st := f.c.Snapshot()
	assert.True(t, st.Armed)
	assert.Equal(t, hostTab, st.OriginTabID)
	assert.Equal(t, DefaultInitialScale, st.InitialScale)
	assert.Equal(t, Armed, f.c.Phase())

	assert.True(t, f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "1", URL: exportURL}))
	assert.False(t, f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "2", URL: exportURL}),
		"a second arm must not queue a second claim")
	assert.Equal(t, []string{"1"}, f.downloads.Cancelled())
}

func TestScenarioA_InitialPreview(t *testing.T) {
	f := newFixture(t, nil)
	f.arm(t, 100)

	claimed := f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "dl-1", URL: exportURL, Filename: "Weekly.pdf"})
	require.True(t, claimed)

	assert.Equal(t, []string{"dl-1"}, f.downloads.Cancelled())
	opened := f.tabs.Opened()
	require.Len(t, opened, 1)

	u, err := url.Parse(opened[0])
	require.NoError(t, err)
	assert.Equal(t, "/viewer", u.Path)
	q := u.Query()
	assert.Equal(t, "100", q.Get("scale"))
	assert.Equal(t, "http://127.0.0.1:7733/blob/abc", q.Get("src"))
	assert.Equal(t, "Weekly.pdf", q.Get("filename"))
	assert.Equal(t, string(hostTab), q.Get("tabId"))
	assert.Equal(t, string(viewerTab), q.Get("session"))

	st := f.c.Snapshot()
	assert.False(t, st.Armed)
	assert.Equal(t, viewerTab, st.ViewerTabID)
	assert.Equal(t, Idle, f.c.Phase())
	success, fail := f.badge.counts()
	assert.Equal(t, 1, success)
	assert.Zero(t, fail)
}

func TestClaim_DisarmsBeforeRetrieval(t *testing.T) {
	f := newFixture(t, nil)
	f.strategy.gate = make(chan struct{})
	f.strategy.reqs = make(chan retrieval.Request, 1)
	f.arm(t, 100)

	done := make(chan bool)
	go func() { done <- f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "dl-1", URL: exportURL}) }()

	<-f.strategy.reqs
	assert.False(t, f.c.Snapshot().Armed)
	assert.Equal(t, Claiming, f.c.Phase())
	assert.Equal(t, []string{"dl-1"}, f.downloads.Cancelled(), "cancel must precede retrieval")

	// A concurrent download during the claim is left alone.
	assert.False(t, f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "dl-2", URL: exportURL}))

	close(f.strategy.gate)
	assert.True(t, <-done)
	assert.Equal(t, []string{"dl-1"}, f.downloads.Cancelled())
}

func TestSingleClaim_Concurrent(t *testing.T) {
	f := newFixture(t, nil)
	f.arm(t, 100)

	var wg sync.WaitGroup
	results := make(chan bool, 2)
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: id, URL: exportURL})
		}()
	}
	wg.Wait()
	close(results)

	claims := 0
	for r := range results {
		if r {
			claims++
		}
	}
	assert.Equal(t, 1, claims)
	assert.Len(t, f.downloads.Cancelled(), 1)
}

func TestNonMatchingDownload(t *testing.T) {
	f := newFixture(t, nil)
	f.arm(t, 100)

	assert.False(t, f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "x", URL: "https://evil.example.com/x.pdf"}))
	assert.Empty(t, f.downloads.Cancelled())
	assert.True(t, f.c.Snapshot().Armed)
}

func TestNotArmed_Ignored(t *testing.T) {
	f := newFixture(t, nil)
	assert.False(t, f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "x", URL: exportURL}))
	assert.Empty(t, f.downloads.Cancelled())
}

func TestOwnDownloadNeverClaimed(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Matcher = allowlist.New(allowlist.HostRule("127.0.0.1"))
		c.ViewerBase = "https://127.0.0.1:7733"
	})
	f.arm(t, 100)
	assert.False(t, f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "s", URL: "https://127.0.0.1:7733/viewer/save?session=v"}))
	assert.True(t, f.c.Snapshot().Armed)
}

func TestRetrievalFailure_NotResumed(t *testing.T) {
	f := newFixture(t, nil)
	f.strategy.err = &retrieval.Error{Reason: "empty body", Status: 200}
	f.arm(t, 100)

	assert.True(t, f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "dl", URL: exportURL}))
	assert.Empty(t, f.tabs.Opened())
	assert.Equal(t, Idle, f.c.Phase())
	_, fail := f.badge.counts()
	assert.Equal(t, 1, fail)
}

func TestArmTimeout(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ArmTimeout = 20 * time.Millisecond })
	f.arm(t, 100)
	assert.Eventually(t, func() bool { return f.c.Phase() == Idle }, time.Second, 5*time.Millisecond)
	assert.False(t, f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "late", URL: exportURL}))
}

func TestArmTimeout_StaleTimerKeepsNewerArm(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ArmTimeout = 40 * time.Millisecond })
	f.arm(t, 100)
	time.Sleep(25 * time.Millisecond)
	f.arm(t, 100)
	time.Sleep(25 * time.Millisecond)
	assert.True(t, f.c.Snapshot().Armed, "first timer must not disarm the second arm")
}

func TestAutoPreviewOff(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Preferences = prefs(false) })
	resp, err := f.bus.Send(context.Background(), hostTab, message.ControllerID, message.EnablePreview(100))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "preview disabled", resp.Error)
	assert.False(t, f.c.Snapshot().Armed)
}

func TestReexportScaleChange(t *testing.T) {
	f := newFixture(t, nil)
	f.arm(t, 100)
	require.True(t, f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "dl-1", URL: exportURL}))

	// The page agent rewrites its scale field and re-triggers the export.
	var changeScale message.Message
	f.bus.Register(hostTab, message.HandlerFunc(func(ctx context.Context, from message.TabID, msg message.Message) message.Response {
		changeScale = msg
		go f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "dl-2", URL: exportURL})
		return message.OK()
	}))
	pushed := make(chan message.Message, 1)
	f.bus.Register(viewerTab, message.HandlerFunc(func(_ context.Context, _ message.TabID, msg message.Message) message.Response {
		pushed <- msg
		return message.OK()
	}))

	resp, err := f.bus.Send(context.Background(), viewerTab, message.ControllerID, message.RequestScaleChange(150, hostTab))
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, message.ChangeScale(150), changeScale)

	select {
	case msg := <-pushed:
		assert.Equal(t, message.NewScaleResult(150, "http://127.0.0.1:7733/blob/abc"), msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no scale result pushed")
	}
	assert.Eventually(t, func() bool { return !f.c.AwaitingScaleResult() }, time.Second, 5*time.Millisecond)
	assert.Len(t, f.tabs.Opened(), 1, "a scale result reuses the open viewer")
}

func TestReexportScaleChange_PageAgentFails(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.Register(hostTab, message.HandlerFunc(func(context.Context, message.TabID, message.Message) message.Response {
		return message.Failf("scale field not found")
	}))

	resp, err := f.bus.Send(context.Background(), viewerTab, message.ControllerID, message.RequestScaleChange(150, hostTab))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "scale field not found", resp.Error)
	assert.False(t, f.c.AwaitingScaleResult())
	assert.Equal(t, Idle, f.c.Phase())
}

func TestReexportScaleChange_HostTabGone(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.bus.Send(context.Background(), viewerTab, message.ControllerID, message.RequestScaleChange(150, hostTab))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "receiving end does not exist")
	assert.Equal(t, Idle, f.c.Phase())
}

type staticCredentials string

func (s staticCredentials) Credential(context.Context, string, string) (string, error) {
	if s == "" {
		return "", errors.New("no cookie")
	}
	return string(s), nil
}

func privateAPI(t *testing.T, pollState string) *notionapi.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getRecordValues"):
			w.Write([]byte(`{"results":[{"value":{"space_id":"space"}}]}`))
		case strings.HasSuffix(r.URL.Path, "/enqueueTask"):
			w.Write([]byte(`{"taskId":"task"}`))
		case strings.HasSuffix(r.URL.Path, "/getTasks"):
			if pollState == "failure" {
				w.Write([]byte(`{"results":[{"state":"failure","error":"export crashed"}]}`))
				return
			}
			w.Write([]byte(`{"results":[{"state":"success","status":{"type":"complete","exportURL":"` + exportURL + `"}}]}`))
		}
	}))
	t.Cleanup(srv.Close)
	c := notionapi.NewClient()
	c.BaseURL = srv.URL
	c.HTTPClient = srv.Client()
	c.PollInterval = time.Millisecond
	return c
}

func registerPageContext(f *fixture) {
	f.bus.Register(hostTab, message.HandlerFunc(func(_ context.Context, _ message.TabID, msg message.Message) message.Response {
		if msg.Kind != message.KindGetContext {
			return message.Failf("unexpected")
		}
		return message.Response{Success: true, Context: &message.PageContext{PageID: "14d81f53-1dcb-80b8-82e9-c5716112c303"}}
	}))
}

func TestScenarioC_PrivateExportTaskFails(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Mode = ModePrivate
		c.Exporter = privateAPI(t, "failure")
		c.Credentials = staticCredentials("tok")
	})
	registerPageContext(f)

	resp, err := f.bus.Send(context.Background(), viewerTab, message.ControllerID, message.RequestScaleChange(150, hostTab))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "export crashed")
	assert.False(t, f.c.AwaitingScaleResult())
	assert.Equal(t, Idle, f.c.Phase())
	_, fail := f.badge.counts()
	assert.Equal(t, 1, fail)
}

func TestPrivateExport_Success(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Mode = ModePrivate
		c.Exporter = privateAPI(t, "success")
		c.Credentials = staticCredentials("tok")
	})
	registerPageContext(f)
	pushed := make(chan message.Message, 1)
	f.bus.Register(viewerTab, message.HandlerFunc(func(_ context.Context, _ message.TabID, msg message.Message) message.Response {
		pushed <- msg
		return message.OK()
	}))
	f.strategy.reqs = make(chan retrieval.Request, 1)

	resp, err := f.bus.Send(context.Background(), viewerTab, message.ControllerID, message.RequestScaleChange(150, hostTab))
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, exportURL, (<-f.strategy.reqs).URL)
	assert.Equal(t, message.NewScaleResult(150, "http://127.0.0.1:7733/blob/abc"), <-pushed)
	assert.Empty(t, f.downloads.Cancelled())
}

func TestPrivateExport_MissingToken(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Mode = ModePrivate
		c.Exporter = privateAPI(t, "success")
		c.Credentials = staticCredentials("")
	})
	registerPageContext(f)

	resp, err := f.bus.Send(context.Background(), viewerTab, message.ControllerID, message.RequestScaleChange(150, hostTab))
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "token_v2")
}

// gatedExporter holds a private export open until released.
type gatedExporter struct {
	started chan struct{}
	gate    chan struct{}
}

func (e *gatedExporter) ExportPageWithScale(context.Context, string, float64, string) (string, error) {
	close(e.started)
	<-e.gate
	return exportURL, nil
}

func TestPrivateScaleChange_FreshPreviewOpensOwnViewer(t *testing.T) {
	exporter := &gatedExporter{started: make(chan struct{}), gate: make(chan struct{})}
	f := newFixture(t, func(c *Config) {
		c.Mode = ModePrivate
		c.Exporter = exporter
		c.Credentials = staticCredentials("tok")
		c.newSessionID = func() string { return "viewer-2" }
	})
	registerPageContext(f)
	pushed := make(chan message.Message, 2)
	f.bus.Register(viewerTab, message.HandlerFunc(func(_ context.Context, _ message.TabID, msg message.Message) message.Response {
		pushed <- msg
		return message.OK()
	}))

	done := make(chan message.Response, 1)
	go func() {
		resp, _ := f.bus.Send(context.Background(), viewerTab, message.ControllerID, message.RequestScaleChange(150, hostTab))
		done <- resp
	}()
	<-exporter.started
	assert.True(t, f.c.AwaitingScaleResult())
	assert.Zero(t, f.c.Snapshot().PendingScale, "a private export expects no download")

	// The user starts an unrelated preview while the private export runs.
	f.arm(t, 80)
	require.True(t, f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "fresh", URL: exportURL, Filename: "Other.pdf"}))

	opened := f.tabs.Opened()
	require.Len(t, opened, 1, "the fresh preview gets its own viewer")
	u, err := url.Parse(opened[0])
	require.NoError(t, err)
	assert.Equal(t, "80", u.Query().Get("scale"))
	assert.Equal(t, "viewer-2", u.Query().Get("session"))
	assert.Empty(t, pushed, "the old viewer must not receive the fresh preview")

	close(exporter.gate)
	resp := <-done
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, message.NewScaleResult(150, "http://127.0.0.1:7733/blob/abc"), <-pushed)
	assert.False(t, f.c.AwaitingScaleResult())
}

// scaleViewer records what the controller pushes to viewerTab.
func scaleViewer(f *fixture) chan message.Message {
	pushed := make(chan message.Message, 4)
	f.bus.Register(viewerTab, message.HandlerFunc(func(_ context.Context, _ message.TabID, msg message.Message) message.Response {
		pushed <- msg
		return message.OK()
	}))
	return pushed
}

func receive(t *testing.T, ch chan message.Message) message.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("nothing pushed to the viewer")
	}
	return message.Message{}
}

func TestReexportScaleChange_RetrievalFailureReachesViewer(t *testing.T) {
	f := newFixture(t, nil)
	f.strategy.err = &retrieval.Error{Reason: "unexpected status", Status: http.StatusForbidden}
	f.bus.Register(hostTab, message.HandlerFunc(func(context.Context, message.TabID, message.Message) message.Response {
		go f.c.OnDownloadCreated(context.Background(), DownloadClaim{ID: "dl-2", URL: exportURL})
		return message.OK()
	}))
	pushed := scaleViewer(f)

	resp, err := f.bus.Send(context.Background(), viewerTab, message.ControllerID, message.RequestScaleChange(150, hostTab))
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)

	msg := receive(t, pushed)
	assert.Equal(t, message.KindScaleChangeFailed, msg.Kind)
	assert.Equal(t, 150, msg.Scale)
	assert.Equal(t, f.strategy.err.Error(), msg.Error)
	assert.False(t, f.c.AwaitingScaleResult())
}

func TestReexportScaleChange_ArmExpiryReachesViewer(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ArmTimeout = 20 * time.Millisecond })
	f.bus.Register(hostTab, message.HandlerFunc(func(context.Context, message.TabID, message.Message) message.Response {
		return message.OK()
	}))
	pushed := scaleViewer(f)

	resp, err := f.bus.Send(context.Background(), viewerTab, message.ControllerID, message.RequestScaleChange(150, hostTab))
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)

	assert.Equal(t, message.ScaleChangeFailed(150, ErrArmExpired.Error()), receive(t, pushed))
	assert.False(t, f.c.AwaitingScaleResult())
	assert.Equal(t, Idle, f.c.Phase())
}

func TestArmExpiry_NoScalePendingStaysQuiet(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ArmTimeout = 20 * time.Millisecond })
	pushed := scaleViewer(f)
	f.arm(t, 100)

	assert.Eventually(t, func() bool { return f.c.Phase() == Idle }, time.Second, 5*time.Millisecond)
	f.bus.Wait()
	assert.Empty(t, pushed)
}

func TestUnsupportedMessage(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.c.HandleMessage(context.Background(), hostTab, message.GetContext())
	assert.False(t, resp.Success)
}
