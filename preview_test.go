package exportpreview_test

import (
	"context"
	"encoding/json"
	"net/http"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	exportpreview "github.com/porticus-lab/export-preview"
)

// chromeAvailable reports whether a Chrome/Chromium executable is in PATH.
func chromeAvailable() bool {
	for _, name := range []string{
		"chromium-browser", "chromium", "google-chrome",
		"google-chrome-stable", "chrome",
	} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

func skipIfNoChrome(t *testing.T) {
	t.Helper()
	if !chromeAvailable() {
		t.Skip("skipping: Chrome/Chromium not found in PATH")
	}
}

func newTestPreview(t *testing.T, opts ...exportpreview.Option) *exportpreview.Preview {
	t.Helper()
	skipIfNoChrome(t)
	opts = append([]exportpreview.Option{
		exportpreview.WithNoSandbox(),
		exportpreview.WithHeadless(),
		exportpreview.WithListenAddr("127.0.0.1:0"),
		exportpreview.WithSettingsPath(filepath.Join(t.TempDir(), "settings.json")),
	}, opts...)
	p, err := exportpreview.New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPreview_StatusIdle(t *testing.T) {
	p := newTestPreview(t)

	st, err := p.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Phase != "idle" || st.Armed {
		t.Errorf("status = %+v, want idle and disarmed", st)
	}
	if !st.AutoPreview {
		t.Error("auto preview should default to on")
	}
	if st.ViewerBase != p.ViewerBase() {
		t.Errorf("ViewerBase = %q, want %q", st.ViewerBase, p.ViewerBase())
	}
}

func TestPreview_RunServesHealth(t *testing.T) {
	p := newTestPreview(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var report map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(p.ViewerBase() + "/health")
		if err == nil {
			err = json.NewDecoder(resp.Body).Decode(&report)
			resp.Body.Close()
			if err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("health never answered: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if report["status"] != "ok" || report["phase"] != "idle" {
		t.Errorf("health = %v", report)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestPreview_CloseIdempotent(t *testing.T) {
	skipIfNoChrome(t)

	p, err := exportpreview.New(
		exportpreview.WithNoSandbox(),
		exportpreview.WithHeadless(),
		exportpreview.WithListenAddr("127.0.0.1:0"),
		exportpreview.WithSettingsPath(filepath.Join(t.TempDir(), "settings.json")),
	)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestPreview_UsedAfterClose(t *testing.T) {
	p := newTestPreview(t)
	p.Close()

	if err := p.Run(context.Background()); err != exportpreview.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := p.Status(); err != exportpreview.ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
