package notionapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	polls      atomic.Int32
	pollStates []string
	enqueued   map[string]any
	token      string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(TokenCookie); err == nil {
		f.token = c.Value
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	switch r.URL.Path {
	case "/getRecordValues":
		json.NewEncoder(w).Encode(map[string]any{
			"results": []any{map[string]any{"value": map[string]any{"space_id": "space-1"}}},
		})
	case "/enqueueTask":
		f.enqueued = body
		json.NewEncoder(w).Encode(map[string]any{"taskId": "task-1"})
	case "/getTasks":
		n := int(f.polls.Add(1))
		state := f.pollStates[min(n, len(f.pollStates))-1]
		res := map[string]any{"state": state}
		switch state {
		case "success":
			res["status"] = map[string]any{"type": "complete", "exportURL": "https://file.notion.so/export.pdf"}
		case "failure":
			res["error"] = "render crashed"
		}
		json.NewEncoder(w).Encode(map[string]any{"results": []any{res}})
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, api http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c := NewClient()
	c.BaseURL = srv.URL
	c.HTTPClient = srv.Client()
	c.PollInterval = time.Millisecond
	c.newTaskID = func() string { return "root-task" }
	return c
}

func TestExportPageWithScale(t *testing.T) {
	api := &fakeAPI{pollStates: []string{"in_progress", "in_progress", "success"}}
	c := newTestClient(t, api)

	u, err := c.ExportPageWithScale(context.Background(), "page-1", 1.5, "tok")
	require.NoError(t, err)
	assert.Equal(t, "https://file.notion.so/export.pdf", u)
	assert.Equal(t, int32(3), api.polls.Load())
	assert.Equal(t, "tok", api.token)

	task := api.enqueued["task"].(map[string]any)
	req := task["request"].(map[string]any)
	assert.Equal(t, "partitionedExportBlock", task["eventName"])
	assert.Equal(t, "root-task", req["rootTaskId"])
	opts := req["exportOptions"].(map[string]any)
	assert.Equal(t, "pdf", opts["exportType"])
	assert.Equal(t, "A4", opts["pdfFormat"])
	assert.Equal(t, 1.5, opts["scale"])
}

func TestEnqueueExport_SendsLocalTimeZone(t *testing.T) {
	t.Setenv("TZ", "Europe/Berlin")
	api := &fakeAPI{pollStates: []string{"success"}}
	c := newTestClient(t, api)

	_, err := c.EnqueueExport(context.Background(), ExportRequest{PageID: "p", SpaceID: "s", Scale: 1.0}, "tok")
	require.NoError(t, err)
	opts := api.enqueued["task"].(map[string]any)["request"].(map[string]any)["exportOptions"].(map[string]any)
	assert.Equal(t, "Europe/Berlin", opts["timeZone"])
}

func TestResolveTimeZone(t *testing.T) {
	dir := t.TempDir()
	berlin := filepath.Join(dir, "berlin")
	require.NoError(t, os.Symlink("/usr/share/zoneinfo/Europe/Berlin", berlin))
	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, nil, 0o644))
	missing := filepath.Join(dir, "missing")

	tests := []struct {
		name      string
		tz        string
		local     *time.Location
		localtime string
		want      string
	}{
		{"env", "America/New_York", time.Local, missing, "America/New_York"},
		{"env with colon", ":Europe/Paris", time.Local, missing, "Europe/Paris"},
		{"env path ignored", ":/etc/localtime", time.FixedZone("Local", 0), berlin, "Europe/Berlin"},
		{"named location", "", time.UTC, missing, "UTC"},
		{"localtime link", "", time.FixedZone("Local", 0), berlin, "Europe/Berlin"},
		{"no link", "", time.FixedZone("Local", 0), plain, DefaultTimeZone},
		{"nothing", "", time.FixedZone("", 0), missing, DefaultTimeZone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveTimeZone(tt.tz, tt.local, tt.localtime))
		})
	}
}

func TestEnqueueExport_OmitsUnitScale(t *testing.T) {
	api := &fakeAPI{pollStates: []string{"success"}}
	c := newTestClient(t, api)

	_, err := c.EnqueueExport(context.Background(), ExportRequest{PageID: "p", SpaceID: "s", Scale: 1.0}, "tok")
	require.NoError(t, err)
	opts := api.enqueued["task"].(map[string]any)["request"].(map[string]any)["exportOptions"].(map[string]any)
	_, has := opts["scale"]
	assert.False(t, has)
}

func TestEnqueueExport_ScaleRange(t *testing.T) {
	c := NewClient()
	for _, s := range []float64{0.05, 2.5} {
		_, err := c.EnqueueExport(context.Background(), ExportRequest{Scale: s}, "tok")
		assert.ErrorIs(t, err, ErrScaleRange)
	}
}

func TestPollTask_Failure(t *testing.T) {
	api := &fakeAPI{pollStates: []string{"failure"}}
	c := newTestClient(t, api)

	_, err := c.PollTask(context.Background(), "task-1", "tok")
	var tf *TaskFailedError
	require.True(t, errors.As(err, &tf))
	assert.Equal(t, "render crashed", tf.Reason)
	assert.Equal(t, int32(1), api.polls.Load())
}

func TestPollTask_Timeout(t *testing.T) {
	api := &fakeAPI{pollStates: []string{"in_progress"}}
	c := newTestClient(t, api)
	c.MaxAttempts = 4

	_, err := c.PollTask(context.Background(), "task-1", "tok")
	assert.ErrorIs(t, err, ErrTaskTimeout)
	assert.Equal(t, int32(4), api.polls.Load())
}

func TestPost_StatusError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.GetSpaceID(context.Background(), "p", "tok")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.Equal(t, "getRecordValues", se.Endpoint)
}

func TestGetSpaceID_Missing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[{}]}`))
	}))
	_, err := c.GetSpaceID(context.Background(), "p", "tok")
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestExtractPageID(t *testing.T) {
	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://www.notion.so/Username-14d81f531dcb80b882e9c5716112c303", "14d81f53-1dcb-80b8-82e9-c5716112c303", true},
		{"https://www.notion.so/14D81F531DCB80B882E9C5716112C303?v=1", "14D81F53-1DCB-80B8-82E9-C5716112C303", true},
		{"https://www.notion.so/settings", "", false},
	}
	for _, tt := range tests {
		got, ok := ExtractPageID(tt.url)
		assert.Equal(t, tt.ok, ok, tt.url)
		assert.Equal(t, tt.want, got, tt.url)
	}
}
