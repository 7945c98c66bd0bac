// Package notionapi drives Notion's private export pipeline: it resolves the
// workspace of a page, enqueues a PDF export at a given scale and polls the
// task until an export URL is available.
package notionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/porticus-lab/export-preview/internal/logging"
)

// DefaultBaseURL is the private API root.
const DefaultBaseURL = "https://www.notion.so/api/v3"

// TokenCookie is the session cookie that authenticates private API calls.
const TokenCookie = "token_v2"

// DefaultTimeZone is sent when the local IANA zone cannot be determined.
const DefaultTimeZone = "Asia/Seoul"

// Scale bounds accepted by the export pipeline.
const (
	MinScale = 0.1
	MaxScale = 2.0
)

var (
	// ErrTaskTimeout is returned when the task is still running after the
	// last poll attempt.
	ErrTaskTimeout = errors.New("notionapi: export task timed out")

	// ErrMissingField is returned when a response lacks a required field.
	ErrMissingField = errors.New("notionapi: missing field in response")

	// ErrScaleRange is returned for scale factors outside [MinScale, MaxScale].
	ErrScaleRange = errors.New("notionapi: scale out of range")
)

// TaskFailedError reports an export task that ended in the failure state.
type TaskFailedError struct {
	TaskID string
	Reason string
}

func (e *TaskFailedError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "unknown error"
	}
	return fmt.Sprintf("notionapi: export task %s failed: %s", e.TaskID, reason)
}

// StatusError reports a non-2xx answer from an endpoint.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notionapi: %s: HTTP %d", e.Endpoint, e.Code)
}

// Client calls the private API. The zero value is not usable; use NewClient.
type Client struct {
	BaseURL      string
	HTTPClient   *http.Client
	PollInterval time.Duration
	MaxAttempts  int
	TimeZone     string
	Log          *logrus.Entry

	newTaskID func() string
}

// NewClient returns a Client with the pipeline defaults: one poll per second,
// thirty attempts.
func NewClient() *Client {
	return &Client{
		BaseURL:      DefaultBaseURL,
		HTTPClient:   &http.Client{Timeout: 30 * time.Second},
		PollInterval: time.Second,
		MaxAttempts:  30,
		TimeZone:     LocalTimeZone(),
	}
}

// LocalTimeZone returns the IANA name of the local zone, taken from $TZ,
// time.Local or the /etc/localtime link, or DefaultTimeZone.
func LocalTimeZone() string {
	return resolveTimeZone(os.Getenv("TZ"), time.Local, "/etc/localtime")
}

func resolveTimeZone(tz string, local *time.Location, localtime string) string {
	tz = strings.TrimPrefix(tz, ":")
	if tz != "" && !filepath.IsAbs(tz) {
		return tz
	}
	if name := local.String(); name != "" && name != "Local" {
		return name
	}
	if target, err := os.Readlink(localtime); err == nil {
		if _, name, ok := strings.Cut(filepath.ToSlash(target), "zoneinfo/"); ok && name != "" {
			return name
		}
	}
	return DefaultTimeZone
}

// ExportRequest describes one export job.
type ExportRequest struct {
	PageID  string
	SpaceID string
	Scale   float64
}

// ExportPageWithScale runs the whole pipeline for pageID and returns the
// export URL.
func (c *Client) ExportPageWithScale(ctx context.Context, pageID string, scale float64, token string) (string, error) {
	log := c.log().WithFields(logrus.Fields{"page": pageID, "scale": scale})
	log.Debug("starting private export")

	spaceID, err := c.GetSpaceID(ctx, pageID, token)
	if err != nil {
		return "", err
	}
	taskID, err := c.EnqueueExport(ctx, ExportRequest{PageID: pageID, SpaceID: spaceID, Scale: scale}, token)
	if err != nil {
		return "", err
	}
	log.WithField("task", taskID).Debug("export task enqueued")
	return c.PollTask(ctx, taskID, token)
}

// GetSpaceID looks up the workspace that owns pageID.
func (c *Client) GetSpaceID(ctx context.Context, pageID, token string) (string, error) {
	body := map[string]any{
		"requests": []map[string]string{{"id": pageID, "table": "block"}},
	}
	var out struct {
		Results []struct {
			Value *struct {
				SpaceID string `json:"space_id"`
			} `json:"value"`
		} `json:"results"`
	}
	if err := c.post(ctx, "getRecordValues", token, body, &out); err != nil {
		return "", err
	}
	if len(out.Results) == 0 || out.Results[0].Value == nil {
		return "", fmt.Errorf("%w: page %s not found", ErrMissingField, pageID)
	}
	if out.Results[0].Value.SpaceID == "" {
		return "", fmt.Errorf("%w: space_id", ErrMissingField)
	}
	return out.Results[0].Value.SpaceID, nil
}

// EnqueueExport submits a PDF export task and returns its id. The scale
// option is only sent when it differs from 1.0.
func (c *Client) EnqueueExport(ctx context.Context, req ExportRequest, token string) (string, error) {
	if req.Scale < MinScale || req.Scale > MaxScale {
		return "", fmt.Errorf("%w: %g", ErrScaleRange, req.Scale)
	}

	opts := map[string]any{
		"exportType":               "pdf",
		"timeZone":                 c.TimeZone,
		"pdfFormat":                "A4",
		"locale":                   "en",
		"collectionViewExportType": "currentView",
		"includeContents":          "everything",
	}
	if req.Scale != 1.0 {
		opts["scale"] = req.Scale
	}

	body := map[string]any{
		"task": map[string]any{
			"eventName": "partitionedExportBlock",
			"request": map[string]any{
				"block":                map[string]string{"id": req.PageID, "spaceId": req.SpaceID},
				"recursive":            false,
				"exportOptions":        opts,
				"shouldExportComments": false,
				"eventName":            "partitionedExportBlock",
				"rootTaskId":           c.taskID(),
			},
			"cellRouting": map[string]any{"spaceIds": []string{req.SpaceID}},
		},
	}

	var out struct {
		TaskID string `json:"taskId"`
	}
	if err := c.post(ctx, "enqueueTask", token, body, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("%w: taskId", ErrMissingField)
	}
	return out.TaskID, nil
}

// PollTask polls taskID until it succeeds, fails or MaxAttempts is used up.
func (c *Client) PollTask(ctx context.Context, taskID, token string) (string, error) {
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	body := map[string]any{"taskIds": []string{taskID}}

	for attempt := 1; attempt <= attempts; attempt++ {
		var out struct {
			Results []struct {
				State  string `json:"state"`
				Error  string `json:"error"`
				Status *struct {
					Type      string `json:"type"`
					ExportURL string `json:"exportURL"`
				} `json:"status"`
			} `json:"results"`
		}
		if err := c.post(ctx, "getTasks", token, body, &out); err != nil {
			return "", err
		}
		if len(out.Results) == 0 {
			return "", fmt.Errorf("%w: task %s status", ErrMissingField, taskID)
		}

		st := out.Results[0]
		switch {
		case st.State == "success" && st.Status != nil && st.Status.Type == "complete":
			if st.Status.ExportURL == "" {
				return "", fmt.Errorf("%w: exportURL", ErrMissingField)
			}
			return st.Status.ExportURL, nil
		case st.State == "failure":
			return "", &TaskFailedError{TaskID: taskID, Reason: st.Error}
		}

		c.log().WithFields(logrus.Fields{"task": taskID, "attempt": attempt, "state": st.State}).Trace("export task pending")
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("notionapi: polling task %s: %w", taskID, ctx.Err())
		case <-time.After(c.PollInterval):
		}
	}
	return "", fmt.Errorf("%w after %d attempts", ErrTaskTimeout, attempts)
}

func (c *Client) post(ctx context.Context, endpoint, token string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("notionapi: encoding %s request: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notionapi: %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.AddCookie(&http.Cookie{Name: TokenCookie, Value: token})
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("notionapi: %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return &StatusError{Endpoint: endpoint, Code: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("notionapi: decoding %s response: %w", endpoint, err)
	}
	return nil
}

func (c *Client) taskID() string {
	if c.newTaskID != nil {
		return c.newTaskID()
	}
	return uuid.NewString()
}

func (c *Client) log() *logrus.Entry {
	return logging.OrDiscard(c.Log)
}

var pageIDPattern = regexp.MustCompile(`(?i)[0-9a-f]{32}`)

// ExtractPageID finds the 32-hex page id in a page URL and returns it in
// dashed 8-4-4-4-12 form.
func ExtractPageID(rawURL string) (string, bool) {
	raw := pageIDPattern.FindString(rawURL)
	if raw == "" {
		return "", false
	}
	return raw[0:8] + "-" + raw[8:12] + "-" + raw[12:16] + "-" + raw[16:20] + "-" + raw[20:], true
}

// ScaleFactor converts a percent scale into the pipeline's factor.
func ScaleFactor(percent int) float64 {
	return float64(percent) / 100
}
