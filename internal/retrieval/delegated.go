package retrieval

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/h2non/filetype"
	"github.com/sirupsen/logrus"
	"github.com/vfaronov/httpheader"

	"github.com/porticus-lab/export-preview/internal/logging"
)

// DefaultMaxSize bounds the size of a retrieved document.
const DefaultMaxSize = 512 << 20

// CookieSource yields the browser's cookies for a URL.
type CookieSource interface {
	Cookies(ctx context.Context, rawURL string) ([]*http.Cookie, error)
}

// Delegated fetches the document with the browser's credentials and keeps
// the bytes in a BlobStore.
type Delegated struct {
	Client  *http.Client
	Cookies CookieSource // optional
	Store   *BlobStore
	MaxSize int64
	Log     *logrus.Entry
}

// Retrieve performs a credentialed GET of req.URL and validates the answer.
func (d *Delegated) Retrieve(ctx context.Context, req Request) (Source, error) {
	log := logging.OrDiscard(d.Log).WithField("url", req.URL)

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return Source{}, &Error{URL: req.URL, Reason: "bad request", Err: err}
	}
	if d.Cookies != nil {
		cookies, err := d.Cookies.Cookies(ctx, req.URL)
		if err != nil {
			return Source{}, &Error{URL: req.URL, Reason: "reading credentials", Err: err}
		}
		for _, c := range cookies {
			hreq.AddCookie(c)
		}
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return Source{}, &Error{URL: req.URL, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Source{}, &Error{URL: req.URL, Reason: http.StatusText(resp.StatusCode), Status: resp.StatusCode}
	}

	limit := d.MaxSize
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Source{}, &Error{URL: req.URL, Reason: "reading body", Status: resp.StatusCode, Err: err}
	}
	if len(data) == 0 {
		return Source{}, &Error{URL: req.URL, Reason: "empty body", Status: resp.StatusCode}
	}
	if int64(len(data)) > limit {
		return Source{}, &Error{URL: req.URL, Reason: fmt.Sprintf("body exceeds %d bytes", limit), Status: resp.StatusCode}
	}

	mtype, _ := httpheader.ContentType(resp.Header)
	isPDF := filetype.Is(data, "pdf")
	switch {
	case !isPDF && mtype != "" && !strings.Contains(mtype, "pdf"):
		return Source{}, &Error{URL: req.URL, Reason: "not a pdf: " + mtype, Status: resp.StatusCode}
	case !isPDF && mtype == "":
		return Source{}, &Error{URL: req.URL, Reason: "not a pdf", Status: resp.StatusCode}
	case isPDF && mtype != "" && !strings.Contains(mtype, "pdf"):
		log.WithField("content_type", mtype).Warn("content type is not pdf, bytes are")
	}

	name := req.Filename
	if name == "" {
		name = filenameFrom(resp)
	}

	b := d.Store.Put(data, name, "application/pdf")
	log.WithFields(logrus.Fields{"blob": b.ID, "bytes": len(data)}).Debug("document retrieved")
	return Source{URL: d.Store.URL(b.ID), Filename: name, Size: int64(len(data))}, nil
}

func filenameFrom(resp *http.Response) string {
	if _, name, _ := httpheader.ContentDisposition(resp.Header); name != "" {
		return name
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if base := path.Base(resp.Request.URL.Path); base != "." && base != "/" && strings.HasSuffix(strings.ToLower(base), ".pdf") {
			return base
		}
	}
	return "export.pdf"
}
