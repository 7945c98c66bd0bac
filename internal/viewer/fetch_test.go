package viewer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticus-lab/export-preview/internal/retrieval"
)

func TestSourceFetcher_Blob(t *testing.T) {
	store := retrieval.NewBlobStore("http://127.0.0.1:7733")
	b := store.Put([]byte("%PDF-1.7"), "Weekly.pdf", "application/pdf")

	data, err := (&SourceFetcher{Store: store}).Fetch(context.Background(), store.URL(b.ID))
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7"), data)
}

func TestSourceFetcher_HTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	f := &SourceFetcher{Client: srv.Client()}
	data, err := f.Fetch(context.Background(), srv.URL+"/doc.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.7"), data)

	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestSourceFetcher_StalledSourceTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := &SourceFetcher{Client: &http.Client{Timeout: 50 * time.Millisecond}}
	start := time.Now()
	_, err := f.Fetch(context.Background(), srv.URL+"/doc.pdf")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSourceFetcher_DefaultClientHasTimeout(t *testing.T) {
	assert.Equal(t, DefaultFetchTimeout, (&SourceFetcher{}).client().Timeout)
}
