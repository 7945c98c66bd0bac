package viewer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/porticus-lab/export-preview/internal/retrieval"
)

// Fetcher loads the bytes behind a source handle.
type Fetcher interface {
	Fetch(ctx context.Context, src string) ([]byte, error)
}

// DefaultFetchTimeout bounds a source fetch when SourceFetcher has no client.
const DefaultFetchTimeout = 60 * time.Second

// SourceFetcher reads local blobs from Store and fetches anything else over
// HTTP.
type SourceFetcher struct {
	Store  *retrieval.BlobStore
	Client *http.Client
}

// Fetch returns the bytes behind src.
func (f *SourceFetcher) Fetch(ctx context.Context, src string) ([]byte, error) {
	if f.Store != nil {
		if b, ok := f.Store.Resolve(src); ok {
			return b.Data, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("viewer: fetching source: %w", err)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("viewer: fetching source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("viewer: fetching source: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, retrieval.DefaultMaxSize))
	if err != nil {
		return nil, fmt.Errorf("viewer: reading source: %w", err)
	}
	return data, nil
}

func (f *SourceFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return &http.Client{Timeout: DefaultFetchTimeout}
}
