package retrieval

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vfaronov/httpheader"
)

// BlobPath is the route prefix under which blobs are served.
const BlobPath = "/blob/"

// Blob is an in-memory document.
type Blob struct {
	ID          string
	Data        []byte
	Filename    string
	ContentType string
	Created     time.Time
}

// BlobStore keeps retrieved documents in memory for the lifetime of the
// process and serves them over HTTP. It is safe for concurrent use.
type BlobStore struct {
	mu    sync.RWMutex
	base  string
	blobs map[string]*Blob
}

// NewBlobStore returns a store whose URLs are rooted at base, for example
// "http://127.0.0.1:7733".
func NewBlobStore(base string) *BlobStore {
	return &BlobStore{base: strings.TrimRight(base, "/"), blobs: make(map[string]*Blob)}
}

// SetBase changes the URL root, used once the listener address is known.
func (s *BlobStore) SetBase(base string) {
	s.mu.Lock()
	s.base = strings.TrimRight(base, "/")
	s.mu.Unlock()
}

// Base returns the URL root.
func (s *BlobStore) Base() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

// Put stores data and returns the new blob.
func (s *BlobStore) Put(data []byte, filename, contentType string) *Blob {
	b := &Blob{
		ID:          uuid.NewString(),
		Data:        data,
		Filename:    filename,
		ContentType: contentType,
		Created:     time.Now(),
	}
	s.mu.Lock()
	s.blobs[b.ID] = b
	s.mu.Unlock()
	return b
}

// Get returns the blob with the given id.
func (s *BlobStore) Get(id string) (*Blob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[id]
	return b, ok
}

// URL returns the transient local URL of id.
func (s *BlobStore) URL(id string) string {
	return s.Base() + BlobPath + id
}

// Resolve returns the blob behind a URL produced by this store.
func (s *BlobStore) Resolve(rawURL string) (*Blob, bool) {
	prefix := s.Base() + BlobPath
	if !strings.HasPrefix(rawURL, prefix) {
		return nil, false
	}
	return s.Get(strings.TrimPrefix(rawURL, prefix))
}

// Len returns the number of stored blobs.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// ServeHTTP serves GET /blob/{id} inline.
func (s *BlobStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, BlobPath)
	b, ok := s.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ct := b.ContentType
	if ct == "" {
		ct = "application/pdf"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", fmt.Sprint(len(b.Data)))
	w.Header().Set("Cache-Control", "no-store")
	if b.Filename != "" {
		httpheader.SetContentDisposition(w.Header(), "inline", b.Filename, nil)
	}
	w.Write(b.Data)
}
