package viewer

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/porticus-lab/export-preview/internal/message"
)

// Scale bounds and default, in percent.
const (
	MinScale     = 10
	MaxScale     = 200
	DefaultScale = 100
)

// DefaultFilename is used when the launch URL carries none.
const DefaultFilename = "export.pdf"

// Launch holds the viewer's launch parameters.
type Launch struct {
	Src      string
	Filename string
	TabID    message.TabID // host tab the document was exported from
	Scale    int
	Session  message.TabID
}

// ParseLaunch reads src, filename, tabId, scale and session from q.
func ParseLaunch(q url.Values) Launch {
	l := Launch{
		Src:      q.Get("src"),
		Filename: q.Get("filename"),
		TabID:    message.TabID(q.Get("tabId")),
		Scale:    Clamp(q.Get("scale"), DefaultScale),
		Session:  message.TabID(q.Get("session")),
	}
	if l.Filename == "" {
		l.Filename = DefaultFilename
	}
	return l
}

// Values encodes l as launch query parameters.
func (l Launch) Values() url.Values {
	q := url.Values{}
	q.Set("src", l.Src)
	q.Set("filename", l.Filename)
	if l.TabID != "" {
		q.Set("tabId", string(l.TabID))
	}
	q.Set("scale", strconv.Itoa(l.Scale))
	if l.Session != "" {
		q.Set("session", string(l.Session))
	}
	return q
}

// Clamp coerces raw into [MinScale, MaxScale]. Non-numeric input, NaN
// included, yields last; fractions are truncated.
func Clamp(raw string, last int) int {
	raw = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(raw), "%"))
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return last
	}
	switch {
	case math.IsNaN(f):
		return last
	case f < MinScale:
		return MinScale
	case f > MaxScale:
		return MaxScale
	}
	return int(f)
}

// ScaleCache maps a scale to the source rendered at it. Entries are never
// evicted. It is safe for concurrent use.
type ScaleCache struct {
	mu      sync.RWMutex
	entries map[int]string
}

// NewScaleCache returns an empty cache.
func NewScaleCache() *ScaleCache {
	return &ScaleCache{entries: make(map[int]string)}
}

// Get returns the source cached for scale.
func (c *ScaleCache) Get(scale int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.entries[scale]
	return src, ok
}

// Put caches src for scale.
func (c *ScaleCache) Put(scale int, src string) {
	c.mu.Lock()
	c.entries[scale] = src
	c.mu.Unlock()
}

// Len returns the number of cached scales.
func (c *ScaleCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
