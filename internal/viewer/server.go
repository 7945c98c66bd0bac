package viewer

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/vfaronov/httpheader"

	"github.com/porticus-lab/export-preview/internal/logging"
	"github.com/porticus-lab/export-preview/internal/message"
	"github.com/porticus-lab/export-preview/internal/retrieval"
)

//go:embed viewer.html
var page []byte

// Bus is the part of message.Bus the server needs.
type Bus interface {
	message.Sender
	Register(id message.TabID, h message.Handler) (unregister func())
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Bus     Bus
	Store   *retrieval.BlobStore
	Fetcher Fetcher
	Decoder Decoder

	// Zoom returns the persisted default zoom at session start.
	Zoom func() float64

	// Health adds fields to the /health report.
	Health func() map[string]any

	StatusTimeout time.Duration
	Log           *logrus.Entry
}

// Server serves the viewer page, its websocket, document downloads and
// stored blobs.
type Server struct {
	cfg      ServerConfig
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[message.TabID]*Viewer
}

// NewServer returns a Server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Fetcher == nil {
		cfg.Fetcher = &SourceFetcher{Store: cfg.Store}
	}
	if cfg.Decoder == nil {
		cfg.Decoder = PDFDecoder{}
	}
	return &Server{
		cfg: cfg,
		log: logging.OrDiscard(cfg.Log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[message.TabID]*Viewer),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /viewer", s.serveViewer)
	mux.HandleFunc("GET /viewer/ws", s.serveSocket)
	mux.HandleFunc("GET /viewer/doc", s.serveDocument)
	mux.HandleFunc("GET /viewer/save", s.serveDocument)
	mux.HandleFunc("GET /health", s.serveHealth)
	if s.cfg.Store != nil {
		mux.Handle("GET "+retrieval.BlobPath, s.cfg.Store)
	}
	return mux
}

// Session returns the live viewer for id.
func (s *Server) Session(id message.TabID) (*Viewer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sessions[id]
	return v, ok
}

// Sessions returns the number of live viewers.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) serveViewer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(page)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	report := map[string]any{"status": "ok", "sessions": s.Sessions()}
	if s.cfg.Health != nil {
		for k, v := range s.cfg.Health() {
			report[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// serveDocument serves the bytes on screen: inline for /viewer/doc, as an
// attachment under the original filename for /viewer/save.
func (s *Server) serveDocument(w http.ResponseWriter, r *http.Request) {
	v, ok := s.Session(message.TabID(r.URL.Query().Get("session")))
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	data, filename, ok := v.Document()
	if !ok {
		http.Error(w, "no document rendered yet", http.StatusConflict)
		return
	}

	dtype := "inline"
	if r.URL.Path == "/viewer/save" {
		dtype = "attachment"
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-store")
	httpheader.SetContentDisposition(w.Header(), dtype, filename, nil)
	w.Write(data)
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	launch := ParseLaunch(r.URL.Query())
	if launch.Session == "" {
		launch.Session = message.TabID(uuid.NewString())
	}
	log := s.log.WithField("session", launch.Session)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	zoom := 1.0
	if s.cfg.Zoom != nil {
		zoom = s.cfg.Zoom()
	}
	surface := &socketSurface{conn: conn}
	session := launch.Session
	v := New(Config{
		Launch:        launch,
		Sender:        s.cfg.Bus,
		Surface:       surface,
		Decoder:       s.cfg.Decoder,
		Fetcher:       s.cfg.Fetcher,
		Zoom:          zoom,
		StatusTimeout: s.cfg.StatusTimeout,
		DocURL: func(version int) string {
			return "/viewer/doc?session=" + string(session) + "&v=" + strconv.Itoa(version)
		},
		Log: s.cfg.Log,
	})

	s.mu.Lock()
	s.sessions[session] = v
	s.mu.Unlock()
	unregister := s.cfg.Bus.Register(session, v)
	defer func() {
		unregister()
		s.mu.Lock()
		if s.sessions[session] == v {
			delete(s.sessions, session)
		}
		s.mu.Unlock()
		log.Info("viewer closed")
	}()

	surface.send(frame{Op: "init", Filename: launch.Filename, Session: string(session),
		Save: "/viewer/save?session=" + string(session)})
	log.WithFields(logrus.Fields{"scale": launch.Scale, "origin": launch.TabID}).Info("viewer opened")

	go func() {
		if err := v.Start(ctx); err != nil {
			log.WithError(err).Error("initial render failed")
			v.setStatus(ctx, "error: "+err.Error(), false)
		}
	}()

	for {
		var in frame
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).Debug("websocket read")
			}
			return
		}
		switch in.Op {
		case "scale":
			go v.RequestScale(ctx, in.Value)
		case "print":
			if err := v.Print(ctx); err != nil {
				log.WithError(err).Debug("print")
			}
		}
	}
}

// frame is one websocket message in either direction.
type frame struct {
	Op       string    `json:"op"`
	Page     *PageView `json:"page,omitempty"`
	Doc      string    `json:"doc,omitempty"`
	Zoom     float64   `json:"zoom,omitempty"`
	Status   *string   `json:"status,omitempty"`
	Scale    int       `json:"scale,omitempty"`
	Value    string    `json:"value,omitempty"`
	Filename string    `json:"filename,omitempty"`
	Session  string    `json:"session,omitempty"`
	Save     string    `json:"save,omitempty"`
}

// socketSurface forwards paint operations to the viewer page.
type socketSurface struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketSurface) send(f frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(f)
}

func (s *socketSurface) Reset(context.Context) error { return s.send(frame{Op: "reset"}) }

func (s *socketSurface) AppendPage(_ context.Context, p PageView) error {
	return s.send(frame{Op: "page", Page: &p})
}

func (s *socketSurface) Paint(_ context.Context, doc string, zoom float64) error {
	return s.send(frame{Op: "paint", Doc: doc, Zoom: zoom})
}

func (s *socketSurface) SetStatus(_ context.Context, status string) error {
	return s.send(frame{Op: "status", Status: &status})
}

func (s *socketSurface) SetScale(_ context.Context, scale int) error {
	return s.send(frame{Op: "scale", Scale: scale})
}

func (s *socketSurface) Print(context.Context) error { return s.send(frame{Op: "print"}) }
