// Package settings persists the user's preview preferences.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/porticus-lab/export-preview/internal/logging"
)

// Settings is the persisted record.
type Settings struct {
	AutoPreview bool    `json:"autoPreview"`
	DefaultZoom float64 `json:"defaultZoom"`
}

// ZoomChoices are the zoom levels offered by the settings popup.
var ZoomChoices = []float64{0.5, 0.75, 1.0, 1.25, 1.5, 2.0}

// Default returns the settings used when nothing is stored.
func Default() Settings {
	return Settings{AutoPreview: true, DefaultZoom: 1.0}
}

func (s Settings) normalized() Settings {
	if s.DefaultZoom <= 0 {
		s.DefaultZoom = Default().DefaultZoom
	}
	return s
}

// DefaultPath returns <user config dir>/export-preview/settings.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("settings: %w", err)
	}
	return filepath.Join(dir, "export-preview", "settings.json"), nil
}

// Store reads and writes the settings file and caches its contents. It is
// safe for concurrent use.
type Store struct {
	path string
	log  *logrus.Entry

	mu      sync.RWMutex
	current Settings
	subs    []func(Settings)
}

// Open returns a Store backed by path, loading the file if it exists.
func Open(path string, log *logrus.Entry) (*Store, error) {
	s := &Store{path: path, log: logging.OrDiscard(log), current: Default()}
	if _, err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Get returns the cached settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// AutoPreview reports the cached autoPreview flag.
func (s *Store) AutoPreview() bool { return s.Get().AutoPreview }

// DefaultZoom reports the cached default zoom.
func (s *Store) DefaultZoom() float64 { return s.Get().DefaultZoom }

// Load re-reads the file. A missing file yields the defaults.
func (s *Store) Load() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.set(Default())
		return Default(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("settings: reading %s: %w", s.path, err)
	}

	// Fields absent from the file keep their defaults.
	st := Default()
	if err := json.Unmarshal(data, &st); err != nil {
		return Settings{}, fmt.Errorf("settings: parsing %s: %w", s.path, err)
	}
	st = st.normalized()
	s.set(st)
	return st, nil
}

// Save writes st atomically and updates the cache.
func (s *Store) Save(st Settings) error {
	st = st.normalized()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encoding: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("settings: creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.json")
	if err != nil {
		return fmt.Errorf("settings: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("settings: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("settings: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("settings: replacing %s: %w", s.path, err)
	}

	s.set(st)
	return nil
}

// Reset restores and saves the defaults.
func (s *Store) Reset() error {
	return s.Save(Default())
}

// OnChange registers fn to be called with the new settings after every
// change seen by Load, Save or Watch.
func (s *Store) OnChange(fn func(Settings)) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Store) set(st Settings) {
	s.mu.Lock()
	changed := s.current != st
	s.current = st
	subs := append([]func(Settings){}, s.subs...)
	s.mu.Unlock()
	if changed {
		for _, fn := range subs {
			fn(st)
		}
	}
}

// Watch reloads the file whenever it changes on disk, until ctx ends. The
// directory is watched so that atomic replacements are seen.
func (s *Store) Watch(ctx context.Context) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: creating directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("settings: starting watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("settings: watching %s: %w", dir, err)
	}

	// Editors emit bursts of events; reload once they settle.
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				debounce = time.After(50 * time.Millisecond)
			}
		case <-debounce:
			debounce = nil
			if st, err := s.Load(); err != nil {
				s.log.WithError(err).Warn("ignoring unreadable settings file")
			} else {
				s.log.WithFields(logrus.Fields{"auto_preview": st.AutoPreview, "default_zoom": st.DefaultZoom}).Info("settings reloaded")
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("settings watcher error")
		}
	}
}
