package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Store reads and writes the settings file. Loads are served from a cache
// that is invalidated when the file changes on disk, so external edits (or
// another process) are picked up without rereading on every call.
type Store struct {
	path string
	log  *slog.Logger

	mu     sync.Mutex
	cached *Settings

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for watch and write diagnostics.
func WithLogger(log *slog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// NewStore opens a store rooted at dir. The directory is created if needed.
// A filesystem watcher keeps the cache coherent; if the watcher cannot be
// started the store falls back to reading the file on every Load.
func NewStore(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}

	s := &Store{
		path: filepath.Join(dir, Filename),
		log:  slog.Default(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("settings.watch.unavailable", slog.String("err", err.Error()))
		return s, nil
	}
	if err := w.Add(dir); err != nil {
		s.log.Warn("settings.watch.add.fail", slog.String("err", err.Error()))
		_ = w.Close()
		return s, nil
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

// Path returns the settings file path.
func (s *Store) Path() string { return s.path }

// Close stops the filesystem watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watch() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Name == s.path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.mu.Lock()
				s.cached = nil
				s.mu.Unlock()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("settings.watch.err", slog.String("err", err.Error()))
		}
	}
}

// Load returns the sanitized settings, or an empty default when the file is
// missing or unreadable. The result is a copy; callers may mutate it.
func (s *Store) Load() *Settings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && s.watcher != nil {
		return s.cached.Clone()
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return Default()
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn("settings.load.invalid", slog.String("err", err.Error()))
		return Default()
	}

	s.cached = Sanitize(raw)
	return s.cached.Clone()
}

// Save sanitizes and atomically persists the settings: written to a temp
// file with mode 0600 in the same directory, then renamed over the target.
func (s *Store) Save(in *Settings) error {
	raw := map[string]any{}
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode settings: %w", err)
		}
		if err := json.Unmarshal(b, &raw); err != nil {
			return fmt.Errorf("encode settings: %w", err)
		}
	}
	sanitized := Sanitize(raw)

	data, err := json.MarshalIndent(sanitized, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, Filename+".*.tmp")
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	s.mu.Lock()
	s.cached = sanitized
	s.mu.Unlock()
	return nil
}
