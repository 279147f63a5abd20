package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var errMissingPath = errors.New("session file path is required")

// FileStoreConfig configures a file-backed Store.
type FileStoreConfig struct {
	Path   string
	Key    string
	Logger *zap.Logger
}

// FileStore keeps session entries as a JSON object in a file. Writes by other
// processes are picked up through an fsnotify watch on the parent directory.
type FileStore struct {
	path    string
	key     string
	logger  *zap.Logger
	signal  *changeSignal
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewFileStore creates the parent directory and starts watching it.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, newStoreError(opOpen, "missing_path", errMissingPath)
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, newStoreError(opOpen, "resolve_path_failed", err)
	}
	if err := os.MkdirAll(filepath.Dir(absolute), 0o700); err != nil {
		return nil, newStoreError(opOpen, "mkdir_failed", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, newStoreError(opOpen, "watcher_failed", err)
	}
	if err := watcher.Add(filepath.Dir(absolute)); err != nil {
		_ = watcher.Close()
		return nil, newStoreError(opOpen, "watch_failed", err)
	}

	store := &FileStore{
		path:    absolute,
		key:     normalizeKey(cfg.Key),
		logger:  logger,
		signal:  newChangeSignal(),
		watcher: watcher,
		done:    make(chan struct{}),
	}
	store.wg.Add(1)
	go store.watch()
	return store, nil
}

// Path returns the absolute path of the backing file.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readLocked()
	if err != nil {
		return "", newStoreError(opToken, "read_failed", err)
	}
	return strings.TrimSpace(entries[s.key]), nil
}

func (s *FileStore) SetToken(ctx context.Context, token string) error {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return s.Clear(ctx)
	}
	if err := s.update(func(entries map[string]string) {
		entries[s.key] = trimmed
	}); err != nil {
		return newStoreError(opSetToken, "write_failed", err)
	}
	s.signal.notify()
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	if err := s.update(func(entries map[string]string) {
		delete(entries, s.key)
	}); err != nil {
		return newStoreError(opClear, "write_failed", err)
	}
	s.signal.notify()
	return nil
}

func (s *FileStore) Changes() <-chan struct{} {
	return s.signal.Changes()
}

// Close stops the directory watch.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *FileStore) update(mutate func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readLocked()
	if err != nil {
		return err
	}
	mutate(entries)
	encoded, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	temporary, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
	if err != nil {
		return err
	}
	defer os.Remove(temporary.Name()) //nolint:errcheck
	if _, err := temporary.Write(encoded); err != nil {
		_ = temporary.Close()
		return err
	}
	if err := temporary.Close(); err != nil {
		return err
	}
	if err := os.Chmod(temporary.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(temporary.Name(), s.path)
}

func (s *FileStore) readLocked() (map[string]string, error) {
	entries := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *FileStore) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.logger.Debug("session file changed", zap.String("path", s.path), zap.String("op", event.Op.String()))
			s.signal.notify()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("session file watch error", zap.Error(err))
		}
	}
}
