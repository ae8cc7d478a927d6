package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const fileExt = ".json"

// debounce window for rapid rewrites of the same key
const fileDebounce = 50 * time.Millisecond

// FileStore keeps one JSON file per key inside a directory shared by
// every tab of the instance. Writes go through a temp file and rename,
// which keeps each key atomic on POSIX filesystems. Change
// notification rides on fsnotify.
type FileStore struct {
	dir string

	watchMu  sync.Mutex
	watcher  *fsnotify.Watcher
	subs     []chan Event
	debounce map[string]*time.Timer
}

// NewFileStore opens (creating if needed) a directory-backed store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{
		dir:      dir,
		debounce: make(map[string]*time.Timer),
	}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, key+fileExt)
}

// Get reads the value for key or returns ErrNotFound.
func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Set writes value under key via temp file and rename.
func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Delete removes the key's file. Absent keys are a no-op.
func (s *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Keys lists keys with the given prefix.
func (s *FileStore) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key := strings.TrimSuffix(name, fileExt)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Watch subscribes to key changes in the directory. Rapid rewrites of
// the same key are debounced into one event.
func (s *FileStore) Watch(ctx context.Context) (<-chan Event, error) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create watcher: %w", err)
		}
		if err := w.Add(s.dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("watch %s: %w", s.dir, err)
		}
		s.watcher = w
		go s.watchLoop()
	}

	ch := make(chan Event, 16)
	s.subs = append(s.subs, ch)

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(sub)
				break
			}
		}
		s.watchMu.Unlock()
	}()

	return ch, nil
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !strings.HasSuffix(name, fileExt) {
				continue // temp files and strays
			}
			key := strings.TrimSuffix(name, fileExt)
			op := OpSet
			if ev.Op&fsnotify.Remove != 0 {
				op = OpDelete
			}
			s.debounceNotify(key, op)
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (s *FileStore) debounceNotify(key string, op Op) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if t, ok := s.debounce[key]; ok {
		t.Stop()
	}
	s.debounce[key] = time.AfterFunc(fileDebounce, func() {
		s.watchMu.Lock()
		delete(s.debounce, key)
		subs := make([]chan Event, len(s.subs))
		copy(subs, s.subs)
		s.watchMu.Unlock()
		for _, sub := range subs {
			select {
			case sub <- Event{Key: key, Op: op}:
			default:
			}
		}
	})
}

// Close tears down the watcher and all subscriptions.
func (s *FileStore) Close() error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, t := range s.debounce {
		t.Stop()
	}
	s.debounce = make(map[string]*time.Timer)
	for _, sub := range s.subs {
		close(sub)
	}
	s.subs = nil
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}
