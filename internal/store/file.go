package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/netwraith/netwraith/internal/logging"
	"github.com/netwraith/netwraith/internal/tunnel"
)

// File is a Store backed by a YAML file. Writers take an exclusive lock on a
// sibling lock file and replace the file atomically, so readers in other
// processes never observe a partial write.
type File struct {
	path     string
	lockPath string
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

// OpenFile opens (or prepares to create) the store file at path.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil { //nolint:gosec // G301: shared between the controller and the runtime
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &File{
		path:     abs,
		lockPath: abs + ".lock",
		logger:   logging.WithComponent("store"),
	}, nil
}

// Path returns the absolute path of the backing file.
func (f *File) Path() string {
	return f.path
}

// Get implements Store.
func (f *File) Get(key string) (any, bool, error) {
	if f.isClosed() {
		return nil, false, tunnel.ErrClosed
	}
	var values map[string]any
	err := withLock(f.lockPath, false, func() error {
		var err error
		values, err = f.read()
		return err
	})
	if err != nil {
		return nil, false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// Set implements Store.
func (f *File) Set(key string, value any) error {
	return f.update(func(values map[string]any) bool {
		if old, ok := values[key]; ok && reflect.DeepEqual(old, value) {
			return false
		}
		values[key] = value
		return true
	})
}

// Remove implements Store.
func (f *File) Remove(key string) error {
	return f.update(func(values map[string]any) bool {
		if _, ok := values[key]; !ok {
			return false
		}
		delete(values, key)
		return true
	})
}

// Watch implements Store. Changes are detected through filesystem events on
// the store directory and reported per key.
func (f *File) Watch(ctx context.Context) <-chan string {
	ch := make(chan string, 16)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.logger.Warn("store watch unavailable", "error", err)
		close(ch)
		return ch
	}
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		f.logger.Warn("store watch unavailable", "path", f.path, "error", err)
		watcher.Close()
		close(ch)
		return ch
	}

	prev, _ := f.snapshot()

	go func() {
		defer close(ch)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Debug("store watch error", "error", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != f.path {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) &&
					!ev.Op.Has(fsnotify.Rename) && !ev.Op.Has(fsnotify.Remove) {
					continue
				}
				next, err := f.snapshot()
				if err != nil {
					f.logger.Debug("store reread failed", "error", err)
					continue
				}
				for _, key := range changedKeys(prev, next) {
					select {
					case ch <- key:
					case <-ctx.Done():
						return
					}
				}
				prev = next
			}
		}
	}()

	return ch
}

// Close implements Store.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *File) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *File) snapshot() (map[string]any, error) {
	var values map[string]any
	err := withLock(f.lockPath, false, func() error {
		var err error
		values, err = f.read()
		return err
	})
	return values, err
}

func (f *File) update(fn func(map[string]any) bool) error {
	if f.isClosed() {
		return tunnel.ErrClosed
	}
	return withLock(f.lockPath, true, func() error {
		values, err := f.read()
		if err != nil {
			return err
		}
		if !fn(values) {
			return nil
		}
		return f.write(values)
	})
}

// read must be called with the lock held.
func (f *File) read() (map[string]any, error) {
	values := make(map[string]any)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse store: %w", err)
	}
	if values == nil {
		values = make(map[string]any)
	}
	return values, nil
}

// write must be called with the exclusive lock held.
func (f *File) write(values map[string]any) error {
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".store-*")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp store: %w", err)
	}
	if err := tmp.Chmod(0644); err != nil { //nolint:gosec // G302: read by the unprivileged controller
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp store: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func changedKeys(prev, next map[string]any) []string {
	var keys []string
	for k, v := range next {
		if old, ok := prev[k]; !ok || !reflect.DeepEqual(old, v) {
			keys = append(keys, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			keys = append(keys, k)
		}
	}
	return keys
}
