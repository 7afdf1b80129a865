package storage

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tabpulse/tabpulse/pkg/logger"
)

// Dir is a durable backend storing one file per key under a directory.
// Writes go through a temp file and a rename so concurrent readers in
// other processes never observe a torn value. It is the one backend with
// a native change feed: filesystem notifications surface writes made by
// other tabs sharing the directory.
type Dir struct {
	path string
	log  *logger.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	subs    map[int]func(Event)
	nextSub int
	closed  bool
}

// NewDir opens (creating if needed) a directory backend at path.
func NewDir(path string, log *logger.Logger) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Dir{
		path: path,
		log:  log.WithComponent("storage-dir"),
		subs: make(map[int]func(Event)),
	}, nil
}

// Keys map 1:1 to file names; escaping keeps path separators and other
// hostile characters out of the directory.
func encodeKey(key string) string {
	return url.PathEscape(key)
}

func decodeKey(name string) (string, error) {
	return url.PathUnescape(name)
}

func (d *Dir) file(key string) string {
	return filepath.Join(d.path, encodeKey(key))
}

func (d *Dir) Get(key string) (string, bool, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return "", false, ErrClosed
	}

	raw, err := os.ReadFile(d.file(key))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return string(raw), true, nil
}

func (d *Dir) Set(key, value string) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}

	tmp, err := os.CreateTemp(d.path, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %q: %w", key, err)
	}
	if _, err := tmp.WriteString(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file for %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), d.file(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish %q: %w", key, err)
	}
	return nil
}

func (d *Dir) Remove(key string) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}

	err := os.Remove(d.file(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}
	return nil
}

func (d *Dir) Keys() ([]string, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		key, err := decodeKey(name)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Subscribe registers fn for changes to keys in this directory, including
// changes made by other processes. The filesystem watcher also reports
// this process's own writes; consumers de-duplicate by value.
func (d *Dir) Subscribe(fn func(Event)) (func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	if d.watcher == nil {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
		}
		if err := watcher.Add(d.path); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch storage directory: %w", err)
		}
		d.watcher = watcher
		go d.watchLoop(watcher)
	}

	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		var watcher *fsnotify.Watcher
		if len(d.subs) == 0 && d.watcher != nil {
			// Last subscriber gone: release the watcher and its goroutine.
			// A later subscription brings up a fresh one.
			watcher = d.watcher
			d.watcher = nil
		}
		d.mu.Unlock()
		if watcher != nil {
			watcher.Close()
		}
	}, nil
}

func (d *Dir) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			// Renames from temp files arrive as Create on the target.
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") {
				continue
			}
			key, err := decodeKey(name)
			if err != nil {
				continue
			}
			raw, err := os.ReadFile(event.Name)
			if err != nil {
				continue
			}
			d.dispatch(Event{Key: key, Value: string(raw)})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			d.log.StoreFault("watch", d.path, err)
		}
	}
}

func (d *Dir) dispatch(event Event) {
	d.mu.Lock()
	subs := make([]func(Event), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.subs = make(map[int]func(Event))
	if d.watcher != nil {
		watcher := d.watcher
		d.watcher = nil
		return watcher.Close()
	}
	return nil
}
