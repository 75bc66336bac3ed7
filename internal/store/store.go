// Package store implements file-backed key-value collections with one YAML
// record per file. The filesystem doubles as the publish/subscribe bus
// between the host daemon and the per-session child processes: a reader
// observes a peer's write on its next access because cached records are
// re-read whenever the file's mtime moves past the cached read.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const recordExt = ".yml"

type entry[T any] struct {
	value T
	// mtime of the file when it was read. A strictly newer mtime on disk
	// invalidates the cached value.
	mtime time.Time
}

// Collection is a directory of records, one file per id.
// Reads are cache-backed with mtime-driven refresh; writes are buffered in a
// dirty set until Save flushes them. Safe for concurrent use within one
// process; cross-process consistency relies on single-writer discipline per
// field, not locking.
type Collection[T any] struct {
	dir string
	log *slog.Logger

	mu    sync.Mutex
	cache map[string]entry[T]
	dirty map[string]struct{}
	dead  map[string]struct{}
}

// New creates a collection rooted at dir. The directory is created lazily on
// the first Save.
func New[T any](dir string, log *slog.Logger) *Collection[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Collection[T]{
		dir:   dir,
		log:   log,
		cache: make(map[string]entry[T]),
		dirty: make(map[string]struct{}),
		dead:  make(map[string]struct{}),
	}
}

// Dir returns the collection's root directory.
func (c *Collection[T]) Dir() string { return c.dir }

func (c *Collection[T]) path(id string) string {
	return filepath.Join(c.dir, id+recordExt)
}

// Get returns the record for id. The cached copy is served unless the file's
// mtime is strictly newer than the cached read, in which case the file is
// re-read. Records with buffered local writes are never reloaded from disk.
func (c *Collection[T]) Get(id string) (T, bool, error) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, gone := c.dead[id]; gone {
		return zero, false, nil
	}
	cached, haveCached := c.cache[id]
	if _, isDirty := c.dirty[id]; isDirty && haveCached {
		return cached.value, true, nil
	}

	info, err := os.Stat(c.path(id))
	if errors.Is(err, os.ErrNotExist) {
		delete(c.cache, id)
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("stat record %s: %w", id, err)
	}
	if haveCached && !info.ModTime().After(cached.mtime) {
		return cached.value, true, nil
	}
	return c.readLocked(id, info.ModTime())
}

// readLocked loads id from disk into the cache. A record that fails to parse
// is logged and treated as absent; no partial value is cached.
func (c *Collection[T]) readLocked(id string, mtime time.Time) (T, bool, error) {
	var zero T
	data, err := os.ReadFile(c.path(id))
	if errors.Is(err, os.ErrNotExist) {
		delete(c.cache, id)
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("read record %s: %w", id, err)
	}
	var value T
	if err := yaml.Unmarshal(data, &value); err != nil {
		c.log.Warn("skipping unparseable record", "collection", c.dir, "id", id, "error", err)
		delete(c.cache, id)
		return zero, false, nil
	}
	c.cache[id] = entry[T]{value: value, mtime: mtime}
	return value, true, nil
}

// Set stores the record in memory and marks it dirty. Nothing reaches disk
// until Save.
func (c *Collection[T]) Set(id string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[id] = entry[T]{value: value, mtime: time.Now()}
	c.dirty[id] = struct{}{}
	delete(c.dead, id)
}

// Delete tombstones the record: it disappears from reads immediately and its
// file is removed on the next Save.
func (c *Collection[T]) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, id)
	delete(c.dirty, id)
	c.dead[id] = struct{}{}
}

// List scans the directory and returns the record ids found on disk, sorted.
// The scan is authoritative: it may include ids not yet loaded into the
// cache, and excludes in-memory tombstones.
func (c *Collection[T]) List() ([]string, error) {
	entries, err := os.ReadDir(c.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan collection %s: %w", c.dir, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id := strings.TrimSuffix(name, recordExt)
		if _, gone := c.dead[id]; gone {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetAll returns every record visible on disk or dirty in memory.
func (c *Collection[T]) GetAll() (map[string]T, error) {
	ids, err := c.List()
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(ids))
	for _, id := range ids {
		v, ok, err := c.Get(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = v
		}
	}
	c.mu.Lock()
	for id := range c.dirty {
		if e, ok := c.cache[id]; ok {
			out[id] = e.value
		}
	}
	c.mu.Unlock()
	return out, nil
}

// LoadAll discards the cache, including unsaved local changes, and re-reads
// every record from disk.
func (c *Collection[T]) LoadAll() error {
	c.mu.Lock()
	c.cache = make(map[string]entry[T])
	c.dirty = make(map[string]struct{})
	c.dead = make(map[string]struct{})
	c.mu.Unlock()

	ids, err := c.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, _, err := c.Get(id); err != nil {
			return err
		}
	}
	return nil
}

// Save is the sole writer: it removes tombstoned files, serializes dirty
// records through an atomic path-creating write, and clears both sets.
// With no pending changes it touches nothing.
func (c *Collection[T]) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range c.dead {
		if err := os.Remove(c.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove record %s: %w", id, err)
		}
		delete(c.dead, id)
	}
	for id := range c.dirty {
		e, ok := c.cache[id]
		if !ok {
			delete(c.dirty, id)
			continue
		}
		data, err := yaml.Marshal(e.value)
		if err != nil {
			return fmt.Errorf("serialize record %s: %w", id, err)
		}
		path := c.path(id)
		if err := writeFileAtomic(path, data); err != nil {
			return fmt.Errorf("write record %s: %w", id, err)
		}
		if info, err := os.Stat(path); err == nil {
			// Record our own write's mtime so the next Get serves the cache.
			c.cache[id] = entry[T]{value: e.value, mtime: info.ModTime()}
		}
		delete(c.dirty, id)
	}
	return nil
}

// Watch invalidates cached records when another process rewrites their files,
// so a Get observes the change even when mtime granularity would hide it.
// Polling via Get's mtime check remains the fallback; the watcher is a hint.
// Watch returns once the watcher is installed; events are handled until stop
// is called.
func (c *Collection[T]) Watch() (stop func(), err error) {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(c.dir); err != nil {
		w.Close()
		return nil, err
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				name := filepath.Base(ev.Name)
				if !strings.HasSuffix(name, recordExt) {
					continue
				}
				id := strings.TrimSuffix(name, recordExt)
				c.mu.Lock()
				if _, isDirty := c.dirty[id]; !isDirty {
					delete(c.cache, id)
				}
				c.mu.Unlock()
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return func() { w.Close() }, nil
}

// writeFileAtomic creates parent directories and writes data through a
// temporary file renamed into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
