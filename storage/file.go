package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/creachadair/atomicfile"
	"github.com/fsnotify/fsnotify"
)

// File is a Backend that keeps its contents in a single JSON file. The file
// holds one object mapping each key to its base64-encoded value:
//
//	{"key1": "<base64>", "key2": "<base64>", ...}
//
// The contents are read when the file is opened. Each mutation rewrites the
// whole file atomically, so a crash leaves either the old or the new
// contents, never a mixture. A missing file is treated as an empty store, and
// is created by the first mutation.
type File struct {
	path string

	μ         sync.Mutex
	data      map[string][]byte
	hasUpdate bool // set by Watch when the file changed on disk
}

// OpenFile opens a file backend at path.
func OpenFile(path string) (*File, error) {
	data, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	return &File{path: path, data: data}, nil
}

func loadFile(path string) (map[string][]byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string][]byte), nil
	} else if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	data := make(map[string][]byte)
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode store %q: %w", path, err)
	}
	return data, nil
}

// Path returns the file path of the store.
func (f *File) Path() string { return f.path }

// refresh reloads the file if Watch has observed a change.
// The caller must hold f.μ.
func (f *File) refresh() error {
	if !f.hasUpdate {
		return nil
	}
	data, err := loadFile(f.path)
	if err != nil {
		return err
	}
	f.data, f.hasUpdate = data, false
	return nil
}

// commit writes next to disk and, if that succeeds, makes it the current
// contents. The caller must hold f.μ.
func (f *File) commit(next map[string][]byte) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	err := atomicfile.Tx(f.path, 0600, func(af io.Writer) error {
		return json.NewEncoder(af).Encode(next)
	})
	if err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	f.data = next
	return nil
}

// Get implements a method of Backend.
func (f *File) Get(_ context.Context, key string) ([]byte, error) {
	f.μ.Lock()
	defer f.μ.Unlock()
	if err := f.refresh(); err != nil {
		return nil, err
	}
	v, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put implements a method of Backend.
func (f *File) Put(ctx context.Context, key string, value []byte) error {
	return f.Apply(ctx, []Op{PutOp(key, value)})
}

// Delete implements a method of Backend.
func (f *File) Delete(ctx context.Context, key string) error {
	return f.Apply(ctx, []Op{DeleteOp(key)})
}

// List implements a method of Backend.
func (f *File) List(_ context.Context, prefix string) ([]string, error) {
	f.μ.Lock()
	defer f.μ.Unlock()
	if err := f.refresh(); err != nil {
		return nil, err
	}
	return listKeys(f.data, prefix), nil
}

// Apply implements a method of Backend.
func (f *File) Apply(_ context.Context, ops []Op) error {
	f.μ.Lock()
	defer f.μ.Unlock()
	if err := f.refresh(); err != nil {
		return err
	}
	next := maps.Clone(f.data)
	applyOps(next, ops)
	return f.commit(next)
}

// Close implements a method of Backend. It is a no-op.
func (f *File) Close() error { return nil }

// Watch monitors the store file for changes made by other processes, and
// arranges for the next operation on f to reload the file when it changes.
// Watch blocks until ctx ends or the watcher fails, and should be run in a
// separate goroutine. If logger == nil, events are not logged.
func (f *File) Watch(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory rather than the file, since atomic replacement
	// swaps out the file itself on every write.
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %q: %w", f.path, err)
	}
	target := filepath.Clean(f.path)
	for {
		select {
		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != target {
				continue
			} else if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) == 0 {
				continue // not relevant here
			}
			logger.Debug("store file changed", "path", f.path, "op", evt.Op.String())
			f.μ.Lock()
			f.hasUpdate = true // read by refresh
			f.μ.Unlock()
		case e, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("error watching store", "path", f.path, "error", e)
		case <-ctx.Done():
			return nil
		}
	}
}
