// Package watcher reports image files that appear or change under a root
// directory.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"picresize/walker"
)

// DefaultDebounce is how long a path must stay quiet before it is handled.
const DefaultDebounce = 500 * time.Millisecond

// Watcher monitors a directory tree, skipping excluded and output directories.
type Watcher struct {
	root       string
	outputRoot string
	debounce   time.Duration
	fs         *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	done    chan struct{}
}

// New creates a watcher for root. Files under outputRoot are never reported.
func New(root, outputRoot string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		root:       filepath.Clean(root),
		outputRoot: filepath.Clean(outputRoot),
		debounce:   DefaultDebounce,
		fs:         fsWatcher,
		pending:    make(map[string]*time.Timer),
		ready:      make(chan string, 100),
		done:       make(chan struct{}),
	}
	if err := w.addTree(w.root, false); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	return w, nil
}

// SetDebounce changes the quiet period. It must be called before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run calls handle once per settled image path until ctx is done. Calls to
// handle are sequential.
func (w *Watcher) Run(ctx context.Context, handle func(path string)) error {
	defer w.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("watcher error")

		case path := <-w.ready:
			handle(path)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if w.skipped(event.Name) {
		return
	}

	// A directory created or moved in is watched along with its images.
	if event.Has(fsnotify.Create) {
		if err := w.addTree(event.Name, true); err == nil {
			return
		}
	}
	if walker.IsImageFile(event.Name) {
		w.schedule(event.Name)
	}
}

// addTree watches dir and every non-excluded directory below it. With
// schedule set, images already inside are queued. It fails when dir is not a
// directory.
func (w *Watcher) addTree(dir string, schedule bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			log.Warn().Err(err).Str("path", path).Msg("error accessing path")
			return nil
		}
		if !d.IsDir() {
			if path == dir {
				return fmt.Errorf("%s is not a directory", dir)
			}
			if schedule && walker.IsImageFile(d.Name()) {
				w.schedule(path)
			}
			return nil
		}
		if path != w.root && w.skipped(path) {
			return fs.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("failed to watch folder %s: %w", path, err)
		}
		log.Debug().Str("dir", path).Msg("watching folder")
		return nil
	})
}

// skipped reports whether path is hidden, inside the output root, or below an
// excluded directory.
func (w *Watcher) skipped(path string) bool {
	path = filepath.Clean(path)
	if strings.HasPrefix(filepath.Base(path), ".") {
		return true
	}
	if path == w.outputRoot || strings.HasPrefix(path, w.outputRoot+string(filepath.Separator)) {
		return true
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if walker.IsExcludedDir(part) {
			return true
		}
	}
	return false
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) close() {
	close(w.done)
	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	if err := w.fs.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close watcher")
	}
}
