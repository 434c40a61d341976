package filter

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/httpseal/flowtap/pkg/logger"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher re-reads a filter file whenever it changes and hands the pattern to apply
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   logger.Logger

	mu      sync.Mutex
	timer   *time.Timer
	applied string
	stopped bool
}

// NewWatcher creates a watcher for the filter file at path
func NewWatcher(path string, log logger.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		path:     filepath.Clean(path),
		debounce: defaultDebounce,
		watcher:  fw,
		logger:   log,
	}, nil
}

// Watch applies the current file content, then every change to it, until ctx is done.
// The parent directory is watched so editors that replace the file are handled.
func (w *Watcher) Watch(ctx context.Context, apply func(pattern string)) error {
	defer w.watcher.Close()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.reload(apply)

	for {
		select {
		case <-ctx.Done():
			w.stop()
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("Filter file event: %s %s", event.Op, event.Name)
			w.schedule(apply)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Warn("Filter file watcher error: %v", err)
		}
	}
}

// stop cancels a pending reload. A reload already running finds stopped set and
// does not apply.
func (w *Watcher) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (w *Watcher) schedule(apply func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.reload(apply) })
}

// reload reads the file and applies it when the pattern changed
func (w *Watcher) reload(apply func(string)) {
	pattern, err := ReadPatternFile(w.path)
	if err != nil {
		w.logger.Warn("Failed to read filter file %s: %v", w.path, err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || pattern == w.applied {
		return
	}
	w.applied = pattern
	apply(pattern)
}

// ReadPatternFile returns the first line of path that is neither blank nor a # comment
func ReadPatternFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no pattern found in %s", path)
}
