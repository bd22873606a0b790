package seed

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the burst of events an editor save produces.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reapplies seed files when they change.
type Watcher struct {
	loader   *Loader
	path     string
	debounce time.Duration
	logger   *zap.Logger

	// applied is notified after every reload; tests use it.
	applied func(Report, error)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

// NewWatcher watches path, a seed file or a directory of seed files.
func NewWatcher(loader *Loader, path string, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if loader == nil {
		return nil, errors.New("loader is required")
	}
	if path == "" {
		return nil, errors.New("seed path is required")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{loader: loader, path: path, debounce: debounce, logger: logger}, nil
}

// Start begins watching. Events are handled on a background goroutine until
// Stop is called or ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	info, err := os.Stat(w.path)
	if err != nil {
		return fmt.Errorf("stat seed path: %w", err)
	}
	// Watch the directory even for a single file: editors replace files by
	// rename, which drops a watch on the file itself.
	dir, only := w.path, ""
	if !info.IsDir() {
		dir, only = filepath.Dir(w.path), filepath.Clean(w.path)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	w.watcher = fw
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.run(ctx, fw, only)

	w.logger.Info("watching seed files", zap.String("path", w.path))
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	fw := w.watcher
	if fw == nil {
		w.mu.Unlock()
		return
	}
	w.watcher = nil
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	_ = fw.Close()
}

func (w *Watcher) run(ctx context.Context, fw *fsnotify.Watcher, only string) {
	defer close(w.done)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return

		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev, only) {
				continue
			}
			w.logger.Debug("seed file event", zap.String("file", ev.Name), zap.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("seed watcher error", zap.Error(err))

		case <-pending:
			pending = nil
			w.reload(ctx)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event, only string) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	if only != "" {
		return filepath.Clean(ev.Name) == only
	}
	_, err := FormatOf(ev.Name)
	return err == nil
}

func (w *Watcher) reload(ctx context.Context) {
	rep, err := w.loader.ApplyPath(ctx, w.path)
	if err != nil {
		w.logger.Warn("seed reload failed, keeping current patterns", zap.Error(err))
	}
	if w.applied != nil {
		w.applied(rep, err)
	}
}
