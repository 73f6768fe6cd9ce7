package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pdfcast/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// EventHandler processes one settled PDF in the inbox.
type EventHandler func(ctx context.Context, path string) error

const defaultSettle = 500 * time.Millisecond

// Watcher ingests PDFs dropped into an inbox directory. A file is handed over
// once no write has been seen for the settle delay, and removed after a
// successful handler call.
type Watcher struct {
	inputDir  string
	handler   EventHandler
	logger    *slog.Logger
	watcher   *fsnotify.Watcher
	settle    time.Duration
	semaphore chan struct{}
	wg        sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	stopped bool
}

func New(inputDir string, handler EventHandler, logger *slog.Logger, maxConcurrent int, settle time.Duration) (*Watcher, error) {
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(inputDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("add watch path: %w", err)
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if settle <= 0 {
		settle = defaultSettle
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watcher{
		inputDir:  inputDir,
		handler:   handler,
		logger:    logger,
		watcher:   fsw,
		settle:    settle,
		semaphore: make(chan struct{}, maxConcurrent),
		pending:   make(map[string]*time.Timer),
	}, nil
}

// Start blocks until ctx is done, then waits for in-flight handlers.
func (w *Watcher) Start(ctx context.Context) error {
	w.logger.Info("inbox watcher started", "dir", w.inputDir)
	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			w.wg.Wait()
			w.logger.Info("inbox watcher stopped")
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isPDF(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			w.logger.Error("watcher error", "err", err)
		}
	}
}

// Stop closes the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		if w.stopped {
			w.mu.Unlock()
			return
		}
		w.wg.Add(1)
		w.mu.Unlock()
		w.dispatch(ctx, path)
	})
}

// dispatch owns one wg slot taken by the caller.
func (w *Watcher) dispatch(ctx context.Context, path string) {
	select {
	case w.semaphore <- struct{}{}:
	case <-ctx.Done():
		w.wg.Done()
		return
	}
	go func() {
		defer w.wg.Done()
		defer func() { <-w.semaphore }()

		if err := w.handler(ctx, path); err != nil {
			w.logger.Error("inbox file rejected", "path", path, "err", err)
			return
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("remove ingested inbox file", "path", path, "err", err)
		}
	}()
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}
