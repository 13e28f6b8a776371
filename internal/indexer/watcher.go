package indexer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceDelay coalesces the event bursts editors produce on save into one
// re-index per file.
const debounceDelay = 500 * time.Millisecond

// Watcher keeps a repository's index in sync with the filesystem. Events are
// debounced per file; directories created while watching are added to the
// watch set.
type Watcher struct {
	indexer *Indexer
	repo    string
	root    string
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewWatcher(indexer *Indexer, repo, root string) *Watcher {
	return &Watcher{
		indexer: indexer,
		repo:    repo,
		root:    root,
		logger:  indexer.logger.Named("watcher"),
		pending: make(map[string]*time.Timer),
	}
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addTree(fsw, w.root); err != nil {
		return err
	}
	w.logger.Info("watching repository",
		zap.String("repo", w.repo), zap.String("root", w.root))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fsw *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Op.Has(fsnotify.Create):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.indexer.excludedDir(filepath.Base(event.Name)) {
				if err := w.addTree(fsw, event.Name); err != nil {
					w.logger.Warn("failed to watch new directory",
						zap.String("path", event.Name), zap.Error(err))
				}
			}
			return
		}
		w.scheduleReindex(ctx, event.Name)

	case event.Op.Has(fsnotify.Write):
		w.scheduleReindex(ctx, event.Name)

	case event.Op.Has(fsnotify.Remove), event.Op.Has(fsnotify.Rename):
		if !w.indexer.supportedFile(event.Name) {
			return
		}
		w.cancelPending(event.Name)
		if err := w.indexer.RemoveFile(ctx, w.repo, w.root, event.Name); err != nil {
			w.logger.Warn("failed to remove file from index",
				zap.String("path", event.Name), zap.Error(err))
		} else {
			w.logger.Info("file removed from index", zap.String("path", event.Name))
		}
	}
}

// scheduleReindex (re)arms the per-file debounce timer.
func (w *Watcher) scheduleReindex(ctx context.Context, path string) {
	if !w.indexer.supportedFile(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.reindexFile(ctx, path)
	})
}

func (w *Watcher) cancelPending(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) reindexFile(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	count, err := w.indexer.IndexFile(ctx, w.repo, w.root, path)
	if err != nil {
		w.logger.Warn("failed to re-index file",
			zap.String("path", path), zap.Error(err))
		return
	}
	w.logger.Info("file re-indexed",
		zap.String("path", path), zap.Int("chunks", count))
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.indexer.excludedDir(d.Name()) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
