package memory

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultWatchDebounce collapses bursts of editor writes into one reindex.
const DefaultWatchDebounce = 500 * time.Millisecond

// SourceIndexer is the part of Indexer the watcher drives.
type SourceIndexer interface {
	Root() string
	Indexable(path string) bool
	Reindex(ctx context.Context, path string) error
}

// FileWatcher reindexes workspace files as they change. Events are debounced
// per path; removals and renames reindex too, which deletes the old chunks.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	indexer  SourceIndexer
	logger   zerolog.Logger
	debounce time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewFileWatcher watches the indexer's root and every subdirectory.
func NewFileWatcher(indexer SourceIndexer, debounce time.Duration, logger zerolog.Logger) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	fw := &FileWatcher{
		watcher:  watcher,
		indexer:  indexer,
		logger:   logger,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	if err := fw.addTree(indexer.Root()); err != nil {
		cancel()
		watcher.Close()
		return nil, err
	}

	fw.wg.Add(1)
	go fw.run()

	return fw, nil
}

// addTree watches dir and all non-hidden directories below it.
func (fw *FileWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fw.watcher.Add(path)
	})
}

// Stop stops the watcher and waits for in-flight reindexing to finish.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if fw.stopped {
		fw.mu.Unlock()
		return nil
	}
	fw.stopped = true
	for path, t := range fw.timers {
		if t.Stop() {
			fw.wg.Done()
		}
		delete(fw.timers, path)
	}
	fw.mu.Unlock()

	close(fw.stopCh)
	err := fw.watcher.Close()
	fw.cancel()
	fw.wg.Wait()
	return err
}

func (fw *FileWatcher) run() {
	defer fw.wg.Done()
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handle(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error().Err(err).Msg("File watcher error")

		case <-fw.stopCh:
			return
		}
	}
}

func (fw *FileWatcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := fw.addTree(event.Name); err != nil {
				fw.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
			}
			return
		}
	}

	if !fw.indexer.Indexable(event.Name) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	fw.logger.Debug().
		Str("file", filepath.Base(event.Name)).
		Str("op", event.Op.String()).
		Msg("File change detected")
	fw.schedule(event.Name)
}

// schedule (re)starts the debounce timer for path.
func (fw *FileWatcher) schedule(path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.stopped {
		return
	}

	// A timer that already fired is left to finish; its callback only clears
	// the map entry if it still owns it.
	if t, ok := fw.timers[path]; ok && t.Stop() {
		fw.wg.Done()
	}

	fw.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(fw.debounce, func() {
		defer fw.wg.Done()

		fw.mu.Lock()
		if fw.timers[path] == t {
			delete(fw.timers, path)
		}
		fw.mu.Unlock()

		if err := fw.indexer.Reindex(fw.ctx, path); err != nil {
			fw.logger.Warn().Err(err).Str("file", path).Msg("Reindex after change failed")
		}
	})
	fw.timers[path] = t
}
