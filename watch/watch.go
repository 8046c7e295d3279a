// Package watch reloads module binaries when they change on disk.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("hotswap.watch")

// LoadFunc installs the module binary at path.
type LoadFunc func(ctx context.Context, path string) error

// Watcher watches module directories and hands changed binaries to a
// LoadFunc once writes to them have settled.
type Watcher struct {
	dirs      []string
	extension string
	debounce  time.Duration
	load      LoadFunc

	fsWatcher *fsnotify.Watcher

	// pending debounce timers, by file
	timers   map[string]*time.Timer
	timersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for files ending in extension under dirs.
func New(dirs []string, extension string, debounce time.Duration, load LoadFunc) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file system watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		dirs:      dirs,
		extension: extension,
		debounce:  debounce,
		load:      load,
		fsWatcher: fsWatcher,
		timers:    make(map[string]*time.Timer),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	for _, d := range w.dirs {
		if err := w.fsWatcher.Add(d); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}
	w.wg.Add(1)
	go w.watchLoop()
	log.Infof("watching %d director(ies) for *%s", len(w.dirs), w.extension)
	return nil
}

// Stop stops watching and waits for in-flight loads.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsWatcher.Close()

	w.timersMu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.timersMu.Unlock()

	w.wg.Wait()
	return err
}

func (w *Watcher) watchLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != w.extension {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.schedule(event.Name)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warningf("watcher error: %v", err)
		}
	}
}

// schedule (re)starts the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if w.ctx.Err() != nil {
		return
	}
	if t, ok := w.timers[path]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.timersMu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.timersMu.Unlock()
		w.fire(path)
	})
	w.timers[path] = t
}

func (w *Watcher) fire(path string) {
	if w.ctx.Err() != nil {
		return
	}
	if err := w.load(w.ctx, path); err != nil {
		log.Errorf("reload of %s failed: %v", path, err)
		return
	}
	log.Infof("reloaded %s", path)
}
