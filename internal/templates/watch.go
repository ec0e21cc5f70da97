package templates

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces bursts of file events into one reload.
const reloadDebounce = 200 * time.Millisecond

type watcher struct {
	fs   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	timer *time.Timer
}

// Watch reloads the registry whenever a template file changes. Only
// subdirectories that exist when Watch is called are watched.
func (r *Registry) Watch() error {
	r.watchMu.Lock()
	defer r.watchMu.Unlock()
	if r.watch != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	watched := 0
	for _, sub := range []string{containersDir, automationDir} {
		dir := filepath.Join(r.dir, sub)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		watched++
	}

	w := &watcher{fs: fsw, done: make(chan struct{})}
	w.wg.Add(1)
	go w.run(r)
	r.watch = w
	log.Printf("[templates] watching %d directories under %s", watched, r.dir)
	return nil
}

func (w *watcher) run(r *Registry) {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !isTemplateFile(filepath.Base(ev.Name)) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(r)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Printf("[templates] watcher error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *watcher) schedule(r *Registry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, func() {
		if err := r.Load(); err != nil {
			log.Printf("[templates] reload failed: %v", err)
		}
	})
}

func (w *watcher) close() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return err
}

// Close stops watching. It is safe to call without Watch.
func (r *Registry) Close() error {
	r.watchMu.Lock()
	w := r.watch
	r.watch = nil
	r.watchMu.Unlock()
	if w == nil {
		return nil
	}
	return w.close()
}
