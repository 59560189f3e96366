package rules

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/trinogate/trinogate/logging"
)

const reloadDebounce = 25 * time.Millisecond

// Watcher reloads the rules engine when the rules file changes on
// disk. It watches the parent directory so the reload keeps working
// with editors and config management tools that replace the file by
// rename.
type Watcher struct {
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// Watch starts watching the engine's rules file. Failed reloads keep
// the previously active rules.
func Watch(e *Engine, log logging.Logger) (*Watcher, error) {
	if log == nil {
		log = &logging.DefaultLog{}
	}

	target, err := filepath.Abs(e.path)
	if err != nil {
		return nil, fmt.Errorf("rules: resolve %s: %w", e.path, err)
	}

	target = filepath.Clean(target)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules: watch: %w", err)
	}

	if err := fw.Add(filepath.Dir(target)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("rules: watch %s: %w", filepath.Dir(target), err)
	}

	w := &Watcher{
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}

	go w.loop(fw, e, target, log)
	return w, nil
}

// Stop ends the watch and waits for the watch goroutine to exit.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.quit)
		<-w.done
	})
}

func (w *Watcher) loop(fw *fsnotify.Watcher, e *Engine, target string, log logging.Logger) {
	defer close(w.done)
	defer fw.Close()

	// Change bursts are collapsed into a single reload.
	var (
		timer  *time.Timer
		reload <-chan time.Time
	)

	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(reloadDebounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}

			timer.Reset(reloadDebounce)
		}

		reload = timer.C
	}

	for {
		select {
		case <-w.quit:
			return
		case <-reload:
			reload = nil
			e.Reload()
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}

			if filepath.Clean(ev.Name) != target {
				continue
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
				continue
			}

			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Warnf("rules: %s removed, keeping active rules", target)
			}

			schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}

			log.Errorf("rules: watch: %v", err)
		}
	}
}
