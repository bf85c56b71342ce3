package core

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/assetsart/easy-proxy/log"
)

const watchDebounce = 500 * time.Millisecond

// ConfigWatcher reloads the dynamic config when files under config_dir
// change. Events are debounced so an editor save or a directory sync
// triggers a single reload; a failed reload keeps the previous snapshot,
// same as a failed control-socket reload.
type ConfigWatcher struct {
	dir      string
	reloader *Reloader
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

func NewConfigWatcher(dir string, reloader *Reloader) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errConfig("unable to create config watcher: %v", err)
	}
	cw := &ConfigWatcher{
		dir:      dir,
		reloader: reloader,
		watcher:  w,
		done:     make(chan struct{}),
	}
	if err := cw.addRecursive(dir, CONFIG_MAX_DEPTH); err != nil {
		w.Close()
		return nil, err
	}
	return cw, nil
}

func (cw *ConfigWatcher) addRecursive(dir string, max_depth int) error {
	if err := cw.watcher.Add(dir); err != nil {
		return errConfig("unable to watch %s: %v", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errConfig("unable to read %s: %v", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() && max_depth > 0 {
			if err := cw.addRecursive(filepath.Join(dir, e.Name()), max_depth-1); err != nil {
				return err
			}
		}
	}
	return nil
}

func (cw *ConfigWatcher) Start() {
	go cw.run()
}

func (cw *ConfigWatcher) Stop() {
	close(cw.done)
	cw.watcher.Close()
}

func (cw *ConfigWatcher) run() {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					cw.watcher.Add(ev.Name)
				}
			}
			if timer == nil {
				timer = time.AfterFunc(watchDebounce, func() {
					select {
					case fire <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(watchDebounce)
			}
		case <-fire:
			timer = nil
			log.Info("config: change detected in %s, reloading", cw.dir)
			if err := cw.reloader.Reload(); err != nil {
				log.Error("config: reload failed, keeping previous snapshot: %v", err)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Error("config: watcher: %v", err)
		case <-cw.done:
			return
		}
	}
}
