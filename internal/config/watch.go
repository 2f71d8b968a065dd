package config

import (
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and hands the
// fresh snapshot to onReload. Editors often replace the file (rename +
// create), so the watch is on the parent directory. Returns a stop function.
func Watch(path string, onReload func(*Config)) (func(), error) {
	p := strings.TrimSpace(path)
	if p == "" || onReload == nil {
		return func() {}, nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, err
	}

	go func() {
		var last time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				// debounce burst events from atomic-save editors
				if time.Since(last) < 200*time.Millisecond {
					continue
				}
				last = time.Now()

				cfg, err := Load(abs)
				if err != nil {
					log.Printf("config reload failed: %v", err)
					continue
				}
				onReload(cfg)
				log.Printf("config reloaded from %s", abs)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("config watcher error: %v", err)
			}
		}
	}()

	return func() { _ = w.Close() }, nil
}
