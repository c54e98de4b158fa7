package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	watcher *fsnotify.Watcher
	closed  chan struct{}
	closing sync.Once
}

// Watch calls onChange with the freshly loaded config every time path is
// written. Invalid intermediate states (editors save in multiple steps) are
// logged and skipped, never delivered.
func Watch(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	// Watch the directory, not the file: editors replace files by rename,
	// which drops a file-level watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	w := &Watcher{watcher: fw, closed: make(chan struct{})}
	go w.loop(filepath.Clean(path), onChange)
	return w, nil
}

// Close stops watching. Idempotent.
func (w *Watcher) Close() error {
	w.closing.Do(func() { close(w.closed) })
	return w.watcher.Close()
}

func (w *Watcher) loop(path string, onChange func(Config)) {
	for {
		select {
		case <-w.closed:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				log.Warnf("reload of %s skipped: %v", path, err)
				continue
			}
			log.Infof("config reloaded from %s", path)
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("watcher error: %v", err)
		}
	}
}
