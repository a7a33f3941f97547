package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 150 * time.Millisecond

// Watch reloads path whenever it changes and passes every config that
// validates to fn. Invalid edits are logged and skipped. The directory is
// watched rather than the file so atomic renames by editors are seen.
// Watch returns once the watcher is set up; it stops when ctx ends.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	go watchLoop(ctx, watcher, abs, fn)
	return nil
}

func watchLoop(ctx context.Context, watcher *fsnotify.Watcher, path string, fn func(Config)) {
	defer watcher.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				timer.Reset(reloadDelay)
			}
		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				log.Printf("CONFIG: reload of %s rejected: %v", path, err)
				continue
			}
			log.Printf("CONFIG: reloaded %s", path)
			fn(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}
