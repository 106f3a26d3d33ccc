package ops

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const watchDebounce = 250 * time.Millisecond

// Watch re-loads the config whenever the file changes and hands the result
// to onChange, debouncing editor write bursts. It blocks until ctx ends.
// Parse failures keep the previous config and log the error.
func Watch(ctx context.Context, path string, onChange func(Loaded)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which retires the inode.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watch %s", dir)
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logs.Warnf("config watcher: %+v", err)
		case <-timerC:
			timerC = nil
			timer = nil
			loaded, err := Load(path)
			if err != nil {
				logs.Errorf("config reload failed, keeping previous: %+v", err)
				continue
			}
			logs.Infof("config reloaded from %s", path)
			onChange(loaded)
		}
	}
}
