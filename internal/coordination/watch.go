package coordination

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses the burst of events produced by one atomic
// temp-file-and-rename write.
const watchDebounce = 50 * time.Millisecond

// Watch calls fn whenever the instance registry changes on disk, until ctx
// is done. Events are debounced so that fn runs once per write burst.
func (c *Coordinator) Watch(ctx context.Context, fn func()) error {
	if err := os.MkdirAll(c.layout.Root, 0755); err != nil {
		return fmt.Errorf("create coordination directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// The registry is replaced by rename, so the directory is watched rather
	// than the file itself.
	if err := watcher.Add(c.layout.Root); err != nil {
		return fmt.Errorf("watch %s: %w", c.layout.Root, err)
	}

	target := filepath.Clean(c.layout.Instances())

	debounce := time.NewTimer(0)
	<-debounce.C
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounce.Reset(watchDebounce)

		case <-debounce.C:
			fn()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("registry watch error", "error", err.Error())
		}
	}
}
