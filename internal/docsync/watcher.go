package docsync

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 250 * time.Millisecond

// Watch runs SyncOnce whenever the mirror directory changes, debounced so
// an editor's save burst becomes one pass, plus on a fixed interval to
// pick up server-side changes. Blocks until the context is done.
func (s *Syncer) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.localRoot); err != nil {
		return err
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.SyncOnce(ctx); err != nil {
		s.logger.Printf("docsync: initial sync: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if s.isDocumentEvent(event) {
				debounce.Reset(watchDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Printf("docsync: watcher: %v", err)
		case <-debounce.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Printf("docsync: sync after change: %v", err)
			}
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Printf("docsync: periodic sync: %v", err)
			}
		}
	}
}

// isDocumentEvent filters out our own state file, temp files from atomic
// writes, and anything that is not a document.
func (s *Syncer) isDocumentEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	name := event.Name
	if idx := strings.LastIndexAny(name, "/\\"); idx >= 0 {
		name = name[idx+1:]
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	return strings.HasSuffix(name, ".json")
}
