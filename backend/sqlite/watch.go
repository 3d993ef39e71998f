package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const externalDebounce = 150 * time.Millisecond

// WatchExternal notifies subscribers of writes made to the database file
// by other processes, such as a second window on the same calendar. It
// blocks until ctx is done. Notices carry no calendar id, so every
// subscriber re-reads its state.
func (s *Store) WatchExternal(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch database directory %s: %w", dir, err)
	}
	base := filepath.Base(s.path)
	s.log.Debug("Watching %s for external changes", dir)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if !strings.HasPrefix(name, base) || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Coalesce bursts of WAL writes into one notice.
			if timer == nil {
				timer = time.NewTimer(externalDebounce)
			} else {
				timer.Reset(externalDebounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			s.hub.publish(ChangeNotice{External: true, Queue: true, Checkpoint: true})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("Database watcher error: %v", err)
		}
	}
}
