// Package watcher reports changes in the workspace directory made outside of
// kernel executions (uploads, deletes, other processes).
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/pegasus-notebook/pegasus/internal/common/logger"
)

// DefaultDebounce is how long changes must settle before Notify runs.
const DefaultDebounce = 300 * time.Millisecond

type Watcher struct {
	dir      string
	notify   func()
	debounce time.Duration
	watcher  *fsnotify.Watcher
	logger   *logger.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New watches dir and calls notify once per burst of changes.
func New(dir string, notify func(), debounce time.Duration, log *logger.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		notify:   notify,
		debounce: debounce,
		watcher:  fw,
		logger:   log.WithFields(zap.String("component", "workspace-watcher")),
		stopCh:   make(chan struct{}),
	}, nil
}

// Run blocks until ctx is done or Stop is called.
func (w *Watcher) Run(ctx context.Context) error {
	w.wg.Add(1)
	defer w.wg.Done()
	defer func() { _ = w.watcher.Close() }()

	w.logger.Info("watching workspace", zap.String("dir", w.dir))

	var timer *time.Timer
	var fire <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return nil
		case <-w.stopCh:
			stopTimer()
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				stopTimer()
				return nil
			}
			// Permission changes do not alter the listing.
			if event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			timer = nil
			w.logger.Debug("workspace changed")
			w.notify()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				stopTimer()
				return nil
			}
			w.logger.Debug("filesystem watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}
