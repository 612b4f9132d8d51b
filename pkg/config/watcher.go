package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches the configuration file and invokes a callback after it
// settles. The callback runs on the watcher goroutine and must not block.
type Watcher struct {
	path         string
	watcher      *fsnotify.Watcher
	onChange     func()
	logger       *slog.Logger
	mu           sync.Mutex
	running      bool
	stopCh       chan struct{}
	debounceTime time.Duration
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onChange func(), logger *slog.Logger) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		path:         path,
		watcher:      watcher,
		onChange:     onChange,
		logger:       logger,
		stopCh:       make(chan struct{}),
		debounceTime: time.Second,
	}, nil
}

// Start begins watching. The parent directory is watched because editors and
// config management tools usually replace the file by rename.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true

	w.logger.Info("Config watcher started", "config_path", w.path)

	go w.watchLoop(ctx)
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}

			w.logger.Debug("Config file event detected", "event", event.Op.String(), "file", event.Name)

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounceTime, w.trigger)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", "error", err)

		case <-w.stopCh:
			w.logger.Info("Config watcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("Config watcher context cancelled")
			return
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	eventPath, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	configPath, err := filepath.Abs(w.path)
	if err != nil {
		return false
	}
	return eventPath == configPath
}

func (w *Watcher) trigger() {
	w.logger.Info("Config file changed, scheduling reconciliation", "config_path", w.path)
	if w.onChange != nil {
		w.onChange()
	}
}
