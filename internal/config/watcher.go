package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the config file when it changes on disk, so log level and
// stream tuning can be adjusted without restarting the client. Editors save
// in bursts, so events are debounced before reloading.
type Watcher struct {
	path     string
	logger   *zap.Logger
	onReload func(Config)

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	debounce *time.Timer
	running  bool
	doneCh   chan struct{}
}

// NewWatcher creates a watcher for the config file at path. onReload is
// invoked with the freshly loaded config after each settled change.
func NewWatcher(path string, logger *zap.Logger, onReload func(Config)) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		logger:   logger.Named("config"),
		onReload: onReload,
		watcher:  fsw,
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; Stop ends the watch goroutine.
// The parent directory is watched rather than the file itself because many
// editors replace the file on save, which drops a file-level watch.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true
	go w.loop()
	return nil
}

// Stop ends the watch and waits for the goroutine to exit. Safe to call when
// never started.
func (w *Watcher) Stop() {
	w.mu.Lock()
	running := w.running
	w.running = false
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.mu.Unlock()

	_ = w.watcher.Close()
	if running {
		<-w.doneCh
	}
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(300*time.Millisecond, func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Warn("config reload failed", zap.Error(err))
			return
		}
		w.logger.Info("config reloaded", zap.String("path", w.path))
		if w.onReload != nil {
			w.onReload(cfg)
		}
	})
}
