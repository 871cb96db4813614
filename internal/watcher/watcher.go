// Package watcher monitors the local store database for out-of-band writes
// and triggers a sync pass when the file settles. A second process (or a
// restore from backup) touching the database must not go unnoticed by the
// background driver.
package watcher

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounce batches rapid writes into one trigger.
	DefaultDebounce = 1 * time.Second

	// DefaultQuietPeriod defers the trigger while writes keep arriving, so
	// a bulk import finishes before sync starts.
	DefaultQuietPeriod = 2 * time.Second
)

// Config holds store watcher configuration.
type Config struct {
	// Paths to watch. Typically the store database file; the WAL sidecar
	// is added automatically for .db paths.
	Paths       []string
	Debounce    time.Duration
	QuietPeriod time.Duration // 0 disables quiet-period deferral
	OnChange    func()
}

// ForStore returns a Config watching a store database and its WAL sidecar.
func ForStore(dbPath string, onChange func()) *Config {
	return &Config{
		Paths:       []string{dbPath, dbPath + "-wal"},
		Debounce:    DefaultDebounce,
		QuietPeriod: DefaultQuietPeriod,
		OnChange:    onChange,
	}
}

// Watcher triggers sync when watched files change and settle.
type Watcher struct {
	cfg     *Config
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
}

// New creates a Watcher.
func New(cfg *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		cfg:    cfg,
		fsw:    fsw,
		stopCh: make(chan struct{}),
	}, nil
}

// Start begins watching. Paths that do not exist yet are skipped; the WAL
// sidecar in particular appears only after the first write.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return fmt.Errorf("watcher has been stopped and cannot be restarted")
	}
	w.mu.Unlock()

	for _, path := range w.cfg.Paths {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %q: %w", path, err)
		}
	}

	go w.eventLoop()
	return nil
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.stopCh)
	_ = w.fsw.Close()
}

func (w *Watcher) eventLoop() {
	var debounceTimer *time.Timer
	var quietTimer *time.Timer

	debounceCh := make(chan struct{}, 1)
	quietCh := make(chan struct{}, 1)

	resetDebounce := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(w.cfg.Debounce, func() {
			select {
			case debounceCh <- struct{}{}:
			default:
			}
		})
	}

	resetQuiet := func() {
		if quietTimer != nil {
			quietTimer.Stop()
		}
		if w.cfg.QuietPeriod > 0 {
			quietTimer = time.AfterFunc(w.cfg.QuietPeriod, func() {
				select {
				case quietCh <- struct{}{}:
				default:
				}
			})
		}
	}

	pending := false

	for {
		select {
		case <-w.stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			if quietTimer != nil {
				quietTimer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			if w.cfg.QuietPeriod > 0 {
				// Defer until writes stop arriving.
				pending = true
				resetQuiet()
			} else {
				resetDebounce()
			}

		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}

		case <-debounceCh:
			if w.cfg.OnChange != nil {
				w.cfg.OnChange()
			}

		case <-quietCh:
			if pending && w.cfg.OnChange != nil {
				w.cfg.OnChange()
				pending = false
			}
		}
	}
}
