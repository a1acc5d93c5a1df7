package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fsnotify/fsnotify"

	"dupesleuth/internal/logger"
	"dupesleuth/internal/models"
)

// LoadAccountConfig reads an account's provider configuration from a JSON
// file. It applies no defaults itself: fields the file omits stay zero or
// nil, and nil scan thresholds fall back to the pipeline's package
// defaults when a scan reads them. Account registration and patch validation live
// outside this core (spec.md §1 Non-goals); this only reads an
// already-valid file.
func LoadAccountConfig(path string) (models.AccountConfig, error) {
	var cfg models.AccountConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading account config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing account config %s: %w", path, err)
	}
	return cfg, nil
}

// AccountConfigWatcher watches one account config file for edits and
// invokes onChange with the freshly parsed config. It lets a running
// process pick up threshold/model tweaks without a restart.
type AccountConfigWatcher struct {
	watcher *fsnotify.Watcher
	log     *logger.Logger
	done    chan struct{}
}

// WatchAccountConfig starts watching path; onChange is called from a
// background goroutine on every write event that parses successfully.
// Parse errors are logged and the previous in-memory config is left in
// place, never replaced with a half-written file's contents.
func WatchAccountConfig(path string, log *logger.Logger, onChange func(models.AccountConfig)) (*AccountConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching account config %s: %w", path, err)
	}

	acw := &AccountConfigWatcher{watcher: w, log: log, done: make(chan struct{})}

	go func() {
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadAccountConfig(path)
				if err != nil {
					log.Warn("reloading account config %s: %v", path, err)
					continue
				}
				log.Info("account config %s reloaded", path)
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("account config watcher: %v", err)
			case <-acw.done:
				return
			}
		}
	}()

	return acw, nil
}

// Close stops the watcher.
func (w *AccountConfigWatcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
