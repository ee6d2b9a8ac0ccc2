package daemon

import (
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/CodeJonesW/diffprism/internal/config"
)

// configReloadDebounce absorbs the burst of events editors emit on save
// (atomic writes show up as delete + create).
const configReloadDebounce = 200 * time.Millisecond

// ConfigWatcher watches the config file and invokes a callback with the
// reloaded config. Address settings still require a restart; only the
// poll/TTL knobs take effect live.
//
// Not restart-safe: once Stop is called, create a new instance.
type ConfigWatcher struct {
	configPath string
	onReload   func(*config.Config)

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConfigWatcher starts watching the directory of configPath. Watching the
// directory rather than the file survives editors that save via rename.
func NewConfigWatcher(configPath string, onReload func(*config.Config)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	cw := &ConfigWatcher{
		configPath: configPath,
		onReload:   onReload,
		watcher:    watcher,
		stopCh:     make(chan struct{}),
	}
	go cw.watchLoop()
	return cw, nil
}

// Stop stops the watcher. Safe to call multiple times.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		close(cw.stopCh)
		cw.watcher.Close()
	})
}

func (cw *ConfigWatcher) watchLoop() {
	configFile := filepath.Base(cw.configPath)
	var debounceTimer *time.Timer

	for {
		select {
		case <-cw.stopCh:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			// Rename covers editors that save via atomic rename (vim).
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(configReloadDebounce, cw.reload)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Config watcher error: %v", err)
		}
	}
}

func (cw *ConfigWatcher) reload() {
	newCfg, err := config.LoadFrom(cw.configPath)
	if err != nil {
		log.Printf("Failed to reload config: %v", err)
		return
	}
	cw.onReload(newCfg)
	log.Printf("Config reloaded from %s", cw.configPath)
}
