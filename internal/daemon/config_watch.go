package daemon

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.olrik.dev/frpvisor/internal/core"
)

// reloadConfig re-reads config.hcl and applies what can change at runtime.
// On a parse error the previous configuration stays in effect.
func (d *Daemon) reloadConfig() error {
	oldConfig := core.Config

	configPath := core.GetConfigFilePath()
	newConfig, err := core.LoadConfig(configPath)
	if err != nil {
		slog.Error("Configuration file has errors, keeping previous configuration",
			"file", configPath,
			"error", err)
		return fmt.Errorf("config parse error")
	}

	// Preserve values that came from the command line
	newConfig.ConfigPath = oldConfig.ConfigPath
	if oldConfig.Verbose > newConfig.Verbose {
		newConfig.Verbose = oldConfig.Verbose
	}

	core.Config = newConfig
	d.applyConfig(oldConfig, newConfig)

	slog.Info("Configuration reloaded successfully")
	return nil
}

// applyConfig pushes runtime-changeable settings to the supervisor and warns
// about the ones that need a daemon restart.
func (d *Daemon) applyConfig(oldConfig, newConfig *core.Configuration) {
	if oldConfig.Reconnect != newConfig.Reconnect {
		d.sup.UpdateReconnect(reconnectSettings(newConfig.Reconnect))
	}

	if oldConfig.Frpc != newConfig.Frpc {
		slog.Warn("frpc settings changed, restart the daemon to apply them")
	}
	if oldConfig.Upstream != newConfig.Upstream {
		slog.Warn("upstream settings changed, restart the daemon to apply them")
	}
	if oldConfig.Metrics != newConfig.Metrics {
		slog.Warn("metrics listen address changed, restart the daemon to apply it")
	}
}

// watchConfig reloads the configuration when config.hcl changes
func (d *Daemon) watchConfig() {
	configPath := core.GetConfigFilePath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}

	if err := watcher.Add(configPath); err != nil {
		slog.Debug("Not watching config file", "error", err, "path", configPath)
		watcher.Close()
		return
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadMutex.Unlock()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				slog.Debug("Filesystem event on config file", "event", event.Op.String(), "file", event.Name)

				// Editors that save atomically replace the file and drop the watch
				if event.Op&(fsnotify.Rename|fsnotify.Remove|fsnotify.Create) != 0 {
					go rewatch(watcher, configPath)
				}

				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}

				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(500*time.Millisecond, func() {
					slog.Info("Configuration file changed, reloading...", "file", event.Name)
					if err := d.reloadConfig(); err != nil {
						slog.Debug("Config reload failed", "error", err)
					}
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching configuration file for changes")
}

// rewatch re-adds the watch on path, retrying with backoff (10ms..160ms)
// while the replacement file does not exist yet.
func rewatch(watcher *fsnotify.Watcher, path string) {
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(10<<uint(attempt-1)) * time.Millisecond)
		}
		watcher.Remove(path)
		err := watcher.Add(path)
		if err == nil {
			return
		}
		if attempt == 4 {
			slog.Error("Failed to re-add watch after multiple attempts", "error", err, "path", path)
		}
	}
}
