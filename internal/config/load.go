package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// EnvPrefix is prepended to every env tag, e.g. LEMONGATE_GATEWAY_TOKEN.
const EnvPrefix = "LEMONGATE_"

// Load reads the JSON5 config file at path (missing file means defaults),
// then overlays LEMONGATE_* environment variables. Env wins over file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// first run: defaults + env
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("env overlay: %w", err)
	}
	// Presence of a transport secret implies the operator wants it on.
	if cfg.Channels.Telegram.Token != "" {
		cfg.Channels.Telegram.Enabled = true
	}
	if cfg.Channels.Discord.Token != "" {
		cfg.Channels.Discord.Enabled = true
	}
	return nil
}

// Save writes cfg to path as indented JSON. Secret fields carry `json:"-"`
// and therefore never reach the file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Watch re-loads the config whenever the file changes and calls onChange
// with the fresh tree. Runs until ctx is done. Editors that replace the
// file (rename+create) are handled by re-adding the watch on the parent
// directory.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("config watch %s: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					slog.Warn("config: reload failed", "path", path, "error", err)
					continue
				}
				slog.Info("config: reloaded", "path", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config: watcher error", "error", err)
			}
		}
	}()
	return nil
}
