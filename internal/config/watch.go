package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch loads path and keeps watching it. fn is called with every reload
// that decodes and validates; invalid reloads are logged and skipped, so fn
// never sees a broken configuration.
func Watch(path string, fn func(*Config)) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid config reload", "path", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "path", e.Name)
		fn(next)
	})
	v.WatchConfig()

	return cfg, nil
}
