package config

import (
	"log/slog"
	"sync/atomic"

	coreagg "github.com/aevon-lab/completion-aggregator/internal/core/aggregation"
	"github.com/knadh/koanf/providers/file"
)

// KindWatcher holds the registered-kind allow-list and swaps it when the
// config file changes. Every other setting needs a restart.
type KindWatcher struct {
	path    string
	current atomic.Pointer[coreagg.KindSet]
	fp      *file.File
}

// NewKindWatcher starts from cfg's allow-list.
func NewKindWatcher(path string, cfg *Config) *KindWatcher {
	w := &KindWatcher{path: path}
	kinds := cfg.Aggregation.Kinds()
	w.current.Store(&kinds)
	return w
}

// Kinds returns the allow-list in effect now.
func (w *KindWatcher) Kinds() coreagg.KindSet {
	return *w.current.Load()
}

// Watch reloads the file on every change. A reload that fails to load or
// validate keeps the previous allow-list. Without a path Watch does nothing.
func (w *KindWatcher) Watch() error {
	if w.path == "" {
		return nil
	}
	w.fp = file.Provider(w.path)
	return w.fp.Watch(func(event interface{}, err error) {
		if err != nil {
			slog.Warn("[Config] Watch error", "path", w.path, "error", err)
			return
		}
		w.Reload()
	})
}

// Reload re-reads the config file and swaps the allow-list if it is valid.
func (w *KindWatcher) Reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("[Config] Reload rejected, keeping registered kinds", "path", w.path, "error", err)
		return
	}
	kinds := cfg.Aggregation.Kinds()
	w.current.Store(&kinds)
	slog.Info("[Config] Registered kinds reloaded", "kinds", kinds.Slice())
}

// Close stops watching.
func (w *KindWatcher) Close() error {
	if w.fp == nil {
		return nil
	}
	return w.fp.Unwatch()
}
