package config

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Live holds a hot-reloadable Config behind an atomic pointer, so readers
// never block on a reload in progress and never observe a half-written
// struct.
type Live struct {
	path string
	args []string
	cur  atomic.Pointer[Config]

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	onReload []func(*Config)
}

// NewLive loads the initial configuration and wraps it for hot reload.
func NewLive(path string, args []string) (*Live, error) {
	cfg, err := Load(path, args)
	if err != nil {
		return nil, err
	}
	l := &Live{path: path, args: args}
	l.cur.Store(cfg)
	return l, nil
}

// Get returns the currently active configuration snapshot.
func (l *Live) Get() *Config { return l.cur.Load() }

// OnReload registers fn to run with every successfully reloaded Config.
// Components whose tunables support live adjustment (the inactivity
// thresholds, for one) hook in here.
func (l *Live) OnReload(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = append(l.onReload, fn)
}

// Watch begins watching the backing YAML file (if any) for writes and
// reloads on change. Only the file layer is re-read; flags and the
// environment were captured at startup. A watch on an empty path or a file
// that doesn't exist yet is a no-op; running with flags/env alone and no
// config file stays supported.
func (l *Live) Watch() error {
	if l.path == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return err
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	go l.loop(w)
	return nil
}

func (l *Live) loop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(l.path, l.args)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", l.path, "error", err)
				continue
			}
			l.cur.Store(cfg)
			slog.Info("config: reloaded", "path", l.path)
			l.mu.Lock()
			hooks := append([]func(*Config){}, l.onReload...)
			l.mu.Unlock()
			for _, fn := range hooks {
				fn(cfg)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Error("config: watcher error", "error", err)
		}
	}
}

// Close stops the file watcher, if one was started.
func (l *Live) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	return l.watcher.Close()
}
