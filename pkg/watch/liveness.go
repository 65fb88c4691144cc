package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/ei12134/monitor/pkg/core"
)

// DefaultPollInterval is the liveness sweep period.
const DefaultPollInterval = 5 * time.Second

// LivenessOptions configures a LivenessMonitor.
type LivenessOptions struct {
	Interval time.Duration
	// Stat defaults to os.Stat.
	Stat func(name string) (fs.FileInfo, error)
	// Retire is called for every target whose file no longer exists.
	Retire func(id core.TargetID, cause error)
	// Watch adds fsnotify watches on the targets' directories so removals
	// trigger a sweep before the next tick.
	Watch bool
	// Limiter bounds event-driven sweeps. Defaults to 4 per second.
	Limiter *rate.Limiter
	Logger  *slog.Logger
}

// LivenessMonitor periodically checks that every live target still exists
// and retires the ones that do not.
type LivenessMonitor struct {
	registry *Registry
	opts     LivenessOptions
	logger   *slog.Logger
}

// NewLivenessMonitor creates a monitor over registry.
func NewLivenessMonitor(registry *Registry, opts LivenessOptions) *LivenessMonitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultPollInterval
	}
	if opts.Stat == nil {
		opts.Stat = os.Stat
	}
	if opts.Retire == nil {
		opts.Retire = func(id core.TargetID, cause error) { registry.Retire(id, cause) }
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Every(250*time.Millisecond), 1)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &LivenessMonitor{registry: registry, opts: opts, logger: opts.Logger}
}

// Run sweeps every interval until the registry is empty or ctx is cancelled.
func (m *LivenessMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	var watched map[string]bool
	if m.opts.Watch {
		w, paths, err := m.watch()
		if err != nil {
			m.logger.Warn("fsnotify unavailable, polling only", "err", err)
		} else {
			defer w.Close()
			events, errs, watched = w.Events, w.Errors, paths
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.registry.Empty():
			return nil
		case <-ticker.C:
			m.Sweep()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !watched[absPath(ev.Name)] {
				continue
			}
			if err := m.opts.Limiter.Wait(ctx); err != nil {
				return nil
			}
			m.logger.Debug("removal event", "path", ev.Name, "op", ev.Op.String())
			m.Sweep()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			m.logger.Warn("fsnotify error", "err", err)
		}
	}
}

// Sweep checks every live target once and returns how many were retired.
func (m *LivenessMonitor) Sweep() int {
	retired := 0
	for _, t := range m.registry.Active() {
		_, err := m.opts.Stat(t.Path)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			m.opts.Retire(t.ID, fmt.Errorf("%s: %w", t.Path, core.ErrTargetRemoved))
			retired++
		default:
			m.logger.Warn("stat target", "target", t.ID.String(), "path", t.Path, "err", err)
		}
	}
	return retired
}

// watch registers the parent directory of every live target and returns the
// set of absolute target paths to react to.
func (m *LivenessMonitor) watch() (*fsnotify.Watcher, map[string]bool, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}

	paths := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, t := range m.registry.Active() {
		abs := absPath(t.Path)
		paths[abs] = true
		dir := filepath.Dir(abs)
		if dirs[dir] {
			continue
		}
		if err := w.Add(dir); err != nil {
			m.logger.Warn("watch directory", "dir", dir, "err", err)
			continue
		}
		dirs[dir] = true
	}
	return w, paths, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
