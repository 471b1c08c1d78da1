package tuning

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// Reloader watches a tuning file and swaps new parameters into a Holder.
// The parent directory is watched so editors that replace the file via
// rename are still picked up.
type Reloader struct {
	watcher *fsnotify.Watcher
	holder  *Holder
	path    string
	logger  *slog.Logger

	// onReload is called after every attempt; nil err means the new
	// parameters are active.
	onReload func(err error)
}

// NewReloader starts watching path.
func NewReloader(holder *Holder, path string, logger *slog.Logger) (*Reloader, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("tuning: resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tuning: create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("tuning: watch %s: %w", abs, err)
	}

	return &Reloader{
		watcher: watcher,
		holder:  holder,
		path:    abs,
		logger:  logger,
	}, nil
}

// OnReload registers a callback for reload outcomes. Call before Run.
func (r *Reloader) OnReload(fn func(err error)) {
	r.onReload = fn
}

// Close stops watching the file. Run returns once the watcher is closed.
func (r *Reloader) Close() error {
	return r.watcher.Close()
}

// Run blocks until ctx is cancelled, reloading 500ms after the last write.
func (r *Reloader) Run(ctx context.Context) error {
	defer func() { _ = r.watcher.Close() }()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != r.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, r.reload)

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("tuning file watcher error", "error", err)
		}
	}
}

func (r *Reloader) reload() {
	p, err := Load(r.path)
	if err == nil {
		err = r.holder.Set(p)
	}
	if err != nil {
		r.logger.Error("tuning reload rejected, keeping previous parameters", "path", r.path, "error", err)
	} else {
		r.logger.Info("tuning parameters reloaded", "path", r.path,
			"throttle", p.ThrottleThreshold, "block", p.BlockThreshold)
	}
	if r.onReload != nil {
		r.onReload(err)
	}
}
