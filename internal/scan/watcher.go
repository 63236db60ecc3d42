package scan

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher triggers rescans when the IaC tree changes on disk. Change bursts
// (a git pull touches many files) are debounced into one rescan.
type Watcher struct {
	root     string
	debounce time.Duration
	rescan   func(context.Context)
	log      *slog.Logger
}

func NewWatcher(root string, debounce time.Duration, rescan func(context.Context), log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Watcher{root: root, debounce: debounce, rescan: rescan, log: log}
}

// Run watches until the context is cancelled. Newly created directories are
// added to the watch set; fsnotify does not recurse on its own.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := w.addTree(fsw); err != nil {
		return err
	}

	var timer *time.Timer
	fired := make(chan struct{}, 1)
	arm := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.debounce, func() {
			select {
			case fired <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) && !strings.HasPrefix(filepath.Base(ev.Name), ".") {
				// Best effort; the path may already be gone.
				_ = fsw.Add(ev.Name)
			}
			arm()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fs watch error", "error", err)
		case <-fired:
			w.log.Debug("iac tree changed, rescanning")
			w.rescan(ctx)
			if err := w.addTree(fsw); err != nil {
				w.log.Warn("refresh watch set", "error", err)
			}
		}
	}
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher) error {
	return filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
