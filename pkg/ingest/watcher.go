package ingest

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ivanlppires/supernavi-edge-sub000/pkg/store"
)

// wsiStableThreshold is the size above which a WSI file gets the full
// stable-window double stat before ingest.
const wsiStableThreshold = 100 << 20

// Watcher states surfaced through the health endpoint.
const (
	WatcherIdle       = "idle"
	WatcherWatching   = "watching"
	WatcherDirMissing = "dir_missing"
	WatcherStopped    = "stopped"
)

// Watcher observes the inbox directory and ingests files once their
// size has stopped changing.
type Watcher struct {
	InboxDir     string
	StableWindow time.Duration
	Pipeline     *Pipeline
	Log          *logrus.Entry

	state   atomic.Value
	inFlght sync.WaitGroup
}

// State returns the watcher's observable state.
func (w *Watcher) State() string {
	if s, ok := w.state.Load().(string); ok {
		return s
	}
	return WatcherIdle
}

// Run watches the inbox until ctx is cancelled. Candidate files are
// processed on their own goroutines so a file still being written
// never delays its siblings.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed creating inbox watcher")
	}
	defer fw.Close()
	defer w.inFlght.Wait()
	defer w.state.Store(WatcherStopped)

	if err := fw.Add(w.InboxDir); err != nil {
		w.state.Store(WatcherDirMissing)
		return errors.Wrapf(err, "failed watching inbox %s", w.InboxDir)
	}
	w.state.Store(WatcherWatching)

	// Files already sitting in the inbox at startup produce no events.
	w.sweepExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.spawn(ctx, ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if w.Log != nil {
				w.Log.WithError(err).Warn("inbox watch error")
			}
		}
	}
}

func (w *Watcher) sweepExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.InboxDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.spawn(ctx, w.InboxDir+"/"+e.Name())
		}
	}
}

func (w *Watcher) spawn(ctx context.Context, path string) {
	format := store.FormatFromPath(path)
	if !format.Supported() {
		return
	}
	w.inFlght.Add(1)
	go func() {
		defer w.inFlght.Done()
		w.process(ctx, path, format)
	}()
}

func (w *Watcher) process(ctx context.Context, path string, format store.Format) {
	for {
		stable, skip := w.waitStable(ctx, path, format)
		if skip {
			return
		}
		if stable {
			break
		}
		// Still being written: come back after a full window.
		if !sleepCtx(ctx, w.StableWindow) {
			return
		}
	}

	if _, err := w.Pipeline.IngestFile(ctx, path); err != nil {
		// The source stays in the inbox so the ingest can be retried.
		if w.Log != nil {
			w.Log.WithError(err).Errorf("failed ingesting %s", path)
		}
	}
}

// waitStable sleeps a fraction of the stable window sized to the
// format, then stats the file. Large WSI files get a second stat a
// full window later; a size change means the scanner is still writing.
func (w *Watcher) waitStable(ctx context.Context, path string, format store.Format) (stable, skip bool) {
	initial := w.StableWindow / 5
	if format.IsWSI() {
		initial = w.StableWindow / 2
	}
	if !sleepCtx(ctx, initial) {
		return false, true
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return false, true
	}

	if format.IsWSI() && info.Size() >= wsiStableThreshold {
		if !sleepCtx(ctx, w.StableWindow) {
			return false, true
		}
		again, err := os.Stat(path)
		if err != nil {
			return false, true
		}
		if again.Size() != info.Size() {
			return false, false
		}
	}
	return true, false
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
