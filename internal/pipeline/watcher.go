package pipeline

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"codescout/internal/logging"
)

// debounceWindow batches filesystem event bursts into one pipeline pass.
const debounceWindow = 500 * time.Millisecond

// Watcher re-runs the pipeline when source files change. Events are
// debounced so an editor save storm triggers a single incremental pass.
type Watcher struct {
	pipeline *Pipeline
	fsw      *fsnotify.Watcher
}

// NewWatcher creates a watcher over the pipeline's project root.
func NewWatcher(p *Pipeline) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{pipeline: p, fsw: fsw}
	if err := w.addTree(p.root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run blocks, re-running the pipeline after each debounced change burst,
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()
	logging.Pipeline("Watching %s for changes", w.pipeline.root)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			logging.PipelineDebug("Change: %s (%s)", ev.Name, ev.Op)
			if ev.Op.Has(fsnotify.Create) {
				// New directories must be watched to see their files.
				if err := w.addTree(ev.Name); err != nil {
					logging.PipelineDebug("Watch add failed for %s: %v", ev.Name, err)
				}
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				fire = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-fire:
			timer = nil
			fire = nil
			report, err := w.pipeline.Run(ctx, Options{})
			if err != nil {
				logging.PipelineError("Incremental run failed: %v", err)
				continue
			}
			logging.Pipeline("Incremental run: %d processed, %d skipped, %d errors",
				report.ProcessedFiles, report.SkippedFiles, len(report.Errors))

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			logging.PipelineWarn("Watcher error: %v", err)
		}
	}
}

// relevant filters events down to allowlisted source files and directory
// creation.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	name := filepath.Base(ev.Name)
	if skipDirs[name] || strings.HasPrefix(name, ".") {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		// Could be a new directory.
		return ev.Op.Has(fsnotify.Create)
	}
	return w.pipeline.extensions[ext]
}

// addTree registers root and every non-skipped subdirectory.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		name := d.Name()
		if path != root && (skipDirs[name] || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}
