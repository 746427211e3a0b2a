// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package overlay

import (
	"context"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/lattice/pkg/logging"
)

// Watcher keeps a live Graph built from an overlay cascade, reloading it
// whenever one of the files changes. Reloads build a fresh Graph and swap
// it atomically, so Graph() always returns a complete view. A reload that
// fails keeps the previous Graph in place.
type Watcher struct {
	paths    []string
	watched  map[string]struct{}
	watcher  *fsnotify.Watcher
	log      *logging.Logger
	current  atomic.Pointer[Graph]
	onReload func(*Graph)
}

// NewWatcher loads the cascade once and prepares file watches. onReload
// may be nil; when set it fires after every successful reload.
func NewWatcher(paths []string, log *logging.Logger, onReload func(*Graph)) (*Watcher, error) {
	if log == nil {
		log = logging.Default()
	}
	g, skipped, err := LoadCascade(paths...)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		log.Warn("Skipped malformed overlay lines", "count", skipped)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		paths:    paths,
		watched:  make(map[string]struct{}, len(paths)),
		watcher:  fsw,
		log:      log,
		onReload: onReload,
	}
	w.current.Store(g)

	// Watch parent directories, not the files: appends arrive as writes,
	// but editors and atomic replacers rename over the path, and a watch
	// on the old inode would go stale.
	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		w.watched[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			log.Warn("Failed to watch overlay directory",
				"dir", dir,
				"error", err)
		}
	}
	return w, nil
}

// Graph returns the current merged view.
func (w *Watcher) Graph() *Graph {
	return w.current.Load()
}

// Start consumes events until the context is cancelled. Run in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.log.Debug("Started watching overlay cascade", "paths", w.paths)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("Overlay watcher error", "error", err)

		case <-ctx.Done():
			w.log.Debug("Overlay watcher stopping")
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		abs = event.Name
	}
	if _, ok := w.watched[abs]; !ok {
		return
	}
	w.reload()
}

// reload rebuilds the cascade from scratch. Rebuilding is cheap relative
// to overlay sizes and avoids tracking which file changed.
func (w *Watcher) reload() {
	g, skipped, err := LoadCascade(w.paths...)
	if err != nil {
		w.log.Warn("Overlay reload failed, keeping previous view", "error", err)
		return
	}
	w.current.Store(g)
	w.log.Info("Overlay cascade reloaded",
		"entries", g.Len(),
		"skipped", skipped)
	if w.onReload != nil {
		w.onReload(g)
	}
}

// Stop stops watching and releases resources. Safe to call multiple times.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
