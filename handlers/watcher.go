package handlers

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Forgetter drops memoized facts about files. *combo.ImportMemo satisfies it.
type Forgetter interface {
	Forget(fsPath string)
	ForgetDir(dir string)
}

// StartWatcher sets up recursive filesystem watches on dirs. When a file
// changes its entry is evicted from memo; when a directory goes away every
// entry beneath it is evicted.
//
// It returns immediately; all watch processing runs in a background goroutine.
// The returned stop function closes the watcher and terminates the goroutine.
func StartWatcher(dirs []string, memo Forgetter, log *zap.Logger) (stop func(), err error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("watcher")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, dir := range outermost(dirs) {
		if err := watchRecursive(w, dir, log); err != nil {
			log.Warn("Could not watch directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				handleEvent(w, memo, event, log)

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("Watch error", zap.Error(err))
			}
		}
	}()

	return func() {
		_ = w.Close()
		<-done
	}, nil
}

// outermost drops directories nested inside another listed directory, since
// the recursive watch on the parent already covers them.
func outermost(dirs []string) []string {
	clean := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d != "" {
			clean = append(clean, filepath.Clean(d))
		}
	}
	sort.Strings(clean)

	var out []string
	for _, d := range clean {
		if len(out) > 0 {
			last := out[len(out)-1]
			if d == last || strings.HasPrefix(d, last+string(filepath.Separator)) {
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// watchRecursive adds a watch for dir and every subdirectory beneath it.
// If the kernel inotify watch limit is reached, it logs a single actionable
// message and stops; stylesheets beyond that point are still revalidated by
// mtime on every lookup.
func watchRecursive(w *fsnotify.Watcher, dir string, log *zap.Logger) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// A single unreadable dir shouldn't abort the walk.
			log.Debug("Skipping directory", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			if errors.Is(err, syscall.ENOSPC) {
				log.Warn("inotify watch limit reached; raise fs.inotify.max_user_watches for full coverage",
					zap.String("stopped_at", path))
				return filepath.SkipAll
			}
			log.Debug("Could not add watch", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

// handleEvent processes a single fsnotify event.
func handleEvent(w *fsnotify.Watcher, memo Forgetter, event fsnotify.Event, log *zap.Logger) {
	// Start watching new directories immediately so changes inside them
	// are caught too.
	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := watchRecursive(w, event.Name, log); err != nil {
				log.Debug("Could not watch new directory", zap.String("dir", event.Name), zap.Error(err))
			}
			return
		}
	}

	// A removed or renamed path may have been a directory; its stylesheets
	// are gone with it.
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		memo.ForgetDir(event.Name)
	}
	if strings.EqualFold(filepath.Ext(event.Name), ".css") {
		memo.Forget(event.Name)
		log.Debug("Evicted stylesheet", zap.String("path", event.Name), zap.Stringer("op", event.Op))
	}
}
