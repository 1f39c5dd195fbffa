package runner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/envrun/envrun/internal/models"
	"github.com/envrun/envrun/internal/telemetry"
	"github.com/envrun/envrun/pkg/logger"
)

// Watcher re-triggers runs when files under the project root change. The
// state directory, VCS metadata and configured ignore globs are excluded.
type Watcher struct {
	root     string
	workDir  string
	debounce time.Duration
	ignore   []string
	events   EventSink

	fsw *fsnotify.Watcher
}

func NewWatcher(root, workDir string, debounce time.Duration, ignore []string, events EventSink) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if events == nil {
		events = discardSink{}
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		workDir:  workDir,
		debounce: debounce,
		ignore:   ignore,
		events:   events,
		fsw:      fsw,
	}
	if err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Watch blocks until ctx is done. After each debounce window it invokes
// trigger with the sorted batch of changed paths.
func (w *Watcher) Watch(ctx context.Context, trigger func(ctx context.Context, paths []string)) error {
	log := logger.WithComponent("watcher")
	log.Info().Str("root", w.root).Dur("debounce", w.debounce).Msg("Watching for changes")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if w.ignored(event.Name) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						log.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}
			if event.Op.Has(fsnotify.Chmod) {
				continue
			}
			pending[event.Name] = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for path := range pending {
				paths = append(paths, path)
			}
			sort.Strings(paths)
			pending = make(map[string]bool)

			triggered := models.NewEvent(models.EventWatchTriggered)
			triggered.Path = paths[0]
			w.events.Publish(triggered)
			telemetry.RecordWatchTrigger()

			log.Info().Int("changes", len(paths)).Str("path", paths[0]).Msg("Change detected")
			trigger(ctx, paths)
		}
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	if under(w.workDir, path) {
		return true
	}

	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".git" {
			return true
		}
	}

	base := filepath.Base(path)
	for _, pattern := range w.ignore {
		if ok, err := filepath.Match(pattern, base); err == nil && ok {
			return true
		}
		if ok, err := filepath.Match(pattern, filepath.ToSlash(rel)); err == nil && ok {
			return true
		}
	}
	return false
}

func under(dir, path string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
