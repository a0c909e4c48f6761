package fileutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long a Watcher waits for changes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports settled changes below a set of files and directories.
type Watcher struct {
	logger   zerolog.Logger
	delay    time.Duration
	suffixes []string

	// files are watched paths that are regular files; their directory is
	// watched so that atomic replacement keeps being seen.
	files   map[string]bool
	trees   map[string]bool
	dirs    map[string]bool
	watcher *fsnotify.Watcher
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WatchDebounce sets the settle delay.
func WatchDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) { w.delay = d }
}

// WatchSuffixes limits reported changes inside watched directories to names
// ending in one of suffixes.
func WatchSuffixes(suffixes ...string) WatchOption {
	return func(w *Watcher) { w.suffixes = suffixes }
}

// WatchLogger sets the watcher's logger.
func WatchLogger(logger zerolog.Logger) WatchOption {
	return func(w *Watcher) { w.logger = logger.With().Str("component", "watcher").Logger() }
}

// NewWatcher starts watching paths. Directories are watched recursively.
// Paths that do not exist are skipped with a warning.
func NewWatcher(paths []string, opts ...WatchOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		logger:  zerolog.Nop(),
		delay:   DefaultDebounce,
		files:   make(map[string]bool),
		trees:   make(map[string]bool),
		dirs:    make(map[string]bool),
		watcher: fw,
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, path := range paths {
		path = filepath.Clean(path)
		info, err := os.Stat(path)
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}

		if info.IsDir() {
			w.trees[path] = true
			if err := w.watchDirectory(path); err != nil {
				w.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch directory")
			}
			continue
		}

		w.files[path] = true
		if err := w.add(filepath.Dir(path)); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch file")
		}
	}

	w.logger.Debug().Int("paths", len(paths)).Msg("Started watching")
	return w, nil
}

func (w *Watcher) add(dir string) error {
	if w.dirs[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	w.dirs[dir] = true
	return nil
}

// watchDirectory adds dir and every directory below it.
func (w *Watcher) watchDirectory(dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.add(path)
		}
		return nil
	})
}

// relevant reports whether a change to name should be reported.
func (w *Watcher) relevant(name string) bool {
	if w.files[name] {
		return true
	}
	if !w.inTree(name) {
		return false
	}
	if len(w.suffixes) == 0 {
		return true
	}
	for _, s := range w.suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// inTree reports whether name is below a directory passed to NewWatcher.
func (w *Watcher) inTree(name string) bool {
	for root := range w.trees {
		if strings.HasPrefix(name, root+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Run delivers changes until ctx is done. onChange receives the sorted set
// of paths that changed since the last call, once they have been quiet for
// the debounce delay. It is never called concurrently.
func (w *Watcher) Run(ctx context.Context, onChange func(changed []string)) error {
	defer w.watcher.Close()

	pending := make(map[string]bool)
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && w.inTree(event.Name) {
					if err := w.watchDirectory(event.Name); err != nil {
						w.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
					continue
				}
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.relevant(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("File changed")

			pending[event.Name] = true
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.delay)
			fire = timer.C

		case <-fire:
			fire = nil
			changed := make([]string, 0, len(pending))
			for name := range pending {
				changed = append(changed, name)
			}
			sort.Strings(changed)
			pending = make(map[string]bool)
			onChange(changed)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching. Run returns once its event channel closes.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
