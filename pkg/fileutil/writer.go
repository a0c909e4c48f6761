// Package fileutil implements the only sanctioned way siteconf mutates files
// on the host: crash-safe replacement through a temporary file in the target
// directory followed by a rename.
package fileutil

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMode is applied to files that did not exist before the write.
const DefaultMode os.FileMode = 0o644

// tempFile is the subset of *os.File the writer needs.
type tempFile interface {
	Name() string
	Write(p []byte) (int, error)
	Sync() error
	Close() error
}

// hooks are the filesystem primitives used by Writer. Tests replace them to
// simulate failures at each step.
type hooks struct {
	createTemp func(dir, pattern string) (tempFile, error)
	rename     func(oldpath, newpath string) error
	chmod      func(name string, mode os.FileMode) error
	remove     func(name string) error
	symlink    func(oldname, newname string) error
	mkdirAll   func(path string, perm os.FileMode) error
}

func osHooks() hooks {
	return hooks{
		createTemp: func(dir, pattern string) (tempFile, error) {
			return os.CreateTemp(dir, pattern)
		},
		rename:   os.Rename,
		chmod:    os.Chmod,
		remove:   os.Remove,
		symlink:  os.Symlink,
		mkdirAll: os.MkdirAll,
	}
}

// WriteResult describes a completed write.
type WriteResult struct {
	Path     string
	Bytes    int64
	Checksum string
	Mode     os.FileMode
	// Changed is false when the previous contents were byte-identical.
	Changed bool
}

// Observer is notified after every successful write.
type Observer func(WriteResult)

// Writer performs atomic writes, optionally below a staging root.
type Writer struct {
	root     string
	logger   zerolog.Logger
	observer Observer
	fs       hooks
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithRoot prefixes every path with root. An empty root writes to the live
// filesystem.
func WithRoot(root string) WriterOption {
	return func(w *Writer) { w.root = root }
}

// WithLogger sets the writer's logger.
func WithLogger(logger zerolog.Logger) WriterOption {
	return func(w *Writer) { w.logger = logger.With().Str("component", "fileutil").Logger() }
}

// WithObserver registers a callback for successful writes.
func WithObserver(o Observer) WriterOption {
	return func(w *Writer) { w.observer = o }
}

// NewWriter creates a Writer.
func NewWriter(opts ...WriterOption) *Writer {
	w := &Writer{
		logger: zerolog.Nop(),
		fs:     osHooks(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the staging root, or "".
func (w *Writer) Root() string {
	return w.root
}

// Path maps a logical host path to the path actually touched.
func (w *Writer) Path(p string) string {
	if w.root == "" {
		return p
	}
	return filepath.Join(w.root, p)
}

// ReadFile reads a logical host path.
func (w *Writer) ReadFile(p string) ([]byte, error) {
	return os.ReadFile(w.Path(p))
}

// Exists reports whether a logical host path exists.
func (w *Writer) Exists(p string) bool {
	_, err := os.Lstat(w.Path(p))
	return err == nil
}

type writeConfig struct {
	mode    os.FileMode
	hasMode bool
}

// WriteOption configures a single WriteFile call.
type WriteOption func(*writeConfig)

// WithMode sets the final permission bits explicitly.
func WithMode(mode os.FileMode) WriteOption {
	return func(c *writeConfig) {
		c.mode = mode
		c.hasMode = true
	}
}

// WriteFile atomically replaces path with contents. The data is written to a
// temporary file in the same directory, synced, renamed over path and then
// chmod'ed. Without WithMode the previous file's mode is kept, or DefaultMode
// for a new file. On failure path is left untouched and the temporary file is
// removed.
func (w *Writer) WriteFile(path string, contents []byte, opts ...WriteOption) (WriteResult, error) {
	cfg := writeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	target := w.Path(path)
	dir := filepath.Dir(target)

	mode := DefaultMode
	var previous []byte
	if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() {
		mode = info.Mode().Perm()
		previous, _ = os.ReadFile(target)
	}
	if cfg.hasMode {
		mode = cfg.mode
	}

	if err := w.fs.mkdirAll(dir, 0o755); err != nil {
		return WriteResult{}, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := w.fs.createTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return WriteResult{}, fmt.Errorf("failed to create temporary file for %s: %w", target, err)
	}
	tmpName := tmp.Name()
	renamed := false
	defer func() {
		if !renamed {
			if rmErr := w.fs.remove(tmpName); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				w.logger.Warn().Err(rmErr).Str("path", tmpName).Msg("Failed to remove temporary file")
			}
		}
	}()

	if _, err := tmp.Write(contents); err != nil {
		_ = tmp.Close()
		return WriteResult{}, fmt.Errorf("failed to write %s: %w", target, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return WriteResult{}, fmt.Errorf("failed to sync %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return WriteResult{}, fmt.Errorf("failed to close %s: %w", target, err)
	}
	if err := w.fs.rename(tmpName, target); err != nil {
		return WriteResult{}, fmt.Errorf("failed to rename into %s: %w", target, err)
	}
	renamed = true

	if err := w.fs.chmod(target, mode); err != nil {
		return WriteResult{}, fmt.Errorf("failed to chmod %s: %w", target, err)
	}

	sum := sha256.Sum256(contents)
	result := WriteResult{
		Path:     path,
		Bytes:    int64(len(contents)),
		Checksum: hex.EncodeToString(sum[:]),
		Mode:     mode,
		Changed:  previous == nil || !bytes.Equal(previous, contents),
	}

	w.logger.Debug().
		Str("path", target).
		Int64("bytes", result.Bytes).
		Bool("changed", result.Changed).
		Msg("File written")

	if w.observer != nil {
		w.observer(result)
	}
	return result, nil
}

// ReplaceSymlink atomically points linkPath at target by creating a
// temporary link next to it and renaming it into place.
func (w *Writer) ReplaceSymlink(target, linkPath string) error {
	link := w.Path(linkPath)
	dir := filepath.Dir(link)

	if current, err := os.Readlink(link); err == nil && current == target {
		return nil
	}

	if err := w.fs.mkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(link)+".tmp-"+uuid.NewString()[:8])
	if err := w.fs.symlink(target, tmp); err != nil {
		return fmt.Errorf("failed to create symlink %s: %w", tmp, err)
	}
	if err := w.fs.rename(tmp, link); err != nil {
		_ = w.fs.remove(tmp)
		return fmt.Errorf("failed to replace symlink %s: %w", link, err)
	}

	w.logger.Debug().Str("link", link).Str("target", target).Msg("Symlink replaced")
	return nil
}
