// Package local provides a local filesystem storage driver.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/poolgate/internal/logging"
	"github.com/fruitsalade/poolgate/internal/metrics"
	"github.com/fruitsalade/poolgate/internal/storage"
)

const kind = string(storage.KindLocal)

// ignoredNames are build-tool and environment directories never listed.
var ignoredNames = map[string]bool{
	"venv":         true,
	"node_modules": true,
	"__pycache__":  true,
}

// Config holds local filesystem driver settings.
type Config struct {
	Path string `json:"path"`
}

// Validate checks the config shape without touching the filesystem.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("%w: local: path is required", storage.ErrInvalidConfig)
	}
	return nil
}

// Driver implements storage.Driver on a directory tree.
// The root is created lazily on the first write.
type Driver struct {
	rootPath string
}

// New creates a new local filesystem driver.
func New(cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{rootPath: filepath.Clean(cfg.Path)}, nil
}

// ParseConfig decodes and validates a raw JSON config.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse local config: %v", storage.ErrInvalidConfig, err)
	}
	return cfg, cfg.Validate()
}

// NewFromJSON creates a Driver from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Driver, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Root returns the directory the driver is rooted at.
func (d *Driver) Root() string { return d.rootPath }

// Kind returns storage.KindLocal.
func (d *Driver) Kind() storage.Kind { return storage.KindLocal }

// Close is a no-op for local drivers.
func (d *Driver) Close() error { return nil }

func (d *Driver) resolve(p string) (string, string, error) {
	clean, err := storage.CleanPath(p)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(d.rootPath, filepath.FromSlash(clean)), nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".") || ignoredNames[name]
}

func entryFromInfo(clean string, info fs.FileInfo) storage.Entry {
	return storage.NewEntry(clean, info.Size(), info.IsDir(), info.ModTime())
}

// List returns the visible children of a directory.
func (d *Driver) List(_ context.Context, p string) (entries []storage.Entry, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "list", start, err) }(time.Now())
	return d.list(p, false)
}

// ListAll returns every child of a directory, dotfiles and ignored
// directories included.
func (d *Driver) ListAll(_ context.Context, p string) (entries []storage.Entry, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "list_all", start, err) }(time.Now())
	return d.list(p, true)
}

func (d *Driver) list(p string, all bool) ([]storage.Entry, error) {
	clean, full, err := d.resolve(p)
	if err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(full)
	if err != nil {
		if notExist(err) {
			return []storage.Entry{}, nil
		}
		return nil, fmt.Errorf("list %s: %w", clean, err)
	}

	entries := make([]storage.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !all && hidden(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed between ReadDir and Info
			continue
		}
		entries = append(entries, entryFromInfo(storage.JoinPath(clean, de.Name()), info))
	}
	return entries, nil
}

// Stat returns entry metadata or nil if the path does not exist.
func (d *Driver) Stat(_ context.Context, p string) (entry *storage.Entry, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "stat", start, err) }(time.Now())

	clean, full, err := d.resolve(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if notExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", clean, err)
	}
	e := entryFromInfo(clean, info)
	return &e, nil
}

// Put writes content to the local filesystem atomically.
func (d *Driver) Put(_ context.Context, p string, body io.Reader, _ int64) (entry *storage.Entry, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "put", start, err) }(time.Now())

	clean, full, err := d.resolve(p)
	if err != nil {
		return nil, err
	}
	if clean == "" {
		return nil, fmt.Errorf("%w: cannot write to the pool root", storage.ErrInvalidPath)
	}

	if err := writeAtomic(full, body); err != nil {
		return nil, fmt.Errorf("put %s: %w", clean, err)
	}

	info, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("stat %s after write: %w", clean, err)
	}
	metrics.RecordBytesWritten(kind, info.Size())
	logging.Debug("local put", zap.String("path", clean), zap.Int64("size", info.Size()))

	e := entryFromInfo(clean, info)
	return &e, nil
}

// Get opens a file for reading.
func (d *Driver) Get(_ context.Context, p string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "get", start, err) }(time.Now())

	clean, full, err := d.resolve(p)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if notExist(err) {
			return nil, fmt.Errorf("get %s: %w", clean, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", clean, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", clean, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", storage.ErrInvalidPath, clean)
	}
	return f, nil
}

// Delete removes a file or an empty directory. Non-empty directories are
// refused with storage.ErrDirectoryNotEmpty.
func (d *Driver) Delete(_ context.Context, p string) (deleted bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "delete", start, err) }(time.Now())

	clean, full, err := d.resolve(p)
	if err != nil {
		return false, err
	}
	if clean == "" {
		return false, fmt.Errorf("%w: cannot delete the pool root", storage.ErrInvalidPath)
	}

	info, err := os.Lstat(full)
	if err != nil {
		if notExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", clean, err)
	}

	if info.IsDir() {
		empty, err := isEmptyDir(full)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", clean, err)
		}
		if !empty {
			return false, fmt.Errorf("delete %s: %w", clean, storage.ErrDirectoryNotEmpty)
		}
	}

	if err := os.Remove(full); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", clean, err)
	}
	return true, nil
}

// Mkdir creates a directory and any missing parents.
func (d *Driver) Mkdir(_ context.Context, p string) (created bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "mkdir", start, err) }(time.Now())

	clean, full, err := d.resolve(p)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", clean, err)
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return false, fmt.Errorf("mkdir %s: %w", clean, err)
	}
	return true, nil
}

// Move renames src to dst with a single rename(2).
func (d *Driver) Move(_ context.Context, src, dst string) (moved bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "move", start, err) }(time.Now())

	srcClean, srcFull, err := d.resolve(src)
	if err != nil {
		return false, err
	}
	dstClean, dstFull, err := d.resolve(dst)
	if err != nil {
		return false, err
	}
	if srcClean == "" || dstClean == "" {
		return false, fmt.Errorf("%w: cannot move the pool root", storage.ErrInvalidPath)
	}
	if storage.IsWithin(dstClean, srcClean) && dstClean != srcClean {
		return false, fmt.Errorf("%w: cannot move %s into itself", storage.ErrInvalidPath, srcClean)
	}

	if _, err := os.Lstat(srcFull); err != nil {
		if notExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", srcClean, err)
	}

	if err := os.MkdirAll(filepath.Dir(dstFull), 0755); err != nil {
		return false, fmt.Errorf("create dirs for %s: %w", dstClean, err)
	}
	if err := os.Rename(srcFull, dstFull); err != nil {
		return false, fmt.Errorf("rename %s -> %s: %w", srcClean, dstClean, err)
	}

	logging.Debug("local move", zap.String("src", srcClean), zap.String("dst", dstClean))
	return true, nil
}

// Copy duplicates a file, or a directory tree with os.CopyFS.
func (d *Driver) Copy(_ context.Context, src, dst string) (copied bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "copy", start, err) }(time.Now())

	srcClean, srcFull, err := d.resolve(src)
	if err != nil {
		return false, err
	}
	dstClean, dstFull, err := d.resolve(dst)
	if err != nil {
		return false, err
	}
	if dstClean == "" {
		return false, fmt.Errorf("%w: cannot copy onto the pool root", storage.ErrInvalidPath)
	}
	if storage.IsWithin(dstClean, srcClean) {
		return false, fmt.Errorf("%w: cannot copy %s into itself", storage.ErrInvalidPath, srcClean)
	}

	info, err := os.Stat(srcFull)
	if err != nil {
		if notExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", srcClean, err)
	}

	if info.IsDir() {
		if err := os.CopyFS(dstFull, os.DirFS(srcFull)); err != nil {
			return false, fmt.Errorf("copy tree %s -> %s: %w", srcClean, dstClean, err)
		}
		return true, nil
	}

	f, err := os.Open(srcFull)
	if err != nil {
		return false, fmt.Errorf("open src %s: %w", srcClean, err)
	}
	defer f.Close()

	if err := writeAtomic(dstFull, f); err != nil {
		return false, fmt.Errorf("copy %s -> %s: %w", srcClean, dstClean, err)
	}
	return true, nil
}

// writeAtomic writes body to a temp file beside full, then renames it into place.
func writeAtomic(full string, body io.Reader) error {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".poolgate-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}

func isEmptyDir(full string) (bool, error) {
	f, err := os.Open(full)
	if err != nil {
		return false, err
	}
	defer f.Close()
	names, err := f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(names) == 0, nil
}

// notExist treats a missing path, or a path running through a regular file,
// as absent.
func notExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
