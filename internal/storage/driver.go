// Package storage defines the Driver interface shared by every storage pool
// kind, together with the Entry type, path normalization and error taxonomy.
package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// Kind identifies a storage backend implementation.
type Kind string

const (
	KindLocal  Kind = "local"
	KindObject Kind = "object"
	KindWebDAV Kind = "webdav"
)

// ParseKind maps a persisted kind string to a Kind. "s3" is accepted as an
// alias of object storage.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "local":
		return KindLocal, nil
	case "object", "s3":
		return KindObject, nil
	case "webdav":
		return KindWebDAV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
	}
}

// Entry describes a file or directory inside a pool.
type Entry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"` // pool-relative, always starts with "/"
	Size     int64     `json:"size"`
	IsDir    bool      `json:"is_dir"`
	ModTime  time.Time `json:"mod_time"`
	MimeType string    `json:"mime_type,omitempty"`
}

// NewEntry builds an Entry for the cleaned pool-relative path p.
func NewEntry(p string, size int64, isDir bool, modTime time.Time) Entry {
	e := Entry{
		Name:    path.Base("/" + p),
		Path:    "/" + p,
		Size:    size,
		IsDir:   isDir,
		ModTime: modTime,
	}
	if p == "" {
		e.Name = "/"
	}
	if isDir {
		e.Size = 0
	} else {
		e.MimeType = MimeType(e.Name)
	}
	return e
}

// MimeType guesses a MIME type from the file extension.
func MimeType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Driver is the file-operations contract implemented by every pool kind.
// All paths are relative to the pool root and pass through CleanPath.
//
// Move and Copy are atomic only on the local driver. Object storage and
// WebDAV drivers run several requests; when the data reached the
// destination but the source could not be removed the returned error wraps
// ErrPartialFailure.
type Driver interface {
	// Kind returns the backend kind.
	Kind() Kind

	// List returns the immediate children of path. A missing path has no
	// children and yields an empty slice, not ErrNotFound.
	List(ctx context.Context, path string) ([]Entry, error)

	// Stat returns the entry at path, or nil when it does not exist.
	Stat(ctx context.Context, path string) (*Entry, error)

	// Put stores body at path, creating parents and overwriting existing
	// content. size may be -1 when unknown.
	Put(ctx context.Context, path string, body io.Reader, size int64) (*Entry, error)

	// Get opens the content at path. Fails with ErrNotFound if absent.
	Get(ctx context.Context, path string) (io.ReadCloser, error)

	// Delete removes path and reports false if it was already absent.
	Delete(ctx context.Context, path string) (bool, error)

	// Mkdir creates a directory and its parents, false if it already exists.
	Mkdir(ctx context.Context, path string) (bool, error)

	// Move renames src to dst, false if src does not exist.
	Move(ctx context.Context, src, dst string) (bool, error)

	// Copy duplicates src at dst, false if src does not exist.
	Copy(ctx context.Context, src, dst string) (bool, error)

	// Close releases resources held by the driver.
	Close() error
}

// Walker is implemented by drivers whose List leaves entries out. ListAll
// returns every child of path, hidden ones included.
type Walker interface {
	ListAll(ctx context.Context, path string) ([]Entry, error)
}

// Children returns every child of p, through ListAll when d is a Walker.
// Tree copies and deletes use it so nothing is skipped.
func Children(ctx context.Context, d Driver, p string) ([]Entry, error) {
	if w, ok := d.(Walker); ok {
		return w.ListAll(ctx, p)
	}
	return d.List(ctx, p)
}
