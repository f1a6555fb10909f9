// Package webdav provides a storage driver backed by a remote WebDAV server.
package webdav

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/studio-b12/gowebdav"
	"go.uber.org/zap"

	"github.com/fruitsalade/poolgate/internal/logging"
	"github.com/fruitsalade/poolgate/internal/metrics"
	"github.com/fruitsalade/poolgate/internal/storage"
)

const kind = string(storage.KindWebDAV)

// Config holds WebDAV pool settings. Path is an optional root directory on
// the server under which the pool lives.
type Config struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
	Path     string `json:"path,omitempty"`
}

// Validate checks the config shape without contacting the server.
func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("%w: webdav: url is required", storage.ErrInvalidConfig)
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("%w: webdav: url: %v", storage.ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: webdav: url must be http or https", storage.ErrInvalidConfig)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: webdav: url has no host", storage.ErrInvalidConfig)
	}
	if strings.Contains(c.Path, "..") {
		return fmt.Errorf("%w: webdav: path must not contain ..", storage.ErrInvalidConfig)
	}
	return nil
}

// Option configures a Driver.
type Option func(*Driver)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(drv *Driver) {
		if d > 0 {
			drv.client.SetTimeout(d)
		}
	}
}

// Driver implements storage.Driver on a WebDAV collection.
type Driver struct {
	client *gowebdav.Client
	url    string
	root   string
}

// New creates a WebDAV driver. No request is sent until the first operation.
func New(cfg Config, opts ...Option) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Driver{
		client: gowebdav.NewClient(cfg.URL, cfg.Username, cfg.Password),
		url:    cfg.URL,
		root:   strings.Trim(cfg.Path, "/"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// ParseConfig decodes and validates a raw JSON config.
func ParseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: parse webdav config: %v", storage.ErrInvalidConfig, err)
	}
	return cfg, cfg.Validate()
}

// NewFromJSON creates a Driver from raw JSON config.
func NewFromJSON(raw json.RawMessage, opts ...Option) (*Driver, error) {
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// Kind returns storage.KindWebDAV.
func (d *Driver) Kind() storage.Kind { return storage.KindWebDAV }

// Close is a no-op; the HTTP client holds no dedicated resources.
func (d *Driver) Close() error { return nil }

// remote maps a cleaned pool path to a server path.
func (d *Driver) remote(clean string) string {
	return "/" + path.Join(d.root, clean)
}

func unavailable(op, p string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, p, storage.ErrBackendUnavailable, err)
}

// call runs fn unless ctx is already done, and returns early when ctx ends
// first. The client has no context support of its own.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func do(ctx context.Context, fn func() error) error {
	_, err := call(ctx, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// List returns the children of a collection.
func (d *Driver) List(ctx context.Context, p string) (entries []storage.Entry, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "list", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return nil, err
	}
	infos, err := call(ctx, func() ([]os.FileInfo, error) { return d.client.ReadDir(d.remote(clean)) })
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return []storage.Entry{}, nil
		}
		return nil, unavailable("list", clean, err)
	}

	entries = make([]storage.Entry, 0, len(infos))
	for _, fi := range infos {
		name := fi.Name()
		if name == "" || name == "." {
			continue
		}
		entries = append(entries, storage.NewEntry(storage.JoinPath(clean, name), fi.Size(), fi.IsDir(), fi.ModTime()))
	}
	return entries, nil
}

// Stat returns the entry at p or nil when the server answers 404.
func (d *Driver) Stat(ctx context.Context, p string) (entry *storage.Entry, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "stat", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return nil, err
	}
	return d.stat(ctx, clean)
}

func (d *Driver) stat(ctx context.Context, clean string) (*storage.Entry, error) {
	fi, err := call(ctx, func() (os.FileInfo, error) { return d.client.Stat(d.remote(clean)) })
	if err != nil {
		if gowebdav.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, unavailable("stat", clean, err)
	}
	e := storage.NewEntry(clean, fi.Size(), fi.IsDir(), fi.ModTime())
	return &e, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Put uploads body with a single PUT. Missing parent collections are
// created first.
func (d *Driver) Put(ctx context.Context, p string, body io.Reader, _ int64) (entry *storage.Entry, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "put", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return nil, err
	}
	if clean == "" {
		return nil, fmt.Errorf("%w: cannot write to the pool root", storage.ErrInvalidPath)
	}

	cr := &countingReader{r: body}
	if err := do(ctx, func() error { return d.client.WriteStream(d.remote(clean), cr, 0644) }); err != nil {
		return nil, unavailable("put", clean, err)
	}

	metrics.RecordBytesWritten(kind, cr.n)
	logging.Debug("webdav put", zap.String("path", clean), zap.Int64("size", cr.n))

	e := storage.NewEntry(clean, cr.n, false, time.Now())
	return &e, nil
}

// Get streams a file from the server.
func (d *Driver) Get(ctx context.Context, p string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "get", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return nil, err
	}
	rc, err = call(ctx, func() (io.ReadCloser, error) { return d.client.ReadStream(d.remote(clean)) })
	if err != nil {
		switch {
		case gowebdav.IsErrNotFound(err):
			return nil, fmt.Errorf("get %s: %w", clean, storage.ErrNotFound)
		case gowebdav.IsErrCode(err, 405):
			return nil, fmt.Errorf("%w: %s is a directory", storage.ErrInvalidPath, clean)
		}
		return nil, unavailable("get", clean, err)
	}
	return rc, nil
}

// Delete removes a file or a whole collection.
func (d *Driver) Delete(ctx context.Context, p string) (deleted bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "delete", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return false, err
	}
	if clean == "" {
		return false, fmt.Errorf("%w: cannot delete the pool root", storage.ErrInvalidPath)
	}
	return d.delete(ctx, clean)
}

func (d *Driver) delete(ctx context.Context, clean string) (bool, error) {
	existing, err := d.stat(ctx, clean)
	if err != nil || existing == nil {
		return false, err
	}
	if err := do(ctx, func() error { return d.client.Remove(d.remote(clean)) }); err != nil {
		return false, unavailable("delete", clean, err)
	}
	logging.Debug("webdav delete", zap.String("path", clean), zap.Bool("dir", existing.IsDir))
	return true, nil
}

// Mkdir creates a collection and any missing parents.
func (d *Driver) Mkdir(ctx context.Context, p string) (created bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "mkdir", start, err) }(time.Now())

	clean, err := storage.CleanPath(p)
	if err != nil {
		return false, err
	}
	existing, err := d.stat(ctx, clean)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if err := do(ctx, func() error { return d.client.MkdirAll(d.remote(clean), 0755) }); err != nil {
		return false, unavailable("mkdir", clean, err)
	}
	return true, nil
}

// Copy issues a server-side COPY with overwrite.
func (d *Driver) Copy(ctx context.Context, src, dst string) (copied bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "copy", start, err) }(time.Now())

	srcClean, dstClean, err := cleanPair(src, dst)
	if err != nil {
		return false, err
	}
	return d.copy(ctx, srcClean, dstClean)
}

func (d *Driver) copy(ctx context.Context, src, dst string) (bool, error) {
	existing, err := d.stat(ctx, src)
	if err != nil || existing == nil {
		return false, err
	}
	if storage.IsWithin(dst, src) {
		return false, fmt.Errorf("%w: cannot copy %s into itself", storage.ErrInvalidPath, src)
	}
	if parent := path.Dir(dst); parent != "." {
		if err := do(ctx, func() error { return d.client.MkdirAll(d.remote(parent), 0755) }); err != nil {
			return false, unavailable("mkdir", parent, err)
		}
	}
	if err := do(ctx, func() error { return d.client.Copy(d.remote(src), d.remote(dst), true) }); err != nil {
		return false, unavailable("copy", src, err)
	}
	return true, nil
}

// Move copies src to dst and deletes src. If the delete fails the data is
// present at both paths and the error wraps storage.ErrPartialFailure.
func (d *Driver) Move(ctx context.Context, src, dst string) (moved bool, err error) {
	defer func(start time.Time) { metrics.RecordDriverOperation(kind, "move", start, err) }(time.Now())

	srcClean, dstClean, err := cleanPair(src, dst)
	if err != nil {
		return false, err
	}
	if srcClean == dstClean {
		existing, err := d.stat(ctx, srcClean)
		return existing != nil, err
	}

	ok, err := d.copy(ctx, srcClean, dstClean)
	if err != nil || !ok {
		return ok, err
	}
	if err := do(ctx, func() error { return d.client.Remove(d.remote(srcClean)) }); err != nil {
		return false, fmt.Errorf("move %s -> %s: copied but source not removed: %w: %w",
			srcClean, dstClean, storage.ErrPartialFailure, err)
	}
	return true, nil
}

func cleanPair(src, dst string) (string, string, error) {
	srcClean, err := storage.CleanPath(src)
	if err != nil {
		return "", "", err
	}
	dstClean, err := storage.CleanPath(dst)
	if err != nil {
		return "", "", err
	}
	if srcClean == "" || dstClean == "" {
		return "", "", fmt.Errorf("%w: the pool root cannot be moved or overwritten", storage.ErrInvalidPath)
	}
	return srcClean, dstClean, nil
}
