// Package pool owns storage pool lifecycles: building drivers from persisted
// pool rows, caching them per pool id, and the single-active-pool state machine.
package pool

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fruitsalade/poolgate/internal/storage"
	"github.com/fruitsalade/poolgate/internal/storage/local"
	objectstore "github.com/fruitsalade/poolgate/internal/storage/s3"
	"github.com/fruitsalade/poolgate/internal/storage/webdav"
)

// Factory constructs drivers from a pool kind and its raw JSON config.
// Construction only validates and configures; no backend is contacted.
type Factory struct {
	webdavTimeout time.Duration
	objectOpts    []objectstore.Option
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithWebDAVTimeout sets the HTTP timeout of WebDAV drivers.
func WithWebDAVTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) { f.webdavTimeout = d }
}

// WithObjectOptions passes options to every object storage client.
func WithObjectOptions(opts ...objectstore.Option) FactoryOption {
	return func(f *Factory) { f.objectOpts = append(f.objectOpts, opts...) }
}

// NewFactory creates a Factory.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{webdavTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create builds a driver for kind. Unknown kinds fail with
// storage.ErrUnsupportedKind, bad configs with storage.ErrInvalidConfig.
func (f *Factory) Create(ctx context.Context, kind string, config json.RawMessage) (storage.Driver, error) {
	k, err := storage.ParseKind(kind)
	if err != nil {
		return nil, err
	}

	switch k {
	case storage.KindLocal:
		d, err := local.NewFromJSON(config)
		if err != nil {
			return nil, err
		}
		return d, nil
	case storage.KindObject:
		d, err := objectstore.NewFromJSON(ctx, config, f.objectOpts...)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		d, err := webdav.NewFromJSON(config, webdav.WithTimeout(f.webdavTimeout))
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// Validate checks kind and config without building a driver.
func (f *Factory) Validate(kind string, config json.RawMessage) error {
	k, err := storage.ParseKind(kind)
	if err != nil {
		return err
	}
	switch k {
	case storage.KindLocal:
		_, err = local.ParseConfig(config)
	case storage.KindObject:
		_, err = objectstore.ParseConfig(config)
	default:
		_, err = webdav.ParseConfig(config)
	}
	return err
}
