// Package gateway is the operation surface of poolgate. It routes file
// operations to the driver of the addressed pool, runs federated
// operations, and keeps file records in step with every successful
// mutation. A pool id of 0 addresses the active pool.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fruitsalade/poolgate/internal/config"
	"github.com/fruitsalade/poolgate/internal/federation"
	"github.com/fruitsalade/poolgate/internal/logging"
	"github.com/fruitsalade/poolgate/internal/metadata"
	"github.com/fruitsalade/poolgate/internal/pool"
	"github.com/fruitsalade/poolgate/internal/reconcile"
	"github.com/fruitsalade/poolgate/internal/retry"
	"github.com/fruitsalade/poolgate/internal/storage"
	objectstore "github.com/fruitsalade/poolgate/internal/storage/s3"
)

// Gateway ties pools, federation and record reconciliation together.
type Gateway struct {
	pools      *pool.Manager
	federation *federation.Aggregator
	records    *reconcile.Reconciler
}

// New creates a Gateway from its parts.
func New(pools *pool.Manager, agg *federation.Aggregator, records *reconcile.Reconciler) *Gateway {
	return &Gateway{pools: pools, federation: agg, records: records}
}

// Open wires a Gateway over store using cfg.
func Open(store metadata.Store, cfg *config.Config) (*Gateway, error) {
	// Driver calls are attempted once; the SDK's own retries are disabled.
	factory := pool.NewFactory(
		pool.WithWebDAVTimeout(cfg.WebDAVTimeout),
		pool.WithObjectOptions(objectstore.WithMaxAttempts(1)),
	)
	registry, err := pool.NewRegistry(store, factory, cfg.DriverCacheSize)
	if err != nil {
		return nil, err
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.ReconcileMaxAttempts
	if cfg.ReconcileInitialWait > 0 {
		rc.InitialWait = cfg.ReconcileInitialWait
	}

	manager := pool.NewManager(store, factory, registry)
	return New(manager, federation.New(manager, cfg.FederationTimeout), reconcile.New(store, rc)), nil
}

// Close drops every cached driver.
func (g *Gateway) Close() {
	g.pools.Registry().Close()
}

// CreatePoolRequest describes a new pool.
type CreatePoolRequest struct {
	Name     string          `json:"name"`
	Kind     string          `json:"kind"`
	Config   json.RawMessage `json:"config"`
	Activate bool            `json:"activate"`
}

// ListPools returns every pool ordered by id.
func (g *Gateway) ListPools(ctx context.Context) ([]metadata.Pool, error) {
	return g.pools.List(ctx)
}

// GetPool returns one pool.
func (g *Gateway) GetPool(ctx context.Context, id int64) (*metadata.Pool, error) {
	if id == 0 {
		return g.pools.Active(ctx)
	}
	return g.pools.Get(ctx, id)
}

// CreatePool validates and registers a pool.
func (g *Gateway) CreatePool(ctx context.Context, req CreatePoolRequest) (*metadata.Pool, error) {
	return g.pools.Create(ctx, req.Name, req.Kind, req.Config, req.Activate)
}

// UpdatePoolConfig replaces the config of a pool.
func (g *Gateway) UpdatePoolConfig(ctx context.Context, id int64, config json.RawMessage) error {
	return g.pools.UpdateConfig(ctx, id, config)
}

// ActivatePool makes id the only active pool.
func (g *Gateway) ActivatePool(ctx context.Context, id int64) error {
	return g.pools.Activate(ctx, id)
}

// DeactivatePool clears the active flag of id.
func (g *Gateway) DeactivatePool(ctx context.Context, id int64) error {
	return g.pools.Deactivate(ctx, id)
}

// DeletePool removes an inactive pool together with its file records.
func (g *Gateway) DeletePool(ctx context.Context, id int64) error {
	return g.pools.Delete(ctx, id)
}

// ActivePool returns the active pool or pool.ErrNoActivePool.
func (g *Gateway) ActivePool(ctx context.Context) (*metadata.Pool, error) {
	return g.pools.Active(ctx)
}

// ListFiles lists a directory of a pool.
func (g *Gateway) ListFiles(ctx context.Context, poolID int64, p string) ([]storage.Entry, error) {
	_, d, err := g.pools.Driver(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return d.List(ctx, p)
}

// StatFile returns the entry at p, wrapping storage.ErrNotFound when absent.
func (g *Gateway) StatFile(ctx context.Context, poolID int64, p string) (*storage.Entry, error) {
	_, d, err := g.pools.Driver(ctx, poolID)
	if err != nil {
		return nil, err
	}
	e, err := d.Stat(ctx, p)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("stat %s: %w", p, storage.ErrNotFound)
	}
	return e, nil
}

// UploadFile stores body at p and records it. When the upload succeeded
// but the record write did not, the entry is returned with an error
// wrapping reconcile.ErrReconciliation.
func (g *Gateway) UploadFile(ctx context.Context, poolID int64, p string, body io.Reader, size int64) (*storage.Entry, error) {
	pl, d, err := g.pools.Driver(ctx, poolID)
	if err != nil {
		return nil, err
	}
	e, err := d.Put(ctx, p, body, size)
	if err != nil {
		return nil, err
	}
	logging.WithContext(ctx).Info("file uploaded",
		logging.PoolID(pl.ID), zap.String("path", e.Path), zap.Int64("size", e.Size))

	if _, err := g.records.Uploaded(ctx, pl.ID, *e); err != nil {
		return e, err
	}
	return e, nil
}

// DownloadFile opens the content at p. The caller closes the reader.
func (g *Gateway) DownloadFile(ctx context.Context, poolID int64, p string) (io.ReadCloser, error) {
	_, d, err := g.pools.Driver(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return d.Get(ctx, p)
}

// DeleteFile removes p and its records. It reports false if p was absent.
func (g *Gateway) DeleteFile(ctx context.Context, poolID int64, p string) (bool, error) {
	pl, d, err := g.pools.Driver(ctx, poolID)
	if err != nil {
		return false, err
	}
	ok, err := d.Delete(ctx, p)
	if err != nil || !ok {
		return ok, err
	}
	logging.WithContext(ctx).Info("file deleted", logging.PoolID(pl.ID), zap.String("path", p))

	if _, err := g.records.Deleted(ctx, pl.ID, p); err != nil {
		return true, err
	}
	return true, nil
}

// MoveFile renames src to dst inside one pool.
func (g *Gateway) MoveFile(ctx context.Context, poolID int64, src, dst string) (bool, error) {
	pl, d, err := g.pools.Driver(ctx, poolID)
	if err != nil {
		return false, err
	}
	ok, err := d.Move(ctx, src, dst)
	if errors.Is(err, storage.ErrPartialFailure) {
		// The copy landed, the source stayed in whole or in part.
		return true, errors.Join(err, g.partialMove(ctx, pl.ID, src, pl.ID, dst))
	}
	if err != nil || !ok {
		return ok, err
	}
	logging.WithContext(ctx).Info("file moved", logging.PoolID(pl.ID), zap.String("src", src), zap.String("dst", dst))

	if _, err := g.records.Moved(ctx, pl.ID, src, pl.ID, dst); err != nil {
		return true, err
	}
	return true, nil
}

// CopyFile duplicates src at dst inside one pool.
func (g *Gateway) CopyFile(ctx context.Context, poolID int64, src, dst string) (bool, error) {
	pl, d, err := g.pools.Driver(ctx, poolID)
	if err != nil {
		return false, err
	}
	ok, err := d.Copy(ctx, src, dst)
	if err != nil || !ok {
		return ok, err
	}
	logging.WithContext(ctx).Info("file copied", logging.PoolID(pl.ID), zap.String("src", src), zap.String("dst", dst))

	if _, err := g.records.Copied(ctx, pl.ID, src, pl.ID, dst); err != nil {
		return true, err
	}
	return true, nil
}

// CreateDirectory creates p and its parents. Directories carry no record.
func (g *Gateway) CreateDirectory(ctx context.Context, poolID int64, p string) (bool, error) {
	_, d, err := g.pools.Driver(ctx, poolID)
	if err != nil {
		return false, err
	}
	return d.Mkdir(ctx, p)
}

// ListAllFiles lists p in every pool that answers in time.
func (g *Gateway) ListAllFiles(ctx context.Context, p string) ([]federation.Item, error) {
	return g.federation.ListAll(ctx, p)
}

// SearchFiles matches root entries of every pool by name.
func (g *Gateway) SearchFiles(ctx context.Context, query string) ([]federation.Item, error) {
	return g.federation.Search(ctx, query)
}

// MoveAcrossPools moves srcPath from srcPool to dstPath in dstPool.
func (g *Gateway) MoveAcrossPools(ctx context.Context, srcPool int64, srcPath string, dstPool int64, dstPath string) (federation.Transfer, error) {
	src, dst, err := g.resolvePair(ctx, srcPool, dstPool)
	if err != nil {
		return federation.TransferSkipped, err
	}
	res, err := g.federation.MoveCrossPool(ctx, src, srcPath, dst, dstPath)
	switch res {
	case federation.TransferCompleted:
		if _, recErr := g.records.Moved(ctx, src, srcPath, dst, dstPath); recErr != nil {
			return res, recErr
		}
	case federation.TransferPartial:
		return res, errors.Join(err, g.partialMove(ctx, src, srcPath, dst, dstPath))
	}
	return res, err
}

// partialMove records the copies of a move whose source removal failed and
// drops the source records of files that were removed before the failure.
func (g *Gateway) partialMove(ctx context.Context, srcPool int64, srcPath string, dstPool int64, dstPath string) error {
	if _, err := g.records.Copied(ctx, srcPool, srcPath, dstPool, dstPath); err != nil {
		return err
	}
	_, d, err := g.pools.Driver(ctx, srcPool)
	if err != nil {
		return err
	}
	_, err = g.records.Vanished(ctx, srcPool, srcPath, d)
	return err
}

// CopyAcrossPools copies srcPath from srcPool to dstPath in dstPool.
func (g *Gateway) CopyAcrossPools(ctx context.Context, srcPool int64, srcPath string, dstPool int64, dstPath string) (federation.Transfer, error) {
	src, dst, err := g.resolvePair(ctx, srcPool, dstPool)
	if err != nil {
		return federation.TransferSkipped, err
	}
	res, err := g.federation.CopyCrossPool(ctx, src, srcPath, dst, dstPath)
	if res == federation.TransferCompleted {
		if _, recErr := g.records.Copied(ctx, src, srcPath, dst, dstPath); recErr != nil {
			return res, recErr
		}
	}
	return res, err
}

// FileRecords lists the records of a pool under prefix.
func (g *Gateway) FileRecords(ctx context.Context, poolID int64, prefix string) ([]metadata.FileRecord, error) {
	id, err := g.resolve(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return g.records.Records(ctx, id, prefix)
}

func (g *Gateway) resolve(ctx context.Context, id int64) (int64, error) {
	p, err := g.GetPool(ctx, id)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

func (g *Gateway) resolvePair(ctx context.Context, a, b int64) (int64, int64, error) {
	src, err := g.resolve(ctx, a)
	if err != nil {
		return 0, 0, err
	}
	dst, err := g.resolve(ctx, b)
	if err != nil {
		return 0, 0, err
	}
	return src, dst, nil
}
