package pool

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/poolgate/internal/logging"
	"github.com/fruitsalade/poolgate/internal/metadata"
	"github.com/fruitsalade/poolgate/internal/metrics"
	"github.com/fruitsalade/poolgate/internal/storage"
)

// DefaultCacheSize is the number of live drivers kept by default.
const DefaultCacheSize = 128

// maxBuildAttempts bounds rebuilds when invalidations keep racing a build.
const maxBuildAttempts = 3

// Registry is the only holder of live drivers. It maps pool ids to drivers,
// building them through the Factory on first use.
type Registry struct {
	pools   metadata.PoolStore
	factory *Factory

	mu    sync.Mutex
	cache *lru.Cache[int64, storage.Driver]
	gen   map[int64]uint64 // bumped by Invalidate

	group singleflight.Group
}

// NewRegistry creates a registry holding at most size drivers.
func NewRegistry(pools metadata.PoolStore, factory *Factory, size int) (*Registry, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.NewWithEvict(size, func(id int64, d storage.Driver) {
		metrics.RecordRegistryEviction()
		if err := d.Close(); err != nil {
			logging.Warn("close driver", logging.PoolID(id), zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create driver cache: %w", err)
	}
	return &Registry{
		pools:   pools,
		factory: factory,
		cache:   cache,
		gen:     make(map[int64]uint64),
	}, nil
}

func (r *Registry) lookup(id int64) (storage.Driver, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.cache.Get(id)
	return d, r.gen[id], ok
}

// Resolve returns the driver for a pool, building and caching it on a miss.
// A missing pool fails with ErrPoolNotFound. Concurrent callers share one
// build, which is not cancelled with any of them; each caller stops
// waiting when its own ctx ends.
func (r *Registry) Resolve(ctx context.Context, id int64) (storage.Driver, error) {
	if d, _, ok := r.lookup(id); ok {
		metrics.RecordRegistryLookup(true)
		return d, nil
	}
	metrics.RecordRegistryLookup(false)

	buildCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		return r.build(buildCtx, id)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(storage.Driver), nil
	}
}

func (r *Registry) build(ctx context.Context, id int64) (storage.Driver, error) {
	for attempt := 1; ; attempt++ {
		d, gen, ok := r.lookup(id)
		if ok {
			return d, nil
		}

		p, err := r.pools.GetPool(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load pool %d: %w", id, err)
		}
		if p == nil {
			return nil, fmt.Errorf("pool %d: %w", id, ErrPoolNotFound)
		}

		d, err = r.factory.Create(ctx, p.Kind, p.Config)
		if err != nil {
			return nil, fmt.Errorf("build driver for pool %d: %w", id, err)
		}

		r.mu.Lock()
		if r.gen[id] == gen {
			r.cache.Add(id, d)
			r.mu.Unlock()
			logging.Debug("driver built", logging.PoolID(id), zap.String("kind", p.Kind))
			return d, nil
		}
		r.mu.Unlock()

		// Invalidated while building: the row may have changed.
		if attempt >= maxBuildAttempts {
			logging.Warn("returning uncached driver after repeated invalidation", logging.PoolID(id))
			return d, nil
		}
		d.Close()
	}
}

// Invalidate drops and closes the cached driver for a pool. The next
// Resolve builds a fresh one from the current pool row.
func (r *Registry) Invalidate(id int64) {
	r.mu.Lock()
	r.gen[id]++
	r.cache.Remove(id)
	r.mu.Unlock()
	r.group.Forget(strconv.FormatInt(id, 10))
}

// Len returns the number of cached drivers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// Close closes every cached driver.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
	return nil
}
