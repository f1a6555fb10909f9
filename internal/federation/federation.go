// Package federation runs one logical operation across every registered
// pool. Fan-out is best effort: a pool that fails or times out is logged
// and left out of the result.
package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/poolgate/internal/logging"
	"github.com/fruitsalade/poolgate/internal/metadata"
	"github.com/fruitsalade/poolgate/internal/metrics"
	"github.com/fruitsalade/poolgate/internal/storage"
)

// DefaultTimeout bounds each pool's share of a fan-out.
const DefaultTimeout = 10 * time.Second

// Pools is the part of the pool manager the aggregator needs.
type Pools interface {
	List(ctx context.Context) ([]metadata.Pool, error)
	Driver(ctx context.Context, id int64) (*metadata.Pool, storage.Driver, error)
}

// Item is an entry tagged with the pool it came from.
type Item struct {
	storage.Entry
	PoolID   int64  `json:"pool_id"`
	PoolName string `json:"pool_name"`
}

// Transfer is the outcome of a cross-pool move or copy.
type Transfer int

const (
	// TransferSkipped means the source did not exist.
	TransferSkipped Transfer = iota
	// TransferCompleted means every step succeeded.
	TransferCompleted
	// TransferPartial means the data reached the destination but the
	// source could not be removed, so it now exists in both pools.
	TransferPartial
)

func (t Transfer) String() string {
	switch t {
	case TransferSkipped:
		return "skipped"
	case TransferCompleted:
		return "completed"
	case TransferPartial:
		return "partial"
	default:
		return fmt.Sprintf("Transfer(%d)", int(t))
	}
}

// Aggregator federates operations over all pools.
type Aggregator struct {
	pools   Pools
	timeout time.Duration
}

// New creates an Aggregator. A non-positive timeout selects DefaultTimeout.
func New(pools Pools, timeout time.Duration) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Aggregator{pools: pools, timeout: timeout}
}

type listFunc func(ctx context.Context, d storage.Driver) ([]storage.Entry, error)

// bounded runs fn and gives up when ctx ends, even if the driver ignores ctx.
func bounded(ctx context.Context, d storage.Driver, fn listFunc) ([]storage.Entry, error) {
	type result struct {
		entries []storage.Entry
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		entries, err := fn(ctx, d)
		ch <- result{entries, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.entries, r.err
	}
}

func (a *Aggregator) fanOut(ctx context.Context, op string, fn listFunc) ([]Item, error) {
	start := time.Now()
	defer func() { metrics.RecordFederation(op, time.Since(start)) }()

	pools, err := a.pools.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: list pools: %w", op, err)
	}

	results := make([][]Item, len(pools))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pools {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, a.timeout)
			defer cancel()

			entries, err := a.poolEntries(pctx, p.ID, fn)
			if err != nil {
				result := "error"
				if errors.Is(err, context.DeadlineExceeded) {
					result = "timeout"
				}
				metrics.RecordFederationPoolResult(op, result)
				logging.WithContext(ctx).Warn("pool excluded from federated result",
					zap.String("operation", op), logging.PoolID(p.ID),
					zap.String("pool", p.Name), zap.String("result", result), zap.Error(err))
				return nil
			}
			metrics.RecordFederationPoolResult(op, "ok")

			items := make([]Item, 0, len(entries))
			for _, e := range entries {
				items = append(items, Item{Entry: e, PoolID: p.ID, PoolName: p.Name})
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	out := []Item{}
	for _, items := range results {
		out = append(out, items...)
	}
	return out, nil
}

func (a *Aggregator) poolEntries(ctx context.Context, id int64, fn listFunc) ([]storage.Entry, error) {
	_, d, err := a.pools.Driver(ctx, id)
	if err != nil {
		return nil, err
	}
	return bounded(ctx, d, fn)
}

// ListAll lists path in every pool. Pools that fail are excluded; the
// only error is failing to enumerate the pools themselves.
func (a *Aggregator) ListAll(ctx context.Context, p string) ([]Item, error) {
	if _, err := storage.CleanPath(p); err != nil {
		return nil, err
	}
	return a.fanOut(ctx, "list", func(ctx context.Context, d storage.Driver) ([]storage.Entry, error) {
		return d.List(ctx, p)
	})
}

// Search returns root entries of every pool whose name contains query,
// case-insensitively. An empty query matches nothing.
func (a *Aggregator) Search(ctx context.Context, query string) ([]Item, error) {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return []Item{}, nil
	}
	return a.fanOut(ctx, "search", func(ctx context.Context, d storage.Driver) ([]storage.Entry, error) {
		entries, err := d.List(ctx, "")
		if err != nil {
			return nil, err
		}
		matched := entries[:0]
		for _, e := range entries {
			if strings.Contains(strings.ToLower(e.Name), needle) {
				matched = append(matched, e)
			}
		}
		return matched, nil
	})
}
