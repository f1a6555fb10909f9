package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/poolgate/internal/logging"
	"github.com/fruitsalade/poolgate/internal/metrics"
	"github.com/fruitsalade/poolgate/internal/storage"
)

// MoveCrossPool moves srcPath in srcPool to dstPath in dstPool. Content is
// streamed get then put, and the source is deleted only after every put
// succeeded. A failed put leaves the source untouched and returns the put
// error. A failed source delete returns TransferPartial with an error
// wrapping storage.ErrPartialFailure.
func (a *Aggregator) MoveCrossPool(ctx context.Context, srcPool int64, srcPath string, dstPool int64, dstPath string) (Transfer, error) {
	return a.transfer(ctx, "move", srcPool, srcPath, dstPool, dstPath, true)
}

// CopyCrossPool copies srcPath in srcPool to dstPath in dstPool.
func (a *Aggregator) CopyCrossPool(ctx context.Context, srcPool int64, srcPath string, dstPool int64, dstPath string) (Transfer, error) {
	return a.transfer(ctx, "copy", srcPool, srcPath, dstPool, dstPath, false)
}

func (a *Aggregator) transfer(ctx context.Context, op string, srcPool int64, srcPath string, dstPool int64, dstPath string, remove bool) (Transfer, error) {
	start := time.Now()
	defer func() { metrics.RecordFederation(op+"_cross_pool", time.Since(start)) }()

	src, err := storage.CleanPath(srcPath)
	if err != nil {
		return TransferSkipped, err
	}
	dst, err := storage.CleanPath(dstPath)
	if err != nil {
		return TransferSkipped, err
	}
	if src == "" || dst == "" {
		return TransferSkipped, fmt.Errorf("%w: cannot %s the pool root", storage.ErrInvalidPath, op)
	}

	sp, sd, err := a.pools.Driver(ctx, srcPool)
	if err != nil {
		return TransferSkipped, err
	}
	dp, dd, err := a.pools.Driver(ctx, dstPool)
	if err != nil {
		return TransferSkipped, err
	}

	if sp.ID == dp.ID {
		var ok bool
		if remove {
			ok, err = sd.Move(ctx, src, dst)
		} else {
			ok, err = sd.Copy(ctx, src, dst)
		}
		switch {
		case errors.Is(err, storage.ErrPartialFailure):
			return TransferPartial, err
		case err != nil:
			return TransferSkipped, err
		case !ok:
			return TransferSkipped, nil
		}
		return TransferCompleted, nil
	}

	entry, err := sd.Stat(ctx, src)
	if err != nil {
		return TransferSkipped, err
	}
	if entry == nil {
		return TransferSkipped, nil
	}

	log := logging.WithContext(ctx).With(
		zap.String("operation", op),
		zap.Int64("src_pool", sp.ID), zap.String("src", src),
		zap.Int64("dst_pool", dp.ID), zap.String("dst", dst))

	if err := copyTree(ctx, sd, dd, *entry, src, dst); err != nil {
		log.Warn("cross-pool transfer failed before the source was touched", zap.Error(err))
		return TransferSkipped, err
	}
	if !remove {
		return TransferCompleted, nil
	}

	if err := removeTree(ctx, sd, src); err != nil {
		log.Error("cross-pool move left the source in place", zap.Error(err))
		return TransferPartial, fmt.Errorf("move %s to pool %d: %w: %w", src, dp.ID, storage.ErrPartialFailure, err)
	}
	log.Info("cross-pool move completed")
	return TransferCompleted, nil
}

func rebase(p, src, dst string) string {
	if p == src {
		return dst
	}
	return dst + strings.TrimPrefix(p, src)
}

// copyTree streams entry (a file, or a directory and everything under it)
// from sd to dd, rebasing paths from src onto dst.
func copyTree(ctx context.Context, sd, dd storage.Driver, entry storage.Entry, src, dst string) error {
	p := strings.TrimPrefix(entry.Path, "/")
	target := rebase(p, src, dst)

	if !entry.IsDir {
		return copyFile(ctx, sd, dd, p, target, entry.Size)
	}

	if _, err := dd.Mkdir(ctx, target); err != nil {
		return err
	}
	children, err := storage.Children(ctx, sd, p)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := copyTree(ctx, sd, dd, child, src, dst); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(ctx context.Context, sd, dd storage.Driver, from, to string, size int64) error {
	rc, err := sd.Get(ctx, from)
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = dd.Put(ctx, to, rc, size)
	return err
}

// removeTree deletes p, emptying directories first on drivers that refuse
// to delete non-empty ones.
func removeTree(ctx context.Context, d storage.Driver, p string) error {
	_, err := d.Delete(ctx, p)
	if !errors.Is(err, storage.ErrDirectoryNotEmpty) {
		return err
	}
	children, err := storage.Children(ctx, d, p)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := removeTree(ctx, d, strings.TrimPrefix(child.Path, "/")); err != nil {
			return err
		}
	}
	_, err = d.Delete(ctx, p)
	return err
}
