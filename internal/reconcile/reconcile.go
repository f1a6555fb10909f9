// Package reconcile keeps file records in step with driver mutations.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/poolgate/internal/logging"
	"github.com/fruitsalade/poolgate/internal/metadata"
	"github.com/fruitsalade/poolgate/internal/metrics"
	"github.com/fruitsalade/poolgate/internal/retry"
	"github.com/fruitsalade/poolgate/internal/storage"
)

// ErrReconciliation is returned when a driver call succeeded but the
// matching record write still failed after all retries.
var ErrReconciliation = errors.New("file record reconciliation failed")

// Reconciler applies record changes after successful driver mutations.
// Every change is idempotent so a retried attempt converges on the same rows.
type Reconciler struct {
	files metadata.FileStore
	retry retry.Config
}

// New creates a Reconciler.
func New(files metadata.FileStore, cfg retry.Config) *Reconciler {
	return &Reconciler{files: files, retry: cfg}
}

func (r *Reconciler) write(ctx context.Context, action string, fn func() error) error {
	err := retry.Do(ctx, r.retry, func() error {
		err := fn()
		metrics.RecordReconcileAttempt(action, err)
		if err != nil && ctx.Err() == nil {
			return retry.Retryable(err)
		}
		return err
	})
	if err == nil {
		return nil
	}

	err = retry.Unwrap(err)
	metrics.RecordReconcileFailure(action)
	logging.WithContext(ctx).Error("file record reconciliation failed",
		zap.String("action", action), zap.Error(err))
	return fmt.Errorf("%s: %w: %w", action, ErrReconciliation, err)
}

func storedPath(p string) string {
	if clean, err := storage.CleanPath(p); err == nil {
		return clean
	}
	return strings.Trim(p, "/")
}

// Uploaded records a stored file, updating the record already at that path.
func (r *Reconciler) Uploaded(ctx context.Context, poolID int64, e storage.Entry) (*metadata.FileRecord, error) {
	stored := storedPath(e.Path)
	mimeType := e.MimeType
	if mimeType == "" {
		mimeType = storage.MimeType(stored)
	}

	var rec *metadata.FileRecord
	err := r.write(ctx, "upload", func() error {
		existing, err := r.files.FindFile(ctx, poolID, stored)
		if err != nil {
			return err
		}
		if existing != nil {
			existing.Name = path.Base(stored)
			existing.SizeBytes = e.Size
			existing.MimeType = mimeType
			if err := r.files.UpdateFile(ctx, existing); err != nil {
				return err
			}
			rec = existing
			return nil
		}
		rec, err = r.files.InsertFile(ctx, &metadata.FileRecord{
			Name:       path.Base(stored),
			StoredPath: stored,
			SizeBytes:  e.Size,
			MimeType:   mimeType,
			PoolID:     poolID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Deleted removes the record at p and every record beneath it.
func (r *Reconciler) Deleted(ctx context.Context, poolID int64, p string) (int, error) {
	stored := storedPath(p)
	if stored == "" {
		return 0, nil
	}
	removed := 0
	err := r.write(ctx, "delete", func() error {
		removed = 0
		recs, err := r.files.QueryFiles(ctx, metadata.FileFilter{PoolID: poolID, PathPrefix: stored})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if err := r.files.DeleteFile(ctx, rec.ID); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func rebase(stored, src, dst string) string {
	if stored == src {
		return dst
	}
	return dst + strings.TrimPrefix(stored, src)
}

// Moved rewrites the records at and under src so they point at dst,
// possibly in another pool. Records already at the destination paths are
// replaced.
func (r *Reconciler) Moved(ctx context.Context, srcPool int64, src string, dstPool int64, dst string) (int, error) {
	src, dst = storedPath(src), storedPath(dst)
	if src == "" {
		return 0, nil
	}
	moved := 0
	err := r.write(ctx, "move", func() error {
		moved = 0
		recs, err := r.files.QueryFiles(ctx, metadata.FileFilter{PoolID: srcPool, PathPrefix: src})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			target := rebase(rec.StoredPath, src, dst)
			if err := r.dropExisting(ctx, dstPool, target, rec.ID); err != nil {
				return err
			}
			rec.StoredPath = target
			rec.Name = path.Base(target)
			rec.PoolID = dstPool
			if err := r.files.UpdateFile(ctx, &rec); err != nil {
				return err
			}
			moved++
		}
		return nil
	})
	return moved, err
}

// Copied creates records for the copies of every recorded file at or under src.
func (r *Reconciler) Copied(ctx context.Context, srcPool int64, src string, dstPool int64, dst string) (int, error) {
	src, dst = storedPath(src), storedPath(dst)
	copied := 0
	err := r.write(ctx, "copy", func() error {
		copied = 0
		recs, err := r.files.QueryFiles(ctx, metadata.FileFilter{PoolID: srcPool, PathPrefix: src})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			target := rebase(rec.StoredPath, src, dst)
			existing, err := r.files.FindFile(ctx, dstPool, target)
			if err != nil {
				return err
			}
			if existing != nil {
				existing.SizeBytes = rec.SizeBytes
				existing.MimeType = rec.MimeType
				if err := r.files.UpdateFile(ctx, existing); err != nil {
					return err
				}
			} else if _, err := r.files.InsertFile(ctx, &metadata.FileRecord{
				Name:       path.Base(target),
				StoredPath: target,
				SizeBytes:  rec.SizeBytes,
				MimeType:   rec.MimeType,
				PoolID:     dstPool,
			}); err != nil {
				return err
			}
			copied++
		}
		return nil
	})
	return copied, err
}

// Vanished removes the records at or under p whose file d no longer has.
// A move that removed only part of its source leaves such records behind.
func (r *Reconciler) Vanished(ctx context.Context, poolID int64, p string, d storage.Driver) (int, error) {
	recs, err := r.Records(ctx, poolID, p)
	if err != nil {
		return 0, fmt.Errorf("prune: %w: %w", ErrReconciliation, err)
	}
	var gone []string
	for _, rec := range recs {
		e, err := d.Stat(ctx, rec.StoredPath)
		if err != nil {
			return 0, err
		}
		if e == nil {
			gone = append(gone, rec.ID)
		}
	}
	if len(gone) == 0 {
		return 0, nil
	}

	removed := 0
	err = r.write(ctx, "prune", func() error {
		removed = 0
		for _, id := range gone {
			if err := r.files.DeleteFile(ctx, id); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (r *Reconciler) dropExisting(ctx context.Context, poolID int64, stored, keepID string) error {
	existing, err := r.files.FindFile(ctx, poolID, stored)
	if err != nil || existing == nil || existing.ID == keepID {
		return err
	}
	return r.files.DeleteFile(ctx, existing.ID)
}

// Records lists the records of a pool, optionally under a path prefix.
func (r *Reconciler) Records(ctx context.Context, poolID int64, prefix string) ([]metadata.FileRecord, error) {
	return r.files.QueryFiles(ctx, metadata.FileFilter{PoolID: poolID, PathPrefix: storedPath(prefix)})
}
