package reconcile

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/poolgate/internal/metadata"
	"github.com/fruitsalade/poolgate/internal/metadata/memstore"
	"github.com/fruitsalade/poolgate/internal/retry"
	"github.com/fruitsalade/poolgate/internal/storage"
	"github.com/fruitsalade/poolgate/internal/storage/local"
)

var errDBDown = errors.New("connection reset")

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}
}

func setup(t *testing.T) (*Reconciler, *memstore.Store, int64, int64) {
	t.Helper()
	store := memstore.New()
	ctx := context.Background()
	a, err := store.InsertPool(ctx, &metadata.Pool{Name: "a", Kind: "local"})
	require.NoError(t, err)
	b, err := store.InsertPool(ctx, &metadata.Pool{Name: "b", Kind: "local"})
	require.NoError(t, err)
	return New(store, fastRetry()), store, a.ID, b.ID
}

func entry(p string, size int64) storage.Entry {
	clean, _ := storage.CleanPath(p)
	return storage.NewEntry(clean, size, false, time.Now())
}

func TestUploadedUpserts(t *testing.T) {
	r, store, poolA, _ := setup(t)
	ctx := context.Background()

	first, err := r.Uploaded(ctx, poolA, entry("/docs/report.pdf", 10))
	require.NoError(t, err)
	assert.Equal(t, "docs/report.pdf", first.StoredPath)
	assert.Equal(t, "report.pdf", first.Name)
	assert.Equal(t, "application/pdf", first.MimeType)

	second, err := r.Uploaded(ctx, poolA, entry("docs/report.pdf", 25))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "overwrite keeps the record")

	got, err := store.GetFile(ctx, first.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 25, got.SizeBytes)
}

func TestDeletedRemovesPrefix(t *testing.T) {
	r, store, poolA, _ := setup(t)
	ctx := context.Background()
	for _, p := range []string{"dir/a.txt", "dir/sub/b.txt", "dirx/c.txt"} {
		_, err := r.Uploaded(ctx, poolA, entry(p, 1))
		require.NoError(t, err)
	}

	n, err := r.Deleted(ctx, poolA, "/dir")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rest, err := store.QueryFiles(ctx, metadata.FileFilter{PoolID: poolA})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "dirx/c.txt", rest[0].StoredPath)
}

func TestMovedAcrossPools(t *testing.T) {
	r, store, poolA, poolB := setup(t)
	ctx := context.Background()
	_, err := r.Uploaded(ctx, poolA, entry("src/one.txt", 1))
	require.NoError(t, err)
	_, err = r.Uploaded(ctx, poolA, entry("src/deep/two.txt", 2))
	require.NoError(t, err)
	_, err = r.Uploaded(ctx, poolB, entry("dst/one.txt", 99))
	require.NoError(t, err)

	n, err := r.Moved(ctx, poolA, "src", poolB, "dst")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	inA, _ := store.QueryFiles(ctx, metadata.FileFilter{PoolID: poolA})
	assert.Empty(t, inA)

	inB, _ := store.QueryFiles(ctx, metadata.FileFilter{PoolID: poolB})
	require.Len(t, inB, 2)
	assert.Equal(t, "dst/deep/two.txt", inB[0].StoredPath)
	assert.Equal(t, "dst/one.txt", inB[1].StoredPath)
	assert.EqualValues(t, 1, inB[1].SizeBytes, "moved record replaces the old destination record")
}

func TestCopied(t *testing.T) {
	r, store, poolA, _ := setup(t)
	ctx := context.Background()
	_, err := r.Uploaded(ctx, poolA, entry("f.txt", 3))
	require.NoError(t, err)

	n, err := r.Copied(ctx, poolA, "f.txt", poolA, "g.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, _ := store.QueryFiles(ctx, metadata.FileFilter{PoolID: poolA})
	require.Len(t, all, 2)
	assert.NotEqual(t, all[0].ID, all[1].ID)
}

func TestVanishedDropsRecordsOfRemovedFiles(t *testing.T) {
	r, store, poolA, _ := setup(t)
	ctx := context.Background()
	d, err := local.New(local.Config{Path: t.TempDir()})
	require.NoError(t, err)

	kept, err := d.Put(ctx, "dir/kept.txt", strings.NewReader("k"), 1)
	require.NoError(t, err)
	_, err = r.Uploaded(ctx, poolA, *kept)
	require.NoError(t, err)
	_, err = r.Uploaded(ctx, poolA, entry("dir/gone.txt", 1))
	require.NoError(t, err)

	n, err := r.Vanished(ctx, poolA, "dir", d)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recs, _ := store.QueryFiles(ctx, metadata.FileFilter{PoolID: poolA})
	require.Len(t, recs, 1)
	assert.Equal(t, "dir/kept.txt", recs[0].StoredPath)
}

func TestRetriesTransientFailures(t *testing.T) {
	r, store, poolA, _ := setup(t)
	calls := 0
	store.Fail = func(op string) error {
		calls++
		if calls <= 2 {
			return errDBDown
		}
		return nil
	}

	rec, err := r.Uploaded(context.Background(), poolA, entry("a.txt", 1))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", rec.StoredPath)
	assert.Equal(t, 3, calls)
}

func TestExhaustionSurfacesReconciliationError(t *testing.T) {
	r, store, poolA, _ := setup(t)
	ctx := context.Background()
	rec, err := r.Uploaded(ctx, poolA, entry("keep.txt", 1))
	require.NoError(t, err)

	store.Fail = func(op string) error { return errDBDown }
	_, err = r.Deleted(ctx, poolA, "keep.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconciliation)
	assert.ErrorIs(t, err, errDBDown)

	store.Fail = nil
	got, err := store.GetFile(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, got, "a failed record delete must keep the record")
}
