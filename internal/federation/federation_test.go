package federation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/poolgate/internal/metadata"
	"github.com/fruitsalade/poolgate/internal/storage"
	"github.com/fruitsalade/poolgate/internal/storage/local"
	"github.com/fruitsalade/poolgate/internal/storage/webdav"
)

type fakePools struct {
	pools   []metadata.Pool
	drivers map[int64]storage.Driver
	listErr error
}

func (f *fakePools) add(name string, d storage.Driver) int64 {
	id := int64(len(f.pools) + 1)
	f.pools = append(f.pools, metadata.Pool{ID: id, Name: name, Kind: string(d.Kind()), Active: id == 1})
	if f.drivers == nil {
		f.drivers = map[int64]storage.Driver{}
	}
	f.drivers[id] = d
	return id
}

func (f *fakePools) List(context.Context) ([]metadata.Pool, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.pools, nil
}

func (f *fakePools) Driver(_ context.Context, id int64) (*metadata.Pool, storage.Driver, error) {
	if id == 0 {
		id = 1
	}
	for i := range f.pools {
		if f.pools[i].ID == id {
			return &f.pools[i], f.drivers[id], nil
		}
	}
	return nil, nil, fmt.Errorf("pool %d: %w", id, storage.ErrNotFound)
}

// stub overrides selected driver calls.
type stub struct {
	storage.Driver
	block     chan struct{}
	listErr   error
	deleteErr error
}

func (s *stub) List(ctx context.Context, p string) ([]storage.Entry, error) {
	if s.block != nil {
		<-s.block
	}
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.Driver.List(ctx, p)
}

func (s *stub) Delete(ctx context.Context, p string) (bool, error) {
	if s.deleteErr != nil {
		return false, s.deleteErr
	}
	return s.Driver.Delete(ctx, p)
}

func newLocal(t *testing.T) *local.Driver {
	t.Helper()
	d, err := local.New(local.Config{Path: t.TempDir()})
	require.NoError(t, err)
	return d
}

func put(t *testing.T, d storage.Driver, p, body string) {
	t.Helper()
	_, err := d.Put(context.Background(), p, strings.NewReader(body), int64(len(body)))
	require.NoError(t, err)
}

func read(t *testing.T, d storage.Driver, p string) string {
	t.Helper()
	rc, err := d.Get(context.Background(), p)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func TestSearchAcrossPools(t *testing.T) {
	pools := &fakePools{}
	a, b := newLocal(t), newLocal(t)
	put(t, a, "/Report-2024.pdf", "a")
	put(t, a, "/notes.txt", "n")
	put(t, b, "/q3-report.xlsx", "b")
	put(t, b, "/photo.jpg", "p")
	idA := pools.add("alpha", a)
	idB := pools.add("beta", b)

	items, err := New(pools, time.Second).Search(context.Background(), "REPORT")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "Report-2024.pdf", items[0].Name)
	assert.Equal(t, idA, items[0].PoolID)
	assert.Equal(t, "alpha", items[0].PoolName)
	assert.Equal(t, "q3-report.xlsx", items[1].Name)
	assert.Equal(t, idB, items[1].PoolID)
}

func TestSearchEmptyQueryMatchesNothing(t *testing.T) {
	pools := &fakePools{}
	d := newLocal(t)
	put(t, d, "/a.txt", "a")
	pools.add("alpha", d)

	items, err := New(pools, time.Second).Search(context.Background(), "  ")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestListAllOrderedByPool(t *testing.T) {
	pools := &fakePools{}
	a, b := newLocal(t), newLocal(t)
	put(t, a, "/docs/one.txt", "1")
	put(t, b, "/docs/two.txt", "2")
	put(t, b, "/docs/three.txt", "3")
	pools.add("alpha", a)
	pools.add("beta", b)

	items, err := New(pools, time.Second).ListAll(context.Background(), "/docs")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.EqualValues(t, 1, items[0].PoolID)
	assert.EqualValues(t, 2, items[1].PoolID)
	assert.EqualValues(t, 2, items[2].PoolID)

	_, err = New(pools, time.Second).ListAll(context.Background(), "../etc")
	assert.ErrorIs(t, err, storage.ErrInvalidPath)
}

func TestListAllExcludesFailingAndStalledPools(t *testing.T) {
	pools := &fakePools{}
	healthy := newLocal(t)
	put(t, healthy, "/ok.txt", "ok")

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	pools.add("healthy", healthy)
	pools.add("stalled", &stub{Driver: newLocal(t), block: block})
	pools.add("broken", &stub{Driver: newLocal(t), listErr: storage.ErrBackendUnavailable})

	start := time.Now()
	items, err := New(pools, 50*time.Millisecond).ListAll(context.Background(), "")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	require.Len(t, items, 1)
	assert.Equal(t, "ok.txt", items[0].Name)
}

func TestListAllPoolListingFails(t *testing.T) {
	boom := errors.New("database is down")
	_, err := New(&fakePools{listErr: boom}, time.Second).ListAll(context.Background(), "")
	assert.ErrorIs(t, err, boom)
}

func TestMoveCrossPool(t *testing.T) {
	pools := &fakePools{}
	a, b := newLocal(t), newLocal(t)
	put(t, a, "/in/report.txt", "quarterly")
	idA := pools.add("alpha", a)
	idB := pools.add("beta", b)
	agg := New(pools, time.Second)
	ctx := context.Background()

	res, err := agg.MoveCrossPool(ctx, idA, "/in/report.txt", idB, "/out/report.txt")
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, res)
	assert.Equal(t, "quarterly", read(t, b, "/out/report.txt"))

	gone, err := a.Stat(ctx, "/in/report.txt")
	require.NoError(t, err)
	assert.Nil(t, gone)

	res, err = agg.MoveCrossPool(ctx, idA, "/in/report.txt", idB, "/out/again.txt")
	require.NoError(t, err)
	assert.Equal(t, TransferSkipped, res)
}

func TestMoveCrossPoolDirectory(t *testing.T) {
	pools := &fakePools{}
	a, b := newLocal(t), newLocal(t)
	put(t, a, "/proj/readme.md", "readme")
	put(t, a, "/proj/src/main.go", "package main")
	put(t, a, "/proj/.env", "TOKEN=x")
	put(t, a, "/proj/node_modules/dep/index.js", "module.exports = 1")
	idA := pools.add("alpha", a)
	idB := pools.add("beta", b)

	res, err := New(pools, time.Second).MoveCrossPool(context.Background(), idA, "/proj", idB, "/archive/proj")
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, res)
	assert.Equal(t, "readme", read(t, b, "/archive/proj/readme.md"))
	assert.Equal(t, "package main", read(t, b, "/archive/proj/src/main.go"))
	assert.Equal(t, "TOKEN=x", read(t, b, "/archive/proj/.env"))
	assert.Equal(t, "module.exports = 1", read(t, b, "/archive/proj/node_modules/dep/index.js"))

	left, err := a.Stat(context.Background(), "/proj")
	require.NoError(t, err)
	assert.Nil(t, left)
}

func TestMoveCrossPoolPutFailureKeepsSource(t *testing.T) {
	pools := &fakePools{}
	src := newLocal(t)
	put(t, src, "/keep.bin", "payload")
	dst, err := webdav.New(webdav.Config{URL: "http://127.0.0.1:1/dav"}, webdav.WithTimeout(2*time.Second))
	require.NoError(t, err)
	idA := pools.add("alpha", src)
	idB := pools.add("offline", dst)

	res, err := New(pools, time.Second).MoveCrossPool(context.Background(), idA, "/keep.bin", idB, "/keep.bin")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, storage.ErrPartialFailure)
	assert.NotEqual(t, TransferPartial, res)
	assert.Equal(t, "payload", read(t, src, "/keep.bin"))
}

func TestMoveCrossPoolDeleteFailureIsPartial(t *testing.T) {
	pools := &fakePools{}
	inner := newLocal(t)
	put(t, inner, "/f.txt", "data")
	denied := errors.New("permission denied")
	idA := pools.add("alpha", &stub{Driver: inner, deleteErr: denied})
	b := newLocal(t)
	idB := pools.add("beta", b)

	res, err := New(pools, time.Second).MoveCrossPool(context.Background(), idA, "/f.txt", idB, "/f.txt")
	assert.Equal(t, TransferPartial, res)
	assert.ErrorIs(t, err, storage.ErrPartialFailure)
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, "data", read(t, b, "/f.txt"))
	assert.Equal(t, "data", read(t, inner, "/f.txt"))
}

func TestCopyCrossPool(t *testing.T) {
	pools := &fakePools{}
	a, b := newLocal(t), newLocal(t)
	payload := bytes.Repeat([]byte{0, 1, 2, 0xff}, 4096)
	_, err := a.Put(context.Background(), "/blob.bin", bytes.NewReader(payload), int64(len(payload)))
	require.NoError(t, err)
	idA := pools.add("alpha", a)
	idB := pools.add("beta", b)

	res, err := New(pools, time.Second).CopyCrossPool(context.Background(), idA, "/blob.bin", idB, "/copy.bin")
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, res)
	assert.Equal(t, string(payload), read(t, b, "/copy.bin"))
	assert.Equal(t, string(payload), read(t, a, "/blob.bin"))
}

func TestSamePoolDelegatesToDriver(t *testing.T) {
	pools := &fakePools{}
	a := newLocal(t)
	put(t, a, "/x.txt", "x")
	id := pools.add("alpha", a)
	agg := New(pools, time.Second)
	ctx := context.Background()

	res, err := agg.MoveCrossPool(ctx, id, "/x.txt", 0, "/y.txt")
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, res)
	assert.Equal(t, "x", read(t, a, "/y.txt"))

	res, err = agg.CopyCrossPool(ctx, id, "/missing.txt", id, "/z.txt")
	require.NoError(t, err)
	assert.Equal(t, TransferSkipped, res)

	_, err = agg.MoveCrossPool(ctx, id, "/", id, "/elsewhere")
	assert.ErrorIs(t, err, storage.ErrInvalidPath)
}

func TestTransferString(t *testing.T) {
	assert.Equal(t, "skipped", TransferSkipped.String())
	assert.Equal(t, "completed", TransferCompleted.String())
	assert.Equal(t, "partial", TransferPartial.String())
}
