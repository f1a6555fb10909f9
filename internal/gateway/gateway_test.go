package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/webdav"

	"github.com/fruitsalade/poolgate/internal/config"
	"github.com/fruitsalade/poolgate/internal/federation"
	"github.com/fruitsalade/poolgate/internal/metadata"
	"github.com/fruitsalade/poolgate/internal/metadata/memstore"
	"github.com/fruitsalade/poolgate/internal/pool"
	"github.com/fruitsalade/poolgate/internal/reconcile"
	"github.com/fruitsalade/poolgate/internal/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		DriverCacheSize:      8,
		FederationTimeout:    time.Second,
		ReconcileMaxAttempts: 3,
		ReconcileInitialWait: time.Millisecond,
		WebDAVTimeout:        2 * time.Second,
	}
}

func newGateway(t *testing.T) (*Gateway, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	g, err := Open(store, testConfig())
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g, store
}

func localPool(t *testing.T, g *Gateway, name string, activate bool) *metadata.Pool {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"path": t.TempDir()})
	require.NoError(t, err)
	p, err := g.CreatePool(context.Background(), CreatePoolRequest{Name: name, Kind: "local", Config: raw, Activate: activate})
	require.NoError(t, err)
	return p
}

func upload(t *testing.T, g *Gateway, poolID int64, p, body string) *storage.Entry {
	t.Helper()
	e, err := g.UploadFile(context.Background(), poolID, p, strings.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	return e
}

func download(t *testing.T, g *Gateway, poolID int64, p string) string {
	t.Helper()
	rc, err := g.DownloadFile(context.Background(), poolID, p)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func storedPaths(t *testing.T, g *Gateway, poolID int64) []string {
	t.Helper()
	recs, err := g.FileRecords(context.Background(), poolID, "")
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.StoredPath)
	}
	return out
}

func TestNoActivePool(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	_, err := g.ListFiles(ctx, 0, "/")
	assert.ErrorIs(t, err, pool.ErrNoActivePool)
	_, err = g.ActivePool(ctx)
	assert.ErrorIs(t, err, pool.ErrNoActivePool)
	_, err = g.ListFiles(ctx, 99, "/")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUploadListDownloadOnActivePool(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	p := localPool(t, g, "main", true)

	e := upload(t, g, 0, "/a/b.txt", "hello")
	assert.Equal(t, "/a/b.txt", e.Path)
	assert.EqualValues(t, 5, e.Size)

	entries, err := g.ListFiles(ctx, 0, "/a")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "b.txt", entries[0].Name)
	assert.Equal(t, "hello", download(t, g, p.ID, "/a/b.txt"))

	recs, err := g.FileRecords(ctx, 0, "/a")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a/b.txt", recs[0].StoredPath)
	assert.Equal(t, "text/plain; charset=utf-8", recs[0].MimeType)
	assert.Equal(t, p.ID, recs[0].PoolID)
}

func TestStatAndDelete(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	p := localPool(t, g, "main", true)
	upload(t, g, p.ID, "doc.txt", "x")

	e, err := g.StatFile(ctx, p.ID, "/doc.txt")
	require.NoError(t, err)
	assert.False(t, e.IsDir)

	ok, err := g.DeleteFile(ctx, p.ID, "/doc.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, storedPaths(t, g, p.ID))

	ok, err = g.DeleteFile(ctx, p.ID, "/doc.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = g.StatFile(ctx, p.ID, "/doc.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteNonEmptyDirectoryKeepsRecords(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	p := localPool(t, g, "main", true)
	upload(t, g, p.ID, "/docs/a.txt", "a")
	upload(t, g, p.ID, "/docs/b.txt", "b")

	ok, err := g.DeleteFile(ctx, p.ID, "/docs")
	assert.ErrorIs(t, err, storage.ErrDirectoryNotEmpty)
	assert.False(t, ok)
	assert.Equal(t, []string{"docs/a.txt", "docs/b.txt"}, storedPaths(t, g, p.ID))
	assert.Equal(t, "a", download(t, g, p.ID, "/docs/a.txt"))
}

// davPool registers a WebDAV pool whose server refuses every DELETE.
func davPool(t *testing.T, g *Gateway, name string) *metadata.Pool {
	t.Helper()
	dav := &webdav.Handler{FileSystem: webdav.Dir(t.TempDir()), LockSystem: webdav.NewMemLS()}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			http.Error(w, "read-only share", http.StatusForbidden)
			return
		}
		dav.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	raw, err := json.Marshal(map[string]string{"url": srv.URL})
	require.NoError(t, err)
	p, err := g.CreatePool(context.Background(), CreatePoolRequest{Name: name, Kind: "webdav", Config: raw})
	require.NoError(t, err)
	return p
}

func TestMoveFilePartialKeepsBothRecords(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	p := davPool(t, g, "share")
	upload(t, g, p.ID, "/draft.txt", "v1")

	ok, err := g.MoveFile(ctx, p.ID, "/draft.txt", "/final.txt")
	assert.ErrorIs(t, err, storage.ErrPartialFailure)
	assert.NotErrorIs(t, err, reconcile.ErrReconciliation)
	assert.True(t, ok)

	assert.Equal(t, []string{"draft.txt", "final.txt"}, storedPaths(t, g, p.ID))
	assert.Equal(t, "v1", download(t, g, p.ID, "/draft.txt"))
	assert.Equal(t, "v1", download(t, g, p.ID, "/final.txt"))
}

func TestMoveAndCopyWithinPool(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	p := localPool(t, g, "main", true)
	upload(t, g, 0, "/in/one.txt", "1")

	ok, err := g.CopyFile(ctx, 0, "/in/one.txt", "/backup/one.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.MoveFile(ctx, 0, "/in/one.txt", "/out/one.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []string{"backup/one.txt", "out/one.txt"}, storedPaths(t, g, p.ID))
	assert.Equal(t, "1", download(t, g, 0, "/out/one.txt"))

	ok, err = g.MoveFile(ctx, 0, "/in/one.txt", "/elsewhere.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateDirectoryHasNoRecord(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	p := localPool(t, g, "main", true)

	ok, err := g.CreateDirectory(ctx, 0, "/photos/2024")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = g.CreateDirectory(ctx, 0, "/photos/2024")
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := g.StatFile(ctx, p.ID, "/photos")
	require.NoError(t, err)
	assert.True(t, e.IsDir)
	assert.Empty(t, storedPaths(t, g, p.ID))
}

func TestMoveAcrossPoolsMovesRecords(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	a := localPool(t, g, "alpha", true)
	b := localPool(t, g, "beta", false)
	upload(t, g, a.ID, "/q3-report.pdf", "numbers")

	res, err := g.MoveAcrossPools(ctx, 0, "/q3-report.pdf", b.ID, "/archive/q3-report.pdf")
	require.NoError(t, err)
	assert.Equal(t, federation.TransferCompleted, res)

	assert.Empty(t, storedPaths(t, g, a.ID))
	assert.Equal(t, []string{"archive/q3-report.pdf"}, storedPaths(t, g, b.ID))
	assert.Equal(t, "numbers", download(t, g, b.ID, "/archive/q3-report.pdf"))

	res, err = g.CopyAcrossPools(ctx, b.ID, "/archive/q3-report.pdf", a.ID, "/q3-report.pdf")
	require.NoError(t, err)
	assert.Equal(t, federation.TransferCompleted, res)
	assert.Equal(t, []string{"q3-report.pdf"}, storedPaths(t, g, a.ID))
	assert.Len(t, storedPaths(t, g, b.ID), 1)
}

// hiddenProject uploads a project with a dotfile, which local listings hide.
func hiddenProject(t *testing.T, g *Gateway, poolID int64) {
	t.Helper()
	upload(t, g, poolID, "/proj/.env", "SECRET=1")
	upload(t, g, poolID, "/proj/main.py", "print()")
	entries, err := g.ListFiles(context.Background(), poolID, "/proj")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCopyAcrossPoolsIncludesHiddenFiles(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	a := localPool(t, g, "alpha", true)
	b := localPool(t, g, "beta", false)
	hiddenProject(t, g, a.ID)

	res, err := g.CopyAcrossPools(ctx, a.ID, "/proj", b.ID, "/proj")
	require.NoError(t, err)
	assert.Equal(t, federation.TransferCompleted, res)

	assert.Equal(t, "SECRET=1", download(t, g, b.ID, "/proj/.env"))
	assert.Equal(t, "print()", download(t, g, b.ID, "/proj/main.py"))
	assert.Equal(t, []string{"proj/.env", "proj/main.py"}, storedPaths(t, g, b.ID))
	assert.Len(t, storedPaths(t, g, a.ID), 2)
}

func TestMoveAcrossPoolsIncludesHiddenFiles(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	a := localPool(t, g, "alpha", true)
	b := localPool(t, g, "beta", false)
	hiddenProject(t, g, a.ID)

	res, err := g.MoveAcrossPools(ctx, a.ID, "/proj", b.ID, "/archive/proj")
	require.NoError(t, err)
	assert.Equal(t, federation.TransferCompleted, res)

	_, err = g.StatFile(ctx, a.ID, "/proj")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Empty(t, storedPaths(t, g, a.ID))
	assert.Equal(t, "SECRET=1", download(t, g, b.ID, "/archive/proj/.env"))
	assert.Equal(t, []string{"archive/proj/.env", "archive/proj/main.py"}, storedPaths(t, g, b.ID))
}

func TestMoveAcrossPoolsPartialKeepsSourceRecords(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	a := localPool(t, g, "alpha", true)
	share := davPool(t, g, "share")
	upload(t, g, share.ID, "/minutes.txt", "notes")

	res, err := g.MoveAcrossPools(ctx, share.ID, "/minutes.txt", a.ID, "/minutes.txt")
	assert.ErrorIs(t, err, storage.ErrPartialFailure)
	assert.Equal(t, federation.TransferPartial, res)

	assert.Equal(t, []string{"minutes.txt"}, storedPaths(t, g, share.ID))
	assert.Equal(t, []string{"minutes.txt"}, storedPaths(t, g, a.ID))
	assert.Equal(t, "notes", download(t, g, a.ID, "/minutes.txt"))
}

func TestMoveAcrossPoolsUnreachableDestination(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	a := localPool(t, g, "alpha", true)
	dav, err := g.CreatePool(ctx, CreatePoolRequest{
		Name:   "offline",
		Kind:   "webdav",
		Config: json.RawMessage(`{"url":"http://127.0.0.1:1/dav","username":"u","password":"p"}`),
	})
	require.NoError(t, err)
	upload(t, g, a.ID, "/keep.txt", "safe")

	res, err := g.MoveAcrossPools(ctx, a.ID, "/keep.txt", dav.ID, "/keep.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrBackendUnavailable)
	assert.NotErrorIs(t, err, storage.ErrPartialFailure)
	assert.Equal(t, federation.TransferSkipped, res)

	assert.Equal(t, "safe", download(t, g, a.ID, "/keep.txt"))
	assert.Equal(t, []string{"keep.txt"}, storedPaths(t, g, a.ID))
}

func TestFederatedSearchAndList(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	a := localPool(t, g, "alpha", true)
	b := localPool(t, g, "beta", false)
	upload(t, g, a.ID, "/Annual-Report.txt", "a")
	upload(t, g, b.ID, "/report-draft.txt", "b")
	upload(t, g, b.ID, "/misc.txt", "c")

	items, err := g.SearchFiles(ctx, "report")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, a.ID, items[0].PoolID)
	assert.Equal(t, b.ID, items[1].PoolID)

	all, err := g.ListAllFiles(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestReconciliationFailureKeepsDriverResult(t *testing.T) {
	g, store := newGateway(t)
	ctx := context.Background()
	p := localPool(t, g, "main", true)

	down := errors.New("connection refused")
	store.Fail = func(string) error { return down }

	e, err := g.UploadFile(ctx, 0, "/late.txt", strings.NewReader("data"), 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrReconciliation)
	assert.ErrorIs(t, err, down)
	require.NotNil(t, e)
	assert.Equal(t, "/late.txt", e.Path)

	store.Fail = nil
	assert.Equal(t, "data", download(t, g, p.ID, "/late.txt"))
	assert.Empty(t, storedPaths(t, g, p.ID))
}

func TestPoolLifecycle(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()
	a := localPool(t, g, "alpha", true)
	b := localPool(t, g, "beta", false)
	upload(t, g, b.ID, "/f.txt", "f")

	require.NoError(t, g.ActivatePool(ctx, b.ID))
	active, err := g.ActivePool(ctx)
	require.NoError(t, err)
	assert.Equal(t, b.ID, active.ID)

	assert.ErrorIs(t, g.DeletePool(ctx, b.ID), pool.ErrPoolInUse)
	require.NoError(t, g.DeactivatePool(ctx, b.ID))
	require.NoError(t, g.DeletePool(ctx, b.ID))

	_, err = g.FileRecords(ctx, b.ID, "")
	assert.ErrorIs(t, err, pool.ErrPoolNotFound)

	pools, err := g.ListPools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, a.ID, pools[0].ID)

	newRoot := t.TempDir()
	raw, _ := json.Marshal(map[string]string{"path": newRoot})
	require.NoError(t, g.UpdatePoolConfig(ctx, a.ID, raw))
	got, err := g.GetPool(ctx, a.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(got.Config))
}
