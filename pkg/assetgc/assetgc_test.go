package assetgc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/notebroker/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestGC(t *testing.T) (*GC, storage.Store, string) {
	t.Helper()
	dataDir := t.TempDir()
	store, err := storage.NewBoltStore(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assetsDir := filepath.Join(dataDir, "assets")
	gc, err := New(store, assetsDir, time.Hour)
	require.NoError(t, err)
	return gc, store, assetsDir
}

func TestStoreAndFetchAssetRoundTrips(t *testing.T) {
	gc, _, _ := newTestGC(t)

	path, err := gc.StoreAsset("nb1", []byte("plot bytes"), ".png")
	require.NoError(t, err)

	data, err := gc.FetchAsset(path)
	require.NoError(t, err)
	require.Equal(t, "plot bytes", string(data))
}

func TestPruneKeepsUnexpiredLease(t *testing.T) {
	gc, _, assetsDir := newTestGC(t)
	path, err := gc.StoreAsset("nb1", []byte("data"), ".png")
	require.NoError(t, err)

	report, err := gc.Prune("nb1", map[string]struct{}{}, false)
	require.NoError(t, err)
	require.Empty(t, report.Deleted)
	require.Contains(t, report.Kept, path)

	_, err = os.Stat(filepath.Join(assetsDir, path))
	require.NoError(t, err)
}

func TestPruneNeverDeletesReferencedAsset(t *testing.T) {
	gc, _, assetsDir := newTestGC(t)
	path, err := gc.StoreAsset("nb1", []byte("data"), ".png")
	require.NoError(t, err)

	// Force the lease to have already expired.
	require.NoError(t, gc.store.RenewAssetLease(path, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour)))

	report, err := gc.Prune("nb1", map[string]struct{}{path: {}}, false)
	require.NoError(t, err)
	require.Contains(t, report.Renewed, path)
	require.Empty(t, report.Deleted)

	_, err = os.Stat(filepath.Join(assetsDir, path))
	require.NoError(t, err)
}

func TestPruneDeletesExpiredUnreferencedAsset(t *testing.T) {
	gc, _, assetsDir := newTestGC(t)
	path, err := gc.StoreAsset("nb1", []byte("data"), ".png")
	require.NoError(t, err)
	require.NoError(t, gc.store.RenewAssetLease(path, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour)))

	report, err := gc.Prune("nb1", map[string]struct{}{}, false)
	require.NoError(t, err)
	require.Contains(t, report.Deleted, path)

	_, err = os.Stat(filepath.Join(assetsDir, path))
	require.True(t, os.IsNotExist(err))

	// Second prune on the same input is a no-op: the lease is already gone.
	report2, err := gc.Prune("nb1", map[string]struct{}{}, false)
	require.NoError(t, err)
	require.Empty(t, report2.Deleted)
	require.Empty(t, report2.Kept)
}

func TestPruneDryRunDoesNotDelete(t *testing.T) {
	gc, _, assetsDir := newTestGC(t)
	path, err := gc.StoreAsset("nb1", []byte("data"), ".png")
	require.NoError(t, err)
	require.NoError(t, gc.store.RenewAssetLease(path, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour)))

	report, err := gc.Prune("nb1", map[string]struct{}{}, true)
	require.NoError(t, err)
	require.Contains(t, report.Deleted, path)

	_, err = os.Stat(filepath.Join(assetsDir, path))
	require.NoError(t, err)
}
