package assetgc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/notebroker/pkg/log"
	"github.com/cuemby/notebroker/pkg/metrics"
	"github.com/cuemby/notebroker/pkg/storage"
	"github.com/cuemby/notebroker/pkg/types"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

const defaultTTL = 24 * time.Hour

// GC is the Asset Garbage Collector (spec component F). It owns the
// assets/ directory on disk and defers to Store for lease bookkeeping.
type GC struct {
	store      storage.Store
	assetsDir  string
	defaultTTL time.Duration
	logger     zerolog.Logger
}

// New constructs a GC rooted at assetsDir, creating it if absent.
// defaultTTL governs leases created via StoreAsset without an explicit TTL;
// zero selects ASSET_MAX_AGE_HOURS's default of 24h.
func New(store storage.Store, assetsDir string, ttl time.Duration) (*GC, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if err := os.MkdirAll(assetsDir, 0o755); err != nil {
		return nil, fmt.Errorf("assetgc: create assets dir: %w", err)
	}
	return &GC{
		store:      store,
		assetsDir:  assetsDir,
		defaultTTL: ttl,
		logger:     log.WithComponent("assetgc"),
	}, nil
}

// StoreAsset zstd-compresses data and writes it under a uuid-derived
// filename, then notes its creation with the GC's default TTL. It returns
// the asset's path relative to the assets directory (the form persisted on
// Execution output and returned to clients).
func (g *GC) StoreAsset(notebookKey string, data []byte, ext string) (string, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return "", fmt.Errorf("assetgc: new zstd encoder: %w", err)
	}
	defer enc.Close()
	compressed := enc.EncodeAll(data, nil)

	name := uuid.NewString() + ext + ".zst"
	if err := os.WriteFile(filepath.Join(g.assetsDir, name), compressed, 0o644); err != nil {
		return "", fmt.Errorf("assetgc: write asset: %w", err)
	}

	if err := g.NoteCreated(name, notebookKey, g.defaultTTL); err != nil {
		_ = os.Remove(filepath.Join(g.assetsDir, name))
		return "", err
	}
	return name, nil
}

// FetchAsset decompresses and returns the bytes at assetPath, for the
// fetch_asset operation (spec.md §6) used by remote clients that cannot
// read the broker's filesystem directly.
func (g *GC) FetchAsset(assetPath string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(g.assetsDir, assetPath))
	if err != nil {
		return nil, fmt.Errorf("assetgc: read asset: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("assetgc: new zstd decoder: %w", err)
	}
	defer dec.Close()
	data, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("assetgc: decode asset: %w", err)
	}
	return data, nil
}

// NoteCreated renews assetPath's lease, creating one if absent (spec.md
// §4.6). Called whenever a new asset is written, and internally by
// StoreAsset.
func (g *GC) NoteCreated(assetPath, notebookKey string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = g.defaultTTL
	}
	now := time.Now()
	created := false
	err := g.store.RenewAssetLease(assetPath, now, now.Add(ttl))
	if err == storage.ErrNotFound {
		err = g.store.PutAssetLease(&types.AssetLease{
			AssetPath:    assetPath,
			NotebookKey:  notebookKey,
			LastSeen:     now,
			LeaseExpires: now.Add(ttl),
			CreatedAt:    now,
		})
		created = err == nil
	}
	if err != nil {
		return fmt.Errorf("assetgc: note created %s: %w", assetPath, err)
	}
	if created {
		metrics.AssetsLeasedActive.Inc()
	}
	return nil
}

// Prune is the GC's sole deletion entry point (spec.md §4.6, invariants
// I3/I4). For every lease owned by notebookKey: assets in referenced are
// renewed and never deleted; unreferenced assets past their lease expiry
// are deleted (or just reported, if dryRun); everything else is left
// untouched under its existing lease.
func (g *GC) Prune(notebookKey string, referenced map[string]struct{}, dryRun bool) (*types.PruneReport, error) {
	leases, err := g.store.ListAssetLeasesByNotebook(notebookKey)
	if err != nil {
		return nil, fmt.Errorf("assetgc: list leases: %w", err)
	}

	report := &types.PruneReport{Errors: make(map[string]string)}
	now := time.Now()

	for _, lease := range leases {
		if _, ok := referenced[lease.AssetPath]; ok {
			if err := g.store.RenewAssetLease(lease.AssetPath, now, now.Add(g.defaultTTL)); err != nil && err != storage.ErrNotFound {
				report.Errors[lease.AssetPath] = err.Error()
				continue
			}
			report.Renewed = append(report.Renewed, lease.AssetPath)
			continue
		}

		if !lease.Expired(now) {
			report.Kept = append(report.Kept, lease.AssetPath)
			continue
		}

		if dryRun {
			report.Deleted = append(report.Deleted, lease.AssetPath)
			continue
		}

		if err := g.deleteOne(lease.AssetPath); err != nil {
			report.Errors[lease.AssetPath] = err.Error()
			g.logger.Warn().Str("asset_path", lease.AssetPath).Err(err).Msg("delete failed, lease preserved for retry")
			continue
		}
		report.Deleted = append(report.Deleted, lease.AssetPath)
		metrics.AssetsDeletedTotal.Inc()
		metrics.AssetsLeasedActive.Dec()
	}

	return report, nil
}

func (g *GC) deleteOne(assetPath string) error {
	path := filepath.Join(g.assetsDir, assetPath)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return g.store.DropAssetLease(assetPath)
}
