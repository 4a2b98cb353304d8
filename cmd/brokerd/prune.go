package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/notebroker/pkg/config"
	"github.com/cuemby/notebroker/pkg/storage"
	"github.com/spf13/cobra"
)

var (
	pruneDataDir        string
	pruneDryRun         bool
	pruneCompletedOlder time.Duration
	pruneSkipAssets     bool
	pruneSkipCompleted  bool
)

var pruneAssetsCmd = &cobra.Command{
	Use:   "prune-assets",
	Short: "Offline maintenance sweep: delete expired asset leases and old completed executions",
	Long: `prune-assets opens the broker database directly (brokerd serve must not be
running against the same DATA_DIR at the same time) and runs two sweeps: a
global expired-lease sweep over every notebook's assets (the live broker
only prunes one notebook at a time, on a prune request), and the
supplemented cleanup_completed(age) maintenance operation, which the live
broker never runs.`,
	RunE: runPruneAssets,
}

func init() {
	pruneAssetsCmd.Flags().StringVar(&pruneDataDir, "data-dir", "", "Broker data directory (default: configured DATA_DIR)")
	pruneAssetsCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report what would be deleted without deleting")
	pruneAssetsCmd.Flags().DurationVar(&pruneCompletedOlder, "completed-older-than", 30*24*time.Hour, "Delete terminal executions completed before this long ago")
	pruneAssetsCmd.Flags().BoolVar(&pruneSkipAssets, "skip-assets", false, "Skip the expired asset lease sweep")
	pruneAssetsCmd.Flags().BoolVar(&pruneSkipCompleted, "skip-completed", false, "Skip the completed-execution sweep")
}

func runPruneAssets(cmd *cobra.Command, args []string) error {
	dataDir := pruneDataDir
	if dataDir == "" {
		dataDir = config.Default().DataDir
	}

	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	assetsDir := filepath.Join(dataDir, "assets")

	if !pruneSkipAssets {
		if err := sweepExpiredAssets(store, assetsDir, pruneDryRun); err != nil {
			return fmt.Errorf("asset sweep: %w", err)
		}
	}

	if !pruneSkipCompleted {
		if err := sweepCompletedExecutions(store, pruneCompletedOlder, pruneDryRun); err != nil {
			return fmt.Errorf("completed-execution sweep: %w", err)
		}
	}

	return nil
}

// sweepExpiredAssets deletes every lease (across all notebooks) that has
// passed its expiry, along with its backing file, mirroring the Asset GC's
// own invariant I4 ordering: the file is removed first, the lease record
// only once that succeeds (or is already absent).
func sweepExpiredAssets(store storage.Store, assetsDir string, dryRun bool) error {
	now := time.Now()
	leases, err := store.ExpiredAssetLeases(now)
	if err != nil {
		return fmt.Errorf("list expired leases: %w", err)
	}

	fmt.Printf("Found %d expired asset lease(s).\n", len(leases))
	if dryRun {
		for _, lease := range leases {
			fmt.Printf("  would delete %s (notebook=%s, expired %s)\n", lease.AssetPath, lease.NotebookKey, lease.LeaseExpires.Format(time.RFC3339))
		}
		return nil
	}

	var deleted int
	for _, lease := range leases {
		path := filepath.Join(assetsDir, lease.AssetPath)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Printf("  warning: failed to remove %s: %v (lease preserved)\n", path, err)
			continue
		}
		if err := store.DropAssetLease(lease.AssetPath); err != nil {
			fmt.Printf("  warning: failed to drop lease %s: %v\n", lease.AssetPath, err)
			continue
		}
		deleted++
	}
	fmt.Printf("Deleted %d/%d expired asset(s).\n", deleted, len(leases))
	return nil
}

// sweepCompletedExecutions invokes the supplemented cleanup_completed(age)
// maintenance operation (spec.md supplement; Store.DeleteCompletedOlderThan).
func sweepCompletedExecutions(store storage.Store, olderThan time.Duration, dryRun bool) error {
	cutoff := time.Now().Add(-olderThan)
	if dryRun {
		fmt.Printf("Dry run: would delete terminal executions completed before %s.\n", cutoff.Format(time.RFC3339))
		return nil
	}

	n, err := store.DeleteCompletedOlderThan(cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d completed execution(s) older than %s.\n", n, olderThan)
	return nil
}
