package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/notebroker/pkg/config"
	"github.com/cuemby/notebroker/pkg/types"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

var (
	migrateDataDir string
	migrateDryRun  bool
	migrateBackup  string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Inspect the broker database offline and repair executions stranded by an unclean shutdown",
	Long: `migrate opens broker.db directly, without starting the supervisor or
scheduler, and repairs Executions left in the "running" state by a broker
that crashed or was killed mid-flight. A running Execution found here never
had its kernel subprocess resumed, so it is reset to "pending" for the next
"brokerd serve" to re-enqueue via its normal crash-recovery path.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDataDir, "data-dir", "", "Broker data directory (default: configured DATA_DIR)")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Report what would change without writing")
	migrateCmd.Flags().StringVar(&migrateBackup, "backup", "", "Path to back up broker.db to before modifying (default: <db>.backup)")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	dataDir := migrateDataDir
	if dataDir == "" {
		dataDir = config.Default().DataDir
	}

	dbPath := filepath.Join(dataDir, "broker.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("database not found at %s", dbPath)
	}

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Dry run:  %v\n", migrateDryRun)

	if !migrateDryRun {
		backupFile := migrateBackup
		if backupFile == "" {
			backupFile = dbPath + ".backup"
		}
		fmt.Printf("Creating backup: %s\n", backupFile)
		if err := copyFile(dbPath, backupFile); err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	repaired, total, err := repairStrandedRunning(db, migrateDryRun)
	if err != nil {
		return fmt.Errorf("repair failed: %w", err)
	}

	if migrateDryRun {
		fmt.Printf("\n%d/%d executions are stranded in \"running\"; would reset to \"pending\".\n", repaired, total)
		fmt.Println("Run without --dry-run to apply.")
	} else {
		fmt.Printf("\nReset %d/%d stranded executions to \"pending\".\n", repaired, total)
	}
	return nil
}

// repairStrandedRunning walks the executions bucket and resets any record
// whose Status is "running" back to "pending" with StartedAt cleared, since
// this tool only ever runs while brokerd is stopped, so "running" can only
// mean a dispatch that never got its kernel reply before the crash.
func repairStrandedRunning(db *bolt.DB, dryRun bool) (repaired, total int, err error) {
	err = db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte("executions"))
		if b == nil {
			return fmt.Errorf("executions bucket not found; not a broker database")
		}

		type fix struct {
			key  []byte
			exec *types.Execution
		}
		var fixes []fix

		if walkErr := b.ForEach(func(k, v []byte) error {
			total++
			var exec types.Execution
			if err := json.Unmarshal(v, &exec); err != nil {
				fmt.Printf("  warning: skipping unparseable record %s: %v\n", k, err)
				return nil
			}
			if exec.Status == types.ExecutionRunning {
				fixes = append(fixes, fix{key: append([]byte(nil), k...), exec: &exec})
			}
			return nil
		}); walkErr != nil {
			return walkErr
		}

		repaired = len(fixes)
		if dryRun || repaired == 0 {
			return nil
		}

		for _, f := range fixes {
			f.exec.Status = types.ExecutionPending
			f.exec.StartedAt = time.Time{}
			data, err := json.Marshal(f.exec)
			if err != nil {
				return err
			}
			if err := b.Put(f.key, data); err != nil {
				return err
			}
		}
		return nil
	})
	return repaired, total, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
