package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/steveyegge/beads-live/internal/filesync"
	"github.com/steveyegge/beads-live/internal/logging"
	"github.com/steveyegge/beads-live/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "store",
	Short:   "Full sync from entity files to the store",
	Long: `Sync all entity files to the store database.

This performs a full sync:
  1. Reads all <dir>/entities/*.json files
  2. Upserts changed entities into <dir>/entities.db
  3. Removes stored entities whose file is gone

Do not run it next to 'lq serve'; the server's daemon already does this.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.FromContext(cmd.Context())
		s, err := openStore(log)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer s.Close()

		dir := cfg.EntitiesDir()
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "%s entities directory not found at %s\n", ui.RenderWarn("⚠"), dir)
		}

		fmt.Printf("%s Syncing from %s...\n", ui.RenderAccent("🔄"), dir)
		res, err := filesync.New(s, log).FullSync(dir)
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), res.Duration.Round(time.Millisecond))
		fmt.Printf("   Files: %d (%d unchanged)\n", res.Processed, res.Unchanged)
		fmt.Printf("   Deleted: %d\n", res.Deleted)
		if res.Failed > 0 {
			fmt.Printf("   %s Failed: %d (see log)\n", ui.RenderWarn("⚠"), res.Failed)
		}
		fmt.Printf("   Store: %s\n", s.Path())
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "store",
	Short:   "Show store status",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.DBPath()
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			fmt.Printf("\n%s Store not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'lq sync' or 'lq serve' to create it\n\n")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to check store: %w", err)
		}

		s, err := openStore(logging.FromContext(cmd.Context()))
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer s.Close()

		stats, err := s.Stats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("\n%s Store Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Location: %s\n", path)
		fmt.Printf("Size: %s\n", formatSize(info.Size()))
		fmt.Printf("Entities: %d\n", stats.Entities)
		fmt.Printf("Tasks: %d\n", stats.Tasks)
		for _, status := range sortedKeys(stats.ByStatus) {
			fmt.Printf("   %-12s %d\n", status, stats.ByStatus[status])
		}
		if len(stats.Collections) > 0 {
			fmt.Printf("Collections:\n")
			for _, name := range sortedKeys(stats.Collections) {
				fmt.Printf("   %-12s %d\n", name, stats.Collections[name])
			}
		}
		fmt.Printf("Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Println()
		return nil
	},
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}
