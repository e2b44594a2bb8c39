package cmd

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pixmatch/internal/storage"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent scans",
	Long: `Display recent scans recorded in the fingerprint cache database.

Example:
  pixmatch history         # Show the last 10 scans
  pixmatch history -n 0    # Show all scans`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Limit number of scans to display (0 = all)")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	store, err := storage.NewStorage(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	limit := historyLimit
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	scans, err := store.History(limit)
	if err != nil {
		return err
	}

	if len(scans) == 0 {
		fmt.Println("No scans recorded.")
		fmt.Println("Run 'pixmatch scan <folder>' to scan for duplicates.")
		return nil
	}

	cached, err := store.Count()
	if err != nil {
		return err
	}
	fmt.Printf("%d cached fingerprints in %s\n\n", cached, store.Path())

	fmt.Printf("%-6s  %-16s  %-8s  %-8s  %-10s  %-8s  %s\n",
		"Scan", "When", "Images", "Groups", "Duplicates", "Failed", "Folders")
	fmt.Println(strings.Repeat("-", 90))
	for _, s := range scans {
		fmt.Printf("#%-5d  %-16s  %-8d  %-8d  %-10d  %-8d  %s\n",
			s.ID, humanize.Time(s.ScannedAt), s.TotalImages, s.TotalGroups,
			s.TotalDuplicates, s.Failures, strings.Join(s.Roots, ", "))
	}
	fmt.Println()

	return nil
}
