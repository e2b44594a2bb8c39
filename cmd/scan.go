package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pixmatch/internal/models"
	"pixmatch/internal/session"
)

var (
	scanDetails bool
	scanSummary bool
	scanLimit   int
	scanOffset  int
)

var scanCmd = &cobra.Command{
	Use:   "scan <folder>...",
	Short: "Scan folders for duplicate images",
	Long: `Scan folders recursively for images and show duplicate groups.

The scan will:
1. Find all supported images (jpg, png, gif, webp, bmp, tiff), including
   entries of zip archives
2. Compute perceptual hashes for every orientation of every frame
3. Group similar images based on hash distance
4. Cache fingerprints so unchanged files are not decoded again

Each group shows which image would be kept (highest score, marked with ✓)
and which would be removed (marked with ✗).

Example:
  pixmatch scan ./photos
  pixmatch scan ./photos ./phone-backup --strength 8
  pixmatch scan ./photos -s          # Summary view (compact)
  pixmatch scan ./photos -n 0        # Show all groups`,
	Args: cobra.MinimumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVarP(&scanDetails, "details", "d", false, "Show detailed image info")
	scanCmd.Flags().BoolVarP(&scanSummary, "summary", "s", false, "Show summary only (group counts and sizes)")
	scanCmd.Flags().IntVarP(&scanLimit, "limit", "n", 10, "Limit number of groups to display (0 = all)")
	scanCmd.Flags().IntVar(&scanOffset, "offset", 0, "Skip first N groups (for pagination)")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	progress := &scanProgress{}
	sess, closeFn, err := openSession(progress)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := scanRoots(cmd, sess, progress, args); err != nil {
		return err
	}

	groups := sess.Groups()
	totalDuplicates, totalSavings := reclaimable(groups)

	fmt.Println()
	fmt.Println("=== Scan Complete ===")
	fmt.Printf("Total images:     %d\n", len(sess.Records()))
	fmt.Printf("Duplicate groups: %d\n", len(groups))
	fmt.Printf("Duplicates found: %d (%s reclaimable)\n", totalDuplicates, humanize.Bytes(uint64(totalSavings)))
	fmt.Println()

	if len(groups) == 0 {
		return nil
	}

	// Apply pagination
	totalGroups := len(groups)
	startIdx := min(scanOffset, totalGroups)
	groups = groups[startIdx:]
	if scanLimit > 0 && scanLimit < len(groups) {
		groups = groups[:scanLimit]
	}

	if len(groups) == 0 {
		fmt.Printf("No groups in range (offset %d exceeds total %d)\n", scanOffset, totalGroups)
	} else if scanSummary {
		printSummaryTable(groups)
	} else {
		for _, group := range groups {
			printGroup(sess, group, scanDetails)
		}
	}

	endIdx := startIdx + len(groups)
	if len(groups) > 0 {
		fmt.Printf("Showing groups %d-%d of %d\n", startIdx+1, endIdx, totalGroups)
	}

	fmt.Println()
	fmt.Println("Run 'pixmatch clean --dry-run <folder>...' to preview deletions")
	fmt.Println("Run 'pixmatch serve <folder>...' to review groups in the browser")

	return nil
}

// reclaimable counts the non-keep members of groups and their on-disk size
func reclaimable(groups []*models.DuplicateGroup) (int, int64) {
	var n int
	var size int64
	for _, group := range groups {
		for _, r := range group.Remove() {
			n++
			if !r.Source.ReadOnly() {
				size += r.CompressedSize
			}
		}
	}
	return n, size
}

func printSummaryTable(groups []*models.DuplicateGroup) {
	fmt.Printf("%-8s  %-8s  %-12s  %s\n", "Group", "Images", "Reclaimable", "Keep (best quality)")
	fmt.Println(strings.Repeat("-", 70))

	for _, group := range groups {
		_, size := reclaimable([]*models.DuplicateGroup{group})

		keepName := group.Keep.Source.Name()
		if len(keepName) > 35 {
			keepName = keepName[:32] + "..."
		}

		fmt.Printf("#%-7d  %-8d  %-12s  %s\n",
			group.ID, len(group.Records), humanize.Bytes(uint64(size)), keepName)
	}
	fmt.Println()
}

func printGroup(sess *session.Session, group *models.DuplicateGroup, details bool) {
	fmt.Printf("Group #%d (%d images)\n", group.ID, len(group.Records))
	fmt.Println(strings.Repeat("-", 60))

	for _, r := range group.Records {
		marker := "✗"
		if r == group.Keep {
			marker = "✓"
		}
		if d := sess.Disposition(r.Key()); d != models.None {
			marker += " [" + d.String() + "]"
		}

		key := r.Key()
		if details {
			fmt.Printf("  %s %s\n", marker, key)
			fmt.Printf("      Resolution: %dx%d  Format: %s  Size: %s  Frames: %d\n",
				r.Width, r.Height, strings.ToUpper(r.Format),
				humanize.Bytes(uint64(r.CompressedSize)), r.FrameCount)
			fmt.Printf("      Modified: %s  Score: %.0f\n", humanize.Time(r.ModTime), r.Score)
			if r.Source.ReadOnly() {
				fmt.Println("      (inside archive, cannot be deleted)")
			}
		} else {
			fmt.Printf("  %s %-40s  %dx%d  %-4s  %8s  Score: %.0f\n",
				marker, shortenPath(key, 40), r.Width, r.Height,
				strings.ToUpper(r.Format), humanize.Bytes(uint64(r.CompressedSize)), r.Score)
		}
	}
	fmt.Println()
}

func shortenPath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}

	// Try to show filename and as much of the path as possible
	dir, file := filepath.Split(path)
	if len(file) >= maxLen-3 {
		return "..." + file[len(file)-(maxLen-3):]
	}

	remaining := maxLen - len(file) - 4 // 4 for ".../"
	if remaining > 0 && len(dir) > remaining {
		dir = dir[len(dir)-remaining:]
	}
	return "..." + dir + file
}
