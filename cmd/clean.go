package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pixmatch/internal/fileutil"
	"pixmatch/internal/session"
)

var (
	dryRun    bool
	moveTo    string
	permanent bool
	noConfirm bool
	groupIDs  []int
)

var cleanCmd = &cobra.Command{
	Use:   "clean <folder>...",
	Short: "Remove or move duplicate images",
	Long: `Scan folders and remove duplicate images, keeping the highest quality
version of each group.

The clean command will:
1. Scan the folders and build duplicate groups
2. Mark every image except the best one in each group for deletion
   (images inside zip archives are never touched)
3. Move marked images to trash (default), another folder, or delete them

Options:
  --dry-run     Preview what would be removed without actually removing
  --permanent   Delete files permanently instead of moving to trash
  --move-to     Move duplicates to a specific folder
  --yes         Skip confirmation prompt
  --group       Specify group IDs to clean (can be used multiple times)

Example:
  pixmatch clean ./photos                     # Move to trash (default)
  pixmatch clean --permanent ./photos         # Delete permanently
  pixmatch clean --move-to=./backup ./photos  # Move to specific folder
  pixmatch clean --dry-run ./photos           # Preview only
  pixmatch clean -g 1 -g 3 ./photos           # Clean only groups 1 and 3`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClean,
}

func init() {
	cleanCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Preview without removing")
	cleanCmd.Flags().BoolVar(&permanent, "permanent", false, "Delete permanently instead of moving to trash")
	cleanCmd.Flags().StringVar(&moveTo, "move-to", "", "Move duplicates to this folder")
	cleanCmd.Flags().BoolVarP(&noConfirm, "yes", "y", false, "Skip confirmation prompt")
	cleanCmd.Flags().IntSliceVarP(&groupIDs, "group", "g", nil, "Group IDs to clean (can be specified multiple times)")
	cleanCmd.MarkFlagsMutuallyExclusive("permanent", "move-to")
	rootCmd.AddCommand(cleanCmd)
}

// cleanMode maps the clean flags to an executor mode
func cleanMode() string {
	switch {
	case dryRun:
		return "dry-run"
	case moveTo != "":
		return "move"
	case permanent:
		return "permanent"
	default:
		return "trash"
	}
}

func runClean(cmd *cobra.Command, args []string) error {
	exec, err := fileutil.ForMode(cleanMode(), moveTo, log)
	if err != nil {
		return err
	}

	progress := &scanProgress{}
	sess, closeFn, err := openSession(progress)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := scanRoots(cmd, sess, progress, args); err != nil {
		return err
	}

	if len(sess.Groups()) == 0 {
		fmt.Println("No duplicate groups found.")
		return nil
	}

	if len(groupIDs) > 0 {
		for _, id := range groupIDs {
			if _, ok := sess.Group(id); !ok {
				fmt.Printf("Group #%d not found, skipping\n", id)
			}
		}
		fmt.Printf("Processing selected group(s): %v\n\n", groupIDs)
	}

	sess.SuggestDispositions(groupIDs...)
	plan := sess.Plan()
	if len(plan) == 0 {
		fmt.Println("No files to remove.")
		return nil
	}

	var totalSize int64
	for _, r := range plan {
		totalSize += r.CompressedSize
	}

	fmt.Printf("Will %s %d files (%s)\n\n", exec.Name(), len(plan), humanize.Bytes(uint64(totalSize)))

	if dryRun {
		fmt.Println("Files to be removed:")
		for _, r := range plan {
			fmt.Printf("  %s\n", r.Key())
		}
		fmt.Println()
	} else if !noConfirm {
		fmt.Printf("Are you sure you want to %s %d files? [y/N]: ", exec.Name(), len(plan))
		reader := bufio.NewReader(os.Stdin)
		response, _ := reader.ReadString('\n')
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if moveTo != "" && !dryRun {
		if err := os.MkdirAll(moveTo, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", moveTo, err)
		}
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	results, execErr := sess.Execute(ctx, exec)

	var processed, failed int
	var reclaimed int64
	for _, res := range results {
		var delErr *session.DeletionError
		if errors.As(res.Err, &delErr) {
			fmt.Fprintf(os.Stderr, "Failed to process %s: %v\n", delErr.Source, delErr.Err)
			failed++
			continue
		}
		processed++
		reclaimed += res.Record.CompressedSize
	}

	fmt.Println()
	if dryRun {
		fmt.Println("(Dry run - no files were modified)")
		fmt.Println("Run without --dry-run to actually remove files.")
		return execErr
	}
	fmt.Printf("%s: %d files\n", exec.Name(), processed)
	if failed > 0 {
		fmt.Printf("Failed: %d files\n", failed)
	}
	fmt.Printf("Space reclaimed: %s\n", humanize.Bytes(uint64(reclaimed)))

	return execErr
}
