package cmd

import (
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"pixmatch/internal/config"
	"pixmatch/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve <folder>...",
	Short: "Start a local API for reviewing and cleaning duplicates",
	Long: `Scan folders, then start a local web server exposing the duplicate
groups as JSON.

The server will:
- List duplicate groups with image previews at /api/image
- Cycle each image between none, delete and ignore
- Change the matching strength and recluster
- Execute the planned deletions
- Auto-shutdown after the idle timeout

Example:
  pixmatch serve ./photos                    # Start on default port 8080
  pixmatch serve -p 3000 ./photos            # Use custom port
  pixmatch serve --idle-timeout 10m ./photos # 10 minute idle timeout`,
	Args: cobra.MinimumNArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Duration("idle-timeout", 5*time.Minute, "Idle timeout (0 to disable)")
	serveCmd.Flags().Bool("no-browser", false, "Don't open browser automatically")
	for key, name := range map[string]string{
		config.KeyServePort:   "port",
		config.KeyIdleTimeout: "idle-timeout",
		config.KeyNoBrowser:   "no-browser",
	} {
		if err := vp.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	progress := &scanProgress{}
	sess, closeFn, err := openSession(progress)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := scanRoots(cmd, sess, progress, args); err != nil {
		return err
	}
	fmt.Printf("Found %d duplicate groups\n\n", len(sess.Groups()))

	addr := fmt.Sprintf("localhost:%d", cfg.ServePort)
	srv := server.New(sess, addr, cfg.IdleTimeout, log)

	url := "http://" + addr + "/api/groups"
	fmt.Printf("Starting server at %s\n", url)
	if cfg.IdleTimeout > 0 {
		fmt.Printf("Idle timeout: %v (resets on every request)\n", cfg.IdleTimeout)
	}
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()

	if !cfg.NoBrowser {
		go func() {
			time.Sleep(500 * time.Millisecond)
			openBrowser(url)
		}()
	}

	return srv.Start(cmd.Context())
}

func openBrowser(url string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Run(); err != nil {
		log.WithError(err).Debug("failed to open browser")
	}
}
