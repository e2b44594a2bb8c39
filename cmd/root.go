package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pixmatch/internal/config"
	"pixmatch/internal/logging"
	"pixmatch/internal/match"
	"pixmatch/internal/session"
	"pixmatch/internal/storage"
)

var (
	cfgFile string
	vp      = config.New()
	cfg     *config.Config
	log     = logrus.StandardLogger()
)

var rootCmd = &cobra.Command{
	Use:   "pixmatch",
	Short: "Find and manage duplicate images",
	Long: `pixmatch finds duplicate and near-duplicate images across folders and
zip archives.

Images are compared with perceptual hashes over all eight rotations and
mirrorings, so resized, recompressed, rotated and flipped copies are grouped
together. Animated GIFs are compared frame by frame.

Settings can also come from $HOME/.pixmatch/config.yaml or PIXMATCH_*
environment variables.

Example usage:
  pixmatch scan ./photos ./backup         # Show duplicate groups
  pixmatch scan --strength 8 ./photos     # Stricter matching
  pixmatch clean --dry-run ./photos       # Preview what would be deleted
  pixmatch clean ./photos                 # Trash lower quality duplicates
  pixmatch serve ./photos                 # Review groups in the browser`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(vp, cfgFile)
		if err != nil {
			return err
		}
		cfg = c
		log = logging.New(os.Stderr, cfg.Verbose)
		if cfg.File != "" {
			log.WithField("file", cfg.File).Debug("loaded config")
		}
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default $HOME/.pixmatch/config.yaml)")
	pf.Int(config.KeyStrength, match.DefaultStrength, "Match strength 1-10 (higher = stricter)")
	pf.Bool(config.KeyExact, false, "Only group byte-identical files")
	pf.Int(config.KeyWorkers, runtime.NumCPU(), "Number of parallel workers")
	pf.Duration(config.KeyTimeout, 30*time.Second, "Per-image decode timeout (0 to disable)")
	pf.String(config.KeyDB, vp.GetString(config.KeyDB), "Path to fingerprint cache database")
	pf.Bool(config.KeyNoCache, false, "Don't read or write the fingerprint cache")
	pf.BoolP(config.KeyVerbose, "v", false, "Enable debug logging")
	if err := vp.BindPFlags(pf); err != nil {
		panic(err)
	}
}

// signalContext is cancelled on Ctrl+C so long scans stop cleanly
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// openSession builds a session from the loaded config. The returned func
// closes the session and the cache database.
func openSession(progress *scanProgress) (*session.Session, func(), error) {
	opts := []session.Option{
		session.WithPolicy(cfg.Policy()),
		session.WithWorkers(cfg.Workers),
		session.WithTimeout(cfg.Timeout),
		session.WithLogger(log),
	}

	var store *storage.Storage
	if !cfg.NoCache {
		st, err := storage.NewStorage(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		store = st
		opts = append(opts, session.WithStore(store))
	}
	if progress != nil {
		opts = append(opts, session.WithProgress(progress.update))
	}

	sess := session.New(opts...)
	closeFn := func() {
		if err := sess.Close(); err != nil {
			log.WithError(err).Warn("failed to close archives")
		}
		if store != nil {
			store.Close()
		}
	}
	return sess, closeFn, nil
}

// scanProgress draws a progress bar on stderr. The bar is created on the
// first update, once the total is known.
type scanProgress struct {
	mu   sync.Mutex
	bar  *progressbar.ProgressBar
	last int
}

func (p *scanProgress) update(scanned, total int, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar == nil {
		p.bar = progressbar.Default(int64(total), "Fingerprinting")
	}
	// Workers report out of order
	if scanned > p.last {
		p.last = scanned
		_ = p.bar.Set(scanned)
	}
}

func (p *scanProgress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
}

// scanRoots runs a scan with a progress bar and prints failures
func scanRoots(cmd *cobra.Command, sess *session.Session, progress *scanProgress, roots []string) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	fmt.Printf("Scanning: %v\n", roots)
	fmt.Printf("Policy: %s\n", sess.Policy())
	fmt.Printf("Workers: %d\n\n", cfg.Workers)

	err := sess.Scan(ctx, roots)
	progress.finish()
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if failures := sess.Failures(); len(failures) > 0 {
		fmt.Printf("Skipped %d unreadable images\n", len(failures))
		for _, f := range failures {
			log.WithField("source", f.Source.Key()).WithError(f.Err).Debug("skipped")
		}
	}
	return nil
}
