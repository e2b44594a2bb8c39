package scan

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pixmatch/internal/frames"
	"pixmatch/internal/hash"
	"pixmatch/internal/models"
	"pixmatch/internal/source"
)

// Cache stores derived records between runs. A hit must only be returned when
// the candidate's size and mod time still match.
type Cache interface {
	Get(c source.Candidate) (*models.ImageRecord, bool)
	Put(c source.Candidate, rec *models.ImageRecord) error
}

// Failure is a source that could not be turned into a record.
type Failure struct {
	Source models.ImageSource
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Source, f.Err)
}

func (f Failure) Unwrap() error {
	return f.Err
}

// Scanner reads, decodes and fingerprints candidates in parallel
type Scanner struct {
	reader     source.Reader
	cache      Cache
	workers    int
	timeout    time.Duration
	progressFn func(scanned, total int, current string)
	log        logrus.FieldLogger
}

// Option configures a Scanner
type Option func(*Scanner)

// WithWorkers sets the number of parallel workers
func WithWorkers(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithTimeout sets the timeout for hashing each image
func WithTimeout(d time.Duration) Option {
	return func(s *Scanner) {
		s.timeout = d
	}
}

// WithProgress sets a progress callback
func WithProgress(fn func(scanned, total int, current string)) Option {
	return func(s *Scanner) {
		s.progressFn = fn
	}
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.log = l
		}
	}
}

// WithCache enables the fingerprint cache
func WithCache(c Cache) Option {
	return func(s *Scanner) {
		s.cache = c
	}
}

// NewScanner creates a new Scanner reading sources through r
func NewScanner(r source.Reader, opts ...Option) *Scanner {
	s := &Scanner{
		reader:  r,
		workers: 8,
		timeout: 30 * time.Second,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process turns candidates into records. Sources that cannot be read or
// decoded are reported as failures and never retried. Cancelling ctx stops
// issuing work and returns ctx.Err() with no results.
func (s *Scanner) Process(ctx context.Context, cands []source.Candidate) ([]*models.ImageRecord, []Failure, error) {
	if len(cands) == 0 {
		return nil, nil, ctx.Err()
	}

	var (
		records = make([]*models.ImageRecord, len(cands))
		errs    = make([]error, len(cands))
		scanned atomic.Int64
		total   = len(cands)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for i, c := range cands {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			records[i], errs[i] = s.processWithTimeout(gctx, c)

			n := scanned.Add(1)
			if s.progressFn != nil {
				s.progressFn(int(n), total, c.Source.Key())
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var (
		out      []*models.ImageRecord
		failures []Failure
	)
	for i, c := range cands {
		if errs[i] != nil {
			s.log.WithField("source", c.Source.Key()).WithError(errs[i]).Debug("excluding source")
			failures = append(failures, Failure{Source: c.Source, Err: errs[i]})
			continue
		}
		out = append(out, records[i])
	}
	return out, failures, nil
}

type result struct {
	rec *models.ImageRecord
	err error
}

// processWithTimeout processes a candidate with a timeout
func (s *Scanner) processWithTimeout(ctx context.Context, c source.Candidate) (*models.ImageRecord, error) {
	if s.timeout <= 0 {
		return s.process(c)
	}

	done := make(chan result, 1)
	go func() {
		rec, err := s.process(c)
		done <- result{rec, err}
	}()

	select {
	case r := <-done:
		return r.rec, r.err
	case <-time.After(s.timeout):
		return nil, fmt.Errorf("timeout hashing image: %s", c.Source)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// process computes the fingerprints and extracts metadata for one source
func (s *Scanner) process(c source.Candidate) (*models.ImageRecord, error) {
	if s.cache != nil {
		if rec, ok := s.cache.Get(c); ok {
			rec.Score = hash.CalculateScore(rec)
			return rec, nil
		}
	}

	name := c.Source.Path
	if c.Source.ReadOnly() {
		name = c.Source.Entry
	}
	format, ok := frames.FormatFromName(name)
	if !ok {
		return nil, &frames.DecodeError{Format: frames.Format(name), Err: fmt.Errorf("unsupported extension")}
	}

	data, err := s.reader.ReadAll(c.Source)
	if err != nil {
		return nil, err
	}

	decoded, err := frames.Extract(data, format)
	if err != nil {
		return nil, err
	}

	fp, err := hash.FingerprintFrames(decoded.Frames)
	if err != nil {
		return nil, fmt.Errorf("failed to compute hash: %w", err)
	}

	rec := &models.ImageRecord{
		Source:           c.Source,
		Format:           string(decoded.Format),
		Width:            decoded.Width,
		Height:           decoded.Height,
		CompressedSize:   c.Size,
		UncompressedSize: decoded.UncompressedSize(),
		FrameCount:       len(decoded.Frames),
		ModTime:          c.ModTime,
		HasExif:          hash.HasExif(data),
		Fingerprints:     fp,
	}

	// Calculate score
	rec.Score = hash.CalculateScore(rec)

	if s.cache != nil {
		if err := s.cache.Put(c, rec); err != nil {
			s.log.WithField("source", c.Source.Key()).WithError(err).Warn("failed to cache fingerprints")
		}
	}

	return rec, nil
}
