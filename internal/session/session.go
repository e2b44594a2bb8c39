// Package session owns one working set of scanned images: the records, the
// active matching policy, the resulting groups and the user's dispositions.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pixmatch/internal/disposition"
	"pixmatch/internal/hash"
	"pixmatch/internal/match"
	"pixmatch/internal/models"
	"pixmatch/internal/scan"
	"pixmatch/internal/source"
	"pixmatch/internal/storage"
)

var (
	// ErrUnknownRecord is returned for keys the session has no record for.
	ErrUnknownRecord = errors.New("unknown record")
	// ErrNotGrouped is returned when a disposition targets an ungrouped record.
	ErrNotGrouped = errors.New("record is not in any group")
)

// Session is safe for concurrent use. Long operations hold the session lock,
// so readers wait for a scan or recluster to finish.
type Session struct {
	mu sync.RWMutex

	opener  *source.Opener
	store   *storage.Storage
	log     logrus.FieldLogger
	workers int
	timeout time.Duration
	onScan  func(scanned, total int, current string)

	policy   match.Policy
	roots    []string
	records  map[string]*models.ImageRecord
	failures []scan.Failure
	ignored  map[string]struct{}
	groups   []*models.DuplicateGroup
	index    map[string]int
	tracker  *disposition.Tracker
}

// Option configures a Session
type Option func(*Session)

// WithPolicy sets the initial matching policy
func WithPolicy(p match.Policy) Option {
	return func(s *Session) {
		s.policy = p
	}
}

// WithWorkers sets the parallelism of scanning and clustering
func WithWorkers(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithTimeout sets the per-image processing timeout
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// WithLogger sets the logger
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithStore enables the fingerprint cache and scan history
func WithStore(st *storage.Storage) Option {
	return func(s *Session) {
		s.store = st
	}
}

// WithProgress sets a callback invoked as each source is processed
func WithProgress(fn func(scanned, total int, current string)) Option {
	return func(s *Session) {
		s.onScan = fn
	}
}

// New creates an empty session
func New(opts ...Option) *Session {
	s := &Session{
		opener:  source.NewOpener(),
		log:     logrus.StandardLogger(),
		workers: runtime.NumCPU(),
		timeout: 30 * time.Second,
		policy:  match.DefaultPolicy(),
		records: make(map[string]*models.ImageRecord),
		ignored: make(map[string]struct{}),
		index:   make(map[string]int),
		tracker: disposition.NewTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases open archives. The store is owned by the caller.
func (s *Session) Close() error {
	return s.opener.Close()
}

// Scan enumerates roots, fingerprints every source found and reclusters.
// Records previously scanned under the same roots are replaced.
func (s *Session) Scan(ctx context.Context, roots []string) error {
	abs := make([]string, 0, len(roots))
	for _, r := range roots {
		a, err := filepath.Abs(r)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", r, err)
		}
		abs = append(abs, a)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Archives may have changed since the last scan.
	if err := s.opener.Close(); err != nil {
		s.log.WithError(err).Warn("failed to close archives")
	}

	cands, err := source.Walk(ctx, abs, s.log)
	if err != nil {
		return s.abortOn(ctx, err)
	}

	opts := []scan.Option{
		scan.WithWorkers(s.workers),
		scan.WithTimeout(s.timeout),
		scan.WithLogger(s.log),
		scan.WithProgress(s.onScan),
	}
	if s.store != nil {
		opts = append(opts, scan.WithCache(s.store))
	}
	records, failures, err := scan.NewScanner(s.opener, opts...).Process(ctx, cands)
	if err != nil {
		return s.abortOn(ctx, err)
	}

	for k, r := range s.records {
		if underAny(r.Source.Path, abs) {
			delete(s.records, k)
			delete(s.ignored, k)
		}
	}
	kept := s.failures[:0]
	for _, f := range s.failures {
		if !underAny(f.Source.Path, abs) {
			kept = append(kept, f)
		}
	}
	s.failures = append(kept, failures...)
	for _, r := range records {
		s.records[r.Key()] = r
	}
	for _, a := range abs {
		if !slices.Contains(s.roots, a) {
			s.roots = append(s.roots, a)
		}
	}

	s.log.WithFields(logrus.Fields{
		"roots":    len(abs),
		"records":  len(records),
		"failures": len(failures),
	}).Info("scan finished")

	if err := s.recluster(ctx); err != nil {
		return err
	}

	if s.store != nil {
		dups := 0
		for _, g := range s.groups {
			dups += len(g.Records) - 1
		}
		if err := s.store.RecordScan(abs, len(records), len(s.groups), dups, len(failures)); err != nil {
			s.log.WithError(err).Warn("failed to record scan history")
		}
	}
	return nil
}

// abortOn clears the groups when err came from cancellation.
func (s *Session) abortOn(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	s.clearGroups()
	return fmt.Errorf("%w: %v", match.ErrClusteringAborted, err)
}

func (s *Session) clearGroups() {
	s.groups = nil
	s.index = make(map[string]int)
	s.tracker.Retain(s.index)
}

// SetPolicy switches the matching policy and rebuilds the groups from scratch.
func (s *Session) SetPolicy(ctx context.Context, p match.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
	return s.recluster(ctx)
}

// Policy returns the active policy
func (s *Session) Policy() match.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Recluster rebuilds the groups from the current records and policy.
func (s *Session) Recluster(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recluster(ctx)
}

func (s *Session) recluster(ctx context.Context) error {
	recs := make([]*models.ImageRecord, 0, len(s.records))
	for k, r := range s.records {
		if _, ok := s.ignored[k]; !ok {
			recs = append(recs, r)
		}
	}

	if s.policy.Exact {
		if err := s.fillExactHashes(ctx, recs); err != nil {
			s.clearGroups()
			return fmt.Errorf("%w: %v", match.ErrClusteringAborted, err)
		}
	}

	m := match.New(s.policy, match.WithWorkers(s.workers), match.WithLogger(s.log))
	groups, err := m.FindGroups(ctx, recs)
	if err != nil {
		s.clearGroups()
		return err
	}

	s.groups = groups
	s.index = match.BuildIndex(groups)
	s.tracker.Retain(s.index)

	s.log.WithFields(logrus.Fields{
		"groups": len(groups),
		"policy": s.policy.String(),
	}).Debug("reclustered")
	return nil
}

// fillExactHashes computes the content hash of records that lack one. A
// record whose bytes cannot be read keeps an empty hash and never matches.
func (s *Session) fillExactHashes(ctx context.Context, recs []*models.ImageRecord) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, r := range recs {
		if r.ExactHash != "" {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := s.opener.ReadAll(r.Source)
			if err != nil {
				s.log.WithField("source", r.Key()).WithError(err).Debug("cannot hash content")
				return nil
			}
			sum, err := hash.ComputeHash(bytes.NewReader(data))
			if err != nil {
				return nil
			}
			r.ExactHash = sum
			if s.store != nil {
				if err := s.store.SetExactHash(r); err != nil {
					s.log.WithField("source", r.Key()).WithError(err).Debug("failed to cache exact hash")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Groups returns the current groups
func (s *Session) Groups() []*models.DuplicateGroup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DuplicateGroup, len(s.groups))
	copy(out, s.groups)
	return out
}

// Group returns the group with id
func (s *Session) Group(id int) (*models.DuplicateGroup, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 1 || id > len(s.groups) {
		return nil, false
	}
	return s.groups[id-1], true
}

// GroupOf returns the ID of the group holding key
func (s *Session) GroupOf(key string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.index[key]
	return id, ok
}

// Record returns the record for key
func (s *Session) Record(key string) (*models.ImageRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[key]
	return r, ok
}

// Records returns every record ordered by key
func (s *Session) Records() []*models.ImageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ImageRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

// Failures returns the sources the last scans could not decode
func (s *Session) Failures() []scan.Failure {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scan.Failure, len(s.failures))
	copy(out, s.failures)
	return out
}

// Roots returns the scanned roots
func (s *Session) Roots() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.roots...)
}

// ReadSource returns the raw bytes of a record
func (s *Session) ReadSource(key string) ([]byte, error) {
	r, ok := s.Record(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecord, key)
	}
	return s.opener.ReadAll(r.Source)
}

// grouped returns the record for key if it is currently in a group.
// Callers hold s.mu.
func (s *Session) grouped(key string) (*models.ImageRecord, error) {
	r, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRecord, key)
	}
	if _, ok := s.index[key]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotGrouped, key)
	}
	return r, nil
}

// Disposition returns the disposition of key
func (s *Session) Disposition(key string) models.Disposition {
	return s.tracker.Get(key)
}

// Cycle advances the disposition of key. A guarded transition fails with
// *disposition.InvalidDispositionError and changes nothing.
func (s *Session) Cycle(key string) (models.Disposition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.grouped(key)
	if err != nil {
		return models.None, err
	}
	return s.tracker.Cycle(r.Source)
}

// CycleEligible advances the disposition of key, skipping guarded states.
func (s *Session) CycleEligible(key string) (models.Disposition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.grouped(key)
	if err != nil {
		return models.None, err
	}
	return s.tracker.CycleEligible(r.Source), nil
}

// SetDisposition assigns d to key.
func (s *Session) SetDisposition(key string, d models.Disposition) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.grouped(key)
	if err != nil {
		return err
	}
	return s.tracker.Set(r.Source, d)
}

// SuggestDispositions marks every deletable member other than the suggested
// keep as Delete, for the given group IDs or all groups. It returns the
// number of records marked.
func (s *Session) SuggestDispositions(ids ...int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	n := 0
	for _, g := range s.groups {
		if len(ids) > 0 && !want[g.ID] {
			continue
		}
		for _, r := range g.Remove() {
			if r.Source.ReadOnly() {
				continue
			}
			if s.tracker.Set(r.Source, models.Delete) == nil {
				n++
			}
		}
	}
	return n
}

// Plan returns the grouped records that Execute would delete
func (s *Session) Plan() []*models.ImageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plan()
}

func (s *Session) plan() []*models.ImageRecord {
	var members []*models.ImageRecord
	for _, g := range s.groups {
		members = append(members, g.Records...)
	}
	return s.tracker.Plan(members)
}

// RemoveSource drops one record, as when the user removes a file from the
// working set, and reclusters.
func (s *Session) RemoveSource(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRecord, key)
	}
	delete(s.records, key)
	delete(s.ignored, key)
	s.tracker.Reset(key)
	return s.recluster(ctx)
}

// RemoveRoot drops every record under path and reclusters.
func (s *Session) RemoveRoot(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, r := range s.records {
		if under(r.Source.Path, abs) {
			delete(s.records, k)
			delete(s.ignored, k)
			s.tracker.Reset(k)
		}
	}
	kept := s.failures[:0]
	for _, f := range s.failures {
		if !under(f.Source.Path, abs) {
			kept = append(kept, f)
		}
	}
	s.failures = kept
	roots := s.roots[:0]
	for _, r := range s.roots {
		if !under(r, abs) {
			roots = append(roots, r)
		}
	}
	s.roots = roots
	return s.recluster(ctx)
}

// under reports whether p is root or lies below it.
func under(p, root string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}

func underAny(p string, roots []string) bool {
	for _, r := range roots {
		if under(p, r) {
			return true
		}
	}
	return false
}
