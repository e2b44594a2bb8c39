package session

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"pixmatch/internal/fileutil"
	"pixmatch/internal/models"
)

// DeletionError reports a planned deletion the executor could not perform.
// The record keeps its Delete disposition.
type DeletionError struct {
	Source models.ImageSource
	Err    error
}

func (e *DeletionError) Error() string {
	return fmt.Sprintf("failed to delete %s: %v", e.Source, e.Err)
}

func (e *DeletionError) Unwrap() error {
	return e.Err
}

// ExecResult is the outcome for one planned record. Err is nil or a
// *DeletionError.
type ExecResult struct {
	Record *models.ImageRecord
	Err    error
}

// Execute hands every Delete-marked record to exec. Deleted records leave the
// session, failed ones stay marked, and Ignore-marked records are set aside
// for the rest of the session. Groups are rebuilt afterwards.
//
// A dry-run executor reports the plan without changing the session.
func (s *Session) Execute(ctx context.Context, exec fileutil.Executor) ([]ExecResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, dryRun := exec.(fileutil.DryRunExecutor)

	plan := s.plan()
	results := make([]ExecResult, 0, len(plan))
	var deleted []string
	var cancelErr error

	for _, r := range plan {
		if cancelErr = ctx.Err(); cancelErr != nil {
			break
		}
		res := ExecResult{Record: r}
		if err := exec.Delete(ctx, r.Source.Path); err != nil {
			res.Err = &DeletionError{Source: r.Source, Err: err}
			s.log.WithField("source", r.Key()).WithError(err).Warn("deletion failed")
		} else {
			s.log.WithFields(logrus.Fields{
				"source": r.Key(),
				"action": exec.Name(),
			}).Debug("deleted")
			deleted = append(deleted, r.Key())
		}
		results = append(results, res)
	}

	if dryRun {
		return results, cancelErr
	}

	for _, k := range deleted {
		delete(s.records, k)
	}
	s.tracker.Reset(deleted...)

	for _, k := range s.tracker.Marked(models.Ignore) {
		s.ignored[k] = struct{}{}
	}
	s.tracker.Reset(s.tracker.Marked(models.Ignore)...)

	if s.store != nil {
		if err := s.store.Prune(deleted); err != nil {
			s.log.WithError(err).Warn("failed to prune fingerprint cache")
		}
	}

	if cancelErr != nil {
		s.clearGroups()
		return results, cancelErr
	}
	if err := s.recluster(ctx); err != nil {
		return results, err
	}
	return results, nil
}
