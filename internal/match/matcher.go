package match

import (
	"context"
	"errors"
	"sort"

	"pixmatch/internal/models"
)

// ErrClusteringAborted is returned when a run is cancelled. No groups are
// produced by an aborted run.
var ErrClusteringAborted = errors.New("clustering aborted")

// Matcher is the interface for duplicate detection strategies
type Matcher interface {
	FindGroups(ctx context.Context, records []*models.ImageRecord) ([]*models.DuplicateGroup, error)
}

// New returns the matcher for p.
func New(p Policy, opts ...Option) Matcher {
	if p.Exact {
		return NewExactMatcher()
	}
	return NewPerceptualMatcher(p.Threshold(), opts...)
}

// sortedByKey returns a copy of records ordered by source key, so clustering
// never depends on the order records were produced in.
func sortedByKey(records []*models.ImageRecord) []*models.ImageRecord {
	out := make([]*models.ImageRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

// buildGroups builds DuplicateGroups from union-find roots. Members are ordered
// by key, groups by their first member, and IDs follow that order.
func buildGroups(groupMap map[int][]*models.ImageRecord) []*models.DuplicateGroup {
	var groups []*models.DuplicateGroup

	for _, recs := range groupMap {
		if len(recs) < 2 {
			continue
		}
		sort.Slice(recs, func(i, j int) bool {
			return recs[i].Key() < recs[j].Key()
		})
		groups = append(groups, &models.DuplicateGroup{Records: recs})
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i].Records[0].Key() < groups[j].Records[0].Key()
	})

	for i, g := range groups {
		g.ID = i + 1
		selectKeep(g)
	}

	return groups
}

// selectKeep picks the suggested copy to keep
func selectKeep(group *models.DuplicateGroup) {
	if len(group.Records) == 0 {
		return
	}

	// Sort by score (descending), then by file size (descending),
	// then by mod time (descending), then by key (ascending)
	sorted := make([]*models.ImageRecord, len(group.Records))
	copy(sorted, group.Records)

	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]

		// Primary: score (higher is better)
		if a.Score != b.Score {
			return a.Score > b.Score
		}

		// Secondary: file size (larger is better - more information)
		if a.CompressedSize != b.CompressedSize {
			return a.CompressedSize > b.CompressedSize
		}

		// Tertiary: mod time (newer is better)
		if !a.ModTime.Equal(b.ModTime) {
			return a.ModTime.After(b.ModTime)
		}

		return a.Key() < b.Key()
	})

	group.Keep = sorted[0]
}

// BuildIndex maps every grouped record key to its group ID.
func BuildIndex(groups []*models.DuplicateGroup) map[string]int {
	idx := make(map[string]int)
	for _, g := range groups {
		for _, r := range g.Records {
			idx[r.Key()] = g.ID
		}
	}
	return idx
}
