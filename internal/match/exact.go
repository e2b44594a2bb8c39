package match

import (
	"context"
	"fmt"

	"pixmatch/internal/models"
)

// ExactMatcher finds groups of images with identical file hashes
type ExactMatcher struct{}

// NewExactMatcher creates a new ExactMatcher
func NewExactMatcher() *ExactMatcher {
	return &ExactMatcher{}
}

// FindGroups finds groups of images with identical file hashes.
// Records without an ExactHash are never grouped.
func (m *ExactMatcher) FindGroups(ctx context.Context, records []*models.ImageRecord) ([]*models.DuplicateGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClusteringAborted, err)
	}
	if len(records) < 2 {
		return nil, nil
	}

	// Group by file hash
	hashMap := make(map[string][]*models.ImageRecord)
	for _, r := range sortedByKey(records) {
		if r.ExactHash != "" {
			hashMap[r.ExactHash] = append(hashMap[r.ExactHash], r)
		}
	}

	// Convert to group map format
	groupMap := make(map[int][]*models.ImageRecord)
	idx := 0
	for _, recs := range hashMap {
		groupMap[idx] = recs
		idx++
	}

	return buildGroups(groupMap), nil
}
