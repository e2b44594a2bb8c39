package match

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pixmatch/internal/hash"
	"pixmatch/internal/models"
)

// PerceptualMatcher finds groups of similar images using perceptual hashing
type PerceptualMatcher struct {
	threshold int
	workers   int
	log       logrus.FieldLogger
}

// Option configures a PerceptualMatcher
type Option func(*PerceptualMatcher)

// WithWorkers sets the number of parallel comparison workers
func WithWorkers(n int) Option {
	return func(m *PerceptualMatcher) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithLogger sets the logger used for run summaries
func WithLogger(l logrus.FieldLogger) Option {
	return func(m *PerceptualMatcher) {
		if l != nil {
			m.log = l
		}
	}
}

// NewPerceptualMatcher creates a new PerceptualMatcher
func NewPerceptualMatcher(threshold int, opts ...Option) *PerceptualMatcher {
	if threshold < 0 {
		threshold = ThresholdForStrength(DefaultStrength)
	}
	m := &PerceptualMatcher{
		threshold: threshold,
		workers:   runtime.NumCPU(),
		log:       logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindGroups clusters records whose Distance is within the threshold, closing
// transitively over chains of matches.
//
// Every frame's identity hash goes into a BK-tree; each record then queries
// the tree with all 8 variants of all its frames. Any pair within threshold is
// reached from at least one side, so the tree only prunes comparisons. Each
// candidate is verified with Distance before it is merged.
func (m *PerceptualMatcher) FindGroups(ctx context.Context, records []*models.ImageRecord) ([]*models.DuplicateGroup, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClusteringAborted, err)
	}

	recs := sortedByKey(records)
	n := len(recs)
	if n < 2 {
		return nil, nil
	}

	tree := newBKTree(hash.HammingDistance)
	for i, r := range recs {
		for _, f := range r.Fingerprints {
			tree.insert(f[models.Identity], i)
		}
	}

	uf := newUnionFind(n)
	var compared int64
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for i := range recs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			checked := 0
			for _, j := range m.candidates(tree, recs[i]) {
				if j == i || uf.connected(i, j) {
					continue
				}
				checked++
				if Distance(recs[i].Fingerprints, recs[j].Fingerprints) <= m.threshold {
					uf.merge(i, j)
				}
			}
			mu.Lock()
			compared += int64(checked)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClusteringAborted, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClusteringAborted, err)
	}

	groupMap := make(map[int][]*models.ImageRecord)
	for i, r := range recs {
		root := uf.find(i)
		groupMap[root] = append(groupMap[root], r)
	}
	groups := buildGroups(groupMap)

	m.log.WithFields(logrus.Fields{
		"records":   n,
		"frames":    tree.size(),
		"compared":  compared,
		"groups":    len(groups),
		"threshold": m.threshold,
	}).Debug("perceptual clustering finished")

	return groups, nil
}

// candidates returns the distinct record indices whose frames lie within the
// threshold of any orientation of any frame of r.
func (m *PerceptualMatcher) candidates(tree *bkTree, r *models.ImageRecord) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, f := range r.Fingerprints {
		for _, h := range f {
			for _, j := range tree.findWithinDistance(h, m.threshold) {
				if _, ok := seen[j]; ok {
					continue
				}
				seen[j] = struct{}{}
				out = append(out, j)
			}
		}
	}
	return out
}

// Union-Find data structure for efficient grouping. merge and connected may
// be called from several goroutines.
type unionFind struct {
	mu     sync.Mutex
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	parent := make([]int, n)
	rank := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &unionFind{parent: parent, rank: rank}
}

func (uf *unionFind) find(x int) int {
	if uf.parent[x] != x {
		uf.parent[x] = uf.find(uf.parent[x]) // Path compression
	}
	return uf.parent[x]
}

func (uf *unionFind) union(x, y int) {
	px, py := uf.find(x), uf.find(y)
	if px == py {
		return
	}
	// Union by rank
	if uf.rank[px] < uf.rank[py] {
		px, py = py, px
	}
	uf.parent[py] = px
	if uf.rank[px] == uf.rank[py] {
		uf.rank[px]++
	}
}

func (uf *unionFind) merge(x, y int) {
	uf.mu.Lock()
	uf.union(x, y)
	uf.mu.Unlock()
}

func (uf *unionFind) connected(x, y int) bool {
	uf.mu.Lock()
	defer uf.mu.Unlock()
	return uf.find(x) == uf.find(y)
}

// bkTree is a BK-tree for efficient similarity search using metric distances.
// It supports O(log n) average-case lookup for finding all elements within
// a given distance threshold. It is safe for concurrent lookups once built.
type bkTree struct {
	root     *bkNode
	distance func(a, b uint64) int
}

type bkNode struct {
	hash     uint64
	index    int
	children map[int]*bkNode // distance -> child node
}

// newBKTree creates a new BK-tree with the given distance function.
func newBKTree(distanceFn func(a, b uint64) int) *bkTree {
	return &bkTree{
		distance: distanceFn,
	}
}

// insert adds a new hash with its associated index to the tree.
func (t *bkTree) insert(hash uint64, index int) {
	node := &bkNode{
		hash:     hash,
		index:    index,
		children: make(map[int]*bkNode),
	}

	if t.root == nil {
		t.root = node
		return
	}

	current := t.root
	for {
		dist := t.distance(hash, current.hash)
		if child, exists := current.children[dist]; exists {
			current = child
		} else {
			current.children[dist] = node
			return
		}
	}
}

// findWithinDistance returns all indices of elements within the given
// distance threshold from the query hash.
func (t *bkTree) findWithinDistance(hash uint64, threshold int) []int {
	if t.root == nil {
		return nil
	}

	var results []int
	t.searchNode(t.root, hash, threshold, &results)
	return results
}

func (t *bkTree) searchNode(node *bkNode, hash uint64, threshold int, results *[]int) {
	dist := t.distance(hash, node.hash)

	if dist <= threshold {
		*results = append(*results, node.index)
	}

	// Triangle inequality: only need to check children with distance
	// in range [dist - threshold, dist + threshold]
	minDist := max(dist-threshold, 0)
	maxDist := dist + threshold

	for childDist, child := range node.children {
		if childDist >= minDist && childDist <= maxDist {
			t.searchNode(child, hash, threshold, results)
		}
	}
}

// size returns the number of elements in the tree.
func (t *bkTree) size() int {
	if t.root == nil {
		return 0
	}
	return t.countNodes(t.root)
}

func (t *bkTree) countNodes(node *bkNode) int {
	count := 1
	for _, child := range node.children {
		count += t.countNodes(child)
	}
	return count
}
