// Package neighbors implements the radius neighbor search used by the graph neural operator layers.
//
// Given data points Y, query points X and a radius r, Search returns, for every query X_i, the indices of
// all data points Y_j with ‖X_i − Y_j‖ ≤ r (the boundary is inclusive). The result is a Graph in
// compressed sparse row (CSR) layout: the neighbors of query i are Index[RowSplits[i]:RowSplits[i+1]],
// sorted by data index.
//
// The search runs on the host, it is not part of the computation graph: geometry is not trainable,
// and the resulting Graph is fed to the model as int32 tensors (see Graph.Tensors).
//
// There are three interchangeable strategies, that return exactly the same graphs:
//
//   - BruteForce: compares every query with every data point, O(n·m).
//   - KDTree: builds a k-d tree (gonum.org/v1/gonum/spatial/kdtree) over the data points and queries
//     it for each query point. Works for any dimension.
//   - VoxelGrid: hashes the data points into cubic cells of side r. Only 3-D points are supported,
//     and New fails if it is configured for any other dimension.
package neighbors

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/neuralop/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Strategy used to search for neighbors.
type Strategy int

const (
	// KDTree uses a k-d tree built over the data points. It is the default.
	KDTree Strategy = iota

	// BruteForce compares all pairs of query and data points.
	BruteForce

	// VoxelGrid hashes the data points in a uniform grid of cells of the size of the radius.
	// It requires 3-D points.
	VoxelGrid
)

var strategyNames = map[Strategy]string{
	KDTree:     "kd_tree",
	BruteForce: "brute_force",
	VoxelGrid:  "voxel_grid",
}

// String implements fmt.Stringer.
func (s Strategy) String() string {
	if name, found := strategyNames[s]; found {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// RequiredDim returns the coordinates dimension required by the strategy, or 0 if any dimension works.
func (s Strategy) RequiredDim() int {
	if s == VoxelGrid {
		return 3
	}
	return 0
}

// ParseStrategy converts a strategy name (as returned by Strategy.String) to a Strategy.
// Dashes are accepted in place of underscores.
func ParseStrategy(name string) (Strategy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for s, sName := range strategyNames {
		if sName == normalized {
			return s, nil
		}
	}
	return 0, errors.Errorf("unknown neighbor search strategy %q, valid values are \"kd_tree\", \"brute_force\" and \"voxel_grid\"", name)
}

// queriesChunkSize is the number of queries searched by one worker at a time.
const queriesChunkSize = 256

// Searcher searches for the neighbors of query points within a radius, using a fixed Strategy
// for points of a fixed dimension.
//
// A Searcher holds no state between searches and is safe for concurrent use.
type Searcher struct {
	strategy Strategy
	coordDim int
	pool     *workerspool.Pool
}

// New creates a Searcher for points of dimension coordDim.
//
// It returns an error if the strategy doesn't support the dimension (VoxelGrid requires coordDim == 3).
func New(strategy Strategy, coordDim int) (*Searcher, error) {
	if _, found := strategyNames[strategy]; !found {
		return nil, errors.Errorf("invalid neighbor search strategy %s", strategy)
	}
	if coordDim <= 0 {
		return nil, errors.Errorf("neighbor search requires coordDim > 0, got %d", coordDim)
	}
	if required := strategy.RequiredDim(); required > 0 && coordDim != required {
		return nil, errors.Errorf("neighbor search strategy %s only works with %d-D points, it was configured for coordDim=%d",
			strategy, required, coordDim)
	}
	return &Searcher{strategy: strategy, coordDim: coordDim, pool: workerspool.New()}, nil
}

// Strategy returns the strategy used by the Searcher.
func (s *Searcher) Strategy() Strategy { return s.strategy }

// CoordDim returns the dimension of the points the Searcher accepts.
func (s *Searcher) CoordDim() int { return s.coordDim }

// WithParallelism sets the maximum number of goroutines used by a search.
// 0 disables parallelism. It returns the Searcher itself, so it can be cascaded with New.
func (s *Searcher) WithParallelism(maxParallelism int) *Searcher {
	s.pool.SetMaxParallelism(maxParallelism)
	return s
}

// Search returns the Graph of data points within radius of each query point.
//
// The data and queries dimensions must match the Searcher's coordDim, and radius must be > 0.
func (s *Searcher) Search(data, queries Points, radius float64) (*Graph, error) {
	if err := s.validate(data, "data"); err != nil {
		return nil, err
	}
	if err := s.validate(queries, "queries"); err != nil {
		return nil, err
	}
	if !(radius > 0) || math.IsInf(radius, 0) {
		return nil, errors.Errorf("neighbor search radius must be a finite value > 0, got %g", radius)
	}

	var searchFn func(q []float64, buf []int32) []int32
	switch s.strategy {
	case BruteForce:
		searchFn = newBruteForce(data, radius).search
	case KDTree:
		searchFn = newKDTree(data, radius).search
	case VoxelGrid:
		searchFn = newVoxelGrid(data, radius).search
	}

	numQueries := queries.Len()
	perQuery := make([][]int32, numQueries)
	err := s.pool.ParallelFor(context.Background(), numQueries, queriesChunkSize,
		func(_ context.Context, start, end int) error {
			var buf []int32
			for i := start; i < end; i++ {
				buf = searchFn(queries.At(i), buf[:0])
				perQuery[i] = append([]int32(nil), buf...)
			}
			return nil
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "neighbor search with strategy %s", s.strategy)
	}
	graph := fromLists(perQuery)
	if klog.V(2).Enabled() {
		klog.Infof("neighbors.Search(%s): %d data points, %d queries, radius=%g -> %d edges",
			s.strategy, data.Len(), numQueries, radius, graph.NumEdges())
	}
	return graph, nil
}

func (s *Searcher) validate(p Points, name string) error {
	if err := p.Validate(); err != nil {
		return errors.WithMessagef(err, "invalid %s points", name)
	}
	if p.Dim != s.coordDim {
		return errors.Errorf("%s points have dimension %d, but neighbor search was configured for coordDim=%d",
			name, p.Dim, s.coordDim)
	}
	return nil
}

// Search is a shortcut that creates a KDTree Searcher for the dimension of the data points and searches with it.
func Search(data, queries Points, radius float64) (*Graph, error) {
	s, err := New(KDTree, data.Dim)
	if err != nil {
		return nil, err
	}
	return s.Search(data, queries, radius)
}
