package neighbors

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPoints(rng *rand.Rand, n, dim int, scale float64) Points {
	p := Points{Dim: dim, Flat: make([]float64, n*dim)}
	for i := range p.Flat {
		p.Flat[i] = scale * rng.Float64()
	}
	return p
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{KDTree, BruteForce, VoxelGrid} {
		got, err := ParseStrategy(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	got, err := ParseStrategy("Brute-Force")
	require.NoError(t, err)
	assert.Equal(t, BruteForce, got)

	_, err = ParseStrategy("open3d")
	require.Error(t, err)
}

func TestNew(t *testing.T) {
	_, err := New(VoxelGrid, 2)
	require.Error(t, err, "voxel grid must fail at construction for 2-D points")
	_, err = New(VoxelGrid, 3)
	require.NoError(t, err)
	_, err = New(KDTree, 0)
	require.Error(t, err)
	_, err = New(Strategy(17), 2)
	require.Error(t, err)
}

func TestSearch_Simple(t *testing.T) {
	data := must.M1(FromRows([][]float64{{0, 0}, {0, 1}, {1, 0}, {1, 1}}))
	queries := must.M1(FromRows([][]float64{{0, 0}, {5, 5}, {0.5, 0.5}}))
	for _, strategy := range []Strategy{KDTree, BruteForce} {
		t.Run(strategy.String(), func(t *testing.T) {
			s := must.M1(New(strategy, 2))
			graph, err := s.Search(data, queries, 1.0)
			require.NoError(t, err)
			require.NoError(t, graph.Validate(data.Len()))
			assert.Equal(t, 3, graph.NumQueries())
			// Points at distance exactly 1 are included.
			assert.Equal(t, []int32{0, 1, 2}, graph.Neighbors(0))
			assert.Empty(t, graph.Neighbors(1))
			assert.Equal(t, []int32{0, 1, 2, 3}, graph.Neighbors(2))
			assert.Equal(t, []int32{0, 3, 3, 7}, graph.RowSplits)
			assert.Equal(t, []int32{3, 0, 4}, graph.Counts())
			assert.Equal(t, []int32{0, 0, 0, 2, 2, 2, 2}, graph.RowIDs())
		})
	}
}

func TestSearch_StrategiesAgree(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for _, dim := range []int{1, 2, 3, 4} {
		for _, radius := range []float64{0.05, 0.2, 0.7} {
			t.Run(fmt.Sprintf("dim=%d_radius=%g", dim, radius), func(t *testing.T) {
				data := randomPoints(rng, 500, dim, 1.0)
				queries := randomPoints(rng, 300, dim, 1.2)
				// Add queries that coincide with data points, to test the zero distance.
				queries.Flat = append(queries.Flat, data.Flat[:10*dim]...)

				want, err := must.M1(New(BruteForce, dim)).Search(data, queries, radius)
				require.NoError(t, err)
				require.NoError(t, want.Validate(data.Len()))

				got, err := must.M1(New(KDTree, dim)).Search(data, queries, radius)
				require.NoError(t, err)
				require.True(t, want.Equal(got), "kd_tree and brute_force differ")

				if dim == 3 {
					got, err = must.M1(New(VoxelGrid, dim)).Search(data, queries, radius)
					require.NoError(t, err)
					require.True(t, want.Equal(got), "voxel_grid and brute_force differ")
				}
			})
		}
	}
}

func TestSearch_BoundaryOnGrid(t *testing.T) {
	// On a regular grid many points lie exactly at the radius: they must be included by all strategies.
	var rows [][]float64
	for i := range 6 {
		for j := range 6 {
			for k := range 6 {
				rows = append(rows, []float64{float64(i) * 0.25, float64(j) * 0.25, float64(k) * 0.25})
			}
		}
	}
	data := must.M1(FromRows(rows))
	want := must.M1(must.M1(New(BruteForce, 3)).Search(data, data, 0.25))
	for _, strategy := range []Strategy{KDTree, VoxelGrid} {
		got := must.M1(must.M1(New(strategy, 3)).Search(data, data, 0.25))
		require.True(t, want.Equal(got), "strategy %s differs on the grid", strategy)
	}
	// Corner point has itself plus 3 axis neighbors.
	assert.Equal(t, []int32{0, 1, 6, 36}, want.Neighbors(0))
}

func TestSearch_Errors(t *testing.T) {
	data := must.M1(FromRows([][]float64{{0, 0}, {1, 1}}))
	s := must.M1(New(KDTree, 3))
	_, err := s.Search(data, data, 1)
	require.Error(t, err, "dimension mismatch must be an error")

	s = must.M1(New(KDTree, 2))
	_, err = s.Search(data, data, 0)
	require.Error(t, err)
	_, err = s.Search(data, data, -1)
	require.Error(t, err)

	// Empty data: every query has an empty neighborhood.
	graph, err := s.Search(Points{Dim: 2}, data, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 0, 0}, graph.RowSplits)
	assert.Equal(t, 0, graph.NumEdges())
}

func TestPoints(t *testing.T) {
	p, err := FromFlat([]float32{1, 2, 3, 4, 5, 6}, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, []float64{4, 5, 6}, p.At(1))

	_, err = FromFlat([]float64{1, 2, 3}, 2)
	require.Error(t, err)
	_, err = FromRows([][]float64{{1, 2}, {3}})
	require.Error(t, err)
	_, err = FromRows([][]float64{{1, 2}, {3, math.NaN()}})
	require.Error(t, err, "NaN coordinates never match any radius, they are rejected")

	p, err = FromTensor(tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}}))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Dim)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, p.Flat)

	_, err = FromTensor(tensors.FromValue([]float32{1, 2}))
	require.Error(t, err)
}

func TestGraph_TensorsAndValidate(t *testing.T) {
	graph := &Graph{Index: []int32{1, 0, 2}, RowSplits: []int32{0, 1, 1, 3}}
	require.NoError(t, graph.Validate(3))
	require.Error(t, graph.Validate(2), "index 2 is out of range for 2 data points")

	index, rowSplits, rowIDs := graph.Tensors()
	assert.Equal(t, []int32{1, 0, 2}, index.Value())
	assert.Equal(t, []int32{0, 1, 1, 3}, rowSplits.Value())
	assert.Equal(t, []int32{0, 2, 2}, rowIDs.Value())

	bad := &Graph{Index: []int32{0, 1}, RowSplits: []int32{0, 2, 1}}
	require.Error(t, bad.Validate(0))
	bad = &Graph{Index: []int32{0, 1}, RowSplits: []int32{0, 1}}
	require.Error(t, bad.Validate(0))
	bad = &Graph{Index: []int32{1, 1}, RowSplits: []int32{0, 2}}
	require.Error(t, bad.Validate(0), "repeated neighbors")
}

func TestGraph_NoEdges(t *testing.T) {
	data := must.M1(FromRows([][]float64{{10, 10}, {20, 20}}))
	queries := must.M1(FromRows([][]float64{{0, 0}, {1, 1}}))
	graph := must.M1(Search(data, queries, 0.5))
	require.NoError(t, graph.Validate(data.Len()))
	assert.Equal(t, 0, graph.NumEdges())
	assert.Equal(t, []int32{0, 0, 0}, graph.RowSplits)

	// A single padding edge (data point 0, last query) past RowSplits[NumQueries].
	index, rowSplits, rowIDs := graph.Lists()
	assert.Equal(t, []int32{0}, index)
	assert.Equal(t, []int32{0, 0, 0}, rowSplits)
	assert.Equal(t, []int32{1}, rowIDs)

	indexT, splitsT, idsT := graph.Tensors()
	assert.Equal(t, []int{1}, indexT.Shape().Dimensions)
	assert.Equal(t, []int{3}, splitsT.Shape().Dimensions)
	assert.Equal(t, []int32{1}, idsT.Value())

	// Lists never share storage with the graph.
	graph = &Graph{Index: []int32{1}, RowSplits: []int32{0, 1}}
	index, _, _ = graph.Lists()
	index[0] = 7
	assert.Equal(t, int32(1), graph.Index[0])
}
