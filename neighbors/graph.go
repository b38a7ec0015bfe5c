package neighbors

import (
	"slices"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
)

// Graph is the neighbor graph of a search in compressed sparse row (CSR) layout.
//
// The neighbors of query i are Index[RowSplits[i]:RowSplits[i+1]], sorted by data index.
// RowSplits has length NumQueries()+1, starts with 0, is non-decreasing and ends with NumEdges().
type Graph struct {
	Index     []int32
	RowSplits []int32
}

// fromLists builds the CSR layout from per-query lists of neighbors.
func fromLists(perQuery [][]int32) *Graph {
	total := 0
	for _, list := range perQuery {
		total += len(list)
	}
	g := &Graph{
		Index:     make([]int32, 0, total),
		RowSplits: make([]int32, 1, len(perQuery)+1),
	}
	for _, list := range perQuery {
		g.Index = append(g.Index, list...)
		g.RowSplits = append(g.RowSplits, int32(len(g.Index)))
	}
	return g
}

// NumQueries returns the number of query points (rows) of the graph.
func (g *Graph) NumQueries() int { return len(g.RowSplits) - 1 }

// NumEdges returns the total number of (query, data) pairs.
func (g *Graph) NumEdges() int { return len(g.Index) }

// Neighbors returns the data indices of the neighbors of query i. The returned slice shares the storage of g.
func (g *Graph) Neighbors(i int) []int32 {
	return g.Index[g.RowSplits[i]:g.RowSplits[i+1]]
}

// Counts returns the number of neighbors of each query.
func (g *Graph) Counts() []int32 {
	counts := make([]int32, g.NumQueries())
	for i := range counts {
		counts[i] = g.RowSplits[i+1] - g.RowSplits[i]
	}
	return counts
}

// RowIDs returns the query index of each edge, the "uncompressed" form of RowSplits.
func (g *Graph) RowIDs() []int32 {
	ids := make([]int32, 0, g.NumEdges())
	for i := range g.NumQueries() {
		for range g.RowSplits[i+1] - g.RowSplits[i] {
			ids = append(ids, int32(i))
		}
	}
	return ids
}

// Validate checks the CSR invariants. If numData > 0 it also checks that indices are in [0, numData).
func (g *Graph) Validate(numData int) error {
	if len(g.RowSplits) == 0 {
		return errors.New("neighbors graph has no row splits, it needs at least the leading 0")
	}
	if g.RowSplits[0] != 0 {
		return errors.Errorf("neighbors graph RowSplits[0] must be 0, got %d", g.RowSplits[0])
	}
	for i := 1; i < len(g.RowSplits); i++ {
		if g.RowSplits[i] < g.RowSplits[i-1] {
			return errors.Errorf("neighbors graph RowSplits must be non-decreasing, but RowSplits[%d]=%d < RowSplits[%d]=%d",
				i, g.RowSplits[i], i-1, g.RowSplits[i-1])
		}
	}
	if last := g.RowSplits[len(g.RowSplits)-1]; int(last) != len(g.Index) {
		return errors.Errorf("neighbors graph last row split is %d, but there are %d edges", last, len(g.Index))
	}
	for i := range g.NumQueries() {
		nbrs := g.Neighbors(i)
		for j, idx := range nbrs {
			if idx < 0 || (numData > 0 && int(idx) >= numData) {
				return errors.Errorf("neighbors graph query %d has out-of-range data index %d (numData=%d)", i, idx, numData)
			}
			if j > 0 && nbrs[j-1] >= idx {
				return errors.Errorf("neighbors graph query %d has unsorted or repeated neighbors %v", i, nbrs)
			}
		}
	}
	return nil
}

// Equal returns whether both graphs have exactly the same edges.
func (g *Graph) Equal(other *Graph) bool {
	return slices.Equal(g.RowSplits, other.RowSplits) && slices.Equal(g.Index, other.Index)
}

// Lists returns copies of the edge lists of the graph ready to be fed to a computation graph: index and
// rowIDs shaped [max(NumEdges, 1)], and rowSplits shaped [NumQueries+1].
//
// Zero-sized tensors can't be fed to a computation graph, so a graph without edges gets one padding edge
// (data point 0, last query). Padding edges are the ones at positions >= RowSplits[NumQueries], and the
// segmented reductions of package segment ignore them: isolated queries still reduce to zero.
func (g *Graph) Lists() (index, rowSplits, rowIDs []int32) {
	index = slices.Clone(g.Index)
	rowSplits = slices.Clone(g.RowSplits)
	rowIDs = g.RowIDs()
	if len(index) == 0 {
		index = []int32{0}
		rowIDs = []int32{int32(max(g.NumQueries()-1, 0))}
	}
	return
}

// Tensors returns the lists of the graph (see Lists) as int32 tensors.
func (g *Graph) Tensors() (index, rowSplits, rowIDs *tensors.Tensor) {
	indexList, splitsList, idsList := g.Lists()
	index = tensors.FromFlatDataAndDimensions(indexList, len(indexList))
	rowSplits = tensors.FromFlatDataAndDimensions(splitsList, len(splitsList))
	rowIDs = tensors.FromFlatDataAndDimensions(idsList, len(idsList))
	return
}
