// Package segment implements segmented reductions (sum and mean) over edges grouped in compressed
// sparse row (CSR) layout, as produced by the neighbors package.
//
// The values to reduce hold one entry per edge along the "edges axis". The edges are grouped by row
// (the query point) with the row boundaries given by RowSplits: row i reduces the edges
// [RowSplits[i], RowSplits[i+1]). Empty rows reduce to zero, both for Sum and Mean.
//
// Edges at positions >= RowSplits[numRows] are padding: they are ignored, and receive zero gradients.
// This allows feeding graphs without edges (with one padding edge) or padding the edges to a fixed size.
// If RowIDs are given, the ones of padding edges must still be valid rows, e.g. the last one.
//
// Two backends are provided, and they are expected to give the same results (and gradients):
//
//   - BackendScatter: a ScatterSum keyed by the row of each edge (like graph.Ragged2D).
//   - BackendSplit: builds an explicit [numRows, numEdges] boundary mask from RowSplits and contracts it with the values.
//     It uses O(numRows·numEdges) memory, but only dense operations.
//
// Example:
//
//	csr := segment.CSR{RowSplits: rowSplits, RowIDs: rowIDs}
//	means := segment.New(edgeFeatures, csr).Mean().Done()
package segment

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ReduceOp is the reduction applied to each row.
type ReduceOp int

const (
	// Sum of the values of the row. Empty rows are 0.
	Sum ReduceOp = iota

	// Mean of the values of the row. Empty rows are 0 (and not NaN).
	Mean
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case Sum:
		return "sum"
	case Mean:
		return "mean"
	}
	return fmt.Sprintf("ReduceOp(%d)", int(op))
}

// ParseReduceOp converts "sum" or "mean" to the corresponding ReduceOp.
func ParseReduceOp(name string) (ReduceOp, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "sum":
		return Sum, nil
	case "mean":
		return Mean, nil
	}
	return 0, errors.Errorf("unknown segment reduction %q, valid values are \"sum\" and \"mean\"", name)
}

// Backend selects the implementation of the reduction.
type Backend int

const (
	// BackendScatter sums the values with a ScatterSum keyed by the row id of each edge. It is the default.
	BackendScatter Backend = iota

	// BackendSplit contracts the values with a boundary mask built from the row splits.
	BackendSplit
)

// String implements fmt.Stringer.
func (b Backend) String() string {
	switch b {
	case BackendScatter:
		return "scatter"
	case BackendSplit:
		return "split"
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

// ParseBackend converts "scatter" or "split" to the corresponding Backend.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "scatter":
		return BackendScatter, nil
	case "split":
		return BackendSplit, nil
	}
	return 0, errors.Errorf("unknown segment backend %q, valid values are \"scatter\" and \"split\"", name)
}

// CSR holds the grouping of edges into rows, as graph nodes.
type CSR struct {
	// RowSplits is shaped [numRows+1], of an integer dtype. It is required.
	RowSplits *Node

	// RowIDs is shaped [numEdges], with the row of each edge. It is optional: if nil it is derived from
	// RowSplits when needed.
	RowIDs *Node
}

// NumRows returns the static number of rows.
func (c CSR) NumRows() int {
	return c.RowSplits.Shape().Dimensions[0] - 1
}

func (c CSR) validate() {
	if c.RowSplits == nil {
		Panicf("segment.CSR.RowSplits must be provided")
	}
	if c.RowSplits.Rank() != 1 || !c.RowSplits.DType().IsInt() || c.RowSplits.Shape().Dimensions[0] < 1 {
		Panicf("segment.CSR.RowSplits must be an integer vector shaped [numRows+1], got %s", c.RowSplits.Shape())
	}
	if c.RowIDs != nil && (c.RowIDs.Rank() != 1 || !c.RowIDs.DType().IsInt()) {
		Panicf("segment.CSR.RowIDs must be an integer vector shaped [numEdges], got %s", c.RowIDs.Shape())
	}
}

// starts and ends of each row, shaped [numRows] and converted to Int32.
func (c CSR) boundaries() (starts, ends *Node) {
	numRows := c.NumRows()
	splits := ConvertDType(c.RowSplits, dtypes.Int32)
	starts = Slice(splits, AxisRange(0, numRows))
	ends = Slice(splits, AxisRange(1, numRows+1))
	return
}

// Counts returns the number of edges of each row, shaped [numRows], in the given dtype.
func Counts(csr CSR, dtype dtypes.DType) *Node {
	csr.validate()
	starts, ends := csr.boundaries()
	return ConvertDType(Sub(ends, starts), dtype)
}

// rowsMask returns the boolean mask shaped [numRows, numEdges] that is true where the edge belongs to the row.
func rowsMask(csr CSR, numEdges int) *Node {
	g := csr.RowSplits.Graph()
	numRows := csr.NumRows()
	starts, ends := csr.boundaries()
	edges := Iota(g, shapes.Make(dtypes.Int32, numRows, numEdges), 1)
	starts = BroadcastToDims(Reshape(starts, numRows, 1), numRows, numEdges)
	ends = BroadcastToDims(Reshape(ends, numRows, 1), numRows, numEdges)
	return LogicalAnd(GreaterOrEqual(edges, starts), LessThan(edges, ends))
}

// RowIDsFromSplits returns the row of each edge, shaped [numEdges] (Int32), computed from the row splits.
//
// Row i owns edge e iff RowSplits[i] <= e < RowSplits[i+1], so the row of e is the number of
// RowSplits[1:] values that are <= e.
func RowIDsFromSplits(rowSplits *Node, numEdges int) *Node {
	csr := CSR{RowSplits: rowSplits}
	csr.validate()
	g := rowSplits.Graph()
	numRows := csr.NumRows()
	_, ends := csr.boundaries()
	edges := Iota(g, shapes.Make(dtypes.Int32, numEdges, numRows), 0)
	ends = BroadcastToDims(Reshape(ends, 1, numRows), numEdges, numRows)
	rowIDs := ReduceSum(ConvertDType(LessOrEqual(ends, edges), dtypes.Int32), 1)
	// Padding edges would be assigned to row numRows: they are kept in the last row instead.
	return MinScalar(rowIDs, float64(numRows-1))
}

// validEdges returns a mask shaped [numEdges] that is true for the edges that are not padding, that is,
// positions < RowSplits[numRows].
func validEdges(csr CSR, numEdges int) *Node {
	g := csr.RowSplits.Graph()
	numRows := csr.NumRows()
	total := Slice(ConvertDType(csr.RowSplits, dtypes.Int32), AxisElem(numRows))
	total = BroadcastToDims(Reshape(total), numEdges)
	return LessThan(Iota(g, shapes.Make(dtypes.Int32, numEdges), 0), total)
}

// Config for a segmented reduction. Create it with New, configure it with its methods, and call Done
// to get the result.
type Config struct {
	values    *Node
	csr       CSR
	op        ReduceOp
	backend   Backend
	edgesAxis int
}

// New creates the configuration of the segmented reduction of values, grouped by csr.
//
// By default, the edges axis is 0, the reduction is Sum and the backend is BackendScatter.
func New(values *Node, csr CSR) *Config {
	return &Config{values: values, csr: csr, op: Sum, backend: BackendScatter}
}

// Op sets the reduction operation.
func (c *Config) Op(op ReduceOp) *Config {
	c.op = op
	return c
}

// Sum is a shortcut to Op(Sum).
func (c *Config) Sum() *Config { return c.Op(Sum) }

// Mean is a shortcut to Op(Mean).
func (c *Config) Mean() *Config { return c.Op(Mean) }

// Backend sets the implementation used.
func (c *Config) Backend(backend Backend) *Config {
	c.backend = backend
	return c
}

// EdgesAxis sets the axis of values that holds the edges. Negative values are counted from the end.
// For values shaped [batchSize, numEdges, channels], use EdgesAxis(1).
func (c *Config) EdgesAxis(axis int) *Config {
	c.edgesAxis = axis
	return c
}

// Done returns the reduced values: the same shape as values, except the edges axis becomes the rows axis,
// with dimension numRows.
func (c *Config) Done() *Node {
	c.csr.validate()
	values := c.values
	rank := values.Rank()
	if rank == 0 {
		Panicf("segment.Reduce requires values with at least one axis (the edges), got a scalar")
	}
	if !values.DType().IsFloat() {
		Panicf("segment.Reduce requires float values, got %s", values.Shape())
	}
	axis := c.edgesAxis
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		Panicf("segment.Reduce edges axis %d out of range for values shaped %s", c.edgesAxis, values.Shape())
	}
	numEdges := values.Shape().Dimensions[axis]
	if c.csr.RowIDs != nil && c.csr.RowIDs.Shape().Dimensions[0] != numEdges {
		Panicf("segment.Reduce values have %d edges on axis %d, but CSR.RowIDs has %d", numEdges, axis, c.csr.RowIDs.Shape().Dimensions[0])
	}

	// Move the edges axis to the front, and flatten the remaining axes.
	edgesFirst := moveAxisToFront(values, axis)
	innerDims := edgesFirst.Shape().Dimensions[1:]
	innerSize := 1
	for _, dim := range innerDims {
		innerSize *= dim
	}
	flat := Reshape(edgesFirst, numEdges, innerSize)

	var reduced *Node
	switch c.backend {
	case BackendScatter:
		reduced = c.scatterSum(flat, numEdges)
	case BackendSplit:
		reduced = c.splitSum(flat, numEdges)
	default:
		Panicf("segment.Reduce: unknown backend %s", c.backend)
	}

	if c.op == Mean {
		counts := MaxScalar(Counts(c.csr, reduced.DType()), 1.0)
		reduced = Div(reduced, BroadcastToDims(Reshape(counts, -1, 1), reduced.Shape().Dimensions...))
	} else if c.op != Sum {
		Panicf("segment.Reduce: unknown reduction %s", c.op)
	}

	reduced = Reshape(reduced, append([]int{c.csr.NumRows()}, innerDims...)...)
	return moveFrontAxisTo(reduced, axis)
}

// Reduce is a shortcut to New(values, csr).Op(op).Done(), with the edges on axis 0.
func Reduce(values *Node, csr CSR, op ReduceOp) *Node {
	return New(values, csr).Op(op).Done()
}

// scatterSum reduces flat, shaped [numEdges, innerSize], to [numRows, innerSize].
func (c *Config) scatterSum(flat *Node, numEdges int) *Node {
	g := flat.Graph()
	numRows := c.csr.NumRows()
	rowIDs := c.csr.RowIDs
	if rowIDs == nil {
		rowIDs = RowIDsFromSplits(c.csr.RowSplits, numEdges)
	}
	innerSize := flat.Shape().Dimensions[1]
	valid := ConvertDType(validEdges(c.csr, numEdges), flat.DType())
	flat = Mul(flat, BroadcastToDims(Reshape(valid, numEdges, 1), numEdges, innerSize))
	if innerSize == 1 {
		ragged := MakeRagged2D(numRows, Reshape(flat, numEdges), rowIDs)
		return Reshape(ragged.ReduceSumCols(), numRows, 1)
	}
	zeros := Zeros(g, shapes.Make(flat.DType(), numRows, innerSize))
	return ScatterSum(zeros, Reshape(rowIDs, numEdges, 1), flat, true, false)
}

// splitSum reduces flat, shaped [numEdges, innerSize], to [numRows, innerSize].
func (c *Config) splitSum(flat *Node, numEdges int) *Node {
	mask := ConvertDType(rowsMask(c.csr, numEdges), flat.DType())
	return Einsum("re,ei->ri", mask, flat)
}

// moveAxisToFront transposes x such that axis becomes the axis 0, keeping the order of the others.
func moveAxisToFront(x *Node, axis int) *Node {
	if axis == 0 {
		return x
	}
	perm := make([]int, 0, x.Rank())
	perm = append(perm, axis)
	for ii := range x.Rank() {
		if ii != axis {
			perm = append(perm, ii)
		}
	}
	return TransposeAllDims(x, perm...)
}

// moveFrontAxisTo is the reverse of moveAxisToFront.
func moveFrontAxisTo(x *Node, axis int) *Node {
	if axis == 0 {
		return x
	}
	perm := make([]int, 0, x.Rank())
	for ii := 1; ii <= axis; ii++ {
		perm = append(perm, ii)
	}
	perm = append(perm, 0)
	for ii := axis + 1; ii < x.Rank(); ii++ {
		perm = append(perm, ii)
	}
	return TransposeAllDims(x, perm...)
}
