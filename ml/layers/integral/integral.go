// Package integral implements the kernel integral transform of the graph neural operators (GNO):
//
//	out(x) = Σ_{y ∈ N(x)} k(x, y[, f(y)]) [· f(y)] · w(y)
//
// where N(x) are the data points y within a radius of the query point x (see package neighbors), k is a
// channel MLP and w are quadrature weights (or 1/|N(x)| if not given).
//
// The neighbor graph is computed host-side, and fed to the graph as tensors, see Neighbors.
package integral

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/neuralop/ml/layers/channelmlp"
	"github.com/gomlx/neuralop/neighbors"
	"github.com/gomlx/neuralop/segment"
	"github.com/pkg/errors"
)

const (
	// ParamTransformType is the context hyperparameter with the default transform type. See ParseTransformType.
	// Default is "linear".
	ParamTransformType = "integral_transform_type"

	// ParamSegmentBackend is the context hyperparameter with the segmented reduction backend used.
	// See segment.ParseBackend. Default is "scatter".
	ParamSegmentBackend = "integral_segment_backend"
)

// TransformType selects the integrand of the transform.
type TransformType int

const (
	// LinearKernelOnly integrates k(x, y).
	LinearKernelOnly TransformType = iota

	// Linear integrates k(x, y)·f(y). It is the default.
	Linear

	// NonlinearKernelOnly integrates k(x, y, f(y)).
	NonlinearKernelOnly

	// Nonlinear integrates k(x, y, f(y))·f(y).
	Nonlinear
)

var transformTypeNames = []string{"linear_kernelonly", "linear", "nonlinear_kernelonly", "nonlinear"}

// String implements fmt.Stringer.
func (t TransformType) String() string {
	if t >= 0 && int(t) < len(transformTypeNames) {
		return transformTypeNames[t]
	}
	return fmt.Sprintf("TransformType(%d)", int(t))
}

// ParseTransformType converts the name of a transform type to a TransformType.
func ParseTransformType(name string) (TransformType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, known := range transformTypeNames {
		if known == name {
			return TransformType(ii), nil
		}
	}
	return Linear, errors.Errorf("unknown integral transform type %q, valid values are %v", name, transformTypeNames)
}

// KernelTakesF returns whether the kernel takes f(y) as input.
func (t TransformType) KernelTakesF() bool { return t == NonlinearKernelOnly || t == Nonlinear }

// MultipliesF returns whether the kernel output is multiplied by f(y).
func (t TransformType) MultipliesF() bool { return t == Linear || t == Nonlinear }

// Neighbors is the neighbor graph (see neighbors.Graph) as graph nodes.
//
// Index (and RowIDs) may hold more edges than RowSplits accounts for: the edges at positions >=
// RowSplits[numQueries] are padding and contribute nothing. A graph without edges is fed with one padding
// edge (see neighbors.Graph.Lists), and every query yields zero.
type Neighbors struct {
	// Index holds the data point of each edge, shaped [numEdges].
	Index *Node

	// RowSplits holds the edges of each query point, shaped [numQueries+1].
	RowSplits *Node

	// RowIDs holds the query point of each edge, shaped [numEdges]. It is optional.
	RowIDs *Node
}

// NeighborsConst converts a host-side neighbors.Graph to constants in the graph g.
//
// Constants are baked into the computation graph, prefer feeding NeighborsTensors as parameters when the
// graph is executed with different neighbors.
func NeighborsConst(g *Graph, nbrs *neighbors.Graph) Neighbors {
	index, rowSplits, rowIDs := nbrs.Lists()
	return Neighbors{
		Index:     Const(g, index),
		RowSplits: Const(g, rowSplits),
		RowIDs:    Const(g, rowIDs),
	}
}

// NeighborsTensors returns the tensors of the neighbor graph to be fed to a graph as the Index, RowSplits and
// RowIDs of Neighbors.
func NeighborsTensors(nbrs *neighbors.Graph) []*tensors.Tensor {
	index, rowSplits, rowIDs := nbrs.Tensors()
	return []*tensors.Tensor{index, rowSplits, rowIDs}
}

// CSR returns the row grouping of the neighbors, as used by segment.
func (n Neighbors) CSR() segment.CSR {
	return segment.CSR{RowSplits: n.RowSplits, RowIDs: n.RowIDs}
}

// NumEdges returns the static number of edges.
func (n Neighbors) NumEdges() int { return n.Index.Shape().Dimensions[0] }

// NumQueries returns the static number of query points.
func (n Neighbors) NumQueries() int { return n.RowSplits.Shape().Dimensions[0] - 1 }

func (n Neighbors) validate() {
	if n.Index == nil || n.RowSplits == nil {
		Panicf("integral: Neighbors.Index and Neighbors.RowSplits must be given")
	}
	if n.Index.Rank() != 1 || !n.Index.DType().IsInt() {
		Panicf("integral: Neighbors.Index must be an integer vector, got %s", n.Index.Shape())
	}
	if n.RowIDs != nil && !n.RowIDs.Shape().Equal(n.Index.Shape()) {
		Panicf("integral: Neighbors.RowIDs (%s) must have the same shape as Neighbors.Index (%s)", n.RowIDs.Shape(), n.Index.Shape())
	}
}

// Config of a kernel integral transform. Create it with New, configure it with its methods and apply it with Done.
type Config struct {
	ctx           *context.Context
	y, x          *Node
	nbrs          Neighbors
	fY, weights   *Node
	transformType TransformType
	kernelLayers  []int
	outChannels   int
	activation    channelmlp.Activation
	backend       segment.Backend
}

// New creates the configuration of the integral transform from the data points y, shaped [n, d_y], to the
// query points x, shaped [m, d_x], over the neighbor graph nbrs (with m query rows).
//
// The kernel MLP variables are created under ctx.In("kernel").
func New(ctx *context.Context, y, x *Node, nbrs Neighbors) *Config {
	c := &Config{
		ctx:        ctx,
		y:          y,
		x:          x,
		nbrs:       nbrs,
		activation: channelmlp.ActivationFromContext(ctx),
	}
	var err error
	c.transformType, err = ParseTransformType(context.GetParamOr(ctx, ParamTransformType, "linear"))
	if err != nil {
		panic(err)
	}
	c.backend, err = segment.ParseBackend(context.GetParamOr(ctx, ParamSegmentBackend, "scatter"))
	if err != nil {
		panic(err)
	}
	return c
}

// Type sets the transform type.
func (c *Config) Type(t TransformType) *Config {
	c.transformType = t
	return c
}

// F sets the function integrated, defined on the data points y: shaped [n, channels] or, batched,
// [batchSize, n, channels].
//
// Fallback: if f is not given (or nil) and the type is Linear, the transform silently computes
// LinearKernelOnly instead, with no error. The nonlinear types panic without f, since their kernel
// takes f as input. See EffectiveType.
func (c *Config) F(fY *Node) *Config {
	c.fY = fY
	return c
}

// Weights sets the quadrature weights of each data point y, shaped [n]. The contribution of each
// neighbor is multiplied by its weight, and summed.
// If not set, the contributions are averaged over the neighbors of each query point.
func (c *Config) Weights(weights *Node) *Config {
	c.weights = weights
	return c
}

// KernelLayers sets the widths of the layers of the kernel MLP.
//
// If the first width is not the kernel input width (d_y + d_x, plus the channels of f for the nonlinear
// transforms), it is prepended. If the last width is not the output channels, it is appended.
func (c *Config) KernelLayers(widths ...int) *Config {
	c.kernelLayers = widths
	return c
}

// OutChannels sets the number of output channels. It defaults to the channels of f for the transforms that
// multiply by f, and to the last kernel layer width otherwise.
func (c *Config) OutChannels(outChannels int) *Config {
	c.outChannels = outChannels
	return c
}

// Activation sets the activation of the kernel MLP. Default is set by channelmlp.ParamActivation.
func (c *Config) Activation(activation channelmlp.Activation) *Config {
	c.activation = activation
	return c
}

// SegmentBackend sets the segmented reduction backend. Default is set by ParamSegmentBackend.
func (c *Config) SegmentBackend(backend segment.Backend) *Config {
	c.backend = backend
	return c
}

// EffectiveType returns the transform type computed: LinearKernelOnly if f is not given for the linear
// transform, otherwise the type configured.
func (c *Config) EffectiveType() TransformType {
	if c.fY == nil && c.transformType == Linear {
		return LinearKernelOnly
	}
	return c.transformType
}

// kernelWidths returns the completed list of the kernel MLP widths.
func (c *Config) kernelWidths(kernelIn, fChannels int, transformType TransformType) []int {
	widths := append([]int{}, c.kernelLayers...)
	if len(widths) == 0 || widths[0] != kernelIn {
		widths = append([]int{kernelIn}, widths...)
	}
	out := c.outChannels
	if out == 0 && transformType.MultipliesF() {
		out = fChannels
	}
	if out > 0 && widths[len(widths)-1] != out {
		widths = append(widths, out)
	}
	if len(widths) < 2 {
		Panicf("integral: the kernel needs the output channels, set with KernelLayers or OutChannels")
	}
	if transformType.MultipliesF() && widths[len(widths)-1] != fChannels {
		Panicf("integral: transform %s multiplies the kernel output by f(y), so the kernel output width (%d) must match the channels of f (%d)",
			transformType, widths[len(widths)-1], fChannels)
	}
	return widths
}

// Done computes the transform and returns it at the query points, shaped [m, outChannels] or, if f is batched,
// [batchSize, m, outChannels].
func (c *Config) Done() *Node {
	c.nbrs.validate()
	y, x, fY := c.y, c.x, c.fY
	if y.Rank() != 2 || x.Rank() != 2 {
		Panicf("integral: y and x must be shaped [numPoints, dim], got y=%s and x=%s", y.Shape(), x.Shape())
	}
	if y.DType() != x.DType() || !y.DType().IsFloat() {
		Panicf("integral: y and x must have the same float dtype, got y=%s and x=%s", y.Shape(), x.Shape())
	}
	numData, numQueries := y.Shape().Dimensions[0], x.Shape().Dimensions[0]
	if c.nbrs.NumQueries() != numQueries {
		Panicf("integral: neighbors graph has %d query rows, but x has %d points", c.nbrs.NumQueries(), numQueries)
	}
	transformType := c.EffectiveType()
	if transformType.KernelTakesF() && fY == nil {
		Panicf("integral: transform %s requires f(y) as input to the kernel, but f was not given", transformType)
	}

	batched := false
	batchSize, fChannels := 0, 0
	if fY != nil {
		switch fY.Rank() {
		case 2:
		case 3:
			batched = true
			batchSize = fY.Shape().Dimensions[0]
		default:
			Panicf("integral: f must be shaped [n, channels] or [batchSize, n, channels], got %s", fY.Shape())
		}
		if fY.Shape().Dimensions[fY.Rank()-2] != numData {
			Panicf("integral: f has %d points, but y has %d", fY.Shape().Dimensions[fY.Rank()-2], numData)
		}
		if fY.DType() != y.DType() {
			Panicf("integral: f dtype %s doesn't match y dtype %s", fY.DType(), y.DType())
		}
		fChannels = fY.Shape().Dimensions[fY.Rank()-1]
	}

	numEdges := c.nbrs.NumEdges()
	index := ConvertDType(c.nbrs.Index, dtypes.Int32)
	rowIDs := c.nbrs.RowIDs
	if rowIDs == nil {
		rowIDs = segment.RowIDsFromSplits(c.nbrs.RowSplits, numEdges)
	}
	rowIDs = ConvertDType(rowIDs, dtypes.Int32)

	// Kernel input per edge: [y_j, x_i (, f(y_j))].
	yj := Gather(y, Reshape(index, numEdges, 1))
	xi := Gather(x, Reshape(rowIDs, numEdges, 1))
	edges := Concatenate([]*Node{yj, xi}, -1)
	var fj *Node
	if fY != nil {
		fj = gatherEdges(fY, index, numEdges)
	}
	if batched {
		edges = BroadcastToDims(InsertAxes(edges, 0), batchSize, numEdges, edges.Shape().Dimensions[1])
	}
	kernelInput := edges
	if transformType.KernelTakesF() {
		kernelInput = Concatenate([]*Node{edges, fj}, -1)
	}
	kernelIn := kernelInput.Shape().Dimensions[kernelInput.Rank()-1]
	widths := c.kernelWidths(kernelIn, fChannels, transformType)
	contributions := channelmlp.New(c.ctx.In("kernel"), kernelInput, widths...).Activation(c.activation).Done()
	if transformType.MultipliesF() {
		contributions = Mul(contributions, fj)
	}

	op := segment.Mean
	if c.weights != nil {
		if c.weights.Rank() != 1 || c.weights.Shape().Dimensions[0] != numData {
			Panicf("integral: weights must be shaped [%d], got %s", numData, c.weights.Shape())
		}
		edgeWeights := Gather(ConvertDType(c.weights, contributions.DType()), Reshape(index, numEdges, 1))
		edgeWeights = Reshape(edgeWeights, numEdges, 1)
		if batched {
			edgeWeights = InsertAxes(edgeWeights, 0)
		}
		contributions = Mul(contributions, edgeWeights)
		op = segment.Sum
	}
	edgesAxis := contributions.Rank() - 2
	return segment.New(contributions, c.nbrs.CSR()).Op(op).EdgesAxis(edgesAxis).Backend(c.backend).Done()
}

// gatherEdges gathers f, shaped [n, channels] or [batchSize, n, channels], for each edge's data point.
func gatherEdges(f, index *Node, numEdges int) *Node {
	indices := Reshape(index, numEdges, 1)
	if f.Rank() == 2 {
		return Gather(f, indices)
	}
	// [batchSize, n, channels] -> [n, batchSize, channels] -> [numEdges, batchSize, channels] -> [batchSize, numEdges, channels].
	gathered := Gather(TransposeAllDims(f, 1, 0, 2), indices)
	return TransposeAllDims(gathered, 1, 0, 2)
}
