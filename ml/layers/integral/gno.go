package integral

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/neuralop/ml/layers/channelmlp"
	"github.com/gomlx/neuralop/neighbors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultKernelLayers are the hidden layer widths of the kernel MLP of a GNOBlock, if not configured.
var DefaultKernelLayers = []int{512, 256}

// GNOBlock is a graph neural operator layer: a neighbor search over a radius followed by a kernel integral
// transform. It maps a function defined on the points y to a function defined on the points x, where the
// two point sets can be different (e.g.: a latent grid and a mesh).
//
// The neighbor search runs on the host, with Neighbors, and the transform in the graph, with Apply.
// Exec does both.
type GNOBlock struct {
	coordDim, inChannels, outChannels int
	radius                            float64
	searcher                          *neighbors.Searcher
	transformType                     TransformType
	kernelLayers                      []int
	activation                        channelmlp.Activation
}

// NewGNOBlock creates a GNO layer for points of dimension coordDim, and the given radius.
//
// inChannels is the number of channels of f, only used by the nonlinear transforms, and outChannels the
// number of output channels.
func NewGNOBlock(coordDim, inChannels, outChannels int, radius float64) (*GNOBlock, error) {
	if coordDim <= 0 || outChannels <= 0 || inChannels < 0 {
		return nil, errors.Errorf("invalid GNOBlock dimensions coordDim=%d, inChannels=%d, outChannels=%d", coordDim, inChannels, outChannels)
	}
	if radius <= 0 {
		return nil, errors.Errorf("GNOBlock radius must be > 0, got %g", radius)
	}
	searcher, err := neighbors.New(neighbors.KDTree, coordDim)
	if err != nil {
		return nil, err
	}
	return &GNOBlock{
		coordDim:      coordDim,
		inChannels:    inChannels,
		outChannels:   outChannels,
		radius:        radius,
		searcher:      searcher,
		transformType: Linear,
		kernelLayers:  DefaultKernelLayers,
		activation:    channelmlp.ActivationGelu,
	}, nil
}

// WithStrategy sets the neighbor search strategy. It fails if the strategy doesn't support the coordinate
// dimension of the block.
func (b *GNOBlock) WithStrategy(strategy neighbors.Strategy) (*GNOBlock, error) {
	searcher, err := neighbors.New(strategy, b.coordDim)
	if err != nil {
		return nil, errors.WithMessagef(err, "GNOBlock with coordDim=%d", b.coordDim)
	}
	b.searcher = searcher
	return b, nil
}

// WithTransformType sets the transform type. The default is Linear.
func (b *GNOBlock) WithTransformType(t TransformType) (*GNOBlock, error) {
	if t.MultipliesF() && b.inChannels != b.outChannels {
		return nil, errors.Errorf("GNOBlock transform %s requires inChannels (%d) == outChannels (%d)", t, b.inChannels, b.outChannels)
	}
	if t.KernelTakesF() && b.inChannels == 0 {
		return nil, errors.Errorf("GNOBlock transform %s requires inChannels > 0", t)
	}
	b.transformType = t
	return b, nil
}

// WithKernelLayers sets the hidden layer widths of the kernel MLP.
func (b *GNOBlock) WithKernelLayers(hidden ...int) *GNOBlock {
	b.kernelLayers = hidden
	return b
}

// WithActivation sets the activation of the kernel MLP. Default is gelu.
func (b *GNOBlock) WithActivation(activation channelmlp.Activation) *GNOBlock {
	b.activation = activation
	return b
}

// Radius of the neighbor search.
func (b *GNOBlock) Radius() float64 { return b.radius }

// KernelInputWidth returns the input width of the kernel MLP: 2·coordDim, plus inChannels for the nonlinear
// transforms.
func (b *GNOBlock) KernelInputWidth() int {
	width := 2 * b.coordDim
	if b.transformType.KernelTakesF() {
		width += b.inChannels
	}
	return width
}

// Neighbors searches, for each point in x (the queries), the points in y (the data) within the radius.
func (b *GNOBlock) Neighbors(y, x *tensors.Tensor) (*neighbors.Graph, error) {
	data, err := neighbors.FromTensor(y)
	if err != nil {
		return nil, errors.WithMessage(err, "GNOBlock y")
	}
	queries, err := neighbors.FromTensor(x)
	if err != nil {
		return nil, errors.WithMessage(err, "GNOBlock x")
	}
	return b.searcher.Search(data, queries, b.radius)
}

// Apply the block's integral transform in the graph. fY and weights are optional (nil).
func (b *GNOBlock) Apply(ctx *context.Context, y, x *Node, nbrs Neighbors, fY, weights *Node) *Node {
	widths := append(append([]int{b.KernelInputWidth()}, b.kernelLayers...), b.outChannels)
	return New(ctx, y, x, nbrs).
		Type(b.transformType).
		F(fY).
		Weights(weights).
		KernelLayers(widths...).
		OutChannels(b.outChannels).
		Activation(b.activation).
		Done()
}

// Exec runs the neighbor search and the transform. fY and weights are optional (nil).
// Panics while building the graph (e.g.: mismatched shapes) are returned as errors.
func (b *GNOBlock) Exec(backend backends.Backend, ctx *context.Context, y, x, fY, weights *tensors.Tensor) (output *tensors.Tensor, err error) {
	nbrs, err := b.Neighbors(y, x)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("GNOBlock: %d queries, %d edges (radius=%g)", nbrs.NumQueries(), nbrs.NumEdges(), b.radius)
	inputs := []any{y, x}
	for _, t := range NeighborsTensors(nbrs) {
		inputs = append(inputs, t)
	}
	hasF, hasWeights := fY != nil, weights != nil
	if hasF {
		inputs = append(inputs, fY)
	}
	if hasWeights {
		inputs = append(inputs, weights)
	}
	err = exceptions.TryCatch[error](func() {
		output = context.ExecOnce(backend, ctx, func(ctx *context.Context, params []*Node) *Node {
			y, x := params[0], params[1]
			nbrs := Neighbors{Index: params[2], RowSplits: params[3], RowIDs: params[4]}
			var f, w *Node
			next := 5
			if hasF {
				f = params[next]
				next++
			}
			if hasWeights {
				w = params[next]
			}
			return b.Apply(ctx, y, x, nbrs, f, w)
		}, inputs...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "GNOBlock.Exec")
	}
	return output, nil
}
