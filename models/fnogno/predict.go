package fnogno

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/neuralop/ml/layers/integral"
	"github.com/gomlx/neuralop/neighbors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Neighbors searches, for each output point in outP (shaped [m, coordDim]), the points of the latent grid inP
// (shaped [s_1, ..., s_k, coordDim]) within the radius of the model.
func (m *Model) Neighbors(inP, outP *tensors.Tensor) (*neighbors.Graph, error) {
	data, err := flatPoints(inP)
	if err != nil {
		return nil, errors.WithMessage(err, "fnogno inP")
	}
	queries, err := neighbors.FromTensor(outP)
	if err != nil {
		return nil, errors.WithMessage(err, "fnogno outP")
	}
	if data.Dim != m.config.coordDim || queries.Dim != m.config.coordDim {
		return nil, errors.Errorf("fnogno: inP and outP must have %d coordinates per point, got %d and %d",
			m.config.coordDim, data.Dim, queries.Dim)
	}
	return m.searcher.Search(data, queries, m.config.radius)
}

// flatPoints returns the points of a tensor shaped [..., dim].
func flatPoints(t *tensors.Tensor) (neighbors.Points, error) {
	shape := t.Shape()
	if shape.Rank() < 2 {
		return neighbors.Points{}, errors.Errorf("points tensor must be shaped [..., dim], got %s", shape)
	}
	dim := shape.Dimensions[shape.Rank()-1]
	switch shape.DType {
	case dtypes.Float32:
		return neighbors.FromFlat(tensors.CopyFlatData[float32](t), dim)
	case dtypes.Float64:
		return neighbors.FromFlat(tensors.CopyFlatData[float64](t), dim)
	default:
		return neighbors.Points{}, errors.Errorf("points tensor must be Float32 or Float64, got %s", shape.DType)
	}
}

// Predict runs the neighbor search and the model for the input function f on the latent grid inP, at the
// output points outP. adaIn is only used by models with AdaIN normalization, and can be nil otherwise.
//
// Errors building the model graph (e.g.: mismatched shapes) are returned as errors.
func (m *Model) Predict(backend backends.Backend, ctx *context.Context, inP, outP, f, adaIn *tensors.Tensor) (output *tensors.Tensor, err error) {
	nbrs, err := m.Neighbors(inP, outP)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("fnogno: %d output points, %d edges (radius=%g)", nbrs.NumQueries(), nbrs.NumEdges(), m.config.radius)
	inputs := []any{inP, outP, f}
	for _, t := range integral.NeighborsTensors(nbrs) {
		inputs = append(inputs, t)
	}
	hasAdaIn := adaIn != nil
	if hasAdaIn {
		inputs = append(inputs, adaIn)
	}
	err = exceptions.TryCatch[error](func() {
		output = context.ExecOnce(backend, ctx, func(ctx *context.Context, params []*Node) *Node {
			var adaIn *Node
			if hasAdaIn {
				adaIn = params[6]
			}
			nbrs := integral.Neighbors{Index: params[3], RowSplits: params[4], RowIDs: params[5]}
			return m.Forward(ctx, params[0], params[1], params[2], adaIn, nbrs)
		}, inputs...)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "fnogno.Predict")
	}
	return output, nil
}
