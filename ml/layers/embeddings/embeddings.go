// Package embeddings implements positional embeddings of coordinates, and the regular grids used as latent
// geometry by the neural operators.
package embeddings

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// DefaultMaxPositions is the default "max positions" of the sinusoidal embedding, that defines its lowest frequency.
const DefaultMaxPositions = 10000

// Sinusoidal embeds each value of x into numChannels channels: the first half are cos(x·ω_i) and
// the second half sin(x·ω_i), with ω_i = (1/maxPositions)^(i/half), i = 0..half-1.
//
// x can have any shape, the output has shape [<x dimensions...>, numChannels]. numChannels must be even.
func Sinusoidal(x *Node, numChannels int, maxPositions float64) *Node {
	if numChannels <= 0 || numChannels%2 != 0 {
		Panicf("embeddings.Sinusoidal requires an even numChannels > 0, got %d", numChannels)
	}
	if maxPositions <= 0 {
		Panicf("embeddings.Sinusoidal requires maxPositions > 0, got %g", maxPositions)
	}
	if !x.DType().IsFloat() {
		Panicf("embeddings.Sinusoidal requires a float input, got %s", x.Shape())
	}
	g := x.Graph()
	half := numChannels / 2
	freqs := make([]float64, half)
	for ii := range freqs {
		freqs[ii] = float64(ii) / float64(half)
	}
	// ω_i = maxPositions^(-i/half)
	omegas := Exp(MulScalar(Const(g, freqs), -math.Log(maxPositions)))
	omegas = ConvertDType(omegas, x.DType())

	expandedDims := append(x.Shape().Clone().Dimensions, 1)
	args := Mul(Reshape(x, expandedDims...), ExpandLeftToRank(omegas, len(expandedDims)))
	return Concatenate([]*Node{Cos(args), Sin(args)}, -1)
}

// SinusoidalPoints embeds points shaped [numPoints, dim] into [numPoints, dim·numChannels]: each coordinate is
// embedded with Sinusoidal, and the embeddings of the coordinates of a point are concatenated.
func SinusoidalPoints(points *Node, numChannels int, maxPositions float64) *Node {
	if points.Rank() != 2 {
		Panicf("embeddings.SinusoidalPoints requires points shaped [numPoints, dim], got %s", points.Shape())
	}
	numPoints, dim := points.Shape().Dimensions[0], points.Shape().Dimensions[1]
	return Reshape(Sinusoidal(points, numChannels, maxPositions), numPoints, dim*numChannels)
}

// RegularGrid1D returns resolution evenly spaced values in [start, stop): start + i·(stop-start)/resolution.
func RegularGrid1D(resolution int, start, stop float64) []float64 {
	if resolution <= 0 {
		return nil
	}
	// Span includes both end points, so we generate one extra and drop the last one.
	values := floats.Span(make([]float64, resolution+1), start, stop)
	return values[:resolution]
}

// RegularGridND returns the coordinates of a regular grid with the given resolutions, and boundaries
// ([start, stop) per axis). If boundaries is nil, [0, 1) is used for every axis.
//
// The result has one entry per axis, each with the flat (row-major, "ij" indexing) values of that
// coordinate over the whole grid: result[axis][flatIndex].
func RegularGridND(resolutions []int, boundaries [][2]float64) ([][]float64, error) {
	if len(resolutions) == 0 {
		return nil, errors.New("embeddings.RegularGridND requires at least one axis")
	}
	if boundaries == nil {
		boundaries = make([][2]float64, len(resolutions))
		for ii := range boundaries {
			boundaries[ii] = [2]float64{0, 1}
		}
	}
	if len(boundaries) != len(resolutions) {
		return nil, errors.Errorf("embeddings.RegularGridND got %d resolutions but %d boundaries", len(resolutions), len(boundaries))
	}
	size := 1
	for axis, res := range resolutions {
		if res <= 0 {
			return nil, errors.Errorf("embeddings.RegularGridND resolution for axis %d must be > 0, got %d", axis, res)
		}
		size *= res
	}
	coords := make([][]float64, len(resolutions))
	stride := size
	for axis, res := range resolutions {
		values := RegularGrid1D(res, boundaries[axis][0], boundaries[axis][1])
		stride /= res
		coords[axis] = make([]float64, size)
		for flatIdx := range size {
			coords[axis][flatIdx] = values[(flatIdx/stride)%res]
		}
	}
	return coords, nil
}

// GridPoints returns the points of a regular grid as a Float32 tensor shaped [res_0, ..., res_{k-1}, k]: the
// last axis holds the coordinates of each grid point. See RegularGridND for the arguments.
func GridPoints(resolutions []int, boundaries [][2]float64) (*tensors.Tensor, error) {
	coords, err := RegularGridND(resolutions, boundaries)
	if err != nil {
		return nil, err
	}
	k := len(resolutions)
	size := len(coords[0])
	flat := make([]float32, size*k)
	for flatIdx := range size {
		for axis := range k {
			flat[flatIdx*k+axis] = float32(coords[axis][flatIdx])
		}
	}
	dims := append(append([]int{}, resolutions...), k)
	return tensors.FromFlatDataAndDimensions(flat, dims...), nil
}

// GridShape returns the shape of the points of a grid, as returned by GridPoints.
func GridShape(resolutions []int) shapes.Shape {
	dims := append(append([]int{}, resolutions...), len(resolutions))
	return shapes.Make(dtypes.Float32, dims...)
}
