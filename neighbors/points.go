package neighbors

import (
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
)

// Points is an ordered set of points in R^Dim, stored flat in row-major order.
//
// Points are never modified by the searches, so the same Points can be shared by concurrent searches.
type Points struct {
	Dim  int
	Flat []float64
}

// Len returns the number of points.
func (p Points) Len() int {
	if p.Dim <= 0 {
		return 0
	}
	return len(p.Flat) / p.Dim
}

// At returns the coordinates of the i-th point. The returned slice shares the storage of p.
func (p Points) At(i int) []float64 {
	return p.Flat[i*p.Dim : (i+1)*p.Dim]
}

// Validate checks that the flat storage is consistent with the dimension.
func (p Points) Validate() error {
	if p.Dim <= 0 {
		return errors.Errorf("points dimension must be > 0, got %d", p.Dim)
	}
	if len(p.Flat)%p.Dim != 0 {
		return errors.Errorf("points storage has %d values, not a multiple of the dimension %d", len(p.Flat), p.Dim)
	}
	if floats.HasNaN(p.Flat) {
		return errors.New("points have NaN coordinates")
	}
	return nil
}

// FromRows creates Points from a list of coordinates. All rows must have the same length.
func FromRows(rows [][]float64) (Points, error) {
	if len(rows) == 0 {
		return Points{}, errors.New("neighbors.FromRows requires at least one point to infer the dimension")
	}
	dim := len(rows[0])
	p := Points{Dim: dim, Flat: make([]float64, 0, dim*len(rows))}
	for i, row := range rows {
		if len(row) != dim {
			return Points{}, errors.Errorf("point #%d has dimension %d, but point #0 has dimension %d", i, len(row), dim)
		}
		p.Flat = append(p.Flat, row...)
	}
	return p, p.Validate()
}

// FromFlat creates Points from a flat list of coordinates of any float type.
func FromFlat[T constraints.Float](flat []T, dim int) (Points, error) {
	p := Points{Dim: dim, Flat: make([]float64, len(flat))}
	for i, v := range flat {
		p.Flat[i] = float64(v)
	}
	return p, p.Validate()
}

// FromTensor creates Points from a tensor shaped [numPoints, dim] of dtype Float32 or Float64.
func FromTensor(t *tensors.Tensor) (Points, error) {
	shape := t.Shape()
	if shape.Rank() != 2 {
		return Points{}, errors.Errorf("points tensor must be shaped [numPoints, dim], got %s", shape)
	}
	dim := shape.Dimensions[1]
	switch shape.DType {
	case dtypes.Float32:
		return FromFlat(tensors.CopyFlatData[float32](t), dim)
	case dtypes.Float64:
		return FromFlat(tensors.CopyFlatData[float64](t), dim)
	default:
		return Points{}, errors.Errorf("points tensor must be Float32 or Float64, got %s", shape.DType)
	}
}

// squaredDistance is the only distance function used by all strategies, so that the inclusive
// radius test gives exactly the same result whatever the strategy. It is squared, like
// kdtree.Comparable.Distance, and compared against radius².
func squaredDistance(a, b []float64) float64 {
	var sum float64
	for i, v := range a {
		d := v - b[i]
		sum += d * d
	}
	return sum
}
