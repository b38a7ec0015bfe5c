// Package losses implements the function-space losses used to train neural operators: Lp and H1 (Sobolev)
// norms over regular grids, and Lpq norms with quadrature weights over irregular meshes.
//
// They work on whole functions: the last D axes of the inputs are the spatial axes of the grid, the first
// axis is the batch, and any axes in between (e.g.: channels) are handled independently.
//
// Each loss has a LossFn method returning a github.com/gomlx/gomlx/ml/train/losses.LossFn, to be used by
// train.Trainer.
package losses

import (
	"fmt"
	"math"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/pkg/errors"
)

// DefaultDomainLength is the length of the domain on each axis, used to compute the grid spacing
// when it is not given.
const DefaultDomainLength = 2 * math.Pi

// Reduction over the batch axis.
type Reduction int

const (
	ReductionSum Reduction = iota
	ReductionMean
)

var reductionNames = []string{"sum", "mean"}

// String implements fmt.Stringer.
func (r Reduction) String() string {
	if r >= 0 && int(r) < len(reductionNames) {
		return reductionNames[r]
	}
	return fmt.Sprintf("Reduction(%d)", int(r))
}

// ParseReduction converts "sum" or "mean" to a Reduction.
func ParseReduction(name string) (Reduction, error) {
	name = strings.ToLower(name)
	for ii, n := range reductionNames {
		if n == name {
			return Reduction(ii), nil
		}
	}
	return ReductionSum, errors.Errorf("unknown reduction %q, valid values are %v", name, reductionNames)
}

// reduce the per-function values over the batch axis (axis 0) and sums the remaining axes.
func (r Reduction) reduce(x *Node) *Node {
	if x.Rank() == 0 {
		return x
	}
	if r == ReductionMean {
		x = ReduceMean(x, 0)
	} else {
		x = ReduceSum(x, 0)
	}
	return ReduceAllSum(x)
}

// gridSpacing returns the spacing of the grid for each of the last d axes of x: either the given h (one value
// for all axes, or one per axis), or the domain lengths divided by the dimensions.
func gridSpacing(x *Node, d int, lengths, h []float64) []float64 {
	spacing := make([]float64, d)
	switch len(h) {
	case 0:
		if len(lengths) != 0 && len(lengths) != 1 && len(lengths) != d {
			Panicf("losses: %d domain lengths given for %d spatial axes", len(lengths), d)
		}
		for ii := range d {
			length := DefaultDomainLength
			if len(lengths) == 1 {
				length = lengths[0]
			} else if len(lengths) == d {
				length = lengths[ii]
			}
			spacing[ii] = length / float64(x.Shape().Dimensions[x.Rank()-d+ii])
		}
	case 1:
		for ii := range d {
			spacing[ii] = h[0]
		}
	case d:
		copy(spacing, h)
	default:
		Panicf("losses: %d grid spacings given for %d spatial axes", len(h), d)
	}
	return spacing
}

// flattenSpatial reshapes x to [<leading axes...>, size of the last d axes].
func flattenSpatial(x *Node, d int) *Node {
	if x.Rank() <= d {
		Panicf("losses: input must have a batch axis and %d spatial axes, got shape %s", d, x.Shape())
	}
	dims := x.Shape().Dimensions
	size := 1
	for _, dim := range dims[x.Rank()-d:] {
		size *= dim
	}
	newDims := append(append([]int{}, dims[:x.Rank()-d]...), size)
	return Reshape(x, newDims...)
}

// pNorm returns the p-norm over the last axis.
func pNorm(x *Node, p float64) *Node {
	if p == 2 {
		return Sqrt(ReduceSum(Square(x), -1))
	}
	sum := ReduceSum(Pow(Abs(x), ConstAs(x, p)), -1)
	return Pow(sum, ConstAs(sum, 1/p))
}

func checkSameShape(x, y *Node) {
	if !x.Shape().Equal(y.Shape()) {
		Panicf("losses: prediction %s and target %s must have the same shape", x.Shape(), y.Shape())
	}
}

// LpLoss is the Lp norm of the difference of functions sampled on a regular grid of D dimensions.
type LpLoss struct {
	// D is the number of spatial axes (the last axes of the inputs).
	D int

	// P of the norm.
	P float64

	// L are the lengths of the domain on each spatial axis (or one for all axes), used to compute the grid
	// spacing when it is not given. If empty, DefaultDomainLength is used.
	L []float64

	// Reduction over the batch.
	Reduction Reduction
}

// NewLpLoss returns an Lp loss over d spatial axes, with sum reduction.
func NewLpLoss(d int, p float64) *LpLoss {
	return &LpLoss{D: d, P: p}
}

// Abs returns the absolute Lp distance between x and y, scaled by the volume of the grid cells (Πh)^(1/p),
// and reduced over the batch. h is the grid spacing (one value for all axes, or one per axis), if not given it
// is computed from L.
func (l *LpLoss) Abs(x, y *Node, h ...float64) *Node {
	checkSameShape(x, y)
	spacing := gridSpacing(x, l.D, l.L, h)
	volume := 1.0
	for _, v := range spacing {
		volume *= v
	}
	diff := pNorm(Sub(flattenSpatial(x, l.D), flattenSpatial(y, l.D)), l.P)
	diff = MulScalar(diff, math.Pow(volume, 1/l.P))
	return l.Reduction.reduce(diff)
}

// Rel returns the Lp distance between x and y relative to the Lp norm of y, reduced over the batch.
func (l *LpLoss) Rel(x, y *Node) *Node {
	checkSameShape(x, y)
	flatY := flattenSpatial(y, l.D)
	diff := pNorm(Sub(flattenSpatial(x, l.D), flatY), l.P)
	return l.Reduction.reduce(Div(diff, pNorm(flatY, l.P)))
}

// LossFn returns a loss function for train.Trainer that computes Rel(predictions[0], labels[0]).
func (l *LpLoss) LossFn() losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		return l.Rel(predictions[0], labels[0])
	}
}

// H1Loss is the H1 (Sobolev) norm of the difference of functions sampled on a regular grid of D dimensions
// (1 to 3): the L2 norm of the values plus the L2 norms of the first derivatives, estimated with
// central differences.
type H1Loss struct {
	// D is the number of spatial axes (the last axes of the inputs), 1 to 3.
	D int

	// L are the lengths of the domain on each spatial axis (or one for all axes). See LpLoss.L.
	L []float64

	// Reduction over the batch.
	Reduction Reduction

	// FixBoundary selects, for each spatial axis, one-sided differences on the boundaries instead of
	// a periodic domain. If empty, all axes are periodic.
	FixBoundary []bool
}

// NewH1Loss returns an H1 loss over d spatial axes, with sum reduction and periodic boundaries.
func NewH1Loss(d int) *H1Loss {
	return &H1Loss{D: d}
}

// terms returns the flattened values and first derivatives of x.
func (l *H1Loss) terms(x *Node, spacing []float64) []*Node {
	if l.D < 1 || l.D > 3 {
		Panicf("H1Loss supports 1 to 3 spatial axes, got D=%d", l.D)
	}
	if len(l.FixBoundary) != 0 && len(l.FixBoundary) != l.D {
		Panicf("H1Loss: %d FixBoundary values given for %d spatial axes", len(l.FixBoundary), l.D)
	}
	terms := []*Node{flattenSpatial(x, l.D)}
	for ii := range l.D {
		axis := x.Rank() - l.D + ii
		fix := len(l.FixBoundary) > 0 && l.FixBoundary[ii]
		terms = append(terms, flattenSpatial(CentralDiff(x, axis, spacing[ii], fix), l.D))
	}
	return terms
}

// Abs returns the absolute H1 distance between x and y, scaled by the volume of the grid cells, and reduced
// over the batch. h is the grid spacing, see LpLoss.Abs.
func (l *H1Loss) Abs(x, y *Node, h ...float64) *Node {
	checkSameShape(x, y)
	spacing := gridSpacing(x, l.D, l.L, h)
	volume := 1.0
	for _, v := range spacing {
		volume *= v
	}
	xTerms, yTerms := l.terms(x, spacing), l.terms(y, spacing)
	var sum *Node
	for ii := range xTerms {
		term := ReduceSum(Square(Sub(xTerms[ii], yTerms[ii])), -1)
		if sum == nil {
			sum = term
		} else {
			sum = Add(sum, term)
		}
	}
	diff := Sqrt(MulScalar(sum, volume))
	return l.Reduction.reduce(diff)
}

// Rel returns the H1 distance between x and y relative to the H1 norm of y, reduced over the batch.
func (l *H1Loss) Rel(x, y *Node, h ...float64) *Node {
	checkSameShape(x, y)
	spacing := gridSpacing(x, l.D, l.L, h)
	xTerms, yTerms := l.terms(x, spacing), l.terms(y, spacing)
	var diff, norm *Node
	for ii := range xTerms {
		d := ReduceSum(Square(Sub(xTerms[ii], yTerms[ii])), -1)
		n := ReduceSum(Square(yTerms[ii]), -1)
		if diff == nil {
			diff, norm = d, n
		} else {
			diff, norm = Add(diff, d), Add(norm, n)
		}
	}
	return l.Reduction.reduce(Sqrt(Div(diff, norm)))
}

// LossFn returns a loss function for train.Trainer that computes Rel(predictions[0], labels[0]).
func (l *H1Loss) LossFn() losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		return l.Rel(predictions[0], labels[0])
	}
}

// IrregularLpq is the Lpq norm of functions sampled on the points of an irregular mesh, weighted by the
// volume (or area) of the element of each point:
//
//	‖x‖ = (Σ_i vol_i · ‖x_i‖_q^p)^(1/p)
//
// where x_i are the channels of point i.
type IrregularLpq struct {
	P, Q float64
}

// NewWeightedL2 returns the IrregularLpq with p = q = 2.
func NewWeightedL2() *IrregularLpq {
	return &IrregularLpq{P: 2, Q: 2}
}

// Norm of x, shaped [numPoints, channels] or [numPoints], with volElm shaped [numPoints].
// It returns a scalar.
func (l *IrregularLpq) Norm(x, volElm *Node) *Node {
	if volElm.Rank() != 1 || volElm.Shape().Dimensions[0] != x.Shape().Dimensions[0] {
		Panicf("IrregularLpq: volume elements %s must be shaped [numPoints] for x %s", volElm.Shape(), x.Shape())
	}
	var s *Node
	switch x.Rank() {
	case 1:
		s = Pow(Abs(x), ConstAs(x, l.P))
	case 2:
		s = ReduceSum(Pow(Abs(x), ConstAs(x, l.Q)), -1)
		s = Pow(s, ConstAs(s, l.P/l.Q))
	default:
		Panicf("IrregularLpq: x must be shaped [numPoints, channels] or [numPoints], got %s", x.Shape())
	}
	sum := ReduceAllSum(Mul(s, ConvertDType(volElm, x.DType())))
	return Pow(sum, ConstAs(sum, 1/l.P))
}

// Abs returns the norm of x - y.
func (l *IrregularLpq) Abs(x, y, volElm *Node) *Node {
	checkSameShape(x, y)
	return l.Norm(Sub(x, y), volElm)
}

// Rel returns the norm of x - y relative to the norm of y.
func (l *IrregularLpq) Rel(x, y, volElm *Node) *Node {
	return Div(l.Abs(x, y, volElm), l.Norm(y, volElm))
}

// LossFn returns a loss function for train.Trainer that computes Rel(predictions[0], labels[0], labels[1]):
// the volume elements are passed as the second label.
func (l *IrregularLpq) LossFn() losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		if len(labels) < 2 {
			Panicf("IrregularLpq loss requires the volume elements as labels[1], got %d labels", len(labels))
		}
		return l.Rel(predictions[0], labels[0], labels[1])
	}
}

// RelativeL2 returns ‖x - y‖₂ / ‖y‖₂ over all the elements.
func RelativeL2(x, y *Node) *Node {
	checkSameShape(x, y)
	return Sqrt(Div(ReduceAllSum(Square(Sub(x, y))), ReduceAllSum(Square(y))))
}

// RelativeL2Loss is a train loss function computing RelativeL2(predictions[0], labels[0]).
func RelativeL2Loss(labels, predictions []*Node) *Node {
	return RelativeL2(predictions[0], labels[0])
}
