package spectral

import (
	"fmt"
	"math"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

// Factorization of the spectral weights tensor.
type Factorization int

const (
	// Dense weights: one free parameter per (input channel, output channel, mode). It is the default.
	Dense Factorization = iota

	// CP (canonical polyadic) factorization: the weights are the sum of R rank-1 tensors,
	// each the outer product of one vector per axis.
	CP

	// Tucker factorization: a small core tensor multiplied by one factor matrix per axis.
	Tucker
)

var factorizationNames = []string{"dense", "cp", "tucker"}

// String implements fmt.Stringer.
func (f Factorization) String() string {
	if f >= 0 && int(f) < len(factorizationNames) {
		return factorizationNames[f]
	}
	return fmt.Sprintf("Factorization(%d)", int(f))
}

// ParseFactorization converts a factorization name to a Factorization. Empty string or "none" mean Dense.
func ParseFactorization(name string) (Factorization, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "none" {
		return Dense, nil
	}
	for ii, known := range factorizationNames {
		if known == name {
			return Factorization(ii), nil
		}
	}
	return Dense, errors.Errorf("unknown spectral weights factorization %q, valid values are %v", name, factorizationNames)
}

// CPRank returns the rank R used by a CP factorization of a tensor with the given dimensions, for a rank
// given as a fraction of the number of parameters of the dense tensor: R = fraction·Π(dims)/Σ(dims).
func CPRank(dims []int, fraction float64) int {
	prod, sum := 1.0, 0.0
	for _, d := range dims {
		prod *= float64(d)
		sum += float64(d)
	}
	return max(1, int(math.Round(fraction*prod/sum)))
}

// TuckerRanks returns the ranks of each axis used by a Tucker factorization of a tensor with the given dimensions,
// for a rank given as a fraction of the number of parameters of the dense tensor: each axis is reduced
// by fraction^(1/rank), and clamped to [1, dim].
func TuckerRanks(dims []int, fraction float64) []int {
	scale := math.Pow(fraction, 1/float64(len(dims)))
	ranks := make([]int, len(dims))
	for ii, d := range dims {
		ranks[ii] = min(d, max(1, int(math.Round(scale*float64(d)))))
	}
	return ranks
}

// weightsPart creates (or reuses) the variables for one (real or imaginary) part of the weights,
// shaped dims, and returns their reconstruction as a dense tensor.
func (c *Config) weightsPart(ctx *context.Context, g *Graph, part string, dims []int, stddev float64) *Node {
	dtype := c.x.DType()
	switch c.factorization {
	case Dense:
		return ctx.WithInitializer(initializers.RandomNormalFn(ctx, stddev)).
			VariableWithShape("weights_"+part, shapes.Make(dtype, dims...)).ValueGraph(g)

	case CP:
		rank := c.absoluteRank
		if rank <= 0 {
			rank = CPRank(dims, c.rank)
		}
		// With λ=1, the reconstruction has variance R·σ^(2n), so each factor has σ = (stddev²/R)^(1/2n).
		factorStddev := math.Pow(stddev*stddev/float64(rank), 1/(2*float64(len(dims))))
		lambdas := ctx.WithInitializer(initializers.One).
			VariableWithShape("cp_weights_"+part, shapes.Make(dtype, rank)).ValueGraph(g)
		factors := make([]*Node, len(dims))
		for ii, dim := range dims {
			factors[ii] = ctx.WithInitializer(initializers.RandomNormalFn(ctx, factorStddev)).
				VariableWithShape(fmt.Sprintf("cp_factor_%d_%s", ii, part), shapes.Make(dtype, dim, rank)).ValueGraph(g)
		}
		return ReconstructCP(lambdas, factors)

	case Tucker:
		var ranks []int
		if c.absoluteRank > 0 {
			ranks = make([]int, len(dims))
			for ii, dim := range dims {
				ranks[ii] = min(dim, c.absoluteRank)
			}
		} else {
			ranks = TuckerRanks(dims, c.rank)
		}
		coreSize := 1
		for _, r := range ranks {
			coreSize *= r
		}
		core := ctx.WithInitializer(initializers.RandomNormalFn(ctx, stddev/math.Sqrt(float64(coreSize)))).
			VariableWithShape("tucker_core_"+part, shapes.Make(dtype, ranks...)).ValueGraph(g)
		factors := make([]*Node, len(dims))
		for ii, dim := range dims {
			factors[ii] = ctx.WithInitializer(initializers.RandomNormalFn(ctx, 1.0)).
				VariableWithShape(fmt.Sprintf("tucker_factor_%d_%s", ii, part), shapes.Make(dtype, dim, ranks[ii])).ValueGraph(g)
		}
		return ReconstructTucker(core, factors)
	}
	Panicf("spectral: unknown factorization %s", c.factorization)
	return nil
}

// ReconstructCP returns the dense tensor Σ_r λ_r · f_0[:, r] ⊗ f_1[:, r] ⊗ ... ⊗ f_{n-1}[:, r].
//
// lambdas is shaped [R] and each factor f_i is shaped [dim_i, R]. The result is shaped [dim_0, ..., dim_{n-1}].
func ReconstructCP(lambdas *Node, factors []*Node) *Node {
	if len(factors) == 0 {
		Panicf("spectral.ReconstructCP requires at least one factor")
	}
	rank := lambdas.Shape().Dimensions[0]
	// Accumulated outer product, shaped [dim_0, ..., dim_{i}, R].
	acc := Mul(factors[0], Reshape(lambdas, 1, rank))
	dims := []int{factors[0].Shape().Dimensions[0]}
	for _, factor := range factors[1:] {
		if factor.Rank() != 2 || factor.Shape().Dimensions[1] != rank {
			Panicf("spectral.ReconstructCP: factors must be shaped [dim, %d], got %s", rank, factor.Shape())
		}
		dim := factor.Shape().Dimensions[0]
		lhsDims := append(append([]int{}, dims...), 1, rank)
		rhsDims := make([]int, len(dims)+2)
		for ii := range dims {
			rhsDims[ii] = 1
		}
		rhsDims[len(dims)] = dim
		rhsDims[len(dims)+1] = rank
		acc = Mul(Reshape(acc, lhsDims...), Reshape(factor, rhsDims...))
		dims = append(dims, dim)
	}
	return ReduceSum(acc, -1)
}

// ReconstructTucker returns the dense tensor core ×_0 f_0 ×_1 f_1 ... ×_{n-1} f_{n-1}.
//
// core is shaped [r_0, ..., r_{n-1}] and each factor f_i is shaped [dim_i, r_i]. The result is shaped
// [dim_0, ..., dim_{n-1}].
func ReconstructTucker(core *Node, factors []*Node) *Node {
	if core.Rank() != len(factors) {
		Panicf("spectral.ReconstructTucker: core of rank %d requires as many factors, got %d", core.Rank(), len(factors))
	}
	x := core
	for axis, factor := range factors {
		if factor.Rank() != 2 || factor.Shape().Dimensions[1] != x.Shape().Dimensions[axis] {
			Panicf("spectral.ReconstructTucker: factor %d shaped %s doesn't match core axis of dimension %d",
				axis, factor.Shape(), x.Shape().Dimensions[axis])
		}
		// Contract the axis with the factor: the new axis ends up last, and is moved back into place.
		lastAxis := x.Rank() - 1
		if axis != lastAxis {
			x = Transpose(x, axis, lastAxis)
		}
		dims := x.Shape().Dimensions
		rows := 1
		for _, d := range dims[:lastAxis] {
			rows *= d
		}
		contracted := Einsum("pr,dr->pd", Reshape(x, rows, dims[lastAxis]), factor)
		newDims := append(append([]int{}, dims[:lastAxis]...), factor.Shape().Dimensions[0])
		x = Reshape(contracted, newDims...)
		if axis != lastAxis {
			x = Transpose(x, axis, lastAxis)
		}
	}
	return x
}
