package spectral

import (
	"fmt"
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestParse(t *testing.T) {
	f, err := ParseFactorization("Tucker")
	require.NoError(t, err)
	assert.Equal(t, Tucker, f)
	f, err = ParseFactorization("")
	require.NoError(t, err)
	assert.Equal(t, Dense, f)
	_, err = ParseFactorization("tt")
	require.Error(t, err)

	n, err := ParseFFTNorm("ortho")
	require.NoError(t, err)
	assert.Equal(t, FFTNormOrtho, n)
	_, err = ParseFFTNorm("none")
	require.Error(t, err)

	s, err := ParseStabilizer("tanh")
	require.NoError(t, err)
	assert.Equal(t, StabilizerTanh, s)
	_, err = ParseStabilizer("relu")
	require.Error(t, err)
}

func TestRanks(t *testing.T) {
	assert.Equal(t, []int{2, 3, 3}, TuckerRanks([]int{2, 3, 3}, 1.0))
	assert.Equal(t, []int{1, 2, 2}, TuckerRanks([]int{2, 4, 4}, 0.125))
	assert.Equal(t, 3, CPRank([]int{4, 4, 4}, 0.5))
	assert.Equal(t, 1, CPRank([]int{2, 2}, 0.01))
}

func TestReconstruct(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Reconstruct", func(g *Graph) (inputs, outputs []*Node) {
		lambdas := Const(g, []float32{1, 2})
		cp0 := Const(g, [][]float32{{1, 0}, {0, 1}})
		cp1 := Const(g, [][]float32{{1, 1}, {2, 0}, {0, 3}})
		core := Const(g, [][]float32{{1, 2}})
		tucker0 := Const(g, [][]float32{{2}, {3}})
		tucker1 := Const(g, [][]float32{{1, 0}, {0, 1}, {1, 1}})
		inputs = []*Node{lambdas, cp0, cp1, core, tucker0, tucker1}
		outputs = []*Node{
			ReconstructCP(lambdas, []*Node{cp0, cp1}),
			ReconstructTucker(core, []*Node{tucker0, tucker1}),
		}
		return
	}, []any{
		[][]float32{{1, 2, 0}, {2, 0, 6}},
		[][]float32{{2, 4, 6}, {3, 6, 9}},
	}, 1e-5)
}

func TestSpectralConv_Shapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, tc := range []struct {
		inputDims     []int
		modes         []int
		factorization Factorization
		channelsAxis  images.ChannelsAxisConfig
		separable     bool
		wantDims      []int
	}{
		{[]int{2, 16, 3}, []int{8}, Dense, images.ChannelsLast, false, []int{2, 16, 5}},
		{[]int{2, 8, 6, 3}, []int{4, 4}, Dense, images.ChannelsLast, false, []int{2, 8, 6, 5}},
		{[]int{1, 3, 6, 4, 8}, []int{4, 4, 4}, CP, images.ChannelsFirst, false, []int{1, 5, 6, 4, 8}},
		{[]int{2, 8, 8, 3}, []int{16, 16}, Tucker, images.ChannelsLast, false, []int{2, 8, 8, 5}},
		{[]int{2, 8, 8, 5}, []int{4}, Dense, images.ChannelsLast, true, []int{2, 8, 8, 5}},
		{[]int{1, 15, 3}, []int{4}, Dense, images.ChannelsLast, false, []int{1, 15, 5}},
		{[]int{1, 16, 17, 3}, []int{4, 4}, Dense, images.ChannelsLast, false, []int{1, 16, 17, 5}},
		{[]int{1, 3, 7, 9}, []int{4, 16}, CP, images.ChannelsFirst, false, []int{1, 5, 7, 9}},
	} {
		name := fmt.Sprintf("%v-%s-separable=%v", tc.inputDims, tc.factorization, tc.separable)
		t.Run(name, func(t *testing.T) {
			ctx := context.New()
			output := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, tc.inputDims...))
				return New(ctx.In("spectral"), x, 5).Modes(tc.modes...).
					Factorization(tc.factorization).Rank(0.5).
					ChannelsAxis(tc.channelsAxis).Separable(tc.separable).Done()
			})
			assert.Equal(t, tc.wantDims, output.Shape().Dimensions)
		})
	}
}

func TestSpectralConv_Errors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for name, fn := range map[string]func(ctx *context.Context, x *Node) *Node{
		"no modes":          func(ctx *context.Context, x *Node) *Node { return New(ctx, x, 2).Done() },
		"odd modes":         func(ctx *context.Context, x *Node) *Node { return New(ctx, x, 2).Modes(3, 4).Done() },
		"too many modes":    func(ctx *context.Context, x *Node) *Node { return New(ctx, x, 2).Modes(4, 4, 4).Done() },
		"separable":         func(ctx *context.Context, x *Node) *Node { return New(ctx, x, 2).Modes(4).Separable(true).Done() },
		"missing spatial":   func(ctx *context.Context, x *Node) *Node { return New(ctx, Reshape(x, 2, -1), 2).Modes(4).Done() },
		"incremental modes": func(ctx *context.Context, x *Node) *Node { return New(ctx, x, 2).Modes(4).Incremental(1, 2, 3).Done() },
	} {
		t.Run(name, func(t *testing.T) {
			require.Panics(t, func() {
				_ = context.ExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
					x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 4, 6, 3))
					return fn(ctx, x)
				})
			})
		})
	}
}

// lowPassInput returns cos(2π·n/16) + cos(2π·5n/16) for n in [0, 16), shaped [1, 16, 1], and the expected
// low-pass filtered output cos(2π·n/16).
func lowPassInput() (input *tensors.Tensor, want []float32) {
	const size = 16
	flat := make([]float32, size)
	want = make([]float32, size)
	for n := range size {
		low := math.Cos(2 * math.Pi * float64(n) / size)
		high := math.Cos(2 * math.Pi * 5 * float64(n) / size)
		flat[n] = float32(low + high)
		want[n] = float32(low)
	}
	return tensors.FromFlatDataAndDimensions(flat, 1, size, 1), want
}

func TestSpectralConv_LowPass(t *testing.T) {
	// With weights set to 1+0i, only frequencies 0, 1 and 2 (modes=4) are kept.
	backend := graphtest.BuildTestBackend()
	input, want := lowPassInput()
	for _, norm := range []FFTNorm{FFTNormForward, FFTNormBackward, FFTNormOrtho} {
		ctx := context.New()
		spectralCtx := ctx.In("spectral")
		spectralCtx.VariableWithValue("weights_real", [][][]float32{{{1, 1, 1}}})
		spectralCtx.VariableWithValue("weights_imag", [][][]float32{{{0, 0, 0}}})
		output := context.ExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
			return New(ctx.In("spectral"), x, 1).Modes(4).UseBias(false).FFTNorm(norm).Done()
		}, input)
		assert.InDeltaSlicef(t, want, tensors.CopyFlatData[float32](output), 1e-4, "fftNorm=%s", norm)
	}
}

func TestSpectralConv_OddGrid(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const size = 15
	flat := make([]float32, size)
	low := make([]float32, size)
	for n := range size {
		lowFreq := math.Cos(2*math.Pi*float64(n)/size) + 0.5*math.Sin(2*math.Pi*2*float64(n)/size)
		flat[n] = float32(lowFreq + math.Cos(2*math.Pi*5*float64(n)/size))
		low[n] = float32(lowFreq)
	}
	input := tensors.FromFlatDataAndDimensions(flat, 1, size, 1)

	// modes=4 keeps frequencies 0, 1 and 2.
	ctx := context.New()
	spectralCtx := ctx.In("spectral")
	spectralCtx.VariableWithValue("weights_real", [][][]float32{{{1, 1, 1}}})
	spectralCtx.VariableWithValue("weights_imag", [][][]float32{{{0, 0, 0}}})
	output := context.ExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
		return New(ctx.In("spectral"), x, 1).Modes(4).UseBias(false).Done()
	}, input)
	assert.Equal(t, []int{1, size, 1}, output.Shape().Dimensions)
	assert.InDeltaSlice(t, low, tensors.CopyFlatData[float32](output), 1e-4)

	// modes=14 keeps all the 8 non-negative frequencies: with unit weights it is the identity.
	ctx = context.New()
	spectralCtx = ctx.In("spectral")
	ones := make([]float32, size/2+1)
	for ii := range ones {
		ones[ii] = 1
	}
	spectralCtx.VariableWithValue("weights_real", [][][]float32{{ones}})
	spectralCtx.VariableWithValue("weights_imag", [][][]float32{{make([]float32, size/2+1)}})
	outputs := context.ExecOnceN(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) []*Node {
		y := New(ctx.In("spectral"), x, 1).Modes(14).UseBias(false).Done()
		return []*Node{y, Gradient(ReduceAllSum(Square(y)), x)[0]}
	}, input)
	assert.InDeltaSlice(t, flat, tensors.CopyFlatData[float32](outputs[0]), 1e-4)
	// The gradient of the identity: d/dx sum(x²) = 2x.
	want := make([]float32, size)
	for ii, v := range flat {
		want[ii] = 2 * v
	}
	assert.InDeltaSlice(t, want, tensors.CopyFlatData[float32](outputs[1]), 1e-3)
}

func TestSpectralConv_ResolutionInvariance(t *testing.T) {
	// The same weights applied to a coarser grid: the modes are clamped to what the grid supports.
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	fn := func(ctx *context.Context, x *Node) *Node {
		return New(ctx.In("spectral"), x, 4).Modes(16, 16).Done()
	}
	fine := context.ExecOnce(backend, ctx, fn, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 32, 32, 2)))
	assert.Equal(t, []int{1, 32, 32, 4}, fine.Shape().Dimensions)
	coarse := context.ExecOnce(backend, ctx.Reuse(), fn, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 6, 4, 2)))
	assert.Equal(t, []int{1, 6, 4, 4}, coarse.Shape().Dimensions)
}

func TestSpectralConv_IncrementalModes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.RngStateFromSeed(42)

	// gradients returns the gradient of the loss with respect to the real part of the weights, shaped [2, 3, 5].
	gradients := func(ctx *context.Context) [][][]float32 {
		output := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, 4, 16, 2))
			y := New(ctx.In("spectral"), x, 3).Modes(8).Incremental(2).Done()
			loss := ReduceAllSum(Mul(y, y))
			var weights *Node
			ctx.EnumerateVariables(func(v *context.Variable) {
				if v.Name() == "weights_real" {
					weights = v.ValueGraph(g)
				}
			})
			return Gradient(loss, weights)[0]
		})
		return output.Value().([][][]float32)
	}

	grad := gradients(ctx)
	require.Len(t, grad, 2)
	require.Len(t, grad[0], 3)
	require.Len(t, grad[0][0], 5)
	var activeNorm float64
	for i := range grad {
		for o := range grad[i] {
			// current_modes=2 -> modes 0 and 1 of the last axis are active.
			for j, value := range grad[i][o] {
				if j >= 2 {
					assert.Equalf(t, float32(0), value, "gradient of inactive mode [%d, %d, %d]", i, o, j)
				} else {
					activeNorm += float64(value * value)
				}
			}
		}
	}
	assert.Greater(t, activeNorm, 0.0)

	modes := must.M1(CurrentModes(ctx))
	assert.Equal(t, map[string][]int{"/spectral": {2}}, modes)
	assert.Equal(t, map[string][]int{"/spectral": {8}}, must.M1(MaxModes(ctx)))

	// Monotonic increase, clamped at the maximum and idempotent.
	changed := must.M1(IncreaseModes(ctx, 3))
	assert.True(t, changed)
	assert.Equal(t, []int{5}, must.M1(CurrentModes(ctx))["/spectral"])
	changed = must.M1(IncreaseModes(ctx, 100))
	assert.True(t, changed)
	assert.Equal(t, []int{8}, must.M1(CurrentModes(ctx))["/spectral"])
	changed = must.M1(IncreaseModes(ctx, 1))
	assert.False(t, changed)
	assert.Equal(t, []int{8}, must.M1(CurrentModes(ctx))["/spectral"])
	_, err := IncreaseModes(ctx, -1)
	require.Error(t, err)

	// All the modes receive gradients now.
	grad = gradients(ctx.Reuse())
	var lastModeNorm float64
	for i := range grad {
		for o := range grad[i] {
			lastModeNorm += float64(grad[i][o][4] * grad[i][o][4])
		}
	}
	assert.Greater(t, lastModeNorm, 0.0)
}

func TestSpectralConv_TuckerFullRankEqualsDense(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	input := tensors.FromValue([][][]float32{{{1, 0}, {2, -1}, {0, 3}, {-2, 1}, {1, 1}, {0, 0}, {3, -2}, {1, 2}}})
	build := func(f Factorization) func(ctx *context.Context, x *Node) *Node {
		return func(ctx *context.Context, x *Node) *Node {
			return New(ctx.In("spectral"), x, 2).Modes(4).Factorization(f).Rank(1.0).Done()
		}
	}

	denseCtx := context.New()
	denseOutput := context.ExecOnce(backend, denseCtx, build(Dense), input)
	values := make(map[string]*tensors.Tensor)
	denseCtx.EnumerateVariables(func(v *context.Variable) {
		values[v.Name()] = v.Value()
	})

	// Tucker with the dense weights as the core, and identity factors.
	tuckerCtx := context.New()
	spectralCtx := tuckerCtx.In("spectral")
	identity := func(n int) [][]float32 {
		m := make([][]float32, n)
		for ii := range m {
			m[ii] = make([]float32, n)
			m[ii][ii] = 1
		}
		return m
	}
	for _, part := range []string{"real", "imag"} {
		spectralCtx.VariableWithValue("tucker_core_"+part, values["weights_"+part])
		for ii, dim := range []int{2, 2, 3} {
			spectralCtx.VariableWithValue(fmt.Sprintf("tucker_factor_%d_%s", ii, part), identity(dim))
		}
	}
	spectralCtx.VariableWithValue("biases", values["biases"])
	tuckerOutput := context.ExecOnce(backend, tuckerCtx.Reuse(), build(Tucker), input)
	assert.InDeltaSlice(t, tensors.CopyFlatData[float32](denseOutput), tensors.CopyFlatData[float32](tuckerOutput), 1e-4)
}
