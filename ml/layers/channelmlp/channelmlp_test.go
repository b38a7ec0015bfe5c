package channelmlp

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestParseActivation(t *testing.T) {
	for ii, name := range activationNames {
		a, err := ParseActivation(name)
		require.NoError(t, err)
		assert.Equal(t, Activation(ii), a)
		assert.Equal(t, name, a.String())
	}
	a, err := ParseActivation("Swish")
	require.NoError(t, err)
	assert.Equal(t, ActivationSilu, a)
	a, err = ParseActivation("")
	require.NoError(t, err)
	assert.Equal(t, ActivationNone, a)
	_, err = ParseActivation("softmax")
	require.Error(t, err)
}

func TestGelu(t *testing.T) {
	phi := func(x float64) float64 { return 0.5 * (1 + math.Erf(x/math.Sqrt2)) }
	inputs := []float64{-3, -1, 0, 0.5, 2}
	want := make([]float64, len(inputs))
	for ii, x := range inputs {
		want[ii] = x * phi(x)
	}
	graphtest.RunTestGraphFn(t, "Gelu", func(g *Graph) (in, out []*Node) {
		x := Const(g, inputs)
		in = []*Node{x}
		out = []*Node{Gelu(x)}
		return
	}, []any{want}, 1e-6)
}

func TestChannelMLP(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	outputs := context.ExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 2, 5, 3))
		y := New(ctx.In("mlp"), x, 3, 16, 8, 4).Done()
		z := Mixing(ctx.In("mixing"), x, 7, 32, 2).Done()
		return []*Node{y, z}
	})
	assert.Equal(t, []int{2, 5, 4}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 5, 7}, outputs[1].Shape().Dimensions)

	// Check the variables created: 3 layers for "mlp" and 2 for "mixing", each with weights and biases.
	var numVars int
	ctx.EnumerateVariables(func(v *context.Variable) { numVars++ })
	assert.Equal(t, 2*(3+2), numVars)
	v := ctx.GetVariableByScopeAndName("/mlp/layer_1/dense", "weights")
	require.NotNil(t, v)
	assert.Equal(t, []int{16, 8}, v.Shape().Dimensions)
}

func TestChannelMLP_ZeroInitialized(t *testing.T) {
	// With zero weights the output is the bias of the last layer, whatever the input.
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(initializers.Zero)
	output := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		x := IotaFull(g, shapes.Make(dtypes.Float32, 4, 2))
		return New(ctx, x, 2, 8, 3).Done()
	})
	assert.Equal(t, [][]float32{{0, 0, 0}, {0, 0, 0}, {0, 0, 0}, {0, 0, 0}}, output.Value())
}

func TestChannelMLP_WidthMismatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			x := IotaFull(g, shapes.Make(dtypes.Float32, 4, 2))
			return New(ctx, x, 3, 8, 3).Done()
		})
	})
}

func TestSoftGating(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	input := [][]float32{{1, 2}, {3, 4}}
	output := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return SoftGating(ctx, x, true)
	}, tensors.FromValue(input))
	// Initialized to the identity.
	assert.Equal(t, input, output.Value())

	ctx.GetVariableByScopeAndName("/soft_gating", "weights").SetValue(tensors.FromValue([]float32{2, -1}))
	output = context.ExecOnce(backend, ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
		return SoftGating(ctx, x, true)
	}, tensors.FromValue(input))
	assert.Equal(t, [][]float32{{2, -2}, {6, -4}}, output.Value())
}
