package fno

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/neuralop/ml/layers/padding"
	"github.com/gomlx/neuralop/ml/layers/spectral"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestParse(t *testing.T) {
	for ii, name := range skipNames {
		s, err := ParseSkip(name)
		require.NoError(t, err)
		assert.Equal(t, Skip(ii), s)
	}
	s, err := ParseSkip("soft_gating")
	require.NoError(t, err)
	assert.Equal(t, SkipSoftGating, s)
	_, err = ParseSkip("residual")
	require.Error(t, err)

	for ii, name := range normNames {
		n, err := ParseNorm(name)
		require.NoError(t, err)
		assert.Equal(t, Norm(ii), n)
	}
	_, err = ParseNorm("batch_norm")
	require.Error(t, err)
}

func TestBlocks_Validate(t *testing.T) {
	require.NoError(t, NewBlocks(8).Validate())
	require.Error(t, NewBlocks().Validate())
	require.Error(t, NewBlocks(8, 0).Validate())
	require.Error(t, NewBlocks(8).NumLayers(0).Validate())
	require.Error(t, NewBlocks(8).ChannelMLP(true, 0, 0).Validate())
	require.Error(t, NewBlocks(8).ChannelMLP(true, 0.5, 1).Validate())

	ctx := context.New()
	ctx.SetParam(ParamNorm, "ada_in")
	ctx.SetParam(ParamNumLayers, 2)
	ctx.SetParam(ParamSkip, "identity")
	blocks, err := BlocksFromContext(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, NormAdaIN, blocks.NormType())
	assert.Equal(t, 2, blocks.numLayers)
	assert.Equal(t, SkipIdentity, blocks.skip)

	ctx.SetParam(ParamNorm, "group_norm")
	_, err = BlocksFromContext(ctx, 8)
	require.Error(t, err)
}

func TestBlocks_Shapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	symmetric := must.M1(padding.New(0.25, padding.Symmetric))
	testCases := []struct {
		name   string
		dims   []int
		blocks *Blocks
		adaIn  []float32
	}{
		{"default-2d", []int{2, 8, 8, 6}, NewBlocks(4).NumLayers(2), nil},
		{"1d", []int{3, 16, 4}, NewBlocks(6).NumLayers(1), nil},
		{"3d", []int{1, 4, 4, 4, 2}, NewBlocks(2, 2, 2).NumLayers(1), nil},
		{"preactivation", []int{2, 8, 8, 6}, NewBlocks(4).NumLayers(2).Preactivation(true), nil},
		{"instance-norm", []int{2, 8, 8, 6}, NewBlocks(4).NumLayers(2).Norm(NormInstance), nil},
		{"ada-in", []int{2, 8, 8, 6}, NewBlocks(4).NumLayers(2).Norm(NormAdaIN), []float32{0.5, -1, 2}},
		{"no-channel-mlp", []int{2, 8, 8, 6}, NewBlocks(4).ChannelMLP(false, 0, 0).Skip(SkipIdentity), nil},
		{"soft-gating", []int{2, 8, 8, 6}, NewBlocks(4).Skip(SkipSoftGating).ChannelMLPSkip(SkipLinear), nil},
		{"padding", []int{2, 8, 8, 6}, NewBlocks(4).NumLayers(1).DomainPadding(symmetric), nil},
		{"tucker-tanh", []int{2, 8, 8, 6}, NewBlocks(4).NumLayers(1).
			Factorization(spectral.Tucker, 0.5).Stabilizer(spectral.StabilizerTanh), nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.New()
			output := context.ExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				x := ctx.RandomNormal(g, shapes.Make(dtypes.Float32, tc.dims...))
				var adaIn *Node
				if tc.adaIn != nil {
					adaIn = Const(g, tc.adaIn)
				}
				return tc.blocks.Apply(ctx, x, adaIn)
			})
			assert.Equal(t, tc.dims, output.Shape().Dimensions)
			for _, v := range tensors.CopyFlatData[float32](output) {
				require.False(t, math.IsNaN(float64(v)))
			}
		})
	}
}

func TestBlocks_Errors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for name, fn := range map[string]func(ctx *context.Context, g *Graph) *Node{
		"ada-in without embedding": func(ctx *context.Context, g *Graph) *Node {
			x := Zeros(g, shapes.Make(dtypes.Float32, 2, 8, 8, 4))
			return NewBlocks(4).Norm(NormAdaIN).Apply(ctx, x, nil)
		},
		"ada-in wrong batch": func(ctx *context.Context, g *Graph) *Node {
			x := Zeros(g, shapes.Make(dtypes.Float32, 2, 8, 8, 4))
			return NewBlocks(4).Norm(NormAdaIN).Apply(ctx, x, Zeros(g, shapes.Make(dtypes.Float32, 3, 5)))
		},
		"no spatial axes": func(ctx *context.Context, g *Graph) *Node {
			return NewBlocks(4).Apply(ctx, Zeros(g, shapes.Make(dtypes.Float32, 2, 4)), nil)
		},
		"invalid config": func(ctx *context.Context, g *Graph) *Node {
			x := Zeros(g, shapes.Make(dtypes.Float32, 2, 8, 4))
			return NewBlocks(4).NumLayers(0).Apply(ctx, x, nil)
		},
	} {
		t.Run(name, func(t *testing.T) {
			require.Panics(t, func() { _ = context.ExecOnce(backend, context.New(), fn) })
		})
	}
}

func TestInstanceNorm(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	output := context.ExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
		x := Const(g, [][][]float32{{{1, 10}, {2, 20}, {3, 30}, {4, 40}}})
		return InstanceNorm(ctx, x)
	})
	got := tensors.CopyFlatData[float32](output)
	// Both channels normalize to the same values, since they differ only by scale.
	stddev := math.Sqrt(1.25)
	for ii, v := range []float64{1, 2, 3, 4} {
		want := (v - 2.5) / stddev
		assert.InDelta(t, want, got[2*ii], 1e-3)
		assert.InDelta(t, want, got[2*ii+1], 1e-3)
	}
}

func TestAppendGrid(t *testing.T) {
	graphtest.RunTestGraphFn(t, "AppendGrid", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][]float32{{{7}, {8}}})
		inputs = []*Node{x}
		outputs = []*Node{AppendGrid(x, nil)}
		return
	}, []any{
		[][][]float32{{{7, 0}, {8, 0.5}}},
	}, 1e-6)
}

func TestFNO(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParam(ParamHiddenChannels, 8)
	ctx.SetParam(ParamLiftingChannels, 16)
	ctx.SetParam(ParamProjectionChannels, 16)
	blocks := NewBlocks(4, 4).NumLayers(2)
	model := func(ctx *context.Context, x *Node) *Node {
		return New(ctx, x, 1, blocks).Done()
	}
	output := context.ExecOnce(backend, ctx, model,
		tensors.FromShape(shapes.Make(dtypes.Float32, 2, 16, 16, 1)))
	assert.Equal(t, []int{2, 16, 16, 1}, output.Shape().Dimensions)

	// Same weights, different resolution.
	output = context.ExecOnce(backend, ctx.Reuse(), model,
		tensors.FromShape(shapes.Make(dtypes.Float32, 1, 8, 8, 1)))
	assert.Equal(t, []int{1, 8, 8, 1}, output.Shape().Dimensions)

	// Modes rank doesn't match the input.
	require.Panics(t, func() {
		_ = context.ExecOnce(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
			return New(ctx, x, 1, NewBlocks(4, 4, 4)).Done()
		}, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 8, 8, 1)))
	})
}

func TestFNO_IncrementalModes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	blocks := NewBlocks(8).NumLayers(3).Incremental(2)
	_ = context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		return New(ctx, x, 1, blocks).Hidden(4).Lifting(0).Projection(8).Done()
	}, tensors.FromShape(shapes.Make(dtypes.Float32, 1, 16, 1)))

	modes, err := spectral.CurrentModes(ctx)
	require.NoError(t, err)
	require.Len(t, modes, 3)
	for scope, m := range modes {
		assert.Equal(t, []int{2}, m, "layer %s", scope)
	}
	changed, err := spectral.IncreaseModes(ctx, 10)
	require.NoError(t, err)
	assert.True(t, changed)
	modes, err = spectral.CurrentModes(ctx)
	require.NoError(t, err)
	for scope, m := range modes {
		assert.Equal(t, []int{8}, m, "layer %s", scope)
	}
}
