package fno

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/neuralop/ml/layers/channelmlp"
	"github.com/gomlx/neuralop/ml/layers/embeddings"
)

const (
	// ParamHiddenChannels is the context hyperparameter with the width of the FNO blocks. Default is 64.
	ParamHiddenChannels = "fno_hidden_channels"

	// ParamLiftingChannels is the context hyperparameter with the hidden width of the lifting MLP.
	// If 0, the lifting is a single linear layer. Default is 256.
	ParamLiftingChannels = "fno_lifting_channels"

	// ParamProjectionChannels is the context hyperparameter with the hidden width of the projection MLP.
	// Default is 256.
	ParamProjectionChannels = "fno_projection_channels"
)

// Lift maps the channels of x to hiddenChannels with a channel MLP: 2 layers with liftingChannels in between,
// or a single linear layer if liftingChannels is 0.
func Lift(ctx *context.Context, x *Node, hiddenChannels, liftingChannels int, activation channelmlp.Activation) *Node {
	if liftingChannels > 0 {
		return channelmlp.Mixing(ctx, x, hiddenChannels, liftingChannels, 2).Activation(activation).Done()
	}
	return channelmlp.Mixing(ctx, x, hiddenChannels, 0, 1).Done()
}

// Config of a complete FNO model: lifting, FNO blocks and projection. Create it with New, configure it and
// build it with Done.
type Config struct {
	ctx         *context.Context
	x           *Node
	outChannels int
	blocks      *Blocks

	hiddenChannels, liftingChannels, projectionChannels int

	positionalEmbedding bool
	boundaries          [][2]float64
	adaIn               *Node
}

// New creates the configuration of an FNO model mapping x, shaped [batch, <spatial axes...>, inChannels],
// to an output shaped [batch, <spatial axes...>, outChannels], using the given blocks.
//
// By default, the coordinates of the grid in [0, 1) are appended to the input channels (see
// PositionalEmbedding).
func New(ctx *context.Context, x *Node, outChannels int, blocks *Blocks) *Config {
	if blocks == nil {
		Panicf("fno.New: blocks configuration is nil")
	}
	return &Config{
		ctx:                 ctx,
		x:                   x,
		outChannels:         outChannels,
		blocks:              blocks,
		hiddenChannels:      context.GetParamOr(ctx, ParamHiddenChannels, 64),
		liftingChannels:     context.GetParamOr(ctx, ParamLiftingChannels, 256),
		projectionChannels:  context.GetParamOr(ctx, ParamProjectionChannels, 256),
		positionalEmbedding: true,
	}
}

// Hidden sets the number of channels of the FNO blocks.
func (c *Config) Hidden(channels int) *Config {
	c.hiddenChannels = channels
	return c
}

// Lifting sets the hidden width of the lifting MLP. If 0, the lifting is linear.
func (c *Config) Lifting(channels int) *Config {
	c.liftingChannels = channels
	return c
}

// Projection sets the hidden width of the projection MLP.
func (c *Config) Projection(channels int) *Config {
	c.projectionChannels = channels
	return c
}

// PositionalEmbedding configures whether the grid coordinates are appended to the input channels, and the
// boundaries of the domain on each spatial axis. If boundaries is nil, [0, 1) is used for every axis.
func (c *Config) PositionalEmbedding(enabled bool, boundaries [][2]float64) *Config {
	c.positionalEmbedding = enabled
	c.boundaries = boundaries
	return c
}

// AdaIN sets the conditioning embedding used by blocks configured with NormAdaIN.
func (c *Config) AdaIN(embedding *Node) *Config {
	c.adaIn = embedding
	return c
}

// Done builds the model and returns its output.
func (c *Config) Done() *Node {
	x := c.x
	if x.Rank() < 3 {
		Panicf("fno: input must be shaped [batch, <spatial axes...>, channels], got %s", x.Shape())
	}
	if c.hiddenChannels <= 0 || c.outChannels <= 0 || c.projectionChannels <= 0 || c.liftingChannels < 0 {
		Panicf("fno: invalid channels: hidden=%d, lifting=%d, projection=%d, output=%d",
			c.hiddenChannels, c.liftingChannels, c.projectionChannels, c.outChannels)
	}
	numSpatial := x.Rank() - 2
	if modes := c.blocks.Modes(); len(modes) != 1 && len(modes) != numSpatial {
		Panicf("fno: %d modes configured (%v) for an input with %d spatial axes", len(modes), modes, numSpatial)
	}
	if c.positionalEmbedding {
		x = AppendGrid(x, c.boundaries)
	}
	h := Lift(c.ctx.In("lifting"), x, c.hiddenChannels, c.liftingChannels, c.blocks.NonLinearity())
	h = c.blocks.Apply(c.ctx.In("fno_blocks"), h, c.adaIn)
	return channelmlp.Mixing(c.ctx.In("projection"), h, c.outChannels, c.projectionChannels, 2).
		Activation(c.blocks.NonLinearity()).
		Done()
}

// AppendGrid appends to x, shaped [batch, <spatial axes...>, channels], the coordinates of its regular grid,
// one channel per spatial axis. See embeddings.GridPoints.
func AppendGrid(x *Node, boundaries [][2]float64) *Node {
	g := x.Graph()
	dims := x.Shape().Dimensions
	spatialDims := dims[1 : len(dims)-1]
	grid, err := embeddings.GridPoints(spatialDims, boundaries)
	if err != nil {
		panic(err)
	}
	gridNode := ConvertDType(ConstTensor(g, grid), x.DType())
	gridDims := append([]int{dims[0]}, spatialDims...)
	gridDims = append(gridDims, len(spatialDims))
	gridNode = BroadcastToDims(InsertAxes(gridNode, 0), gridDims...)
	return Concatenate([]*Node{x, gridNode}, -1)
}
