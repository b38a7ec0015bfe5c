// Package fnogno implements the FNOGNO model: a Fourier neural operator (FNO) on a regular latent grid, followed
// by a graph neural operator (GNO) integral transform that maps the latent grid to arbitrary output points.
//
// The input function f is sampled on the latent grid inP, shaped [s_1, ..., s_k, k] (the coordinates of each
// grid point). The output is computed on the query points outP, shaped [m, coordDim]:
//
//  1. LatentEmbedding: f and the grid coordinates are concatenated, lifted to the hidden channels and
//     processed by the FNO blocks.
//  2. IntegrateLatent: for each output point x, the latent features of the grid points within a radius are
//     integrated with a learned kernel, and the result projected to the output channels.
//
// The neighbor graph is computed host-side with Model.Neighbors and fed to the graph as tensors
// (see integral.Neighbors). Model.Predict does everything for a single input.
//
// E.g.:
//
//	model, err := fnogno.New(1, 1).CoordDim(2).Radius(0.1).FNOBlocks(fno.NewBlocks(16, 16)).Done()
//	pressure, err := model.Predict(backend, ctx, latentGrid, surfacePoints, sdf, nil)
package fnogno

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/neuralop/ml/layers/channelmlp"
	"github.com/gomlx/neuralop/ml/layers/embeddings"
	"github.com/gomlx/neuralop/ml/layers/fno"
	"github.com/gomlx/neuralop/ml/layers/integral"
	"github.com/gomlx/neuralop/neighbors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of an FNOGNO model. Create it with New, configure it with its methods and build the Model with Done.
type Config struct {
	inChannels, outChannels int
	projectionChannels      int

	coordDim, coordEmbedDim int
	radius                  float64
	kernelLayers            []int
	kernelActivation        channelmlp.Activation
	transformType           integral.TransformType
	strategy                neighbors.Strategy
	batched                 bool

	blocks                          *fno.Blocks
	hiddenChannels, liftingChannels int
	adaInFeatures, adaInDim         int
	maxPositions                    float64
}

// New creates the configuration of an FNOGNO model with the given number of input and output channels, and
// the default parameters:
//
//   - 256 projection channels.
//   - 3-D coordinates, without positional embedding, neighbor radius 0.033, kd-tree neighbor search.
//   - Kernel MLP with hidden layers [512, 256] and gelu activation, linear transform.
//   - FNO blocks with (16, 16, 16) modes (see fno.NewBlocks for the other defaults), 64 hidden channels
//     and 256 lifting channels.
//   - Not batched.
func New(inChannels, outChannels int) *Config {
	return &Config{
		inChannels:         inChannels,
		outChannels:        outChannels,
		projectionChannels: 256,
		coordDim:           3,
		radius:             0.033,
		kernelLayers:       []int{512, 256},
		kernelActivation:   channelmlp.ActivationGelu,
		transformType:      integral.Linear,
		strategy:           neighbors.KDTree,
		blocks:             fno.NewBlocks(16, 16, 16),
		hiddenChannels:     64,
		liftingChannels:    256,
		adaInDim:           1,
		maxPositions:       embeddings.DefaultMaxPositions,
	}
}

// ProjectionChannels sets the hidden width of the final projection MLP.
func (c *Config) ProjectionChannels(channels int) *Config {
	c.projectionChannels = channels
	return c
}

// CoordDim sets the dimension of the coordinates of the input and output points.
func (c *Config) CoordDim(dim int) *Config {
	c.coordDim = dim
	return c
}

// CoordEmbedDim sets the number of channels of the sinusoidal embedding of each coordinate of the points
// given to the kernel. If 0 (the default), the coordinates are used as is.
func (c *Config) CoordEmbedDim(channels int) *Config {
	c.coordEmbedDim = channels
	return c
}

// Radius sets the radius of the neighbor search between the latent grid and the output points.
func (c *Config) Radius(radius float64) *Config {
	c.radius = radius
	return c
}

// KernelLayers sets the hidden layer widths of the kernel MLP.
func (c *Config) KernelLayers(hidden ...int) *Config {
	c.kernelLayers = hidden
	return c
}

// KernelActivation sets the activation of the kernel MLP.
func (c *Config) KernelActivation(activation channelmlp.Activation) *Config {
	c.kernelActivation = activation
	return c
}

// TransformType sets the integral transform type. Default is integral.Linear.
func (c *Config) TransformType(t integral.TransformType) *Config {
	c.transformType = t
	return c
}

// Strategy sets the neighbor search strategy. Default is neighbors.KDTree.
func (c *Config) Strategy(strategy neighbors.Strategy) *Config {
	c.strategy = strategy
	return c
}

// Batched sets whether the inputs f (and the outputs) have a leading batch axis. The geometry (inP, outP)
// is shared by all the examples of a batch.
func (c *Config) Batched(batched bool) *Config {
	c.batched = batched
	return c
}

// FNOBlocks sets the configuration of the FNO blocks, including the number of modes, the normalization and
// the domain padding.
func (c *Config) FNOBlocks(blocks *fno.Blocks) *Config {
	c.blocks = blocks
	return c
}

// Hidden sets the number of hidden channels of the FNO blocks, also the channels integrated by the GNO.
func (c *Config) Hidden(channels int) *Config {
	c.hiddenChannels = channels
	return c
}

// Lifting sets the hidden width of the lifting MLP. If 0, the lifting is linear.
func (c *Config) Lifting(channels int) *Config {
	c.liftingChannels = channels
	return c
}

// AdaIN configures the conditioning vector used by FNO blocks with fno.NormAdaIN: it has dim values, and if
// features > 0 each value is expanded with a sinusoidal embedding of that many channels.
func (c *Config) AdaIN(features, dim int) *Config {
	c.adaInFeatures = features
	c.adaInDim = dim
	return c
}

// Done validates the configuration and returns the Model.
//
// Mismatches between the coordinate dimension and the FNO modes, or the neighbor search strategy, are
// only logged as warnings: the strategy falls back to neighbors.KDTree.
func (c *Config) Done() (*Model, error) {
	if c.inChannels <= 0 || c.outChannels <= 0 {
		return nil, errors.Errorf("fnogno: invalid channels in=%d, out=%d", c.inChannels, c.outChannels)
	}
	if c.projectionChannels <= 0 || c.hiddenChannels <= 0 || c.liftingChannels < 0 {
		return nil, errors.Errorf("fnogno: invalid channels projection=%d, hidden=%d, lifting=%d",
			c.projectionChannels, c.hiddenChannels, c.liftingChannels)
	}
	if c.coordDim <= 0 || c.coordEmbedDim < 0 {
		return nil, errors.Errorf("fnogno: invalid coordDim=%d, coordEmbedDim=%d", c.coordDim, c.coordEmbedDim)
	}
	if c.radius <= 0 {
		return nil, errors.Errorf("fnogno: radius must be > 0, got %g", c.radius)
	}
	for _, w := range c.kernelLayers {
		if w <= 0 {
			return nil, errors.Errorf("fnogno: kernel layer widths must be > 0, got %v", c.kernelLayers)
		}
	}
	if c.blocks == nil {
		return nil, errors.New("fnogno: FNO blocks not configured")
	}
	if err := c.blocks.Validate(); err != nil {
		return nil, errors.WithMessage(err, "fnogno")
	}
	if c.blocks.NormType() == fno.NormAdaIN && (c.adaInDim <= 0 || c.adaInFeatures < 0) {
		return nil, errors.Errorf("fnogno: invalid AdaIN configuration features=%d, dim=%d", c.adaInFeatures, c.adaInDim)
	}

	if modes := c.blocks.Modes(); len(modes) > 1 && len(modes) != c.coordDim {
		klog.Warningf("fnogno: FNO expects %d-d data (modes=%v) while GNO expects %d-d data", len(modes), modes, c.coordDim)
	}
	strategy := c.strategy
	if required := strategy.RequiredDim(); required > 0 && required != c.coordDim {
		klog.Warningf("fnogno: neighbor search %s expects %d-d data but coordDim=%d, using %s instead",
			strategy, required, c.coordDim, neighbors.KDTree)
		strategy = neighbors.KDTree
	}
	searcher, err := neighbors.New(strategy, c.coordDim)
	if err != nil {
		return nil, errors.WithMessage(err, "fnogno")
	}

	m := &Model{
		config:   *c,
		searcher: searcher,
	}
	m.config.kernelLayers = append([]int(nil), c.kernelLayers...)
	return m, nil
}

// Model is a configured FNOGNO model. Its weights are stored in the context passed to its methods, so the
// same Model can be used for training and inference.
type Model struct {
	config   Config
	searcher *neighbors.Searcher
}

// Batched returns whether the model inputs and outputs have a leading batch axis.
func (m *Model) Batched() bool { return m.config.batched }

// CoordDim returns the dimension of the coordinates of the points.
func (m *Model) CoordDim() int { return m.config.coordDim }

// Radius returns the radius of the neighbor search.
func (m *Model) Radius() float64 { return m.config.radius }

// HiddenChannels returns the number of channels of the latent grid.
func (m *Model) HiddenChannels() int { return m.config.hiddenChannels }

// KernelInputWidth returns the input width of the kernel MLP: twice the (embedded) coordinate dimension,
// plus the hidden channels for the nonlinear transforms.
func (m *Model) KernelInputWidth() int {
	coordWidth := m.config.coordDim
	if m.config.coordEmbedDim > 0 {
		coordWidth *= m.config.coordEmbedDim
	}
	width := 2 * coordWidth
	if m.config.transformType.KernelTakesF() {
		width += m.config.hiddenChannels
	}
	return width
}

// KernelWidths returns all the layer widths of the kernel MLP, from its input to its output (the hidden
// channels).
func (m *Model) KernelWidths() []int {
	widths := []int{m.KernelInputWidth()}
	widths = append(widths, m.config.kernelLayers...)
	return append(widths, m.config.hiddenChannels)
}

// AdaInEmbeddingDim returns the dimension of the conditioning embedding given to the FNO blocks, or 0 if
// they don't use AdaIN.
func (m *Model) AdaInEmbeddingDim() int {
	if m.config.blocks.NormType() != fno.NormAdaIN {
		return 0
	}
	if m.config.adaInFeatures > 0 {
		return m.config.adaInDim * m.config.adaInFeatures
	}
	return m.config.adaInDim
}

// LatentEmbedding computes the latent grid: f and the grid coordinates inP are concatenated (f first), lifted
// to the hidden channels and processed by the FNO blocks (with domain padding, if configured).
//
// inP is shaped [s_1, ..., s_k, k] and f [s_1, ..., s_k, inChannels] (or [batch, s_1, ..., s_k, inChannels]
// if batched). adaIn, shaped [adaInDim], is only used (and required) by AdaIN normalization.
//
// The output is shaped [s_1, ..., s_k, hidden] (or [batch, s_1, ..., s_k, hidden] if batched).
func (m *Model) LatentEmbedding(ctx *context.Context, inP, f, adaIn *Node) *Node {
	cfg := &m.config
	f = m.toBatched(f, "f")
	if inP.Rank() < 2 {
		Panicf("fnogno: inP must be shaped [s_1, ..., s_k, k], got %s", inP.Shape())
	}
	spatialDims := inP.Shape().Dimensions[:inP.Rank()-1]
	if f.Rank() != inP.Rank()+1 {
		Panicf("fnogno: f %s and the latent grid inP %s have incompatible ranks", f.Shape(), inP.Shape())
	}
	for axis, dim := range spatialDims {
		if f.Shape().Dimensions[axis+1] != dim {
			Panicf("fnogno: f %s and the latent grid inP %s have different spatial dimensions", f.Shape(), inP.Shape())
		}
	}
	if channels := f.Shape().Dimensions[f.Rank()-1]; channels != cfg.inChannels {
		Panicf("fnogno: f has %d channels, but the model was configured with %d input channels", channels, cfg.inChannels)
	}

	batchSize := f.Shape().Dimensions[0]
	gridDims := append([]int{batchSize}, inP.Shape().Dimensions...)
	grid := BroadcastToDims(InsertAxes(ConvertDType(inP, f.DType()), 0), gridDims...)
	x := Concatenate([]*Node{f, grid}, -1)

	var adaInEmbed *Node
	if cfg.blocks.NormType() == fno.NormAdaIN {
		adaInEmbed = m.adaInEmbedding(adaIn, f.DType())
	}
	latent := fno.Lift(ctx.In("lifting"), x, cfg.hiddenChannels, cfg.liftingChannels, cfg.blocks.NonLinearity())
	latent = cfg.blocks.Apply(ctx.In("fno_blocks"), latent, adaInEmbed)
	return m.fromBatched(latent)
}

// adaInEmbedding validates the conditioning vector and applies the sinusoidal embedding if configured.
func (m *Model) adaInEmbedding(adaIn *Node, dtype dtypes.DType) *Node {
	cfg := &m.config
	if adaIn == nil {
		Panicf("fnogno: the FNO blocks use AdaIN normalization, but no conditioning vector was given")
	}
	if adaIn.Rank() != 1 || adaIn.Shape().Dimensions[0] != cfg.adaInDim {
		Panicf("fnogno: AdaIN conditioning vector must be shaped [%d], got %s", cfg.adaInDim, adaIn.Shape())
	}
	adaIn = ConvertDType(adaIn, dtype)
	if cfg.adaInFeatures == 0 {
		return adaIn
	}
	embed := embeddings.Sinusoidal(adaIn, cfg.adaInFeatures, cfg.maxPositions)
	return Reshape(embed, cfg.adaInDim*cfg.adaInFeatures)
}

// IntegrateLatent maps the latent grid to the output points: the latent features of the grid points inP within
// the radius of each output point in outP are integrated with the kernel, and projected to the output channels.
//
// inP is shaped [s_1, ..., s_k, coordDim], outP [m, coordDim], latent [s_1, ..., s_k, hidden] (or
// [batch, s_1, ..., s_k, hidden] if batched) and nbrs is the neighbor graph computed by Model.Neighbors.
//
// The output is shaped [m, outChannels] (or [batch, m, outChannels] if batched).
func (m *Model) IntegrateLatent(ctx *context.Context, inP, outP, latent *Node, nbrs integral.Neighbors) *Node {
	cfg := &m.config
	latent = m.toBatched(latent, "latent")
	coordDim := inP.Shape().Dimensions[inP.Rank()-1]
	if coordDim != cfg.coordDim || outP.Rank() != 2 || outP.Shape().Dimensions[1] != cfg.coordDim {
		Panicf("fnogno: inP %s and outP %s must have %d coordinates per point", inP.Shape(), outP.Shape(), cfg.coordDim)
	}
	numIn := inP.Shape().Size() / coordDim
	if latent.Shape().Size() != latent.Shape().Dimensions[0]*numIn*cfg.hiddenChannels {
		Panicf("fnogno: latent %s doesn't match the %d points of inP %s with %d hidden channels",
			latent.Shape(), numIn, inP.Shape(), cfg.hiddenChannels)
	}
	y := Reshape(ConvertDType(inP, latent.DType()), numIn, coordDim)
	x := ConvertDType(outP, latent.DType())
	if cfg.coordEmbedDim > 0 {
		y = embeddings.SinusoidalPoints(y, cfg.coordEmbedDim, cfg.maxPositions)
		x = embeddings.SinusoidalPoints(x, cfg.coordEmbedDim, cfg.maxPositions)
	}
	fY := Reshape(latent, latent.Shape().Dimensions[0], numIn, cfg.hiddenChannels)
	out := integral.New(ctx.In("gno"), y, x, nbrs).
		Type(cfg.transformType).
		F(fY).
		KernelLayers(m.KernelWidths()...).
		OutChannels(cfg.hiddenChannels).
		Activation(cfg.kernelActivation).
		Done()
	out = channelmlp.Mixing(ctx.In("projection"), out, cfg.outChannels, cfg.projectionChannels, 2).
		Activation(cfg.blocks.NonLinearity()).
		Done()
	return m.fromBatched(out)
}

// Forward computes the FNOGNO output for the input function f defined on the latent grid inP, at the output
// points outP. See LatentEmbedding and IntegrateLatent for the shapes.
func (m *Model) Forward(ctx *context.Context, inP, outP, f, adaIn *Node, nbrs integral.Neighbors) *Node {
	latent := m.LatentEmbedding(ctx, inP, f, adaIn)
	return m.IntegrateLatent(ctx, inP, outP, latent, nbrs)
}

// toBatched adds a batch axis of size 1 if the model is not batched.
func (m *Model) toBatched(x *Node, name string) *Node {
	if x == nil {
		Panicf("fnogno: %s not given", name)
	}
	if m.config.batched {
		if x.Rank() < 2 {
			Panicf("fnogno: batched %s must have a leading batch axis, got %s", name, x.Shape())
		}
		return x
	}
	return InsertAxes(x, 0)
}

// fromBatched removes the batch axis added by toBatched.
func (m *Model) fromBatched(x *Node) *Node {
	if m.config.batched {
		return x
	}
	return Reshape(x, x.Shape().Dimensions[1:]...)
}
