// Package fno implements Fourier Neural Operator (FNO) blocks and a complete FNO model.
//
// An FNO block is a spectral convolution (see package spectral) plus a pointwise skip connection, optionally
// followed by a channel MLP with its own skip, normalizations and an activation. A stack of blocks maps a
// function sampled on a regular grid to another function on the same grid, with the number of channels
// preserved.
//
// Inputs are shaped [batch, <spatial axes...>, channels] (images.ChannelsLast).
//
// E.g.: 4 blocks keeping 16x16 modes, applied to hidden features h:
//
//	blocks := fno.NewBlocks(16, 16).NumLayers(4).Norm(fno.NormInstance)
//	h = blocks.Apply(ctx.In("fno_blocks"), h, nil)
package fno

import (
	"fmt"
	"math"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/neuralop/ml/layers/channelmlp"
	"github.com/gomlx/neuralop/ml/layers/padding"
	"github.com/gomlx/neuralop/ml/layers/spectral"
	"github.com/pkg/errors"
)

const (
	// ParamNumLayers is the context hyperparameter with the number of FNO blocks. Default is 4.
	ParamNumLayers = "fno_num_layers"

	// ParamSkip is the context hyperparameter with the skip connection of the spectral convolutions.
	// See ParseSkip for valid values. Default is "linear".
	ParamSkip = "fno_skip"

	// ParamChannelMLP is the context hyperparameter that enables the channel MLP of each block. Default is true.
	ParamChannelMLP = "fno_channel_mlp"

	// ParamChannelMLPExpansion is the context hyperparameter with the hidden width of the block channel MLPs,
	// as a fraction of the number of channels. Default is 0.5.
	ParamChannelMLPExpansion = "fno_channel_mlp_expansion"

	// ParamChannelMLPDropout is the context hyperparameter with the dropout rate of the block channel MLPs.
	// Default is 0.
	ParamChannelMLPDropout = "fno_channel_mlp_dropout"

	// ParamChannelMLPSkip is the context hyperparameter with the skip connection of the channel MLPs.
	// Default is "soft-gating".
	ParamChannelMLPSkip = "fno_channel_mlp_skip"

	// ParamNorm is the context hyperparameter with the normalization used in the blocks.
	// See ParseNorm for valid values. Default is "none".
	ParamNorm = "fno_norm"

	// ParamPreactivation is the context hyperparameter that selects pre-activation blocks
	// (activation and normalization before the convolution). Default is false.
	ParamPreactivation = "fno_preactivation"

	// ParamStabilizer is the context hyperparameter with the stabilizer applied to the input of the spectral
	// convolutions. See spectral.ParseStabilizer. Default is "none".
	ParamStabilizer = "fno_stabilizer"

	// ParamSeparable is the context hyperparameter that makes the spectral convolutions separable
	// (depth-wise). Default is false.
	ParamSeparable = "fno_separable"
)

// Skip is the type of skip connection added to the output of a spectral convolution or of a channel MLP.
type Skip int

const (
	// SkipLinear is a learned linear map of the channels, without bias.
	SkipLinear Skip = iota

	// SkipIdentity adds the input as is.
	SkipIdentity

	// SkipSoftGating multiplies each channel by a learned weight.
	SkipSoftGating
)

var skipNames = []string{"linear", "identity", "soft-gating"}

// String implements fmt.Stringer.
func (s Skip) String() string {
	if s >= 0 && int(s) < len(skipNames) {
		return skipNames[s]
	}
	return fmt.Sprintf("Skip(%d)", int(s))
}

// ParseSkip converts a name ("linear", "identity", "soft-gating") to a Skip. "soft_gating" is also accepted.
func ParseSkip(name string) (Skip, error) {
	name = strings.ReplaceAll(strings.ToLower(name), "_", "-")
	for ii, n := range skipNames {
		if n == name {
			return Skip(ii), nil
		}
	}
	return SkipLinear, errors.Errorf("unknown skip connection type %q, valid values are %v", name, skipNames)
}

// Norm is the normalization applied after the spectral convolutions (and the channel MLPs) of the blocks.
type Norm int

const (
	NormNone Norm = iota

	// NormInstance normalizes each channel of each example over the spatial axes.
	NormInstance

	// NormAdaIN is an instance normalization whose scale and offset are computed by a small MLP from a
	// conditioning embedding, passed to Blocks.Apply.
	NormAdaIN
)

var normNames = []string{"none", "instance_norm", "ada_in"}

// String implements fmt.Stringer.
func (n Norm) String() string {
	if n >= 0 && int(n) < len(normNames) {
		return normNames[n]
	}
	return fmt.Sprintf("Norm(%d)", int(n))
}

// ParseNorm converts a name ("none", "instance_norm", "ada_in") to a Norm. An empty name is "none".
func ParseNorm(name string) (Norm, error) {
	name = strings.ToLower(name)
	if name == "" {
		return NormNone, nil
	}
	for ii, n := range normNames {
		if n == name {
			return Norm(ii), nil
		}
	}
	return NormNone, errors.Errorf("unknown normalization %q, valid values are %v", name, normNames)
}

// AdaINHiddenChannels is the hidden width of the MLP that computes the AdaIN scale and offset.
const AdaINHiddenChannels = 512

// InstanceNormEpsilon is added to the variance in the instance normalizations.
const InstanceNormEpsilon = 1e-5

// Blocks holds the configuration of a stack of FNO blocks. Create it with NewBlocks or BlocksFromContext,
// configure it with its methods and apply it with Apply.
//
// The same configuration can be applied many times (e.g.: with ctx.Reuse()).
type Blocks struct {
	modes         []int
	numLayers     int
	activation    channelmlp.Activation
	skip          Skip
	useChannelMLP bool
	mlpExpansion  float64
	mlpDropout    float64
	mlpSkip       Skip
	norm          Norm
	preactivation bool

	stabilizer    spectral.Stabilizer
	separable     bool
	fftNorm       spectral.FFTNorm
	factorization spectral.Factorization
	rank          float64
	incremental   bool
	initialModes  []int

	padding *padding.Padding
}

// NewBlocks returns a configuration of FNO blocks keeping the given maximum number of Fourier modes per
// spatial axis. If only one value is given, it is used for all spatial axes.
//
// Defaults: 4 layers, gelu activation, linear skip, channel MLP with expansion 0.5 and soft-gating skip,
// no normalization, post-activation, dense spectral weights and no domain padding.
func NewBlocks(modes ...int) *Blocks {
	return &Blocks{
		modes:         modes,
		numLayers:     4,
		activation:    channelmlp.ActivationGelu,
		skip:          SkipLinear,
		useChannelMLP: true,
		mlpExpansion:  0.5,
		mlpSkip:       SkipSoftGating,
		rank:          1.0,
	}
}

// BlocksFromContext is like NewBlocks, but takes the defaults from the context hyperparameters (ParamNumLayers,
// ParamSkip, etc.). It returns an error if any of the hyperparameters is invalid.
func BlocksFromContext(ctx *context.Context, modes ...int) (*Blocks, error) {
	b := NewBlocks(modes...)
	b.numLayers = context.GetParamOr(ctx, ParamNumLayers, b.numLayers)
	b.useChannelMLP = context.GetParamOr(ctx, ParamChannelMLP, b.useChannelMLP)
	b.mlpExpansion = context.GetParamOr(ctx, ParamChannelMLPExpansion, b.mlpExpansion)
	b.mlpDropout = context.GetParamOr(ctx, ParamChannelMLPDropout, b.mlpDropout)
	b.preactivation = context.GetParamOr(ctx, ParamPreactivation, b.preactivation)
	b.separable = context.GetParamOr(ctx, ParamSeparable, b.separable)
	b.rank = context.GetParamOr(ctx, spectral.ParamRank, b.rank)

	var err error
	if b.activation, err = channelmlp.ParseActivation(context.GetParamOr(ctx, channelmlp.ParamActivation, "gelu")); err != nil {
		return nil, err
	}
	if b.skip, err = ParseSkip(context.GetParamOr(ctx, ParamSkip, "linear")); err != nil {
		return nil, err
	}
	if b.mlpSkip, err = ParseSkip(context.GetParamOr(ctx, ParamChannelMLPSkip, "soft-gating")); err != nil {
		return nil, err
	}
	if b.norm, err = ParseNorm(context.GetParamOr(ctx, ParamNorm, "none")); err != nil {
		return nil, err
	}
	if b.stabilizer, err = spectral.ParseStabilizer(context.GetParamOr(ctx, ParamStabilizer, "none")); err != nil {
		return nil, err
	}
	if b.factorization, err = spectral.ParseFactorization(context.GetParamOr(ctx, spectral.ParamFactorization, "dense")); err != nil {
		return nil, err
	}
	if b.fftNorm, err = spectral.ParseFFTNorm(context.GetParamOr(ctx, spectral.ParamFFTNorm, "forward")); err != nil {
		return nil, err
	}
	if err = b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// NumLayers sets the number of blocks. Default is 4.
func (b *Blocks) NumLayers(n int) *Blocks {
	b.numLayers = n
	return b
}

// Activation sets the activation used in between blocks (and in the block channel MLPs). Default is gelu.
func (b *Blocks) Activation(activation channelmlp.Activation) *Blocks {
	b.activation = activation
	return b
}

// Skip sets the skip connection added to the spectral convolutions. Default is SkipLinear.
func (b *Blocks) Skip(skip Skip) *Blocks {
	b.skip = skip
	return b
}

// ChannelMLP configures the channel MLP applied after the spectral convolution of each block: whether it is
// used, its hidden width as a fraction of the channels (expansion) and its dropout rate.
// Default is enabled, with expansion 0.5 and no dropout.
func (b *Blocks) ChannelMLP(use bool, expansion, dropout float64) *Blocks {
	b.useChannelMLP = use
	b.mlpExpansion = expansion
	b.mlpDropout = dropout
	return b
}

// ChannelMLPSkip sets the skip connection added to the channel MLPs. Default is SkipSoftGating.
func (b *Blocks) ChannelMLPSkip(skip Skip) *Blocks {
	b.mlpSkip = skip
	return b
}

// Norm sets the normalization. Default is NormNone.
//
// With NormAdaIN, the conditioning embedding must be given to Apply.
func (b *Blocks) Norm(norm Norm) *Blocks {
	b.norm = norm
	return b
}

// Preactivation sets whether the activation and normalization are applied before the spectral convolution,
// as opposed to after it (the default).
func (b *Blocks) Preactivation(preactivation bool) *Blocks {
	b.preactivation = preactivation
	return b
}

// Stabilizer sets the stabilizer applied to the input of the spectral convolutions. Default is none.
func (b *Blocks) Stabilizer(s spectral.Stabilizer) *Blocks {
	b.stabilizer = s
	return b
}

// Separable sets whether the spectral convolutions are separable (one weight per channel and mode).
func (b *Blocks) Separable(separable bool) *Blocks {
	b.separable = separable
	return b
}

// FFTNorm sets the normalization convention of the spectral convolutions. See spectral.Config.FFTNorm.
func (b *Blocks) FFTNorm(norm spectral.FFTNorm) *Blocks {
	b.fftNorm = norm
	return b
}

// Factorization sets the factorization of the spectral weights and the rank, as a fraction of the
// parameters of the dense weights.
func (b *Blocks) Factorization(f spectral.Factorization, rank float64) *Blocks {
	b.factorization = f
	b.rank = rank
	return b
}

// Incremental enables incremental modes in the spectral convolutions, starting with initialModes.
// See spectral.Config.Incremental and spectral.IncreaseModes.
func (b *Blocks) Incremental(initialModes ...int) *Blocks {
	b.incremental = true
	b.initialModes = initialModes
	return b
}

// DomainPadding sets the padding applied to the input of the whole stack of blocks, and removed from its output.
// Default is nil, no padding.
func (b *Blocks) DomainPadding(p *padding.Padding) *Blocks {
	b.padding = p
	return b
}

// Modes returns the maximum number of modes configured.
func (b *Blocks) Modes() []int { return b.modes }

// NormType returns the configured normalization.
func (b *Blocks) NormType() Norm { return b.norm }

// NonLinearity returns the configured activation.
func (b *Blocks) NonLinearity() channelmlp.Activation { return b.activation }

// Validate returns an error if the configuration is invalid.
func (b *Blocks) Validate() error {
	if len(b.modes) == 0 {
		return errors.New("fno: no modes configured for the FNO blocks")
	}
	for _, m := range b.modes {
		if m <= 0 {
			return errors.Errorf("fno: modes must be > 0, got %v", b.modes)
		}
	}
	if b.numLayers < 1 {
		return errors.Errorf("fno: the number of layers must be >= 1, got %d", b.numLayers)
	}
	if b.useChannelMLP && b.mlpExpansion <= 0 {
		return errors.Errorf("fno: channel MLP expansion must be > 0, got %g", b.mlpExpansion)
	}
	if b.mlpDropout < 0 || b.mlpDropout >= 1 {
		return errors.Errorf("fno: channel MLP dropout must be in [0, 1), got %g", b.mlpDropout)
	}
	if b.rank <= 0 {
		return errors.Errorf("fno: factorization rank must be > 0, got %g", b.rank)
	}
	return nil
}

// Apply the blocks to x, shaped [batch, <spatial axes...>, channels]. The output has the same shape.
//
// adaIn is the conditioning embedding for NormAdaIN, shaped [embedDim] (shared by the batch) or
// [batch, embedDim]. It is ignored by the other normalizations.
//
// Block i creates its variables under ctx.Inf("block_%d", i).
func (b *Blocks) Apply(ctx *context.Context, x, adaIn *Node) *Node {
	if err := b.Validate(); err != nil {
		panic(err)
	}
	if x.Rank() < 3 {
		Panicf("fno: blocks input must be shaped [batch, <spatial axes...>, channels], got %s", x.Shape())
	}
	if b.norm == NormAdaIN {
		if adaIn == nil {
			Panicf("fno: normalization %s requires a conditioning embedding", b.norm)
		}
		if adaIn.Rank() != 1 && !(adaIn.Rank() == 2 && adaIn.Shape().Dimensions[0] == x.Shape().Dimensions[0]) {
			Panicf("fno: AdaIN embedding must be shaped [embedDim] or [batch=%d, embedDim], got %s",
				x.Shape().Dimensions[0], adaIn.Shape())
		}
	}

	var extent padding.Extent
	if b.padding != nil {
		x, extent = b.padding.Pad(x)
	}
	for layer := range b.numLayers {
		blockCtx := ctx.Inf("block_%d", layer)
		if b.preactivation {
			x = b.preactivationBlock(blockCtx, x, adaIn, layer)
		} else {
			x = b.postactivationBlock(blockCtx, x, adaIn, layer)
		}
	}
	if b.padding != nil {
		x = b.padding.Unpad(x, extent)
	}
	return x
}

func (b *Blocks) postactivationBlock(ctx *context.Context, x, adaIn *Node, layer int) *Node {
	last := layer == b.numLayers-1
	fnoSkip := b.skipConnection(ctx.In("skip"), x, b.skip)
	var mlpSkip *Node
	if b.useChannelMLP {
		mlpSkip = b.skipConnection(ctx.In("channel_mlp_skip"), x, b.mlpSkip)
	}
	x = b.spectralConv(ctx.In("spectral"), x)
	x = b.normalize(ctx.In("norm_0"), x, adaIn)
	x = Add(x, fnoSkip)
	if !last || b.useChannelMLP {
		x = b.activation.Apply(x)
	}
	if b.useChannelMLP {
		x = Add(b.channelMLP(ctx.In("channel_mlp"), x), mlpSkip)
		x = b.normalize(ctx.In("norm_1"), x, adaIn)
		if !last {
			x = b.activation.Apply(x)
		}
	}
	return x
}

func (b *Blocks) preactivationBlock(ctx *context.Context, x, adaIn *Node, layer int) *Node {
	last := layer == b.numLayers-1
	x = b.activation.Apply(x)
	x = b.normalize(ctx.In("norm_0"), x, adaIn)
	fnoSkip := b.skipConnection(ctx.In("skip"), x, b.skip)
	var mlpSkip *Node
	if b.useChannelMLP {
		mlpSkip = b.skipConnection(ctx.In("channel_mlp_skip"), x, b.mlpSkip)
	}
	x = Add(b.spectralConv(ctx.In("spectral"), x), fnoSkip)
	if b.useChannelMLP {
		if !last {
			x = b.activation.Apply(x)
		}
		x = b.normalize(ctx.In("norm_1"), x, adaIn)
		x = Add(b.channelMLP(ctx.In("channel_mlp"), x), mlpSkip)
	}
	return x
}

func (b *Blocks) spectralConv(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dimensions[x.Rank()-1]
	conv := spectral.New(ctx, x, channels).
		Modes(b.modes...).
		ChannelsAxis(images.ChannelsLast).
		Separable(b.separable).
		Stabilizer(b.stabilizer).
		FFTNorm(b.fftNorm).
		Factorization(b.factorization).
		Rank(b.rank)
	if b.incremental {
		conv = conv.Incremental(b.initialModes...)
	}
	return conv.Done()
}

func (b *Blocks) skipConnection(ctx *context.Context, x *Node, skip Skip) *Node {
	switch skip {
	case SkipIdentity:
		return x
	case SkipSoftGating:
		return channelmlp.SoftGating(ctx, x, false)
	case SkipLinear:
		channels := x.Shape().Dimensions[x.Rank()-1]
		return layers.Dense(ctx, x, false, channels)
	}
	Panicf("fno: unknown skip connection %s", skip)
	return nil
}

func (b *Blocks) channelMLP(ctx *context.Context, x *Node) *Node {
	channels := x.Shape().Dimensions[x.Rank()-1]
	hidden := max(1, int(math.Round(float64(channels)*b.mlpExpansion)))
	return channelmlp.Mixing(ctx, x, channels, hidden, 2).
		Activation(b.activation).
		Dropout(b.mlpDropout).
		Done()
}

// normalize applies the configured normalization to x.
func (b *Blocks) normalize(ctx *context.Context, x, adaIn *Node) *Node {
	switch b.norm {
	case NormNone:
		return x
	case NormInstance:
		return InstanceNorm(ctx, x)
	case NormAdaIN:
		return AdaIN(ctx, x, adaIn)
	}
	Panicf("fno: unknown normalization %s", b.norm)
	return nil
}

// spatialAxes of x shaped [batch, <spatial axes...>, channels].
func spatialAxes(x *Node) []int {
	axes := make([]int, x.Rank()-2)
	for ii := range axes {
		axes[ii] = ii + 1
	}
	return axes
}

// InstanceNorm normalizes each channel of each example of x, shaped [batch, <spatial axes...>, channels],
// to zero mean and unit variance over the spatial axes. It has no learned parameters.
func InstanceNorm(ctx *context.Context, x *Node) *Node {
	return layers.LayerNormalization(ctx, x, spatialAxes(x)...).
		LearnedGain(false).
		LearnedOffset(false).
		Epsilon(InstanceNormEpsilon).
		Done()
}

// AdaIN is an instance normalization of x (see InstanceNorm) followed by a per-channel scale and offset computed
// from the conditioning embedding by a 2-layer MLP (created under ctx.In("ada_in")).
//
// embedding is shaped [embedDim], shared by all examples, or [batch, embedDim].
func AdaIN(ctx *context.Context, x, embedding *Node) *Node {
	channels := x.Shape().Dimensions[x.Rank()-1]
	if embedding.Rank() == 1 {
		embedding = InsertAxes(embedding, 0)
	}
	embedDim := embedding.Shape().Dimensions[1]
	scaleAndOffset := channelmlp.New(ctx.In("ada_in"), embedding, embedDim, AdaINHiddenChannels, 2*channels).
		Activation(channelmlp.ActivationGelu).
		Done()
	// Shape to [batch or 1, 1, ..., 1, 2*channels] to broadcast over the spatial axes.
	dims := make([]int, x.Rank())
	for ii := range dims {
		dims[ii] = 1
	}
	dims[0] = scaleAndOffset.Shape().Dimensions[0]
	dims[x.Rank()-1] = 2 * channels
	scaleAndOffset = Reshape(scaleAndOffset, dims...)
	return Add(Mul(InstanceNorm(ctx, x), lastAxisRange(scaleAndOffset, 0, channels)),
		lastAxisRange(scaleAndOffset, channels, 2*channels))
}

// lastAxisRange slices x to [start, end) on its last axis.
func lastAxisRange(x *Node, start, end int) *Node {
	specs := make([]SliceAxisSpec, x.Rank())
	for ii := range specs {
		specs[ii] = AxisRange()
	}
	specs[x.Rank()-1] = AxisRange(start, end)
	return Slice(x, specs...)
}
