// Package channelmlp implements multi-layer perceptrons that only mix the channels (the last axis) of their input.
//
// They are applied independently to every point (of a grid or of a point cloud) and so they preserve the
// discretization invariance of the neural operators that use them: the kernel k(x, y[, f(y)]) of the
// integral transforms, and the lifting and projection layers of the FNO models.
//
// E.g.: a kernel MLP with input width 4 (two 2-D coordinates) and output width 64:
//
//	kernel := channelmlp.New(ctx.In("kernel"), edges, 4, 512, 256, 64).Done()
package channelmlp

import (
	"fmt"
	"math"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

const (
	// ParamActivation is the context hyperparameter with the default activation of the channel MLPs.
	// See ParseActivation for valid values. Default is "gelu".
	ParamActivation = "channel_mlp_activation"

	// ParamDropoutRate is the context hyperparameter with the default dropout rate applied after every
	// hidden layer. Default is 0.0, so no dropout.
	ParamDropoutRate = "channel_mlp_dropout_rate"
)

// Activation applied in between the layers of the MLP.
type Activation int

const (
	ActivationNone Activation = iota
	ActivationGelu
	ActivationRelu
	ActivationTanh
	ActivationSigmoid
	ActivationSilu
	ActivationLeakyRelu
	ActivationSelu
)

var activationNames = []string{"none", "gelu", "relu", "tanh", "sigmoid", "silu", "leaky_relu", "selu"}

// String implements fmt.Stringer.
func (a Activation) String() string {
	if a >= 0 && int(a) < len(activationNames) {
		return activationNames[a]
	}
	return fmt.Sprintf("Activation(%d)", int(a))
}

// ParseActivation converts an activation name to an Activation. "swish" is accepted as an alias to "silu",
// and an empty string means "none".
func ParseActivation(name string) (Activation, error) {
	name = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	switch name {
	case "":
		return ActivationNone, nil
	case "swish":
		return ActivationSilu, nil
	}
	for ii, known := range activationNames {
		if known == name {
			return Activation(ii), nil
		}
	}
	return ActivationNone, errors.Errorf("unknown activation %q, valid values are %v", name, activationNames)
}

// Apply the activation to x.
func (a Activation) Apply(x *Node) *Node {
	switch a {
	case ActivationNone:
		return x
	case ActivationGelu:
		return Gelu(x)
	case ActivationRelu:
		return activations.Apply(activations.TypeRelu, x)
	case ActivationTanh:
		return activations.Apply(activations.TypeTanh, x)
	case ActivationSigmoid:
		return activations.Apply(activations.TypeSigmoid, x)
	case ActivationSilu:
		return activations.Apply(activations.TypeSilu, x)
	case ActivationLeakyRelu:
		return activations.Apply(activations.TypeLeakyRelu, x)
	case ActivationSelu:
		return activations.Apply(activations.TypeSelu, x)
	}
	Panicf("channelmlp: invalid activation %s", a)
	return nil
}

// Gelu is the exact "Gaussian Error Linear Unit" activation: x·Φ(x), where Φ is the standard normal CDF.
func Gelu(x *Node) *Node {
	cdf := Erf(MulScalar(x, 1.0/math.Sqrt2))
	cdf = DivScalar(OnePlus(cdf), 2)
	return Mul(x, cdf)
}

// ActivationFromContext returns the activation configured by ParamActivation, defaulting to gelu.
// It panics if the configured value is invalid.
func ActivationFromContext(ctx *context.Context) Activation {
	activation, err := ParseActivation(context.GetParamOr(ctx, ParamActivation, "gelu"))
	if err != nil {
		panic(err)
	}
	return activation
}

// Config of a channel MLP. Create it with New or Mixing, and apply it with Done.
type Config struct {
	ctx          *context.Context
	input        *Node
	widths       []int
	activation   Activation
	dropoutRate  float64
	useBias      bool
	lastActivate bool
}

// New creates the configuration of a channel MLP with the given layer widths.
//
// widths[0] must equal the last dimension of input (the number of input channels), and the output
// will have widths[len(widths)-1] channels. There is one dense layer between each consecutive pair of widths,
// so at least 2 widths must be given.
//
// The input is shaped [<any dimensions...>, channels], the output [<same dimensions...>, lastWidth].
func New(ctx *context.Context, input *Node, widths ...int) *Config {
	if len(widths) < 2 {
		Panicf("channelmlp: at least 2 layer widths (input and output) must be given, got %v", widths)
	}
	for _, w := range widths {
		if w <= 0 {
			Panicf("channelmlp: layer widths must be > 0, got %v", widths)
		}
	}
	if input.Rank() < 1 {
		Panicf("channelmlp: input must have at least one axis (the channels), got %s", input.Shape())
	}
	if inputChannels := input.Shape().Dimensions[input.Rank()-1]; inputChannels != widths[0] {
		Panicf("channelmlp: input has %d channels, but the first layer width is %d (widths=%v)",
			inputChannels, widths[0], widths)
	}
	return &Config{
		ctx:         ctx,
		input:       input,
		widths:      widths,
		activation:  ActivationFromContext(ctx),
		dropoutRate: context.GetParamOr(ctx, ParamDropoutRate, 0.0),
		useBias:     true,
	}
}

// Mixing creates a "channel mixing" MLP from the input channels to outChannels, with numLayers dense layers
// and hiddenChannels in the hidden layers. If hiddenChannels is 0, the number of input channels is used.
func Mixing(ctx *context.Context, input *Node, outChannels, hiddenChannels, numLayers int) *Config {
	inChannels := input.Shape().Dimensions[input.Rank()-1]
	if hiddenChannels <= 0 {
		hiddenChannels = inChannels
	}
	if numLayers < 1 {
		Panicf("channelmlp.Mixing requires numLayers >= 1, got %d", numLayers)
	}
	widths := make([]int, 0, numLayers+1)
	widths = append(widths, inChannels)
	for range numLayers - 1 {
		widths = append(widths, hiddenChannels)
	}
	widths = append(widths, outChannels)
	return New(ctx, input, widths...)
}

// Activation sets the activation applied after each hidden layer. The default is set by ParamActivation.
func (c *Config) Activation(activation Activation) *Config {
	c.activation = activation
	return c
}

// Dropout sets the dropout rate applied after each hidden layer, only during training.
func (c *Config) Dropout(rate float64) *Config {
	if rate < 0 || rate >= 1 {
		Panicf("channelmlp: invalid dropout rate %g, it must be in [0, 1)", rate)
	}
	c.dropoutRate = rate
	return c
}

// UseBias configures whether the dense layers have biases. Default is true.
func (c *Config) UseBias(useBias bool) *Config {
	c.useBias = useBias
	return c
}

// ActivateOutput configures whether the activation is also applied after the last layer. Default is false.
func (c *Config) ActivateOutput(activate bool) *Config {
	c.lastActivate = activate
	return c
}

// Widths returns the layer widths configured.
func (c *Config) Widths() []int { return c.widths }

// Done builds the MLP and returns its output.
func (c *Config) Done() *Node {
	x := c.input
	numLayers := len(c.widths) - 1
	for ii := range numLayers {
		layerCtx := c.ctx.Inf("layer_%d", ii)
		x = layers.Dense(layerCtx, x, c.useBias, c.widths[ii+1])
		if ii < numLayers-1 || c.lastActivate {
			x = c.activation.Apply(x)
		}
		if ii < numLayers-1 && c.dropoutRate > 0 {
			x = layers.DropoutStatic(layerCtx, x, c.dropoutRate)
		}
	}
	return x
}

// SoftGating multiplies each channel (the last axis) of x by a learned weight, initialized to 1.
// If useBias, a learned per-channel bias (initialized to 0) is also added.
func SoftGating(ctx *context.Context, x *Node, useBias bool) *Node {
	g := x.Graph()
	ctx = ctx.In("soft_gating")
	channels := x.Shape().Dimensions[x.Rank()-1]
	weightVar := ctx.WithInitializer(initializers.One).VariableWithShape("weights", shapes.Make(x.DType(), channels))
	broadcastDims := make([]int, x.Rank())
	for ii := range broadcastDims {
		broadcastDims[ii] = 1
	}
	broadcastDims[x.Rank()-1] = channels
	x = Mul(x, Reshape(weightVar.ValueGraph(g), broadcastDims...))
	if useBias {
		biasVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("biases", shapes.Make(x.DType(), channels))
		x = Add(x, Reshape(biasVar.ValueGraph(g), broadcastDims...))
	}
	return x
}
