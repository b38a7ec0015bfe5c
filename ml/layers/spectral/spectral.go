// Package spectral implements the spectral convolution of the Fourier neural operators (FNO).
//
// The input is transformed to the frequency domain with FFTs over its spatial axes, the lowest
// frequencies ("modes") are mixed across channels with learned complex weights, the remaining
// frequencies are zeroed, and the result is transformed back to the spatial domain. Since the weights
// are defined per frequency and not per grid point, the same layer can be applied to inputs of any
// resolution.
//
// Example, for an input shaped [batch, 64, 64, channels]:
//
//	y := spectral.New(ctx.In("spectral"), x, 32).Modes(16, 16).Done()
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
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/pkg/errors"
)

const (
	// ParamFactorization is the context hyperparameter with the default factorization of the spectral weights.
	// See ParseFactorization for valid values. Default is "dense".
	ParamFactorization = "spectral_factorization"

	// ParamRank is the context hyperparameter with the default rank of factorized weights, as a fraction
	// of the number of parameters of the dense weights. Default is 1.0.
	ParamRank = "spectral_rank"

	// ParamFFTNorm is the context hyperparameter with the default FFT normalization. See ParseFFTNorm.
	// Default is "forward".
	ParamFFTNorm = "spectral_fft_norm"
)

// Stabilizer applied to the input before the FFT.
type Stabilizer int

const (
	StabilizerNone Stabilizer = iota
	StabilizerTanh
)

// String implements fmt.Stringer.
func (s Stabilizer) String() string {
	switch s {
	case StabilizerNone:
		return "none"
	case StabilizerTanh:
		return "tanh"
	}
	return fmt.Sprintf("Stabilizer(%d)", int(s))
}

// ParseStabilizer converts "none" (or "") and "tanh" to a Stabilizer.
func ParseStabilizer(name string) (Stabilizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return StabilizerNone, nil
	case "tanh":
		return StabilizerTanh, nil
	}
	return StabilizerNone, errors.Errorf("unknown stabilizer %q, valid values are \"none\" and \"tanh\"", name)
}

// FFTNorm is the normalization convention of the forward/inverse FFT pair.
//
// The inverse always undoes the forward transform, so for the same weights the output of the layer doesn't
// depend on the convention: it is kept for configuration compatibility.
type FFTNorm int

const (
	FFTNormForward FFTNorm = iota
	FFTNormBackward
	FFTNormOrtho
)

var fftNormNames = []string{"forward", "backward", "ortho"}

// String implements fmt.Stringer.
func (n FFTNorm) String() string {
	if n >= 0 && int(n) < len(fftNormNames) {
		return fftNormNames[n]
	}
	return fmt.Sprintf("FFTNorm(%d)", int(n))
}

// ParseFFTNorm converts "forward", "backward" or "ortho" to an FFTNorm.
func ParseFFTNorm(name string) (FFTNorm, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for ii, known := range fftNormNames {
		if known == name {
			return FFTNorm(ii), nil
		}
	}
	return FFTNormForward, errors.Errorf("unknown FFT normalization %q, valid values are %v", name, fftNormNames)
}

// Config of a spectral convolution. Create it with New, configure it with its methods and apply it with Done.
type Config struct {
	ctx          *context.Context
	x            *Node
	outChannels  int
	modes        []int
	channelsAxis images.ChannelsAxisConfig
	useBias      bool
	separable    bool
	stabilizer   Stabilizer
	fftNorm      FFTNorm

	factorization Factorization
	rank          float64
	absoluteRank  int

	incremental  bool
	initialModes []int
}

// New creates the configuration of a spectral convolution of x to outChannels output channels.
//
// x is shaped [batch, <spatial axes...>, channels] (images.ChannelsLast, the default) or
// [batch, channels, <spatial axes...>] if configured with ChannelsAxis(images.ChannelsFirst).
// There must be at least one spatial axis. The number of modes must be set with Modes.
func New(ctx *context.Context, x *Node, outChannels int) *Config {
	if outChannels <= 0 {
		Panicf("spectral.New: outChannels must be > 0, got %d", outChannels)
	}
	c := &Config{
		ctx:          ctx,
		x:            x,
		outChannels:  outChannels,
		channelsAxis: images.ChannelsLast,
		useBias:      true,
		rank:         context.GetParamOr(ctx, ParamRank, 1.0),
	}
	var err error
	c.factorization, err = ParseFactorization(context.GetParamOr(ctx, ParamFactorization, "dense"))
	if err != nil {
		panic(err)
	}
	c.fftNorm, err = ParseFFTNorm(context.GetParamOr(ctx, ParamFFTNorm, "forward"))
	if err != nil {
		panic(err)
	}
	return c
}

// Modes sets the maximum number of Fourier modes kept on each spatial axis. If only one value is given, it is
// used for all spatial axes.
//
// For all but the last spatial axis, half of the modes are the lowest positive frequencies and half the
// most negative ones, so they must be even. For the last spatial axis, of a real signal, only the first
// modes/2+1 (non-negative) frequencies are kept. Any grid size is accepted, even or odd.
func (c *Config) Modes(modes ...int) *Config {
	c.modes = modes
	return c
}

// ChannelsAxis configures the layout of the input, and of the output.
func (c *Config) ChannelsAxis(config images.ChannelsAxisConfig) *Config {
	c.channelsAxis = config
	return c
}

// UseBias configures whether a learned bias per output channel is added. Default is true.
func (c *Config) UseBias(useBias bool) *Config {
	c.useBias = useBias
	return c
}

// Separable configures a depthwise separable convolution: each channel is only multiplied by its own
// complex weights, and there is no mixing across channels. It requires the number of input and output
// channels to be the same.
func (c *Config) Separable(separable bool) *Config {
	c.separable = separable
	return c
}

// Stabilizer configures a function applied to the input before the FFT. Default is StabilizerNone.
func (c *Config) Stabilizer(s Stabilizer) *Config {
	c.stabilizer = s
	return c
}

// FFTNorm sets the FFT normalization convention. See FFTNorm.
func (c *Config) FFTNorm(norm FFTNorm) *Config {
	c.fftNorm = norm
	return c
}

// Factorization sets the factorization of the weights. Default is set by ParamFactorization.
func (c *Config) Factorization(f Factorization) *Config {
	c.factorization = f
	return c
}

// Rank sets the rank of the factorized weights, as a fraction of the parameters of the dense weights.
// Default is set by ParamRank.
func (c *Config) Rank(fraction float64) *Config {
	if fraction <= 0 {
		Panicf("spectral: rank fraction must be > 0, got %g", fraction)
	}
	c.rank = fraction
	c.absoluteRank = 0
	return c
}

// AbsoluteRank sets the rank of the factorized weights as an absolute value: R for CP, and the maximum
// rank of each axis for Tucker. It takes precedence over Rank.
func (c *Config) AbsoluteRank(rank int) *Config {
	if rank <= 0 {
		Panicf("spectral: absolute rank must be > 0, got %d", rank)
	}
	c.absoluteRank = rank
	return c
}

// Incremental enables incremental modes: the weights are allocated for the maximum modes (set with Modes),
// but only the initial modes given here are used, and the others are masked out (and receive no gradient).
// The modes used are stored in the context and can be increased during training with IncreaseModes.
//
// If no initial modes are given, training starts with 2 modes per axis.
func (c *Config) Incremental(initialModes ...int) *Config {
	c.incremental = true
	c.initialModes = initialModes
	return c
}

// Done applies the spectral convolution and returns its output, shaped like x except the channels
// axis, that has outChannels.
func (c *Config) Done() *Node {
	ctx := c.ctx
	x := c.x
	g := x.Graph()
	if !x.DType().IsFloat() {
		Panicf("spectral: input must be float, got %s", x.Shape())
	}
	if x.Rank() < 3 {
		Panicf("spectral: input must be shaped [batch, <spatial axes...>, channels] with at least one spatial axis, got %s", x.Shape())
	}
	if c.channelsAxis == images.ChannelsLast {
		x = moveAxis(x, x.Rank()-1, 1)
	}
	dims := x.Shape().Dimensions
	inChannels := dims[1]
	spatialDims := dims[2:]
	numSpatial := len(spatialDims)
	maxModes := c.expandModes(numSpatial)
	if c.separable && inChannels != c.outChannels {
		Panicf("spectral: separable convolution requires the same number of input and output channels, got %d and %d",
			inChannels, c.outChannels)
	}

	// Dimensions of the weights along the modes axes, and the modes effectively used for this grid.
	weightsModeDims := modesToWeightsDims(maxModes)
	effective := make([]int, numSpatial)
	for axis, s := range spatialDims {
		if axis < numSpatial-1 {
			effective[axis] = min(weightsModeDims[axis], s-s%2)
		} else {
			effective[axis] = min(weightsModeDims[axis], s/2+1)
		}
	}

	// Weights: real and imaginary parts, masked by the incremental modes, and sliced to the effective modes.
	var weightsDims []int
	if c.separable {
		weightsDims = append([]int{inChannels}, weightsModeDims...)
	} else {
		weightsDims = append([]int{inChannels, c.outChannels}, weightsModeDims...)
	}
	stddev := math.Sqrt(2.0 / float64(inChannels+c.outChannels))
	wReal := c.weightsPart(ctx, g, "real", weightsDims, stddev)
	wImag := c.weightsPart(ctx, g, "imag", weightsDims, stddev)
	if c.incremental {
		mask := modesMask(ctx, g, maxModes, weightsModeDims, c.initialModes, x.DType())
		mask = ExpandLeftToRank(mask, wReal.Rank())
		wReal = Mul(wReal, mask)
		wImag = Mul(wImag, mask)
	}
	firstModeAxis := len(weightsDims) - numSpatial
	wReal = selectModes(wReal, firstModeAxis, weightsModeDims, effective)
	wImag = selectModes(wImag, firstModeAxis, weightsModeDims, effective)

	// Forward FFT.
	if c.stabilizer == StabilizerTanh {
		x = Tanh(x)
	}
	lastDim := spatialDims[numSpatial-1]
	spectrum := halfSpectrum(x)
	for axis := 2; axis < x.Rank()-1; axis++ {
		spectrum = onAxis(spectrum, axis, FFT)
	}
	spectrumDims := spectrum.Shape().Dimensions
	spectrum = selectModes(spectrum, 2, spectrumDims[2:], effective)

	// Channel mixing per mode, with the complex product written in real arithmetic.
	xReal, xImag := Real(spectrum), Imag(spectrum)
	var outReal, outImag *Node
	if c.separable {
		wReal, wImag = InsertAxes(wReal, 0), InsertAxes(wImag, 0)
		outReal = Sub(Mul(xReal, wReal), Mul(xImag, wImag))
		outImag = Add(Mul(xReal, wImag), Mul(xImag, wReal))
	} else {
		equation := mixingEquation(numSpatial)
		outReal = Sub(Einsum(equation, xReal, wReal), Einsum(equation, xImag, wImag))
		outImag = Add(Einsum(equation, xReal, wImag), Einsum(equation, xImag, wReal))
	}
	spectrum = Complex(outReal, outImag)

	// Zero the frequencies not kept, and inverse FFT.
	spectrum = restoreModes(spectrum, 2, spectrumDims[2:], effective)
	for axis := 2; axis < x.Rank()-1; axis++ {
		spectrum = onAxis(spectrum, axis, InverseFFT)
	}
	y := fromHalfSpectrum(spectrum, lastDim)

	if c.useBias {
		bias := ctx.WithInitializer(initializers.RandomNormalFn(ctx, stddev)).
			VariableWithShape("biases", shapes.Make(y.DType(), c.outChannels)).ValueGraph(g)
		biasDims := make([]int, y.Rank())
		for ii := range biasDims {
			biasDims[ii] = 1
		}
		biasDims[1] = c.outChannels
		y = Add(y, Reshape(bias, biasDims...))
	}
	if c.channelsAxis == images.ChannelsLast {
		y = moveAxis(y, 1, y.Rank()-1)
	}
	return y
}

// halfSpectrum returns the non-negative frequencies of the FFT of x on its last axis: dim/2+1 of them.
// Odd dimensions go through the complex FFT, since the real FFT pair only round trips even ones.
func halfSpectrum(x *Node) *Node {
	dim := x.Shape().Dimensions[x.Rank()-1]
	if dim%2 == 0 {
		return RealFFT(x)
	}
	spectrum := FFT(Complex(x, ZerosLike(x)))
	return sliceAxis(spectrum, spectrum.Rank()-1, 0, dim/2+1)
}

// fromHalfSpectrum is the inverse of halfSpectrum: it returns the real signal of dimension dim on the last axis.
// For odd dimensions the negative frequencies are rebuilt from the Hermitian symmetry X[dim-k] = conj(X[k]),
// and the imaginary part of the DC term is dropped, as the real inverse FFT does.
func fromHalfSpectrum(spectrum *Node, dim int) *Node {
	if dim%2 == 0 {
		return InverseRealFFT(spectrum)
	}
	g := spectrum.Graph()
	half := dim/2 + 1
	sources := make([]int32, dim)
	signs := make([]float64, dim)
	for k := range dim {
		if k < half {
			sources[k], signs[k] = int32(k), 1
		} else {
			sources[k], signs[k] = int32(dim-k), -1
		}
	}
	last := spectrum.Rank() - 1
	indices := Const(g, sources)
	indices = Reshape(indices, dim, 1)
	gatherLast := func(x *Node) *Node {
		return moveAxis(Gather(moveAxis(x, last, 0), indices), 0, last)
	}
	re, im := gatherLast(Real(spectrum)), gatherLast(Imag(spectrum))
	im = Mul(im, ExpandLeftToRank(ConvertDType(Const(g, signs), im.DType()), im.Rank()))
	return Real(InverseFFT(Complex(re, im)))
}

// expandModes validates the configured modes, and returns one per spatial axis.
func (c *Config) expandModes(numSpatial int) []int {
	if len(c.modes) == 0 {
		Panicf("spectral: the number of modes must be configured with Modes()")
	}
	modes := c.modes
	if len(modes) == 1 && numSpatial > 1 {
		modes = make([]int, numSpatial)
		for ii := range modes {
			modes[ii] = c.modes[0]
		}
	}
	if len(modes) != numSpatial {
		Panicf("spectral: %d modes configured (%v), but the input has %d spatial axes", len(modes), modes, numSpatial)
	}
	for axis, m := range modes {
		if m <= 0 {
			Panicf("spectral: modes must be > 0, got %v", modes)
		}
		if axis < numSpatial-1 && m%2 != 0 {
			Panicf("spectral: modes of all but the last spatial axis must be even, got %v", modes)
		}
	}
	return modes
}

// modesToWeightsDims converts the modes per axis to the dimensions of the weights: the last axis only holds
// the non-negative frequencies of the real FFT.
func modesToWeightsDims(modes []int) []int {
	dims := make([]int, len(modes))
	copy(dims, modes)
	dims[len(dims)-1] = modes[len(modes)-1]/2 + 1
	return dims
}

// selectModes slices the axes starting at firstAxis (one per spatial axis), from the full dimensions in fullDims
// to the effective ones. For all axes but the last, the first effective/2 and the last effective/2 entries
// are taken. For the last axis, the first effective entries.
func selectModes(x *Node, firstAxis int, fullDims, effective []int) *Node {
	numSpatial := len(effective)
	for ii := range numSpatial {
		axis := firstAxis + ii
		full, eff := fullDims[ii], effective[ii]
		if full == eff {
			continue
		}
		if ii == numSpatial-1 {
			x = sliceAxis(x, axis, 0, eff)
			continue
		}
		half := eff / 2
		x = Concatenate([]*Node{sliceAxis(x, axis, 0, half), sliceAxis(x, axis, full-half, full)}, axis)
	}
	return x
}

// restoreModes is the reverse of selectModes: it places the modes back in an axis of dimension fullDims,
// filling the rest with zeros.
func restoreModes(x *Node, firstAxis int, fullDims, effective []int) *Node {
	g := x.Graph()
	numSpatial := len(effective)
	for ii := range numSpatial {
		axis := firstAxis + ii
		full, eff := fullDims[ii], effective[ii]
		if full == eff {
			continue
		}
		zerosDims := x.Shape().Clone().Dimensions
		zerosDims[axis] = full - eff
		zeros := Zeros(g, shapes.Make(x.DType(), zerosDims...))
		if ii == numSpatial-1 {
			x = Concatenate([]*Node{x, zeros}, axis)
			continue
		}
		half := eff / 2
		x = Concatenate([]*Node{sliceAxis(x, axis, 0, half), zeros, sliceAxis(x, axis, half, eff)}, axis)
	}
	return x
}

// sliceAxis returns x[..., start:end, ...] on the given axis.
func sliceAxis(x *Node, axis, start, end int) *Node {
	specs := make([]SliceAxisSpec, x.Rank())
	for ii := range specs {
		specs[ii] = AxisRange()
	}
	specs[axis] = AxisRange(start, end)
	return Slice(x, specs...)
}

// onAxis applies a transform that works on the last axis (like FFT) to the given axis.
func onAxis(x *Node, axis int, transform func(*Node) *Node) *Node {
	last := x.Rank() - 1
	if axis == last {
		return transform(x)
	}
	return Transpose(transform(Transpose(x, axis, last)), axis, last)
}

// moveAxis moves the axis from to the position to, keeping the order of the other axes.
func moveAxis(x *Node, from, to int) *Node {
	if from == to {
		return x
	}
	perm := make([]int, 0, x.Rank())
	for ii := range x.Rank() {
		if ii != from {
			perm = append(perm, ii)
		}
	}
	perm = append(perm[:to], append([]int{from}, perm[to:]...)...)
	return TransposeAllDims(x, perm...)
}

const spatialLetters = "xyzuvwstpq"

// mixingEquation returns the Einsum equation of the channel mixing for the number of spatial axes:
// e.g. "bixy,ioxy->boxy".
func mixingEquation(numSpatial int) string {
	if numSpatial > len(spatialLetters) {
		Panicf("spectral: at most %d spatial axes are supported, got %d", len(spatialLetters), numSpatial)
	}
	s := spatialLetters[:numSpatial]
	return fmt.Sprintf("bi%s,io%s->bo%s", s, s, s)
}
