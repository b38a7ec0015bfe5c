// Package padding implements the domain padding used by the Fourier neural operators: the spatial axes of the
// input are zero-padded before the spectral layers, so the non-periodic boundaries of the problem don't "wrap"
// around in the Fourier transforms, and the padding is removed at the end.
package padding

import (
	"fmt"
	"math"
	"strings"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/pkg/errors"
)

// Mode of the domain padding.
type Mode int

const (
	// OneSided pads only the end of each spatial axis. It is the default.
	OneSided Mode = iota

	// Symmetric pads both the start and the end of each spatial axis by the same amount.
	Symmetric
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case OneSided:
		return "one_sided"
	case Symmetric:
		return "symmetric"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts "one_sided" (or "one-sided") and "symmetric" to a Mode.
func ParseMode(name string) (Mode, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_") {
	case "one_sided":
		return OneSided, nil
	case "symmetric":
		return Symmetric, nil
	}
	return 0, errors.Errorf("unknown domain padding mode %q, valid values are \"one_sided\" and \"symmetric\"", name)
}

// Padding configuration. It is immutable and can be used for inputs of any resolution.
type Padding struct {
	fractions    []float64
	mode         Mode
	channelsAxis images.ChannelsAxisConfig
}

// Extent holds the padding applied to each spatial axis by Padding.Pad, needed by Padding.Unpad.
type Extent struct {
	SpatialAxes []int
	Start, End  []int
}

// New creates a domain padding of fraction of the size of every spatial axis, with the given mode.
//
// The input is assumed to be shaped [batch, <spatial axes...>, channels] (images.ChannelsLast); use
// ChannelsAxis to change it.
func New(fraction float64, mode Mode) (*Padding, error) {
	return NewPerAxis([]float64{fraction}, mode)
}

// NewPerAxis creates a domain padding with a different fraction per spatial axis. If only one fraction
// is given, it is used for all spatial axes.
func NewPerAxis(fractions []float64, mode Mode) (*Padding, error) {
	if len(fractions) == 0 {
		return nil, errors.New("padding.NewPerAxis requires at least one fraction")
	}
	for _, f := range fractions {
		if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.Errorf("padding fractions must be finite and >= 0, got %v", fractions)
		}
	}
	if mode != OneSided && mode != Symmetric {
		return nil, errors.Errorf("invalid padding mode %s", mode)
	}
	return &Padding{
		fractions:    fractions,
		mode:         mode,
		channelsAxis: images.ChannelsLast,
	}, nil
}

// ChannelsAxis configures where the channels axis is. It returns a copy of the Padding.
func (p *Padding) ChannelsAxis(config images.ChannelsAxisConfig) *Padding {
	newP := *p
	newP.channelsAxis = config
	return &newP
}

// Mode returns the padding mode.
func (p *Padding) Mode() Mode { return p.mode }

// Amounts returns the number of padding elements for each of the spatialDims: round(fraction·dim).
func (p *Padding) Amounts(spatialDims []int) []int {
	if len(p.fractions) != 1 && len(p.fractions) != len(spatialDims) {
		Panicf("padding configured with %d fractions, but input has %d spatial axes", len(p.fractions), len(spatialDims))
	}
	amounts := make([]int, len(spatialDims))
	for ii, dim := range spatialDims {
		fraction := p.fractions[0]
		if len(p.fractions) > 1 {
			fraction = p.fractions[ii]
		}
		amounts[ii] = int(math.RoundToEven(fraction * float64(dim)))
	}
	return amounts
}

// Pad zero-pads the spatial axes of x, and returns the padded x and the Extent needed to Unpad it.
func (p *Padding) Pad(x *Node) (*Node, Extent) {
	if x.Rank() < 3 {
		Panicf("padding.Pad requires x shaped [batch, <spatial axes...>, channels] (or channels-first), got %s", x.Shape())
	}
	spatialAxes := images.GetSpatialAxes(x, p.channelsAxis)
	spatialDims := make([]int, len(spatialAxes))
	for ii, axis := range spatialAxes {
		spatialDims[ii] = x.Shape().Dimensions[axis]
	}
	amounts := p.Amounts(spatialDims)
	extent := Extent{
		SpatialAxes: spatialAxes,
		Start:       make([]int, len(spatialAxes)),
		End:         make([]int, len(spatialAxes)),
	}
	config := make([]PadAxis, x.Rank())
	var needed bool
	for ii, axis := range spatialAxes {
		if p.mode == Symmetric {
			extent.Start[ii] = amounts[ii]
		}
		extent.End[ii] = amounts[ii]
		config[axis] = PadAxis{Start: extent.Start[ii], End: extent.End[ii]}
		needed = needed || amounts[ii] > 0
	}
	if !needed {
		return x, extent
	}
	return Pad(x, ScalarZero(x.Graph(), x.DType()), config...), extent
}

// Unpad removes the padding added by Pad, returning exactly the original extent of x.
func (p *Padding) Unpad(x *Node, extent Extent) *Node {
	if len(extent.SpatialAxes) != len(extent.Start) || len(extent.Start) != len(extent.End) {
		Panicf("padding.Unpad got an inconsistent extent %+v", extent)
	}
	specs := make([]SliceAxisSpec, x.Rank())
	var needed bool
	for axis := range specs {
		specs[axis] = AxisRange()
	}
	for ii, axis := range extent.SpatialAxes {
		if axis >= x.Rank() {
			Panicf("padding.Unpad extent spatial axis %d out of range for x shaped %s", axis, x.Shape())
		}
		dim := x.Shape().Dimensions[axis]
		start, end := extent.Start[ii], dim-extent.End[ii]
		if start >= end {
			Panicf("padding.Unpad: axis %d of dimension %d can't remove padding %d+%d", axis, dim, extent.Start[ii], extent.End[ii])
		}
		specs[axis] = AxisRange(start, end)
		needed = needed || extent.Start[ii] > 0 || extent.End[ii] > 0
	}
	if !needed {
		return x
	}
	return Slice(x, specs...)
}
