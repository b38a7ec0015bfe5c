package spectral

import (
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// CurrentModesVariable is the name of the non-trainable variable holding the modes currently used by a
	// spectral layer with incremental modes: one value per spatial axis.
	CurrentModesVariable = "current_modes"

	// MaxModesVariable is the name of the non-trainable variable holding the maximum modes of a spectral layer
	// with incremental modes.
	MaxModesVariable = "max_modes"

	// DefaultInitialModes is the number of modes per spatial axis used initially by Config.Incremental, if
	// none are given.
	DefaultInitialModes = 2
)

// modesMask creates (or reuses) the incremental modes variables, and returns the mask of the active modes
// shaped weightsModeDims, in the given dtype.
//
// For all but the last axis, mode index j is active if j < current/2 or j >= max-current/2. For the last axis,
// if j < current/2+1.
func modesMask(ctx *context.Context, g *Graph, maxModes, weightsModeDims, initialModes []int, dtype dtypes.DType) *Node {
	numSpatial := len(maxModes)
	initial := make([]int32, numSpatial)
	maxValues := make([]int32, numSpatial)
	for axis := range numSpatial {
		value := DefaultInitialModes
		if len(initialModes) == 1 {
			value = initialModes[0]
		} else if len(initialModes) == numSpatial {
			value = initialModes[axis]
		} else if len(initialModes) != 0 {
			panic(errors.Errorf("spectral: %d initial incremental modes given (%v), but there are %d spatial axes",
				len(initialModes), initialModes, numSpatial))
		}
		initial[axis] = int32(min(max(value, 1), maxModes[axis]))
		maxValues[axis] = int32(maxModes[axis])
	}
	currentVar := ctx.VariableWithValue(CurrentModesVariable, initial).SetTrainable(false)
	ctx.VariableWithValue(MaxModesVariable, maxValues).SetTrainable(false)
	current := currentVar.ValueGraph(g)

	mask := Ones(g, shapes.Make(dtype, weightsModeDims...))
	for axis := range numSpatial {
		dim := weightsModeDims[axis]
		half := DivScalar(Reshape(Slice(current, AxisElem(axis))), 2)
		j := Iota(g, shapes.Make(dtypes.Int32, dim), 0)
		var active *Node
		if axis < numSpatial-1 {
			upper := Sub(Const(g, int32(dim)), half)
			active = LogicalOr(LessThan(j, half), GreaterOrEqual(j, upper))
		} else {
			active = LessThan(j, OnePlus(half))
		}
		axisDims := make([]int, numSpatial)
		for ii := range axisDims {
			axisDims[ii] = 1
		}
		axisDims[axis] = dim
		mask = Mul(mask, Reshape(ConvertDType(active, dtype), axisDims...))
	}
	return mask
}

// IncreaseModes increases the current modes of every spectral layer with incremental modes under the scope of
// ctx by delta, clamped to the maximum modes of each layer. It returns whether any layer changed.
//
// It is meant to be called in between training steps, and only affects graphs executed afterwards.
func IncreaseModes(ctx *context.Context, delta int) (changed bool, err error) {
	if delta < 0 {
		return false, errors.Errorf("spectral.IncreaseModes: delta must be >= 0, got %d", delta)
	}
	err = forEachIncrementalLayer(ctx, func(currentVar, maxVar *context.Variable) error {
		current := tensors.CopyFlatData[int32](currentVar.Value())
		maxModes := tensors.CopyFlatData[int32](maxVar.Value())
		if len(current) != len(maxModes) {
			return errors.Errorf("spectral: %q has %d current modes but %d max modes", currentVar.Scope(), len(current), len(maxModes))
		}
		updated := make([]int32, len(current))
		var layerChanged bool
		for ii := range current {
			updated[ii] = min(current[ii]+int32(delta), maxModes[ii])
			updated[ii] = max(updated[ii], current[ii])
			layerChanged = layerChanged || updated[ii] != current[ii]
		}
		if layerChanged {
			klog.V(1).Infof("spectral: %s modes increased from %v to %v", currentVar.Scope(), current, updated)
			currentVar.SetValue(tensors.FromValue(updated))
			changed = true
		}
		return nil
	})
	return
}

// CurrentModes returns the current modes of every spectral layer with incremental modes under the scope of ctx,
// indexed by the layer scope.
func CurrentModes(ctx *context.Context) (map[string][]int, error) {
	return collectModes(ctx, func(currentVar, _ *context.Variable) *context.Variable { return currentVar })
}

// MaxModes returns the maximum modes of every spectral layer with incremental modes under the scope of ctx,
// indexed by the layer scope.
func MaxModes(ctx *context.Context) (map[string][]int, error) {
	return collectModes(ctx, func(_, maxVar *context.Variable) *context.Variable { return maxVar })
}

func collectModes(ctx *context.Context, pick func(currentVar, maxVar *context.Variable) *context.Variable) (map[string][]int, error) {
	result := make(map[string][]int)
	err := forEachIncrementalLayer(ctx, func(currentVar, maxVar *context.Variable) error {
		values := tensors.CopyFlatData[int32](pick(currentVar, maxVar).Value())
		modes := make([]int, len(values))
		for ii, v := range values {
			modes[ii] = int(v)
		}
		result[currentVar.Scope()] = modes
		return nil
	})
	return result, err
}

// forEachIncrementalLayer calls fn with the current and maximum modes variables of each spectral layer
// with incremental modes under the scope of ctx.
func forEachIncrementalLayer(ctx *context.Context, fn func(currentVar, maxVar *context.Variable) error) error {
	scope := ctx.Scope()
	var found []*context.Variable
	maxVars := make(map[string]*context.Variable)
	ctx.EnumerateVariables(func(v *context.Variable) {
		if !inScope(v.Scope(), scope) {
			return
		}
		switch v.Name() {
		case CurrentModesVariable:
			found = append(found, v)
		case MaxModesVariable:
			maxVars[v.Scope()] = v
		}
	})
	for _, currentVar := range found {
		maxVar := maxVars[currentVar.Scope()]
		if maxVar == nil {
			return errors.Errorf("spectral: scope %q has variable %q but no %q", currentVar.Scope(), CurrentModesVariable, MaxModesVariable)
		}
		if currentVar.Value() == nil {
			return errors.Errorf("spectral: variable %q in scope %q is not initialized", CurrentModesVariable, currentVar.Scope())
		}
		if err := fn(currentVar, maxVar); err != nil {
			return err
		}
	}
	return nil
}

func inScope(varScope, scope string) bool {
	if scope == context.ScopeSeparator {
		return true
	}
	return varScope == scope || strings.HasPrefix(varScope, scope+context.ScopeSeparator)
}
