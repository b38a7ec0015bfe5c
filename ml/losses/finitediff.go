package losses

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
)

// CentralDiff returns the derivative of x along axis, with central differences and grid spacing h:
//
//	dx[i] = (x[i+1] - x[i-1]) / 2h
//
// The domain is taken as periodic, unless fixBoundary is set, in which case the first and last elements use
// one-sided differences instead.
func CentralDiff(x *Node, axis int, h float64, fixBoundary bool) *Node {
	if axis < 0 {
		axis += x.Rank()
	}
	n := x.Shape().Dimensions[axis]
	if n < 3 {
		Panicf("CentralDiff requires at least 3 elements on axis %d, got shape %s", axis, x.Shape())
	}
	if h <= 0 {
		Panicf("CentralDiff requires grid spacing h > 0, got %g", h)
	}
	next := Concatenate([]*Node{sliceAxis(x, axis, 1, n), sliceAxis(x, axis, 0, 1)}, axis)
	prev := Concatenate([]*Node{sliceAxis(x, axis, n-1, n), sliceAxis(x, axis, 0, n-1)}, axis)
	dx := DivScalar(Sub(next, prev), 2*h)
	if !fixBoundary {
		return dx
	}
	first := DivScalar(Sub(sliceAxis(x, axis, 1, 2), sliceAxis(x, axis, 0, 1)), h)
	last := DivScalar(Sub(sliceAxis(x, axis, n-1, n), sliceAxis(x, axis, n-2, n-1)), h)
	return Concatenate([]*Node{first, sliceAxis(dx, axis, 1, n-1), last}, axis)
}

// CentralDiff1D is CentralDiff along the last axis.
func CentralDiff1D(x *Node, h float64, fixBoundary bool) *Node {
	return CentralDiff(x, -1, h, fixBoundary)
}

// CentralDiff2D returns the derivatives of x along its last 2 axes, with grid spacing h[0] and h[1]
// respectively. See CentralDiff.
func CentralDiff2D(x *Node, h [2]float64, fixBoundary [2]bool) (dx, dy *Node) {
	dx = CentralDiff(x, -2, h[0], fixBoundary[0])
	dy = CentralDiff(x, -1, h[1], fixBoundary[1])
	return
}

// CentralDiff3D returns the derivatives of x along its last 3 axes. See CentralDiff.
func CentralDiff3D(x *Node, h [3]float64, fixBoundary [3]bool) (dx, dy, dz *Node) {
	dx = CentralDiff(x, -3, h[0], fixBoundary[0])
	dy = CentralDiff(x, -2, h[1], fixBoundary[1])
	dz = CentralDiff(x, -1, h[2], fixBoundary[2])
	return
}

func sliceAxis(x *Node, axis, start, end int) *Node {
	specs := make([]SliceAxisSpec, axis+1)
	for ii := range axis {
		specs[ii] = AxisRange()
	}
	specs[axis] = AxisRange(start, end)
	return Slice(x, specs...)
}
