package embeddings

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestSinusoidal(t *testing.T) {
	// 4 channels and maxPositions=100: ω = [1, 1/10].
	values := []float64{0, 1, 2.5}
	want := make([][]float64, len(values))
	for ii, x := range values {
		want[ii] = []float64{math.Cos(x), math.Cos(x / 10), math.Sin(x), math.Sin(x / 10)}
	}
	graphtest.RunTestGraphFn(t, "Sinusoidal", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, values)
		inputs = []*Node{x}
		outputs = []*Node{Sinusoidal(x, 4, 100)}
		return
	}, []any{want}, 1e-6)
}

func TestSinusoidalPoints(t *testing.T) {
	points := [][]float32{{0, 1}, {2, 3}, {0.5, -1}}
	graphtest.RunTestGraphFn(t, "SinusoidalPoints", func(g *Graph) (inputs, outputs []*Node) {
		p := Const(g, points)
		inputs = []*Node{p}
		embedded := SinusoidalPoints(p, 6, DefaultMaxPositions)
		// Second coordinate of each point is embedded in channels [6, 12).
		second := Sinusoidal(Slice(p, AxisRange(), AxisElem(1)), 6, DefaultMaxPositions)
		outputs = []*Node{
			Const(g, embedded.Shape().Dimensions),
			Sub(Slice(embedded, AxisRange(), AxisRange(6, 12)), Reshape(second, 3, 6)),
		}
		return
	}, []any{
		[]int{3, 12},
		[][]float32{{0, 0, 0, 0, 0, 0}, {0, 0, 0, 0, 0, 0}, {0, 0, 0, 0, 0, 0}},
	}, 1e-6)
}

func TestRegularGrid1D(t *testing.T) {
	assert.InDeltaSlice(t, []float64{0, 0.25, 0.5, 0.75}, RegularGrid1D(4, 0, 1), 1e-12)
	assert.InDeltaSlice(t, []float64{-1, 0}, RegularGrid1D(2, -1, 1), 1e-12)
	assert.Nil(t, RegularGrid1D(0, 0, 1))
}

func TestRegularGridND(t *testing.T) {
	coords, err := RegularGridND([]int{2, 3}, [][2]float64{{0, 1}, {0, 3}})
	require.NoError(t, err)
	require.Len(t, coords, 2)
	assert.InDeltaSlice(t, []float64{0, 0, 0, 0.5, 0.5, 0.5}, coords[0], 1e-12)
	assert.InDeltaSlice(t, []float64{0, 1, 2, 0, 1, 2}, coords[1], 1e-12)

	coords, err = RegularGridND([]int{2, 2}, nil)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0, 0.5, 0.5}, coords[0], 1e-12)

	_, err = RegularGridND([]int{2, 0}, nil)
	require.Error(t, err)
	_, err = RegularGridND([]int{2, 2}, [][2]float64{{0, 1}})
	require.Error(t, err)
	_, err = RegularGridND(nil, nil)
	require.Error(t, err)
}

func TestGridPoints(t *testing.T) {
	points, err := GridPoints([]int{2, 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, GridShape([]int{2, 2}), points.Shape())
	assert.Equal(t, []float32{0, 0, 0, 0.5, 0.5, 0, 0.5, 0.5}, tensors.CopyFlatData[float32](points))
}
