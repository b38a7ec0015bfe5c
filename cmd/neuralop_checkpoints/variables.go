package main

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
)

// Variables renders the variables under the scope of ctx, with their shape, size and statistics of their
// values: mean absolute value (MAV), root-mean-square (RMS) and maximum absolute value (MaxAV). Scalar
// variables show their value instead.
func Variables(name string, ctx *context.Context) string {
	statsExec := NewExec(backends.New(), func(x *Node) (mav, rms, maxAV *Node) {
		if x.DType().IsComplex() {
			x = Abs(x)
		}
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	}).SetMaxCache(-1)

	table := newReportTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right).
		Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		row := []string{v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())), humanize.Bytes(uint64(shape.Memory())), "", "", ""}
		value := v.Value()
		switch {
		case value == nil:
			row[5] = "<not set>"
		case shape.Size() == 1:
			row[5] = fmt.Sprintf("%v", value.Value())
		case shape.DType.IsFloat() || shape.DType.IsComplex():
			stats := statsExec.Call(value)
			for ii, stat := range stats {
				row[5+ii] = fmt.Sprintf("%.3g", tensors.ToScalar[float64](stat))
			}
		}
		rows = append(rows, row)
	})
	slices.SortFunc(rows, func(a, b []string) int {
		return cmp.Or(strings.Compare(a[0], b[0]), strings.Compare(a[1], b[1]))
	})
	for _, row := range rows {
		table.Row(row...)
	}
	title := titleStyle.Render(fmt.Sprintf("Variables of %s in scope %q", name, ctx.Scope()))
	return strings.Join([]string{title, table.Render()}, "\n")
}
