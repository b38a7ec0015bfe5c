package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/neuralop/ml/layers/spectral"
)

// Summary renders the global step, the number of variables, parameters and bytes under the scope, and the
// number of spectral layers, one column per checkpoint.
func Summary(cc *checkpointContexts) string {
	table := newReportTable(lipgloss.Right, lipgloss.Left)
	table.Headers(append([]string{"checkpoint"}, cc.names...)...)
	numCols := len(cc.names) + 1
	newRow := func(name string) []string {
		row := make([]string, numCols)
		row[0] = name
		return row
	}

	scopeRow := newRow("scope")
	globalStepRow := newRow("global_step")
	varsRow, paramsRow, bytesRow := newRow("# variables"), newRow("# parameters"), newRow("# bytes")
	spectralRow := newRow("# spectral layers")
	for ii, scoped := range cc.scoped {
		scopeRow[ii+1] = scoped.Scope()
		globalStepRow[ii+1] = humanize.Comma(optimizers.GetGlobalStep(cc.ctxs[ii]))

		var numVars, numParams int
		var numBytes uintptr
		numSpectral := 0
		scoped.EnumerateVariablesInScope(func(v *context.Variable) {
			numVars++
			numParams += v.Shape().Size()
			numBytes += v.Shape().Memory()
			if v.Name() == spectral.MaxModesVariable {
				numSpectral++
			}
		})
		varsRow[ii+1] = humanize.Comma(int64(numVars))
		paramsRow[ii+1] = humanize.Comma(int64(numParams))
		bytesRow[ii+1] = humanize.Bytes(uint64(numBytes))
		spectralRow[ii+1] = humanize.Comma(int64(numSpectral))
	}
	for _, row := range [][]string{scopeRow, globalStepRow, varsRow, paramsRow, bytesRow, spectralRow} {
		table.HighlightedRow(!allEqual(row[1:]), row...)
	}
	return strings.Join([]string{titleStyle.Render("Summary"), table.Render()}, "\n")
}
