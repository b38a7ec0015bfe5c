package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/neuralop/ml/layers/spectral"
	"github.com/pkg/errors"
)

// Modes renders the current and maximum modes of the spectral layers with incremental modes, one row per layer
// scope and one column per checkpoint, formatted as "current / max". Layers still training with fewer than
// their maximum modes are highlighted.
func Modes(cc *checkpointContexts) (string, error) {
	cells := make(map[string][]string)
	incomplete := make(map[string]bool)
	for ii, scoped := range cc.scoped {
		current, err := spectral.CurrentModes(scoped)
		if err != nil {
			return "", errors.WithMessagef(err, "checkpoint %q", cc.names[ii])
		}
		maxModes, err := spectral.MaxModes(scoped)
		if err != nil {
			return "", errors.WithMessagef(err, "checkpoint %q", cc.names[ii])
		}
		for scope, modes := range current {
			if cells[scope] == nil {
				cells[scope] = make([]string, len(cc.scoped))
			}
			cells[scope][ii] = fmt.Sprintf("%v / %v", modes, maxModes[scope])
			if !slices.Equal(modes, maxModes[scope]) {
				incomplete[scope] = true
			}
		}
	}

	headers := []string{"Layer"}
	if len(cc.names) == 1 {
		headers = append(headers, "Modes")
	} else {
		headers = append(headers, cc.names...)
	}
	table := newReportTable().Headers(headers...)
	for _, scope := range slices.Sorted(maps.Keys(cells)) {
		table.HighlightedRow(incomplete[scope], append([]string{scope}, cells[scope]...)...)
	}
	return strings.Join([]string{titleStyle.Render("Fourier modes (current / max)"), table.Render()}, "\n"), nil
}

// IncreaseModes loads the checkpoint in checkpointPath, increases the current modes of its spectral layers under
// scope by delta and, if any changed, saves it as a new checkpoint.
func IncreaseModes(checkpointPath, scope string, delta int) (changed bool, err error) {
	ctx := context.New()
	checkpoint, err := checkpoints.Build(ctx).Dir(checkpointPath).Keep(-1).Immediate().Done()
	if err != nil {
		return false, errors.WithMessagef(err, "loading checkpoint from %q", checkpointPath)
	}
	if scope != "" && scope != context.ScopeSeparator {
		ctx = ctx.InAbsPath(scope)
	}
	changed, err = spectral.IncreaseModes(ctx, delta)
	if err != nil || !changed {
		return false, err
	}
	if err = checkpoint.Save(); err != nil {
		return false, errors.WithMessagef(err, "saving checkpoint to %q", checkpointPath)
	}
	return true, nil
}
