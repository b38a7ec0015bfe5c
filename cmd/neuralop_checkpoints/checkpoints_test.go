package main

import (
	"path/filepath"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/graphtest"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/neuralop/ml/layers/spectral"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// saveCheckpoint saves a model with one spectral layer with incremental modes (2 of 8 active) under /model, and
// returns the checkpoint directory.
func saveCheckpoint(t *testing.T, dir string, hiddenChannels int) string {
	ctx := context.New()
	ctx.SetParam("fno_hidden_channels", hiddenChannels)
	_ = context.ExecOnce(graphtest.BuildTestBackend(), ctx, func(ctx *context.Context, g *Graph) *Node {
		x := Ones(g, shapes.Make(dtypes.Float32, 1, 16, hiddenChannels))
		return spectral.New(ctx.In("model").In("spectral"), x, hiddenChannels).Modes(8).Incremental(2).Done()
	})
	checkpoint := must.M1(checkpoints.Build(ctx).Dir(dir).Keep(-1).Done())
	require.NoError(t, checkpoint.Save())
	return dir
}

func TestReports(t *testing.T) {
	tmp := t.TempDir()
	first := saveCheckpoint(t, filepath.Join(tmp, "first"), 2)
	second := saveCheckpoint(t, filepath.Join(tmp, "second"), 4)

	cc := must.M1(loadCheckpoints("/model", first, second))
	assert.Equal(t, []string{"first", "second"}, cc.names)

	summary := Summary(cc)
	assert.Contains(t, summary, "# spectral layers")
	assert.Contains(t, summary, "/model")

	params := Params(cc)
	assert.Contains(t, params, "fno_hidden_channels")

	vars := Variables(cc.names[0], cc.scoped[0])
	assert.Contains(t, vars, spectral.CurrentModesVariable)
	assert.Contains(t, vars, spectral.MaxModesVariable)

	modes := must.M1(Modes(cc))
	assert.Contains(t, modes, "/model/spectral")
	assert.Contains(t, modes, "[2] / [8]")
}

func TestIncreaseModes(t *testing.T) {
	dir := saveCheckpoint(t, filepath.Join(t.TempDir(), "run"), 2)
	assert.True(t, must.M1(IncreaseModes(dir, "/model", 3)))

	cc := must.M1(loadCheckpoints("/model", dir))
	assert.Equal(t, map[string][]int{"/model/spectral": {5}}, must.M1(spectral.CurrentModes(cc.scoped[0])))

	assert.True(t, must.M1(IncreaseModes(dir, "/model", 10)))
	assert.False(t, must.M1(IncreaseModes(dir, "/model", 1)))
	cc = must.M1(loadCheckpoints("/model", dir))
	assert.Equal(t, map[string][]int{"/model/spectral": {8}}, must.M1(spectral.CurrentModes(cc.scoped[0])))

	// No incremental layers under the scope.
	assert.False(t, must.M1(IncreaseModes(dir, "/optimizer", 1)))
	_, err := IncreaseModes(dir, "/model", -1)
	require.Error(t, err)
}
