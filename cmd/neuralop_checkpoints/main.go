// neuralop_checkpoints reports on the contents of one or more training checkpoints: model size, hyperparameters,
// variables and the Fourier modes of the spectral layers. When more than one checkpoint is given, their values
// are shown side by side, and the ones that differ are highlighted.
//
// It can also increase the current modes of the spectral layers trained with incremental modes, to continue
// training from a checkpoint with more modes.
//
// Example:
//
//	neuralop_checkpoints -summary -params -modes ~/work/darcy/darcy_*
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/model", "The scope of the checkpoint to inspect. "+
		"Besides the model, checkpoints hold support variables (optimizer state for instance) that are "+
		"usually not interesting: the reports only consider variables under this scope.")
	flagSummary = flag.Bool("summary", false, "Display a summary of the model sizes (for variables"+
		" under -scope) and the global step.")
	flagParams        = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars          = flag.Bool("vars", false, "Lists the variables under -scope, with statistics of their values.")
	flagModes         = flag.Bool("modes", false, "Lists the current and maximum Fourier modes of the spectral layers trained with incremental modes.")
	flagIncreaseModes = flag.Int("increase_modes", 0, "Increases the current modes of the spectral layers under -scope by "+
		"the given value (clamped to their maximum modes) and saves a new checkpoint. Only one checkpoint can be given.")
)

// checkpointContexts holds the contexts loaded from the checkpoints, and the same contexts set to -scope.
type checkpointContexts struct {
	names        []string
	ctxs, scoped []*context.Context
}

// loadCheckpoints loads the latest checkpoint of each directory.
func loadCheckpoints(scope string, paths ...string) (*checkpointContexts, error) {
	cc := &checkpointContexts{names: checkpointNames(paths...)}
	for _, p := range paths {
		ctx := context.New()
		if _, err := checkpoints.Build(ctx).Dir(p).Immediate().Done(); err != nil {
			return nil, errors.WithMessagef(err, "loading checkpoint from %q", p)
		}
		cc.ctxs = append(cc.ctxs, ctx)
		scoped := ctx
		if scope != "" && scope != context.ScopeSeparator {
			scoped = ctx.InAbsPath(scope)
		}
		cc.scoped = append(cc.scoped, scoped)
	}
	return cc, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	paths := flag.Args()
	if len(paths) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'neuralop_checkpoints -help'")
		os.Exit(1)
	}
	if *flagIncreaseModes != 0 {
		if len(paths) > 1 {
			klog.Errorf("-increase_modes takes only one checkpoint, got %d", len(paths))
			os.Exit(1)
		}
		if must.M1(IncreaseModes(paths[0], *flagScope, *flagIncreaseModes)) {
			fmt.Printf("Spectral modes increased by %d, new checkpoint saved.\n", *flagIncreaseModes)
		} else {
			fmt.Println("Spectral modes already at their maximum (or no incremental spectral layers), nothing saved.")
		}
	}
	if !*flagSummary && !*flagParams && !*flagVars && !*flagModes {
		return
	}

	cc := must.M1(loadCheckpoints(*flagScope, paths...))
	if *flagSummary {
		fmt.Println(Summary(cc))
	}
	if *flagParams {
		fmt.Println(Params(cc))
	}
	if *flagVars {
		for ii, scoped := range cc.scoped {
			fmt.Println(Variables(cc.names[ii], scoped))
		}
	}
	if *flagModes {
		fmt.Println(must.M1(Modes(cc)))
	}
}
