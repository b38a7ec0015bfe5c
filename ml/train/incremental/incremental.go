// Package incremental increases the number of active Fourier modes of the spectral layers of a model during
// training.
//
// The model is created with the spectral layers in incremental mode (see spectral.Config.Incremental), and
// a Config attached to the train.Loop decides when to call spectral.IncreaseModes:
//
//   - SchedulerLossGap: the train loss is averaged over windows of EveryNSteps steps; if the improvement
//     from the previous window is not larger than Eps, the modes are increased by Step.
//   - SchedulerEpoch: the modes are increased by Step every EveryNSteps steps.
//
// Example:
//
//	loop := train.NewLoop(trainer)
//	schedule := must.M1(incremental.FromContext(ctx))
//	must.M(schedule.Attach(loop))
package incremental

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/neuralop/ml/layers/spectral"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamScheduler is the context hyperparameter with the scheduler to use: "loss_gap" (default) or
	// "epoch".
	ParamScheduler = "incremental_scheduler"

	// ParamStep is the context hyperparameter with the number of modes added at each increase. Default is 1.
	ParamStep = "incremental_step"

	// ParamEps is the context hyperparameter with the minimum improvement of the loss between windows
	// that prevents an increase in SchedulerLossGap. Default is 1e-3.
	ParamEps = "incremental_loss_eps"

	// ParamEveryNSteps is the context hyperparameter with the number of steps of each window (for
	// SchedulerLossGap) or between increases (for SchedulerEpoch). Default is 100.
	ParamEveryNSteps = "incremental_every_n_steps"
)

// Scheduler decides when to increase the modes.
type Scheduler int

const (
	SchedulerLossGap Scheduler = iota
	SchedulerEpoch
)

var schedulerNames = []string{"loss_gap", "epoch"}

// String implements fmt.Stringer.
func (s Scheduler) String() string {
	if s >= 0 && int(s) < len(schedulerNames) {
		return schedulerNames[s]
	}
	return fmt.Sprintf("Scheduler(%d)", int(s))
}

// ParseScheduler converts "loss_gap" or "epoch" to a Scheduler.
func ParseScheduler(name string) (Scheduler, error) {
	name = strings.ReplaceAll(strings.ToLower(name), "-", "_")
	for ii, n := range schedulerNames {
		if n == name {
			return Scheduler(ii), nil
		}
	}
	return SchedulerLossGap, errors.Errorf("unknown incremental scheduler %q, valid values are %v", name, schedulerNames)
}

// Config of the incremental modes schedule. Create it with New or FromContext, and attach it to a
// train.Loop with Attach.
type Config struct {
	ctx       *context.Context
	scheduler Scheduler
	step      int
	eps       float64
	every     int

	// State of the current window.
	windowSum   float64
	windowCount int
	previous    float64
	hasPrevious bool
}

// New returns a Config with the default schedule, changing the spectral layers under the scope of ctx.
func New(ctx *context.Context) *Config {
	return &Config{
		ctx:       ctx,
		scheduler: SchedulerLossGap,
		step:      1,
		eps:       1e-3,
		every:     100,
	}
}

// FromContext returns a Config with the schedule set by the context hyperparameters (see ParamScheduler,
// ParamStep, ParamEps and ParamEveryNSteps). It returns an error if the configuration is invalid, e.g. an
// unknown scheduler name.
func FromContext(ctx *context.Context) (*Config, error) {
	c := New(ctx)
	c.step = context.GetParamOr(ctx, ParamStep, c.step)
	c.eps = context.GetParamOr(ctx, ParamEps, c.eps)
	c.every = context.GetParamOr(ctx, ParamEveryNSteps, c.every)
	if name := context.GetParamOr(ctx, ParamScheduler, ""); name != "" {
		var err error
		c.scheduler, err = ParseScheduler(name)
		if err != nil {
			return nil, errors.WithMessagef(err, "hyperparameter %q", ParamScheduler)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Scheduler sets the scheduler. Default is SchedulerLossGap.
func (c *Config) Scheduler(s Scheduler) *Config {
	c.scheduler = s
	return c
}

// Step sets the number of modes added at each increase. Default is 1.
func (c *Config) Step(step int) *Config {
	c.step = step
	return c
}

// Eps sets the minimum loss improvement between windows that prevents an increase. Default is 1e-3.
func (c *Config) Eps(eps float64) *Config {
	c.eps = eps
	return c
}

// EveryNSteps sets the length of the loss windows, or the period of the increases for SchedulerEpoch.
// Default is 100.
func (c *Config) EveryNSteps(n int) *Config {
	c.every = n
	return c
}

// Validate the configuration.
func (c *Config) Validate() error {
	if c.scheduler < 0 || int(c.scheduler) >= len(schedulerNames) {
		return errors.Errorf("incremental: invalid scheduler %s", c.scheduler)
	}
	if c.step <= 0 {
		return errors.Errorf("incremental: step must be > 0, got %d", c.step)
	}
	if c.every <= 0 {
		return errors.Errorf("incremental: every n steps must be > 0, got %d", c.every)
	}
	if c.eps < 0 || math.IsNaN(c.eps) {
		return errors.Errorf("incremental: eps must be >= 0, got %g", c.eps)
	}
	return nil
}

// Attach the schedule to the loop: the train loss (the first train metric) is observed at every step.
func (c *Config) Attach(loop *train.Loop) error {
	if err := c.Validate(); err != nil {
		return err
	}
	name := fmt.Sprintf("incremental modes (%s)", c.scheduler)
	loop.OnStep(name, 0, func(loop *train.Loop, metrics []*tensors.Tensor) error {
		if len(metrics) == 0 {
			return errors.New("incremental: train loop has no metrics, the loss is expected as the first one")
		}
		loss, err := scalarValue(metrics[0])
		if err != nil {
			return errors.WithMessage(err, "incremental: reading train loss")
		}
		changed, err := c.Observe(loss)
		if changed {
			klog.V(1).Infof("incremental: modes increased at step %d", loop.LoopStep)
		}
		return err
	})
	return nil
}

// Observe the train loss of one step, and increase the modes of the spectral layers if the schedule says so.
// It returns whether any modes were changed.
//
// It is called by the hook installed with Attach, and can be used directly with custom training loops.
func (c *Config) Observe(loss float64) (changed bool, err error) {
	c.windowSum += loss
	c.windowCount++
	if c.windowCount < c.every {
		return false, nil
	}
	mean := c.windowSum / float64(c.windowCount)
	c.windowSum, c.windowCount = 0, 0

	increase := true
	if c.scheduler == SchedulerLossGap {
		increase = c.hasPrevious && c.previous-mean <= c.eps
		c.previous, c.hasPrevious = mean, true
	}
	if !increase {
		return false, nil
	}
	changed, err = spectral.IncreaseModes(c.ctx, c.step)
	if err != nil {
		return false, err
	}
	if changed && klog.V(1).Enabled() {
		modes, err := spectral.CurrentModes(c.ctx)
		if err == nil {
			klog.Infof("incremental: current modes %v (window loss %g)", modes, mean)
		}
	}
	return changed, nil
}

func scalarValue(t *tensors.Tensor) (float64, error) {
	switch v := t.Value().(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, errors.Errorf("expected a float32 or float64 scalar, got %s", t.Shape())
	}
}
