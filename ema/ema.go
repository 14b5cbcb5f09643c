// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

// Package ema maintains exponential moving averages of model parameters and
// the train/test mode switch that decides which copy -- live or averaged --
// is active in the model's variables.
//
// The averages update in-graph (see EMA.UpdateGraph), hooked right after the
// optimizer step so they track post-update values. Mode switches are host
// operations over the materialized variable values: entering test mode backs
// up the live (training) values and installs the averages; entering train
// mode restores the backup. Swapping in place halves the memory of keeping
// two parallel models, but the ordering below is load-bearing: the backup is
// written only on the train→test edge and read only on the test→train edge.
//
// The backups are plain host tensors held by the EMA object: they never
// participate in graph computation and are naturally excluded from
// checkpoints.
package ema

import (
	"fmt"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/pkg/errors"
)

// Mode of the EMA state machine.
type Mode int

const (
	// ModeUninitialized is the state before Init: no switch is legal yet.
	ModeUninitialized Mode = iota
	// ModeTrain: the variables hold the raw, currently-optimized values.
	ModeTrain
	// ModeTest: the variables hold the averaged values; the raw training
	// values are parked in the backup storage.
	ModeTest
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeUninitialized:
		return "uninitialized"
	case ModeTrain:
		return "train"
	case ModeTest:
		return "test"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Scope under the context root where the shadow averages (and the update
// step counter) live. Checkpoint these: they are the canonical smoothed
// weights.
const Scope = "ema"

// DefaultExclusions are substrings of a variable's scope+name that exclude it
// from averaging: normalization parameters, biases and training bookkeeping,
// following the usual practice for BERT fine-tuning.
var DefaultExclusions = []string{"norm", "biases", "learning_rate", "global_step"}

// EMA tracks exponential moving averages of the trainable variables of ctx
// and switches the active parameter set between live and averaged values.
//
// Not internally synchronized: calls must come from one controlling thread,
// like every other operation on the model.
type EMA struct {
	ctx        *context.Context
	decay      float64
	exclusions []string
	mode       Mode
	backups    map[string]*tensors.Tensor
}

// New creates an EMA with the given decay in (0, 1). Values closer to 1 put
// more weight on history. The state starts as ModeUninitialized; averaging
// starts with the first training-step graph that calls UpdateGraph.
func New(ctx *context.Context, decay float64) (*EMA, error) {
	if decay <= 0 || decay >= 1 {
		return nil, errors.Errorf("ema.New: decay must be in (0, 1), got %g", decay)
	}
	return &EMA{
		ctx:        ctx,
		decay:      decay,
		exclusions: DefaultExclusions,
		mode:       ModeUninitialized,
		backups:    make(map[string]*tensors.Tensor),
	}, nil
}

// WithExclusions replaces DefaultExclusions: variables whose scope+name
// contains any of the given substrings are not averaged.
func (e *EMA) WithExclusions(substrings ...string) *EMA {
	e.exclusions = substrings
	return e
}

// Mode returns the current state.
func (e *EMA) Mode() Mode { return e.mode }

// HasAverages reports whether any shadow average exists yet, i.e. whether at
// least one training step ran. Init fails until this is true.
func (e *EMA) HasAverages() bool { return len(e.trackedWithAverages()) > 0 }

// Decay returns the configured decay.
func (e *EMA) Decay() float64 { return e.decay }

// UpdateGraph appends the average updates to a training-step graph. It must
// be called after the optimizer has written its variable updates, so the
// averages see post-step values. On the first tracked step each average is
// seeded with the live value; afterwards avg = decay*avg + (1-decay)*live.
func (e *EMA) UpdateGraph(ctx *context.Context, g *Graph) {
	stepsVar := ctx.Checked(false).
		InAbsPath(context.JoinScope(context.RootScope, Scope)).
		WithInitializer(initializers.Zero).
		VariableWithShape("steps", shapes.Make(dtypes.Int64)).
		SetTrainable(false)
	steps := Add(stepsVar.ValueGraph(g), Const(g, int64(1)))
	stepsVar.SetValueGraph(steps)
	isFirst := Equal(steps, Const(g, int64(1)))

	for v := range ctx.IterVariables() {
		if !e.tracks(v) || !v.InUseByGraph(g) {
			continue
		}
		avgVar := e.averageVariable(ctx, v)
		live := v.ValueGraph(g)
		avg := avgVar.ValueGraph(g)
		decay := ConstAsDType(g, live.DType(), e.decay)
		updated := Add(Mul(decay, avg), Mul(OneMinus(decay), live))
		avgVar.SetValueGraph(Where(isFirst, live, updated))
	}
}

// Init performs the first activation: transitions from ModeUninitialized to
// ModeTest, backing up the live values and installing the averages. It fails
// if no averages exist yet, i.e. before the first training step.
func (e *EMA) Init() error {
	if e.mode != ModeUninitialized {
		return errors.Errorf("ema.Init: already initialized (mode=%s)", e.mode)
	}
	tracked := e.trackedWithAverages()
	if len(tracked) == 0 {
		return errors.New("ema.Init: no averaged parameters exist yet; run a training step first")
	}
	if err := e.backupAndInstallAverages(tracked); err != nil {
		return err
	}
	e.mode = ModeTest
	return nil
}

// SwitchToTrain restores the backed-up training values into the live
// variables. No-op when already in ModeTrain. Fails before Init.
func (e *EMA) SwitchToTrain() error {
	switch e.mode {
	case ModeUninitialized:
		return errors.New("ema.SwitchToTrain: EMA not initialized")
	case ModeTrain:
		return nil
	}
	for _, tv := range e.trackedWithAverages() {
		backup, found := e.backups[tv.live.ParameterName()]
		if !found {
			return errors.Errorf("ema.SwitchToTrain: no backup for variable %q", tv.live.ScopeAndName())
		}
		if err := setValueCloned(tv.live, backup); err != nil {
			return err
		}
	}
	e.mode = ModeTrain
	return nil
}

// SwitchToTest backs up the current training values and installs the
// averages into the live variables. No-op when already in ModeTest. Fails
// before Init.
func (e *EMA) SwitchToTest() error {
	switch e.mode {
	case ModeUninitialized:
		return errors.New("ema.SwitchToTest: EMA not initialized")
	case ModeTest:
		return nil
	}
	if err := e.backupAndInstallAverages(e.trackedWithAverages()); err != nil {
		return err
	}
	e.mode = ModeTest
	return nil
}

type trackedVar struct {
	live, average *context.Variable
}

// trackedWithAverages lists tracked variables whose shadow average already
// exists (it is created by the first training-step graph).
func (e *EMA) trackedWithAverages() []trackedVar {
	var tracked []trackedVar
	for v := range e.ctx.IterVariables() {
		if !e.tracks(v) {
			continue
		}
		avg := e.ctx.InspectVariable(e.averageScope(v), e.averageName(v))
		if avg == nil {
			continue
		}
		tracked = append(tracked, trackedVar{live: v, average: avg})
	}
	return tracked
}

func (e *EMA) backupAndInstallAverages(tracked []trackedVar) error {
	// Complete the backup before touching any live value, so a failure
	// cannot leave a half-swapped model with a stale backup.
	for _, tv := range tracked {
		value, err := tv.live.Value()
		if err != nil {
			return errors.WithMessagef(err, "ema: reading live value of %q", tv.live.ScopeAndName())
		}
		clone, err := value.LocalClone()
		if err != nil {
			return errors.WithMessagef(err, "ema: backing up %q", tv.live.ScopeAndName())
		}
		e.backups[tv.live.ParameterName()] = clone
	}
	for _, tv := range tracked {
		avgValue, err := tv.average.Value()
		if err != nil {
			return errors.WithMessagef(err, "ema: reading average of %q", tv.live.ScopeAndName())
		}
		if err := setValueCloned(tv.live, avgValue); err != nil {
			return err
		}
	}
	return nil
}

func setValueCloned(v *context.Variable, value *tensors.Tensor) error {
	clone, err := value.LocalClone()
	if err != nil {
		return errors.WithMessagef(err, "ema: cloning value for %q", v.ScopeAndName())
	}
	if err := v.SetValue(clone); err != nil {
		return errors.WithMessagef(err, "ema: setting value of %q", v.ScopeAndName())
	}
	return nil
}

// tracks reports whether v is subject to averaging: trainable, not shadow
// state of this package or the optimizer, and not excluded by name.
func (e *EMA) tracks(v *context.Variable) bool {
	if !v.Trainable {
		return false
	}
	scopeAndName := v.ScopeAndName()
	if strings.HasPrefix(v.Scope(), context.JoinScope(context.RootScope, Scope)) ||
		strings.HasPrefix(v.Scope(), context.JoinScope(context.RootScope, "optimizer")) {
		return false
	}
	for _, substr := range e.exclusions {
		if strings.Contains(scopeAndName, substr) {
			return false
		}
	}
	return true
}

// averageScope/averageName mirror the variable's own scope under /ema, the
// same layout the GoMLX Adam optimizer uses for its moments.
func (e *EMA) averageScope(v *context.Variable) string {
	return context.JoinScope(context.RootScope, Scope) + v.Scope()
}

func (e *EMA) averageName(v *context.Variable) string {
	return v.Name() + "_average"
}

func (e *EMA) averageVariable(ctx *context.Context, v *context.Variable) *context.Variable {
	return ctx.Checked(false).
		InAbsPath(e.averageScope(v)).
		WithInitializer(initializers.Zero).
		VariableWithShape(e.averageName(v), v.Shape()).
		SetTrainable(false)
}
