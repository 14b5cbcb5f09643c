// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

// Package optimize implements the two-tier AdamW optimizer used to fine-tune
// an encoder and train a tagging head jointly: a single schedule-driven base
// learning rate steps the head parameters as-is and the encoder-scope
// parameters scaled by a fixed multiplier (encoderLR / headLR at
// construction). Weight decay is the fixed-L2 variant used for BERT
// fine-tuning, excluding normalization and bias parameters.
//
// The update itself follows the GoMLX Adam optimizer; this package adds the
// per-scope learning-rate selection, global-norm gradient clipping and the
// optional EMA hook that runs right after the variable updates.
package optimize

import (
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"

	"github.com/gonlp/berttagger/ema"
)

const (
	// ScopeName is the context scope holding the optimizer's moment
	// variables and step counter. Exclude it from checkpoints.
	ScopeName = "optimizer"

	DefaultLearningRate = 1e-3
	DefaultBeta1        = 0.9
	DefaultBeta2        = 0.999
	DefaultEpsilon      = 1e-6
)

// DefaultWeightDecayExclusions lists substrings of a variable's scope+name
// that exempt it from weight decay.
var DefaultWeightDecayExclusions = []string{"norm", "biases"}

// Config builds a DualRate optimizer. Create it with New, adjust, then Done.
type Config struct {
	headLearningRate    float64
	encoderMultiplier   float64
	encoderScopePrefix  string
	beta1, beta2        float64
	epsilon             float64
	weightDecay         float64
	decayExclusions     []string
	clipNorm            float64
	averages            *ema.EMA
}

// New returns a Config with the default Adam hyperparameters, no weight
// decay, no clipping and an encoder multiplier of 1 (single-tier).
func New() *Config {
	return &Config{
		headLearningRate:   DefaultLearningRate,
		encoderMultiplier:  1,
		encoderScopePrefix: context.JoinScope(context.RootScope, "encoder"),
		beta1:              DefaultBeta1,
		beta2:              DefaultBeta2,
		epsilon:            DefaultEpsilon,
		decayExclusions:    DefaultWeightDecayExclusions,
	}
}

// WithLearningRates sets the head learning rate and the encoder learning
// rate. Only their ratio is stored for the encoder: if a schedule later
// decays the base rate, the encoder rate follows with the same multiplier.
func (c *Config) WithLearningRates(head, encoder float64) *Config {
	c.headLearningRate = head
	c.encoderMultiplier = encoder / head
	return c
}

// WithEncoderScope sets the absolute scope prefix whose variables take the
// encoder learning rate. Default "/encoder".
func (c *Config) WithEncoderScope(scopePrefix string) *Config {
	c.encoderScopePrefix = scopePrefix
	return c
}

// WithBetas sets the Adam moment decay rates.
func (c *Config) WithBetas(beta1, beta2 float64) *Config {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// WithEpsilon sets the Adam epsilon.
func (c *Config) WithEpsilon(epsilon float64) *Config {
	c.epsilon = epsilon
	return c
}

// WithWeightDecay enables fixed L2 weight decay at the given rate,
// multiplied by the per-variable learning rate, skipping variables matched
// by the decay exclusions.
func (c *Config) WithWeightDecay(rate float64) *Config {
	c.weightDecay = rate
	return c
}

// WithWeightDecayExclusions replaces DefaultWeightDecayExclusions.
func (c *Config) WithWeightDecayExclusions(substrings ...string) *Config {
	c.decayExclusions = substrings
	return c
}

// WithClipNorm enables gradient clipping by global norm.
func (c *Config) WithClipNorm(clipNorm float64) *Config {
	c.clipNorm = clipNorm
	return c
}

// WithEMA attaches parameter averaging: its update graph runs immediately
// after the variable updates of every training step.
func (c *Config) WithEMA(averages *ema.EMA) *Config {
	c.averages = averages
	return c
}

// EncoderMultiplier returns the fixed encoder/head learning-rate ratio.
func (c *Config) EncoderMultiplier() float64 { return c.encoderMultiplier }

// Done builds the optimizer.
func (c *Config) Done() optimizers.Interface {
	cfg := *c
	return &dualRate{config: &cfg}
}

// dualRate implements optimizers.Interface.
type dualRate struct {
	config *Config
}

// UpdateGraph builds the variable updates for one training step.
func (o *dualRate) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		Panicf("optimize: requires a scalar loss, got loss.shape=%s", loss.Shape())
	}
	cfg := o.config
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		Panicf("optimize: no gradients returned, are there any trainable variables?")
	}
	dtype := loss.DType()

	if cfg.clipNorm > 0 {
		grads = clipByGlobalNorm(g, grads, dtype, cfg.clipNorm)
	}

	// The base learning rate lives in the standard "learning_rate" variable,
	// so the usual GoMLX schedules apply to it; the encoder rate is derived
	// from it with the fixed multiplier.
	lrVar := optimizers.LearningRateVar(ctx, dtype, cfg.headLearningRate)
	headLR := lrVar.ValueGraph(g)
	encoderLR := Mul(headLR, ConstAsDType(g, dtype, cfg.encoderMultiplier))

	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	step := optimizers.IncrementGlobalStepGraph(ctx.In(ScopeName), g, dtype)

	beta1 := ConstAsDType(g, dtype, cfg.beta1)
	debiasBeta1 := Reciprocal(OneMinus(Pow(beta1, step)))
	beta2 := ConstAsDType(g, dtype, cfg.beta2)
	debiasBeta2 := Reciprocal(OneMinus(Pow(beta2, step)))
	epsilon := ConstAsDType(g, dtype, cfg.epsilon)

	numTrainable := len(grads)
	varIdx := 0
	for v := range ctx.IterVariables() {
		if !v.Trainable || !v.InUseByGraph(g) {
			continue
		}
		if varIdx >= numTrainable {
			varIdx++
			continue
		}
		learningRate := headLR
		if strings.HasPrefix(v.Scope(), cfg.encoderScopePrefix) {
			learningRate = encoderLR
		}
		o.applyAdamGraph(ctx, g, v, grads[varIdx], learningRate, beta1, debiasBeta1, beta2, debiasBeta2, epsilon)
		varIdx++
	}
	if varIdx != numTrainable {
		Panicf("optimize: %d gradients but %d trainable variables in use -- were variables created in between?",
			numTrainable, varIdx)
	}

	if cfg.averages != nil {
		cfg.averages.UpdateGraph(ctx, g)
	}
}

func (o *dualRate) applyAdamGraph(ctx *context.Context, g *Graph, v *context.Variable, grad *Node,
	learningRate, beta1, debiasBeta1, beta2, debiasBeta2, epsilon *Node) {
	cfg := o.config
	dtype := grad.DType()
	m1Var, m2Var := o.momentVariables(ctx, v, dtype)
	moment1 := m1Var.ValueGraph(g)
	moment2 := m2Var.ValueGraph(g)

	moment1 = Add(Mul(beta1, moment1), Mul(OneMinus(beta1), grad))
	moment2 = Add(Mul(beta2, moment2), Mul(OneMinus(beta2), Square(grad)))
	m1Var.SetValueGraph(moment1)
	m2Var.SetValueGraph(moment2)

	debiased1 := Mul(moment1, debiasBeta1)
	debiased2 := Mul(moment2, debiasBeta2)
	step := Div(Mul(learningRate, debiased1), Add(Sqrt(debiased2), epsilon))

	value := v.ValueGraph(g)
	if cfg.weightDecay > 0 && !o.excludedFromDecay(v) {
		decay := ConstAsDType(g, dtype, cfg.weightDecay)
		step = Add(step, Mul(Mul(decay, learningRate), value))
	}
	v.SetValueGraph(Sub(value, step))
}

func (o *dualRate) excludedFromDecay(v *context.Variable) bool {
	scopeAndName := v.ScopeAndName()
	for _, substr := range o.config.decayExclusions {
		if strings.Contains(scopeAndName, substr) {
			return true
		}
	}
	return false
}

// momentVariables mirrors the variable's scope under /optimizer, the same
// layout the GoMLX Adam uses.
func (o *dualRate) momentVariables(ctx *context.Context, v *context.Variable, dtype dtypes.DType) (m1, m2 *context.Variable) {
	scopePath := context.JoinScope(context.RootScope, ScopeName) + v.Scope()
	shape := shapes.Make(dtype, v.Shape().Dimensions...)
	shadowCtx := ctx.Checked(false).InAbsPath(scopePath).WithInitializer(initializers.Zero)
	m1 = shadowCtx.VariableWithShape(v.Name()+"_1st_moment", shape).SetTrainable(false)
	m2 = shadowCtx.VariableWithShape(v.Name()+"_2nd_moment", shape).SetTrainable(false)
	return
}

// Clear deletes the optimizer state.
// It implements optimizers.Interface.
func (o *dualRate) Clear(ctx *context.Context) error {
	return ctx.In(ScopeName).DeleteVariablesInScope()
}

// clipByGlobalNorm scales all gradients by clipNorm/globalNorm when the
// global norm exceeds clipNorm.
func clipByGlobalNorm(g *Graph, grads []*Node, dtype dtypes.DType, clipNorm float64) []*Node {
	var sumSquares *Node
	for _, grad := range grads {
		ss := ReduceAllSum(Square(ConvertDType(grad, dtype)))
		if sumSquares == nil {
			sumSquares = ss
		} else {
			sumSquares = Add(sumSquares, ss)
		}
	}
	globalNorm := Sqrt(sumSquares)
	limit := ConstAsDType(g, dtype, clipNorm)
	scale := Div(limit, Max(globalNorm, limit))
	clipped := make([]*Node, len(grads))
	for ii, grad := range grads {
		clipped[ii] = Mul(grad, ConvertDType(scale, grad.DType()))
	}
	return clipped
}
