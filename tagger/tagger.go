// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

// Package tagger implements a BERT-based sequence tagger: an encoder over
// subtoken inputs, an optional bidirectional recurrent re-encoding, a dense
// tag head and the subtoken-to-word aggregation that turns subtoken logits
// into one prediction per word. Training uses a two-tier AdamW (encoder vs.
// head learning rates) with optional exponential moving averages of the
// parameters, which inference transparently switches in.
package tagger

import (
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gonlp/berttagger/crf"
	"github.com/gonlp/berttagger/ema"
	"github.com/gonlp/berttagger/encoder"
	"github.com/gonlp/berttagger/optimize"
	"github.com/gonlp/berttagger/rnn"
)

// Config builds a Tagger. Create it with New, chain the options and call
// Done.
type Config struct {
	backend backends.Backend
	enc     encoder.Encoder
	numTags int

	useCRF        bool
	encoderLayers []int
	birnnCell     rnn.CellType
	birnnHidden   int
	keepProb      float64

	headLR, encoderLR float64
	minLR             float64
	clipNorm          float64
	weightDecay       float64
	emaDecay          float64

	checkpointDir   string
	keepCheckpoints int
}

// New starts the configuration of a Tagger predicting numTags tags on top of
// the given encoder.
//
// Defaults: softmax + argmax decoding (no CRF), last encoder layer only, no
// recurrent re-encoding, keep probability 0.7, learning rate 1e-3 for the
// head and 2e-5 for the encoder, no weight decay, no gradient clipping, no
// parameter averaging.
func New(backend backends.Backend, enc encoder.Encoder, numTags int) *Config {
	return &Config{
		backend:         backend,
		enc:             enc,
		numTags:         numTags,
		encoderLayers:   []int{-1},
		keepProb:        0.7,
		headLR:          1e-3,
		encoderLR:       2e-5,
		keepCheckpoints: 1,
	}
}

// WithCRF selects between CRF decoding (a linear-chain CRF loss and Viterbi
// decoding) and per-word softmax with argmax decoding.
func (c *Config) WithCRF(useCRF bool) *Config {
	c.useCRF = useCRF
	return c
}

// WithEncoderLayers selects which encoder hidden layers feed the tag head.
// Negative ids count from the last layer. With more than one layer their
// combination is learned.
func (c *Config) WithEncoderLayers(ids ...int) *Config {
	c.encoderLayers = ids
	return c
}

// WithBiRNN enables a bidirectional recurrent layer with the given cell and
// per-direction hidden size between the encoder and the tag head.
func (c *Config) WithBiRNN(cell rnn.CellType, hiddenSize int) *Config {
	c.birnnCell = cell
	c.birnnHidden = hiddenSize
	return c
}

// WithKeepProb sets the keep probability of the dropout applied to the
// encoder output (and to the recurrent output, when enabled).
func (c *Config) WithKeepProb(keepProb float64) *Config {
	c.keepProb = keepProb
	return c
}

// WithLearningRates sets the head and encoder learning rates. Their ratio is
// fixed: adjusting the learning rate later (see Tagger.SetLearningRate)
// scales both.
func (c *Config) WithLearningRates(head, encoder float64) *Config {
	c.headLR = head
	c.encoderLR = encoder
	return c
}

// WithMinLearningRate sets a floor under which SetLearningRate will not go.
func (c *Config) WithMinLearningRate(minLR float64) *Config {
	c.minLR = minLR
	return c
}

// WithClipNorm enables gradient clipping by global norm.
func (c *Config) WithClipNorm(clipNorm float64) *Config {
	c.clipNorm = clipNorm
	return c
}

// WithWeightDecay enables decoupled weight decay on the non-normalization,
// non-bias parameters.
func (c *Config) WithWeightDecay(rate float64) *Config {
	c.weightDecay = rate
	return c
}

// WithEMADecay enables exponential moving averages of the parameters with
// the given decay in (0, 1); inference then runs on the averaged weights.
// Zero disables averaging.
func (c *Config) WithEMADecay(decay float64) *Config {
	c.emaDecay = decay
	return c
}

// WithCheckpointDir enables checkpointing under dir: the latest checkpoint
// is loaded at construction when present, and Tagger.Save writes new ones.
func (c *Config) WithCheckpointDir(dir string) *Config {
	c.checkpointDir = dir
	return c
}

// WithKeepCheckpoints sets how many checkpoints Save retains. Default 1.
func (c *Config) WithKeepCheckpoints(n int) *Config {
	c.keepCheckpoints = n
	return c
}

// Done validates the configuration and builds the Tagger.
func (c *Config) Done() (*Tagger, error) {
	if c.backend == nil {
		return nil, errors.New("tagger: backend must not be nil")
	}
	if c.enc == nil {
		return nil, errors.New("tagger: encoder must not be nil")
	}
	if c.numTags < 2 {
		return nil, errors.Errorf("tagger: need at least 2 tags, got %d", c.numTags)
	}
	if len(c.encoderLayers) == 0 {
		return nil, errors.New("tagger: at least one encoder layer must be selected")
	}
	if c.keepProb <= 0 || c.keepProb > 1 {
		return nil, errors.Errorf("tagger: keep probability must be in (0, 1], got %g", c.keepProb)
	}
	if c.headLR <= 0 || c.encoderLR <= 0 {
		return nil, errors.Errorf("tagger: learning rates must be > 0, got head=%g encoder=%g",
			c.headLR, c.encoderLR)
	}
	if c.birnnHidden < 0 {
		return nil, errors.Errorf("tagger: recurrent hidden size must be >= 0, got %d", c.birnnHidden)
	}

	t := &Tagger{
		backend:       c.backend,
		ctx:           context.New(),
		enc:           c.enc,
		numTags:       c.numTags,
		useCRF:        c.useCRF,
		encoderLayers: append([]int(nil), c.encoderLayers...),
		birnnCell:     c.birnnCell,
		birnnHidden:   c.birnnHidden,
		dropoutRate:   1 - c.keepProb,
		minLR:         c.minLR,
	}

	if c.emaDecay > 0 {
		averages, err := ema.New(t.ctx, c.emaDecay)
		if err != nil {
			return nil, err
		}
		t.averages = averages
	}

	optCfg := optimize.New().
		WithLearningRates(c.headLR, c.encoderLR).
		WithEncoderScope(context.JoinScope(context.RootScope, EncoderScope))
	if c.clipNorm > 0 {
		optCfg = optCfg.WithClipNorm(c.clipNorm)
	}
	if c.weightDecay > 0 {
		optCfg = optCfg.WithWeightDecay(c.weightDecay)
	}
	if t.averages != nil {
		optCfg = optCfg.WithEMA(t.averages)
	}
	t.lrMultiplier = optCfg.EncoderMultiplier()
	optimizer := optCfg.Done()

	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return t.buildGraph(ctx, inputs)
	}
	t.trainer = train.NewTrainer(c.backend, t.ctx, modelFn, t.lossGraph, optimizer, nil, nil)

	var err error
	t.predictExec, err = context.NewExecAny(c.backend, t.ctx,
		func(ctx *context.Context, tokenIDs, attentionMask, tokenTypes, tagMask, capacity *Node) []*Node {
			return t.buildGraph(ctx, []*Node{tokenIDs, attentionMask, tokenTypes, tagMask, capacity})
		})
	if err != nil {
		return nil, errors.WithMessage(err, "tagger: building inference executor")
	}
	t.probasExec, err = context.NewExecAny(c.backend, t.ctx,
		func(ctx *context.Context, tokenIDs, attentionMask, tokenTypes, tagMask, capacity *Node) []*Node {
			outputs := t.buildGraph(ctx, []*Node{tokenIDs, attentionMask, tokenTypes, tagMask, capacity})
			outputs[0] = Softmax(outputs[0])
			return outputs
		})
	if err != nil {
		return nil, errors.WithMessage(err, "tagger: building probabilities executor")
	}

	if c.checkpointDir != "" {
		handler, err := checkpoints.Build(t.ctx).
			Dir(c.checkpointDir).Keep(c.keepCheckpoints).Done()
		if err != nil {
			return nil, errors.WithMessage(err, "tagger: setting up checkpoints")
		}
		hasCheckpoints, err := handler.HasCheckpoints()
		if err != nil {
			return nil, errors.WithMessage(err, "tagger: listing checkpoints")
		}
		if !hasCheckpoints {
			klog.Warningf("No checkpoint found in %q, parameters will be initialized from scratch.", c.checkpointDir)
		}
		t.checkpoint = handler
	}
	return t, nil
}

// Tagger is a trained or trainable sequence tagging model. Not internally
// synchronized: train, predict and save calls must not run concurrently.
type Tagger struct {
	backend backends.Backend
	ctx     *context.Context
	enc     encoder.Encoder
	numTags int

	useCRF        bool
	encoderLayers []int
	birnnCell     rnn.CellType
	birnnHidden   int
	dropoutRate   float64

	trainer      *train.Trainer
	predictExec  *context.Exec
	probasExec   *context.Exec
	averages     *ema.EMA
	lrMultiplier float64
	minLR        float64

	checkpoint *checkpoints.Handler
}

// Batch is one batch of subtokenized sentences, all fields shaped
// [batch][subtokenLen] and rectangular. Mask marks real subtokens (vs.
// padding), TagMask marks the first subtoken of every word. TokenTypes may
// be nil for single-segment input.
type Batch struct {
	TokenIDs   [][]int32
	Mask       [][]int32
	TokenTypes [][]int32
	TagMask    [][]int32
}

// Metrics of a single training step.
type Metrics struct {
	// Loss on the batch, before the parameter update.
	Loss float64
	// HeadLearningRate is the current base learning rate, applied to the
	// tag head (and recurrent layer, when enabled).
	HeadLearningRate float64
	// EncoderLearningRate is the rate applied to the encoder parameters.
	EncoderLearningRate float64
}

// Context exposes the model's variable container, mostly for inspection and
// tests.
func (t *Tagger) Context() *context.Context { return t.ctx }

// EMA returns the parameter-averaging state, or nil when disabled.
func (t *Tagger) EMA() *ema.EMA { return t.averages }

// TrainOnBatch runs one training step: forward, loss, backward and parameter
// update. tags holds the gold tag ids, one row per sentence with exactly one
// tag per word (i.e. per mark in Batch.TagMask).
//
// If inference previously switched the model to the averaged weights, the
// live training weights are restored first.
func (t *Tagger) TrainOnBatch(batch Batch, tags [][]int32) (Metrics, error) {
	var metrics Metrics
	counts, err := WordCounts(batch.TagMask)
	if err != nil {
		return metrics, err
	}
	capacity := maxWordCount(counts)
	if len(tags) != len(batch.TagMask) {
		return metrics, errors.Errorf("tagger: %d sentences but %d rows of tags", len(batch.TagMask), len(tags))
	}
	labels := make([]int32, len(tags)*capacity)
	for i, row := range tags {
		if len(row) != counts[i] {
			return metrics, errors.Errorf("tagger: sentence %d has %d words but %d tags", i, counts[i], len(row))
		}
		for j, tag := range row {
			if tag < 0 || int(tag) >= t.numTags {
				return metrics, errors.Errorf("tagger: sentence %d word %d: tag %d out of range [0, %d)",
					i, j, tag, t.numTags)
			}
			labels[i*capacity+j] = tag
		}
	}

	if t.averages != nil && t.averages.Mode() == ema.ModeTest {
		if err := t.averages.SwitchToTrain(); err != nil {
			return metrics, err
		}
	}

	inputs, err := batch.tensors(capacity)
	if err != nil {
		return metrics, err
	}
	labelsTensor := tensors.FromFlatDataAndDimensions(labels, len(tags), capacity)

	stepMetrics, err := t.trainer.TrainStep(nil, inputs, []*tensors.Tensor{labelsTensor})
	if err != nil {
		return metrics, errors.WithMessage(err, "tagger: training step")
	}

	// The shadow averages exist only after the first step ran; activate the
	// averaging state machine as soon as they do.
	if t.averages != nil && t.averages.Mode() == ema.ModeUninitialized {
		if err := t.averages.Init(); err != nil {
			return metrics, err
		}
		if err := t.averages.SwitchToTrain(); err != nil {
			return metrics, err
		}
	}

	metrics.Loss, err = scalarFloat(stepMetrics[0])
	if err != nil {
		return metrics, errors.WithMessage(err, "tagger: reading loss")
	}
	metrics.HeadLearningRate, err = t.learningRate()
	if err != nil {
		return metrics, err
	}
	metrics.EncoderLearningRate = metrics.HeadLearningRate * t.lrMultiplier
	return metrics, nil
}

// Predict returns the most likely tag sequence per sentence, one tag id per
// word. With CRF enabled this is the Viterbi path under the learned
// transition matrix; otherwise the per-word argmax.
func (t *Tagger) Predict(batch Batch) ([][]int32, error) {
	logits, counts, err := t.inferLogits(t.predictExec, batch)
	if err != nil {
		return nil, err
	}
	if t.useCRF {
		transitions, err := t.transitionsValue()
		if err != nil {
			return nil, err
		}
		return crf.Decode(logits, transitions, counts)
	}
	paths := make([][]int32, len(logits))
	for i, sentence := range logits {
		paths[i] = make([]int32, counts[i])
		for j := 0; j < counts[i]; j++ {
			best := 0
			for k := 1; k < t.numTags; k++ {
				if sentence[j][k] > sentence[j][best] {
					best = k
				}
			}
			paths[i][j] = int32(best)
		}
	}
	return paths, nil
}

// PredictProbas returns per-word tag probabilities (softmax over the logits),
// shaped [sentence][word][tag]. Available with or without CRF; with CRF they
// are the local emission probabilities, not marginals of the chain.
func (t *Tagger) PredictProbas(batch Batch) ([][][]float32, error) {
	probas, counts, err := t.inferLogits(t.probasExec, batch)
	if err != nil {
		return nil, err
	}
	for i := range probas {
		probas[i] = probas[i][:counts[i]]
	}
	return probas, nil
}

// inferLogits switches to the averaged weights when available and runs the
// given inference executor, returning the word-level outputs trimmed of the
// batch padding only on the sentence axis.
func (t *Tagger) inferLogits(exec *context.Exec, batch Batch) ([][][]float32, []int, error) {
	counts, err := WordCounts(batch.TagMask)
	if err != nil {
		return nil, nil, err
	}
	capacity := maxWordCount(counts)
	if err := t.switchForInference(); err != nil {
		return nil, nil, err
	}
	inputs, err := batch.tensors(capacity)
	if err != nil {
		return nil, nil, err
	}
	outputs, err := exec.Exec(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4])
	if err != nil {
		return nil, nil, errors.WithMessage(err, "tagger: inference")
	}
	value, err := outputs[0].ValueSafe()
	if err != nil {
		return nil, nil, errors.WithMessage(err, "tagger: reading inference output")
	}
	logits, ok := value.([][][]float32)
	if !ok {
		return nil, nil, errors.Errorf("tagger: unexpected inference output type %T", value)
	}
	return logits, counts, nil
}

// switchForInference installs the averaged weights if averaging is enabled
// and at least one training step ran; otherwise inference uses the live
// (possibly freshly initialized) weights.
func (t *Tagger) switchForInference() error {
	if t.averages == nil || !t.averages.HasAverages() {
		return nil
	}
	if t.averages.Mode() == ema.ModeUninitialized {
		return t.averages.Init()
	}
	return t.averages.SwitchToTest()
}

// SetLearningRate updates the base (head) learning rate; the encoder rate
// follows with the configured multiplier. The rate never goes below the
// configured minimum.
func (t *Tagger) SetLearningRate(lr float64) error {
	if lr < t.minLR {
		lr = t.minLR
	}
	current, err := t.learningRate()
	if err == nil && current == lr {
		return nil
	}
	scope := context.JoinScope(context.RootScope, optimizers.Scope)
	v := t.ctx.GetVariableByScopeAndName(scope, optimizers.ParamLearningRate)
	if v == nil {
		// No training step ran yet; create it so the first step picks it up.
		optimizers.LearningRateVarWithValue(t.ctx, dtypes.Float32, lr)
		return nil
	}
	return v.SetValue(tensors.FromScalar(float32(lr)))
}

// learningRate reads the current base learning rate, falling back to the
// configured value before the variable exists.
func (t *Tagger) learningRate() (float64, error) {
	scope := context.JoinScope(context.RootScope, optimizers.Scope)
	v := t.ctx.GetVariableByScopeAndName(scope, optimizers.ParamLearningRate)
	if v == nil {
		return 0, errors.New("tagger: learning rate not set yet, run a training step first")
	}
	value, err := v.Value()
	if err != nil {
		return 0, errors.WithMessage(err, "tagger: reading learning rate")
	}
	return scalarFloat(value)
}

// Save writes a checkpoint of the model parameters, excluding the optimizer
// state. The live training weights are saved: if inference left the averaged
// weights installed, they are swapped out for the save and back in after.
func (t *Tagger) Save() error {
	if t.checkpoint == nil {
		return errors.New("tagger: no checkpoint directory configured")
	}
	restoreTest := false
	if t.averages != nil && t.averages.Mode() == ema.ModeTest {
		if err := t.averages.SwitchToTrain(); err != nil {
			return err
		}
		restoreTest = true
	}
	var optimizerVars []*context.Variable
	optimizerPrefix := context.JoinScope(context.RootScope, optimize.ScopeName)
	for v := range t.ctx.IterVariables() {
		if strings.HasPrefix(v.Scope(), optimizerPrefix) {
			optimizerVars = append(optimizerVars, v)
		}
	}
	t.checkpoint.ExcludeVarsFromSaving(optimizerVars...)
	if err := t.checkpoint.Save(); err != nil {
		return errors.WithMessage(err, "tagger: saving checkpoint")
	}
	if restoreTest {
		return t.averages.SwitchToTest()
	}
	return nil
}

// crfCtx returns the scope holding the CRF transition matrix.
func (t *Tagger) crfCtx() *context.Context {
	return t.ctx.In(HeadScope).In("crf")
}

// transitionsValue reads the learned transition matrix to the host.
func (t *Tagger) transitionsValue() ([][]float32, error) {
	v := t.ctx.GetVariableByScopeAndName(t.crfCtx().Scope(), crf.TransitionsVarName)
	if v == nil {
		return nil, errors.New("tagger: CRF transitions not created yet, run a training or inference step first")
	}
	value, err := v.Value()
	if err != nil {
		return nil, errors.WithMessage(err, "tagger: reading CRF transitions")
	}
	hostValue, err := value.ValueSafe()
	if err != nil {
		return nil, errors.WithMessage(err, "tagger: reading CRF transitions")
	}
	transitions, ok := hostValue.([][]float32)
	if !ok {
		return nil, errors.Errorf("tagger: unexpected CRF transitions type %T", hostValue)
	}
	return transitions, nil
}

// tensors converts the batch to the model input tensors, appending the
// capacity hint tensor whose shape selects the compiled graph.
func (b Batch) tensors(wordCapacity int) ([]*tensors.Tensor, error) {
	batchSize := len(b.TokenIDs)
	if batchSize == 0 {
		return nil, errors.New("tagger: empty batch")
	}
	subtokenLen := len(b.TokenIDs[0])
	tokenTypes := b.TokenTypes
	if tokenTypes == nil {
		tokenTypes = make([][]int32, batchSize)
		for i := range tokenTypes {
			tokenTypes[i] = make([]int32, subtokenLen)
		}
	}
	fields := []struct {
		name string
		rows [][]int32
	}{
		{"token ids", b.TokenIDs},
		{"mask", b.Mask},
		{"token types", tokenTypes},
		{"tag mask", b.TagMask},
	}
	result := make([]*tensors.Tensor, 0, 5)
	for _, field := range fields {
		if len(field.rows) != batchSize {
			return nil, errors.Errorf("tagger: %d rows of %s for a batch of %d sentences",
				len(field.rows), field.name, batchSize)
		}
		flat := make([]int32, 0, batchSize*subtokenLen)
		for i, row := range field.rows {
			if len(row) != subtokenLen {
				return nil, errors.Errorf("tagger: row %d of %s has %d subtokens, expected %d",
					i, field.name, len(row), subtokenLen)
			}
			flat = append(flat, row...)
		}
		result = append(result, tensors.FromFlatDataAndDimensions(flat, batchSize, subtokenLen))
	}
	result = append(result, tensors.FromFlatDataAndDimensions(make([]int32, wordCapacity), wordCapacity))
	return result, nil
}

// scalarFloat reads a scalar tensor as float64.
func scalarFloat(t *tensors.Tensor) (float64, error) {
	value, err := t.ValueSafe()
	if err != nil {
		return 0, err
	}
	switch v := value.(type) {
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	}
	return 0, errors.Errorf("expected a float scalar, got %T", value)
}
