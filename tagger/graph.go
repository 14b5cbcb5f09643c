// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

package tagger

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"

	"github.com/gonlp/berttagger/crf"
	"github.com/gonlp/berttagger/rnn"
)

// Context scopes of the two parameter groups. EncoderScope takes the
// encoder learning rate, everything else the head learning rate.
const (
	EncoderScope = "encoder"
	HeadScope    = "ner"
)

// buildGraph is the model function shared by training and inference graphs.
//
// Inputs: tokenIDs, attentionMask and tokenTypes are [batch, subtokenLen]
// int32; tagMask is the [batch, subtokenLen] int32 word-start mask; capacity
// is an int32 [wordCapacity] tensor whose only role is carrying the word-axis
// size in its shape, so each capacity compiles its own graph.
//
// Returns word-level logits [batch, wordCapacity, numTags] and word counts
// [batch] int32.
func (t *Tagger) buildGraph(ctx *context.Context, inputs []*Node) []*Node {
	if len(inputs) != 5 {
		Panicf("tagger: model expects 5 inputs (tokenIDs, mask, tokenTypes, tagMask, capacity), got %d", len(inputs))
	}
	tokenIDs, attentionMask, tokenTypes, tagMask, capacity := inputs[0], inputs[1], inputs[2], inputs[3], inputs[4]
	g := tokenIDs.Graph()
	wordCapacity := capacity.Shape().Dim(0)

	hiddenStates := t.enc.BuildGraph(ctx.In(EncoderScope), tokenIDs, attentionMask, tokenTypes)

	ctx = ctx.In(HeadScope)
	units := t.mixLayers(ctx, hiddenStates)
	units = layers.DropoutStatic(ctx.In("dropout_in"), units, t.dropoutRate)

	if t.birnnHidden > 0 {
		subtokenLens := ReduceSum(attentionMask, -1)
		units = rnn.Bidirectional(ctx.In("birnn"), units, subtokenLens, t.birnnCell, t.birnnHidden)
		units = layers.DropoutStatic(ctx.In("dropout_out"), units, t.dropoutRate)
	}

	logits := layers.Dense(ctx.In("output_dense"), units, true, t.numTags)
	wordLogits := TokenFromSubtoken(logits, tagMask, wordCapacity)

	wordCounts := ReduceSum(ConvertDType(NotEqual(tagMask, ScalarZero(g, tagMask.DType())), dtypes.Int32), -1)
	return []*Node{wordLogits, wordCounts}
}

// mixLayers combines the selected encoder hidden layers with trainable
// weights, initialized to a plain average.
func (t *Tagger) mixLayers(ctx *context.Context, hiddenStates []*Node) *Node {
	selected := make([]*Node, 0, len(t.encoderLayers))
	for _, id := range t.encoderLayers {
		if id < 0 {
			id += len(hiddenStates)
		}
		if id < 0 || id >= len(hiddenStates) {
			Panicf("tagger: encoder layer id %d out of range, encoder has %d layers", id, len(hiddenStates))
		}
		selected = append(selected, hiddenStates[id])
	}
	if len(selected) == 1 {
		return selected[0]
	}
	stacked := Stack(selected, 0) // [numSelected, batch, subtokenLen, hidden]
	g := stacked.Graph()
	dtype := stacked.DType()
	weightsVar := ctx.WithInitializer(initializers.One).
		VariableWithShape("layer_weights", shapes.Make(dtype, len(selected)))
	weights := Div(weightsVar.ValueGraph(g), Scalar(g, dtype, len(selected)))
	return Einsum("l,lbsh->bsh", weights, stacked)
}

// lossGraph computes the training loss from the model outputs. labels[0]
// holds the gold tag ids, [batch, wordCapacity] int32, values past a
// sentence's word count ignored.
func (t *Tagger) lossGraph(labels, predictions []*Node) *Node {
	tags := labels[0]
	wordLogits, wordCounts := predictions[0], predictions[1]
	g := wordLogits.Graph()
	batchSize := wordLogits.Shape().Dim(0)
	wordCapacity := wordLogits.Shape().Dim(1)

	if t.useCRF {
		logLikelihood := crf.LogLikelihood(t.crfCtx(), wordLogits, tags, wordCounts)
		return Neg(ReduceAllMean(logLikelihood))
	}

	posIota := Iota(g, shapes.Make(wordCounts.DType(), batchSize, wordCapacity), 1)
	valid := LessThan(posIota, ExpandDims(wordCounts, -1))
	elemLosses := losses.SparseCategoricalCrossEntropyLogits(
		[]*Node{ExpandDims(tags, -1), valid}, []*Node{wordLogits})
	numValid := ConvertDType(ReduceAllSum(ConvertDType(valid, dtypes.Int32)), elemLosses.DType())
	return Div(ReduceAllSum(elemLosses), numValid)
}
