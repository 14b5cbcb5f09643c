// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

// Package crf implements a linear-chain conditional random field head over
// word-level logits: an in-graph log-likelihood (the forward algorithm,
// unrolled over sequence steps) used as the training loss, and a host-side
// per-sentence Viterbi decoder over the learned transition matrix.
package crf

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/pkg/errors"
)

// TransitionsVarName is the variable name of the [numTags, numTags] tag
// transition matrix, created in the scope passed to the crf functions.
const TransitionsVarName = "transitions"

// TransitionsVar returns the transition matrix variable, creating it
// (zero-initialized, trainable) on first use. Entry [i, j] scores a
// transition from tag i to tag j.
func TransitionsVar(ctx *context.Context, numTags int, dtype dtypes.DType) *context.Variable {
	return ctx.Checked(false).
		WithInitializer(initializers.Zero).
		VariableWithShape(TransitionsVarName, shapes.Make(dtype, numTags, numTags))
}

// LogLikelihood builds the graph computing the log-likelihood of the gold tag
// paths: score(gold) - log(partition), one value per sentence.
//
// Shapes: logits [batch, maxSeqLen, numTags], labels [batch, maxSeqLen]
// (integer tag ids, values past a sentence's length are ignored), lengths
// [batch] (integer valid lengths, all >= 1). The negated mean of the result
// is the usual training loss.
func LogLikelihood(ctx *context.Context, logits, labels, lengths *Node) *Node {
	g := logits.Graph()
	if logits.Rank() != 3 {
		Panicf("crf.LogLikelihood: logits must be rank-3 [batch, seqLen, numTags], got %s", logits.Shape())
	}
	batchSize := logits.Shape().Dim(0)
	maxSeqLen := logits.Shape().Dim(1)
	numTags := logits.Shape().Dim(2)
	dtype := logits.DType()
	if labels.Rank() != 2 || labels.Shape().Dim(0) != batchSize || labels.Shape().Dim(1) != maxSeqLen {
		Panicf("crf.LogLikelihood: labels must be shaped [batch=%d, seqLen=%d], got %s",
			batchSize, maxSeqLen, labels.Shape())
	}
	if lengths.Rank() != 1 || lengths.Shape().Dim(0) != batchSize {
		Panicf("crf.LogLikelihood: lengths must be shaped [batch=%d], got %s", batchSize, lengths.Shape())
	}

	transitions := TransitionsVar(ctx, numTags, dtype).ValueGraph(g)

	// valid[b, t] is true while t is within sentence b.
	posIota := Iota(g, shapes.Make(lengths.DType(), batchSize, maxSeqLen), 1)
	valid := LessThan(posIota, ExpandDims(lengths, -1))

	// Emission score of the gold path.
	labelsOneHot := OneHot(labels, numTags, dtype) // [batch, seqLen, numTags]
	emissions := ReduceSum(Mul(logits, labelsOneHot), -1)
	emissions = Where(valid, emissions, ZerosLike(emissions))
	goldScore := ReduceSum(emissions, -1) // [batch]

	// Transition scores along the gold path, plus the forward recursion for
	// the partition function, both unrolled over the sequence steps.
	alpha := stepSlice(logits, 0) // [batch, numTags]
	for t := 1; t < maxSeqLen; t++ {
		stepValid := Reshape(Slice(valid, AxisRange(), AxisElem(t)), batchSize)

		prevTags := stepSlice(labelsOneHot, t-1)
		curTags := stepSlice(labelsOneHot, t)
		stepTrans := ReduceSum(Mul(Einsum("bi,ij->bj", prevTags, transitions), curTags), -1)
		goldScore = Add(goldScore, Where(stepValid, stepTrans, ZerosLike(stepTrans)))

		// scores[b, i, j] = alpha[b, i] + transitions[i, j].
		scores := Add(ExpandDims(alpha, -1), ExpandDims(transitions, 0))
		newAlpha := Add(logSumExp(scores, 1), stepSlice(logits, t))
		// Sentences already past their end keep their alpha frozen.
		alpha = Where(ExpandDims(stepValid, -1), newAlpha, alpha)
	}
	logPartition := logSumExp(alpha, 1) // [batch]

	return Sub(goldScore, logPartition)
}

// stepSlice extracts step t of a [batch, seqLen, ...] tensor, dropping the
// sequence axis.
func stepSlice(x *Node, t int) *Node {
	return Squeeze(Slice(x, AxisRange(), AxisElem(t)), 1)
}

// logSumExp reduces axis with a numerically stable log-sum-exp.
func logSumExp(x *Node, axis int) *Node {
	max := StopGradient(ReduceMax(x, axis))
	return Add(max, Log(ReduceSum(Exp(Sub(x, ExpandDims(max, axis))), axis)))
}

// Decode runs Viterbi decoding independently per sentence: for sentence i it
// returns the highest-scoring tag path of length lengths[i] under the given
// per-position logits [batch][seqLen][numTags] and transition matrix
// [numTags][numTags]. The path score is discarded.
func Decode(logits [][][]float32, transitions [][]float32, lengths []int) ([][]int32, error) {
	if len(lengths) != len(logits) {
		return nil, errors.Errorf("crf.Decode: %d sentences of logits but %d lengths", len(logits), len(lengths))
	}
	numTags := len(transitions)
	paths := make([][]int32, len(logits))
	for i, sentence := range logits {
		seqLen := lengths[i]
		if seqLen < 1 || seqLen > len(sentence) {
			return nil, errors.Errorf("crf.Decode: sentence %d has invalid length %d (padded length %d)",
				i, seqLen, len(sentence))
		}
		paths[i] = viterbi(sentence[:seqLen], transitions, numTags)
	}
	return paths, nil
}

// viterbi is the standard dynamic program: scores[j] is the best score of any
// path ending at tag j on the current step; backpointers recover the argmax
// path.
func viterbi(logits [][]float32, transitions [][]float32, numTags int) []int32 {
	seqLen := len(logits)
	scores := make([]float32, numTags)
	copy(scores, logits[0])
	backpointers := make([][]int32, seqLen)

	next := make([]float32, numTags)
	for t := 1; t < seqLen; t++ {
		backpointers[t] = make([]int32, numTags)
		for j := 0; j < numTags; j++ {
			var best float32
			bestPrev := int32(-1)
			for i := 0; i < numTags; i++ {
				score := scores[i] + transitions[i][j]
				if bestPrev < 0 || score > best {
					best = score
					bestPrev = int32(i)
				}
			}
			next[j] = best + logits[t][j]
			backpointers[t][j] = bestPrev
		}
		scores, next = next, scores
	}

	bestTag := int32(0)
	for j := 1; j < numTags; j++ {
		if scores[j] > scores[bestTag] {
			bestTag = int32(j)
		}
	}
	path := make([]int32, seqLen)
	path[seqLen-1] = bestTag
	for t := seqLen - 1; t > 0; t-- {
		bestTag = backpointers[t][bestTag]
		path[t-1] = bestTag
	}
	return path
}
