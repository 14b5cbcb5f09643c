// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

package crf

import (
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestDecode(t *testing.T) {
	logits := [][][]float32{{
		{5, 0},
		{4, 1},
	}}

	// With neutral transitions the Viterbi path is the per-position argmax.
	paths, err := Decode(logits, [][]float32{{0, 0}, {0, 0}}, []int{2})
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{0, 0}}, paths)

	// A strong penalty on the 0->0 transition forces a switch.
	paths, err = Decode(logits, [][]float32{{-100, 0}, {0, 0}}, []int{2})
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{0, 1}}, paths)
}

func TestDecodeLengths(t *testing.T) {
	logits := [][][]float32{
		{{0, 1}, {0, 1}, {0, 1}},
		{{1, 0}, {0, 1}, {0, 1}},
	}
	transitions := [][]float32{{0, 0}, {0, 0}}

	// Each sentence is decoded only up to its own length.
	paths, err := Decode(logits, transitions, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{1}, {0, 1}}, paths)

	_, err = Decode(logits, transitions, []int{1})
	require.Error(t, err, "lengths and logits batch sizes must match")
	_, err = Decode(logits, transitions, []int{0, 2})
	require.Error(t, err, "zero length must be rejected")
	_, err = Decode(logits, transitions, []int{1, 4})
	require.Error(t, err, "length beyond the padded size must be rejected")
}

// bruteForceLogLikelihood enumerates all tag paths of the sentence.
func bruteForceLogLikelihood(logits [][]float64, transitions [][]float64, gold []int) float64 {
	numTags := len(transitions)
	seqLen := len(logits)
	var pathScore func(path []int) float64
	pathScore = func(path []int) float64 {
		score := 0.0
		for t, tag := range path {
			score += logits[t][tag]
			if t > 0 {
				score += transitions[path[t-1]][tag]
			}
		}
		return score
	}
	var sumExp float64
	path := make([]int, seqLen)
	var enumerate func(pos int)
	enumerate = func(pos int) {
		if pos == seqLen {
			sumExp += math.Exp(pathScore(path))
			return
		}
		for tag := 0; tag < numTags; tag++ {
			path[pos] = tag
			enumerate(pos + 1)
		}
	}
	enumerate(0)
	return pathScore(gold) - math.Log(sumExp)
}

func TestLogLikelihood(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	transitions := [][]float32{{0.5, -0.3, 0}, {0.2, 0, -1}, {0, 1, 0.3}}
	transitionsVar := TransitionsVar(ctx, 3, dtypes.Float32)
	require.NoError(t, transitionsVar.SetValue(tensors.FromAnyValue(transitions)))

	exec, err := context.NewExecAny(backend, ctx,
		func(ctx *context.Context, logits, labels, lengths *Node) *Node {
			return LogLikelihood(ctx, logits, labels, lengths)
		})
	require.NoError(t, err)

	logits := [][][]float32{
		{{1, 0.5, -1}, {0, 2, 0.1}, {0.3, 0.3, 1}, {0, 0, 0}},
		{{-0.5, 1, 0}, {1, 1, 1}, {0, 0, 0}, {0, 0, 0}},
	}
	labels := [][]int32{{0, 1, 2, 0}, {1, 0, 0, 0}}
	lengths := []int32{3, 2}

	results, err := exec.Exec(logits, labels, lengths)
	require.NoError(t, err)
	got := results[0].Value().([]float32)
	require.Len(t, got, 2)

	transitions64 := make([][]float64, 3)
	for i, row := range transitions {
		transitions64[i] = make([]float64, 3)
		for j, v := range row {
			transitions64[i][j] = float64(v)
		}
	}
	want0 := bruteForceLogLikelihood([][]float64{
		{1, 0.5, -1}, {0, 2, 0.1}, {0.3, 0.3, 1},
	}, transitions64, []int{0, 1, 2})
	want1 := bruteForceLogLikelihood([][]float64{
		{-0.5, 1, 0}, {1, 1, 1},
	}, transitions64, []int{1, 0})
	assert.InDelta(t, want0, float64(got[0]), 1e-4)
	assert.InDelta(t, want1, float64(got[1]), 1e-4)
}

func TestLogLikelihoodIgnoresPadding(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()

	exec, err := context.NewExecAny(backend, ctx,
		func(ctx *context.Context, logits, labels, lengths *Node) *Node {
			return LogLikelihood(ctx, logits, labels, lengths)
		})
	require.NoError(t, err)

	sentence := [][]float32{{1, -1}, {0.5, 0.5}}
	exact, err := exec.Exec(
		[][][]float32{sentence},
		[][]int32{{0, 1}},
		[]int32{2})
	require.NoError(t, err)

	padded, err := exec.Exec(
		[][][]float32{{sentence[0], sentence[1], {7, 7}, {-3, 9}}},
		[][]int32{{0, 1, 1, 0}},
		[]int32{2})
	require.NoError(t, err)

	assert.InDelta(t,
		float64(exact[0].Value().([]float32)[0]),
		float64(padded[0].Value().([]float32)[0]), 1e-5)
}
