// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

package tagger

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestTokenFromSubtoken(t *testing.T) {
	graphtest.RunTestGraphFn(t, "pack word starts",
		func(g *Graph) (inputs, outputs []*Node) {
			values := Const(g, [][]float32{{0, 5, 7, 0}, {0, 3, 4, 9}})
			tagMask := Const(g, [][]int32{{0, 1, 1, 0}, {0, 1, 1, 1}})
			inputs = []*Node{values, tagMask}
			outputs = []*Node{TokenFromSubtoken(values, tagMask, 3)}
			return
		}, []any{
			[][]float32{{5, 7, 0}, {3, 4, 9}},
		}, 0)

	// Subtoken order must survive the packing, including interleaved
	// non-word-start positions.
	graphtest.RunTestGraphFn(t, "order preserved",
		func(g *Graph) (inputs, outputs []*Node) {
			values := Const(g, [][]float32{{9, 1, 8, 2, 7, 3}})
			tagMask := Const(g, [][]int32{{0, 1, 0, 1, 0, 1}})
			inputs = []*Node{values, tagMask}
			outputs = []*Node{TokenFromSubtoken(values, tagMask, 3)}
			return
		}, []any{
			[][]float32{{1, 2, 3}},
		}, 0)

	// Extra capacity only adds zero padding on the word axis.
	graphtest.RunTestGraphFn(t, "extra capacity pads with zeros",
		func(g *Graph) (inputs, outputs []*Node) {
			values := Const(g, [][]float32{{0, 5, 7, 0}})
			tagMask := Const(g, [][]int32{{0, 1, 1, 0}})
			inputs = []*Node{values, tagMask}
			outputs = []*Node{TokenFromSubtoken(values, tagMask, 5)}
			return
		}, []any{
			[][]float32{{5, 7, 0, 0, 0}},
		}, 0)

	// Feature vectors move whole, and values at unmarked positions never
	// leak into the output.
	graphtest.RunTestGraphFn(t, "features",
		func(g *Graph) (inputs, outputs []*Node) {
			values := Const(g, [][][]float32{{
				{-1, -1}, {1, 2}, {100, 100}, {3, 4},
			}})
			tagMask := Const(g, [][]int32{{0, 1, 0, 1}})
			inputs = []*Node{values, tagMask}
			outputs = []*Node{TokenFromSubtoken(values, tagMask, 2)}
			return
		}, []any{
			[][][]float32{{{1, 2}, {3, 4}}},
		}, 0)

	// Boolean masks work the same as integer masks.
	graphtest.RunTestGraphFn(t, "bool mask",
		func(g *Graph) (inputs, outputs []*Node) {
			values := Const(g, [][]float32{{4, 5, 6}})
			tagMask := Const(g, [][]bool{{true, false, true}})
			inputs = []*Node{values, tagMask}
			outputs = []*Node{TokenFromSubtoken(values, tagMask, 2)}
			return
		}, []any{
			[][]float32{{4, 6}},
		}, 0)
}

func TestWordCounts(t *testing.T) {
	counts, err := WordCounts([][]int32{
		{0, 1, 1, 0},
		{0, 1, 1, 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, counts)

	_, err = WordCounts([][]int32{
		{0, 1, 0},
		{0, 0, 0},
	})
	require.Error(t, err, "a sentence without word starts must be rejected")

	_, err = WordCounts([][]int32{
		{0, 1, 0},
		{0, 1},
	})
	require.Error(t, err, "ragged batches must be rejected")

	_, err = WordCounts(nil)
	require.Error(t, err)
}
