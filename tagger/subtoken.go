// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

package tagger

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// TokenFromSubtoken selects, for every sentence, the subtoken positions
// marked in tagMask and packs them left-aligned into a word axis: the n-th
// marked subtoken of a sentence lands at word position n. Positions past a
// sentence's word count are zero.
//
// values is [batch, subtokenLen] or [batch, subtokenLen, features]; tagMask
// is an integer (or boolean) [batch, subtokenLen] marking the first subtoken
// of every word. wordCapacity is the word-axis size of the result and must be
// at least the largest per-sentence mark count (see WordCounts); it is a
// graph-construction constant, so batches with different word capacities
// compile separate graphs.
//
// The packing is a single scatter-add where every marked subtoken owns a
// distinct destination slot and unmarked subtokens are routed to a discard
// row that is sliced away, so the operation stays differentiable with respect
// to values.
func TokenFromSubtoken(values, tagMask *Node, wordCapacity int) *Node {
	g := values.Graph()
	if values.Rank() != 2 && values.Rank() != 3 {
		Panicf("TokenFromSubtoken: values must be rank-2 or rank-3, got %s", values.Shape())
	}
	batchSize := values.Shape().Dim(0)
	subtokenLen := values.Shape().Dim(1)
	if tagMask.Rank() != 2 || tagMask.Shape().Dim(0) != batchSize || tagMask.Shape().Dim(1) != subtokenLen {
		Panicf("TokenFromSubtoken: tagMask must be shaped [batch=%d, subtokenLen=%d], got %s",
			batchSize, subtokenLen, tagMask.Shape())
	}
	if wordCapacity < 1 {
		Panicf("TokenFromSubtoken: wordCapacity must be >= 1, got %d", wordCapacity)
	}
	scalarValues := values.Rank() == 2
	if scalarValues {
		values = ExpandDims(values, -1)
	}
	features := values.Shape().Dim(2)

	maskInt := tagMask
	if maskInt.DType() == dtypes.Bool {
		maskInt = ConvertDType(maskInt, dtypes.Int32)
	}
	marked := NotEqual(maskInt, ScalarZero(g, maskInt.DType()))
	maskInt = ConvertDType(marked, dtypes.Int32)

	// wordIdx[b, s] counts the marks strictly before position s in row b: the
	// word position the subtoken at [b, s] maps to, if it is marked.
	wordIdx := Sub(CumSum(maskInt, -1), maskInt)
	rowIdx := Iota(g, shapes.Make(dtypes.Int32, batchSize, subtokenLen), 0)
	dest := Add(Mul(rowIdx, Const(g, int32(wordCapacity))), wordIdx)

	// Unmarked subtokens all scatter onto one extra row past the real slots.
	discard := Const(g, int32(batchSize*wordCapacity))
	dest = Where(marked, dest, BroadcastToDims(discard, batchSize, subtokenLen))

	indices := Reshape(dest, batchSize*subtokenLen, 1)
	updates := Reshape(values, batchSize*subtokenLen, features)
	zeros := Zeros(g, shapes.Make(values.DType(), batchSize*wordCapacity+1, features))
	packed := ScatterSum(zeros, indices, updates, false, false)

	packed = Slice(packed, AxisRangeFromStart(batchSize*wordCapacity))
	packed = Reshape(packed, batchSize, wordCapacity, features)
	if scalarValues {
		packed = Squeeze(packed, -1)
	}
	return packed
}

// WordCounts returns the number of marked subtokens per row of tagMask. It
// fails if rows have different lengths or if any row has no marks at all --
// a sentence with zero words has no tags to predict and indicates a broken
// preprocessing pipeline.
func WordCounts(tagMask [][]int32) ([]int, error) {
	if len(tagMask) == 0 {
		return nil, errors.New("tagger: empty batch")
	}
	subtokenLen := len(tagMask[0])
	counts := make([]int, len(tagMask))
	for i, row := range tagMask {
		if len(row) != subtokenLen {
			return nil, errors.Errorf("tagger: ragged batch, row 0 has %d subtokens but row %d has %d",
				subtokenLen, i, len(row))
		}
		for _, m := range row {
			if m != 0 {
				counts[i]++
			}
		}
		if counts[i] == 0 {
			return nil, errors.Errorf("tagger: sentence %d has no word-start marks in its tag mask", i)
		}
	}
	return counts, nil
}

// maxWordCount returns the word capacity needed for a batch.
func maxWordCount(counts []int) int {
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}
	return maxCount
}
