// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

// Package rnn provides the optional bidirectional recurrent re-encoding used
// on top of the encoder outputs: an LSTM variant backed by the GoMLX lstm
// layer, and a GRU variant implemented in the same unrolled-graph style.
//
// Since GoMLX doesn't implement loops, the graph is O(N) on the sequence
// length -- each recurrence step is instantiated as its own graph nodes.
package rnn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/pkg/errors"
)

// CellType selects the recurrent cell used by Bidirectional.
type CellType int

const (
	CellLSTM CellType = iota
	CellGRU
)

// String implements fmt.Stringer.
func (c CellType) String() string {
	switch c {
	case CellLSTM:
		return "lstm"
	case CellGRU:
		return "gru"
	}
	return "invalid"
}

// CellTypeFromString parses "lstm" or "gru".
func CellTypeFromString(name string) (CellType, error) {
	switch name {
	case "lstm":
		return CellLSTM, nil
	case "gru":
		return CellGRU, nil
	}
	return 0, errors.Errorf("rnn: unknown cell type %q, must be \"lstm\" or \"gru\"", name)
}

// Bidirectional runs a bidirectional recurrence over x, shaped
// [batchSize, seqLen, features], and returns the forward and backward hidden
// states concatenated on the feature axis: [batchSize, seqLen, 2*hiddenSize].
//
// lengths is optional ([batchSize], integer): positions at or beyond a
// sequence's length keep the last valid state, as in the GoMLX lstm layer.
func Bidirectional(ctx *context.Context, x *Node, lengths *Node, cell CellType, hiddenSize int) *Node {
	if x.Rank() != 3 {
		Panicf("rnn.Bidirectional: x must be rank-3 [batch, seqLen, features], got %s", x.Shape())
	}
	switch cell {
	case CellLSTM:
		l := lstm.New(ctx.In("lstm"), x, hiddenSize).Direction(lstm.DirBidirectional)
		if lengths != nil {
			l = l.Ragged(lengths)
		}
		allHidden, _, _ := l.Done()
		// allHidden: [seqLen, numDirections, batchSize, hiddenSize].
		return mergeDirections(allHidden)
	case CellGRU:
		g := NewGRU(ctx.In("gru"), x, hiddenSize).Direction(DirBidirectional)
		if lengths != nil {
			g = g.Ragged(lengths)
		}
		allHidden, _ := g.Done()
		return mergeDirections(allHidden)
	}
	Panicf("rnn.Bidirectional: invalid cell type %d", cell)
	return nil
}

// mergeDirections converts [seqLen, numDirections, batchSize, hiddenSize] to
// [batchSize, seqLen, numDirections*hiddenSize].
func mergeDirections(allHidden *Node) *Node {
	seqLen := allHidden.Shape().Dim(0)
	numDirections := allHidden.Shape().Dim(1)
	batchSize := allHidden.Shape().Dim(2)
	hiddenSize := allHidden.Shape().Dim(3)
	merged := TransposeAllAxes(allHidden, 2, 0, 1, 3)
	return Reshape(merged, batchSize, seqLen, numDirections*hiddenSize)
}
