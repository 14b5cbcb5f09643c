// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

package rnn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// DirectionType defines the direction to run the GRU.
type DirectionType int

const (
	DirForward DirectionType = iota
	DirReverse
	DirBidirectional
)

// GRU holds a "Gated Recurrent Unit" configuration, mirroring the builder
// shape of the GoMLX lstm layer. Create it with NewGRU and apply it with Done.
//
// Gate order on the weight tensors is: 0 update (z), 1 reset (r),
// 2 hidden candidate (h~). The reset gate is applied to the recurrent
// projection (the "linear before reset" formulation).
type GRU struct {
	ctx                                 *context.Context
	x                                   *Node
	xLengths                            *Node
	direction                           DirectionType
	batchSize, featuresSize, hiddenSize int
}

// NewGRU creates a new GRU layer to be configured and then applied to x,
// shaped [batchSize, sequenceSize, featuresSize].
func NewGRU(ctx *context.Context, x *Node, hiddenSize int) *GRU {
	return &GRU{
		ctx:          ctx,
		x:            x,
		direction:    DirForward,
		batchSize:    x.Shape().Dim(0),
		featuresSize: x.Shape().Dim(2),
		hiddenSize:   hiddenSize,
	}
}

// Direction configures in which direction to run the GRU.
func (l *GRU) Direction(dir DirectionType) *GRU {
	l.direction = dir
	return l
}

// Ragged indicates that the sequences in x are not used to the end, and their
// lengths are given by sequencesLengths, an integer tensor shaped [batchSize].
func (l *GRU) Ragged(sequencesLengths *Node) *GRU {
	l.xLengths = sequencesLengths
	return l
}

// NumDirections the GRU will run.
func (l *GRU) NumDirections() int {
	if l.direction == DirBidirectional {
		return 2
	}
	return 1
}

// Done builds the unrolled GRU graph.
//
// Returns:
//   - allHiddenStates, shaped [sequenceSize, numDirections, batchSize, hiddenSize];
//   - lastHiddenState, shaped [numDirections, batchSize, hiddenSize].
func (l *GRU) Done() (allHiddenStates, lastHiddenState *Node) {
	ctx := l.ctx
	x := l.x
	g := x.Graph()
	dtype := x.DType()
	numDirections := l.NumDirections()
	batchSize := l.batchSize
	sequenceSize := x.Shape().Dim(1)
	hiddenSize := l.hiddenSize
	xLengths := l.xLengths
	if x.Rank() != 3 {
		Panicf("GRU: x must be rank-3 [batch, sequence, features], got %s", x.Shape())
	}
	if xLengths != nil && (xLengths.Rank() != 1 || xLengths.Shape().Dim(0) != batchSize) {
		Panicf("GRU: sequence lengths must be shaped [batchSize=%d], got %s", batchSize, xLengths.Shape())
	}

	// Model weights, in the same layout as the GoMLX lstm layer:
	//   - inputsW: [numDirections, 3, hiddenSize, featuresSize]
	//   - recurrentW: [numDirections, 3, hiddenSize, hiddenSize]
	//   - biasesW: input and recurrent biases, [numDirections, 6, hiddenSize]
	inputsW := ctx.VariableWithShape("inputsW",
		shapes.Make(dtype, numDirections, 3, hiddenSize, l.featuresSize)).ValueGraph(g)
	recurrentW := ctx.VariableWithShape("recurrentW",
		shapes.Make(dtype, numDirections, 3, hiddenSize, hiddenSize)).ValueGraph(g)
	biasesW := ctx.VariableWithShape("biasesW",
		shapes.Make(dtype, numDirections, 6, hiddenSize)).ValueGraph(g)

	// All linear projections of x at once.
	// b->batchSize, s->sequenceSize, f->featuresSize, d->numDirections, n=3, h->hiddenSize.
	projX := Einsum("bsf,dnhf->dnbsh", x, inputsW)
	{
		biasX := Slice(biasesW, AxisRange(), AxisRangeFromStart(3))
		biasX = ExpandAxes(biasX, 2, 3)
		projX = Add(projX, biasX)
	}

	prevHidden := make([]*Node, numDirections)
	for dirIdx := range numDirections {
		prevHidden[dirIdx] = Zeros(g, shapes.Make(dtype, batchSize, hiddenSize))
	}

	seqHiddenStates := make([][]*Node, numDirections)
	for ii := range seqHiddenStates {
		seqHiddenStates[ii] = make([]*Node, sequenceSize)
	}

	for seqIdx := range sequenceSize {
		for dirIdx := range numDirections {
			seqPos := seqIdx
			if dirIdx == 1 || l.direction == DirReverse {
				seqPos = sequenceSize - 1 - seqIdx
			}

			// Recurrent projection for this step.
			dirRecurrentW := Squeeze(Slice(recurrentW, AxisElem(dirIdx)), 0)
			projState := Einsum("bh,njh->nbj", prevHidden[dirIdx], dirRecurrentW)
			{
				biasState := Slice(biasesW, AxisElem(dirIdx), AxisRangeToEnd(3))
				biasState = Reshape(biasState, 3, 1, hiddenSize)
				projState = Add(projState, biasState)
			}

			inputProj := func(elemIdx int) *Node {
				proj := Slice(projX, AxisElem(dirIdx), AxisElem(elemIdx), AxisRange(), AxisElem(seqPos))
				return Reshape(proj, batchSize, hiddenSize)
			}
			stateProj := func(elemIdx int) *Node {
				return Squeeze(Slice(projState, AxisElem(elemIdx)), 0)
			}

			zT := Sigmoid(Add(inputProj(0), stateProj(0)))
			rT := Sigmoid(Add(inputProj(1), stateProj(1)))
			candidate := Tanh(Add(inputProj(2), Mul(rT, stateProj(2))))
			hiddenState := Add(
				Mul(zT, prevHidden[dirIdx]),
				Mul(OneMinus(zT), candidate))

			// Positions past the sequence end keep the previous state, so the
			// last hidden state is always the last valid one in both directions.
			if xLengths != nil {
				masked := GreaterOrEqual(Scalar(g, xLengths.DType(), seqPos), xLengths)
				masked = ExpandAxes(masked, -1)
				hiddenState = Where(masked, prevHidden[dirIdx], hiddenState)
			}

			seqHiddenStates[dirIdx][seqPos] = hiddenState
			prevHidden[dirIdx] = hiddenState
		}
	}

	lastHiddenState = Stack(prevHidden, 0)
	if numDirections == 2 {
		allHiddenStates = Stack([]*Node{
			Stack(seqHiddenStates[0], 0),
			Stack(seqHiddenStates[1], 0)}, 1)
	} else {
		allHiddenStates = Stack(seqHiddenStates[0], 0)
		allHiddenStates = Reshape(allHiddenStates, sequenceSize, 1, batchSize, hiddenSize)
	}
	return
}
