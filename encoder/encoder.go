// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

// Package encoder defines the transformer-encoder collaborator consumed by the
// tagger, plus a self-contained BERT-style implementation built on GoMLX layers.
//
// The tagger only depends on the Encoder interface: anything that can map
// subtoken ids to a stack of per-layer hidden states can serve as the body of
// the model -- a from-scratch encoder (Bert in this package), or an adapter to
// externally loaded weights.
package encoder

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Encoder produces per-layer hidden states for a batch of subtoken sequences.
//
// BuildGraph is a graph-building function: it is called once per computation
// graph (training, evaluation and prediction graphs each call it with the same
// ctx, so variables are shared) and panics on invalid inputs, following the
// GoMLX convention for graph code.
type Encoder interface {
	// BuildGraph returns one hidden-states tensor per encoder layer, each
	// shaped [batchSize, subtokenLen, HiddenSize()], ordered from the first
	// (lowest) layer to the last.
	//
	// ids and tokenTypes are Int32 shaped [batchSize, subtokenLen]; mask is
	// Int32 (or Bool) of the same shape, non-zero where attention is valid.
	BuildGraph(ctx *context.Context, ids, mask, tokenTypes *Node) []*Node

	// HiddenSize is the feature dimension of every layer output.
	HiddenSize() int

	// NumLayers is the number of hidden-states tensors BuildGraph returns.
	NumLayers() int
}
