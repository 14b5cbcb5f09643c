// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

package encoder

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/pkg/errors"
)

// Config holds the architecture hyperparameters of the Bert encoder.
//
// Dropout is expressed as keep-probabilities to match the usual BERT
// configuration surface: a keep-probability of 1.0 (or 0, meaning unset)
// disables the corresponding dropout.
type Config struct {
	VocabSize        int
	HiddenSize       int
	NumLayers        int
	NumHeads         int
	IntermediateSize int
	MaxPositions     int
	TypeVocabSize    int

	// AttentionKeepProb is the keep-probability applied to the attention
	// coefficients; HiddenKeepProb is applied to embeddings and to each
	// sub-layer output.
	AttentionKeepProb float64
	HiddenKeepProb    float64

	NormEps float64
	DType   dtypes.DType

	// FreezeEmbeddings marks the embedding tables as non-trainable.
	FreezeEmbeddings bool
}

// DefaultConfig returns the bert-base-uncased architecture.
func DefaultConfig(vocabSize int) Config {
	return Config{
		VocabSize:         vocabSize,
		HiddenSize:        768,
		NumLayers:         12,
		NumHeads:          12,
		IntermediateSize:  3072,
		MaxPositions:      512,
		TypeVocabSize:     2,
		AttentionKeepProb: 0.9,
		HiddenKeepProb:    0.9,
		NormEps:           1e-12,
		DType:             dtypes.Float32,
	}
}

// Bert is a BERT-style encoder: word+position+segment embeddings followed by
// NumLayers post-norm transformer blocks. It implements Encoder.
type Bert struct {
	cfg Config
}

// NewBert validates cfg and returns the encoder. Variables are only created
// when BuildGraph is first called.
func NewBert(cfg Config) (*Bert, error) {
	if cfg.VocabSize <= 0 || cfg.HiddenSize <= 0 || cfg.NumLayers <= 0 || cfg.NumHeads <= 0 {
		return nil, errors.Errorf("encoder.NewBert: vocab/hidden/layers/heads must all be positive, got %+v", cfg)
	}
	if cfg.HiddenSize%cfg.NumHeads != 0 {
		return nil, errors.Errorf("encoder.NewBert: HiddenSize (%d) must be divisible by NumHeads (%d)",
			cfg.HiddenSize, cfg.NumHeads)
	}
	if cfg.IntermediateSize <= 0 {
		cfg.IntermediateSize = 4 * cfg.HiddenSize
	}
	if cfg.MaxPositions <= 0 {
		cfg.MaxPositions = 512
	}
	if cfg.TypeVocabSize <= 0 {
		cfg.TypeVocabSize = 2
	}
	if cfg.NormEps <= 0 {
		cfg.NormEps = 1e-12
	}
	if cfg.DType == dtypes.InvalidDType {
		cfg.DType = dtypes.Float32
	}
	return &Bert{cfg: cfg}, nil
}

// Config returns the configuration the encoder was built with.
func (b *Bert) Config() Config { return b.cfg }

// HiddenSize implements Encoder.
func (b *Bert) HiddenSize() int { return b.cfg.HiddenSize }

// NumLayers implements Encoder.
func (b *Bert) NumLayers() int { return b.cfg.NumLayers }

// BuildGraph implements Encoder. ids, mask and tokenTypes must all be shaped
// [batchSize, subtokenLen].
func (b *Bert) BuildGraph(ctx *context.Context, ids, mask, tokenTypes *Node) []*Node {
	cfg := b.cfg
	g := ids.Graph()
	if ids.Rank() != 2 {
		Panicf("Bert.BuildGraph: ids must be rank-2 [batch, subtokenLen], got %s", ids.Shape())
	}
	if !mask.Shape().Equal(ids.Shape()) && mask.DType() != dtypes.Bool {
		Panicf("Bert.BuildGraph: mask shape %s does not match ids shape %s", mask.Shape(), ids.Shape())
	}
	seqLen := ids.Shape().Dim(1)
	if seqLen > cfg.MaxPositions {
		Panicf("Bert.BuildGraph: sequence length %d exceeds MaxPositions %d", seqLen, cfg.MaxPositions)
	}
	hiddenDropout := keepProbToDropout(cfg.HiddenKeepProb)
	attnDropout := keepProbToDropout(cfg.AttentionKeepProb)

	var maskBool *Node
	if mask.DType() == dtypes.Bool {
		maskBool = mask
	} else {
		maskBool = NotEqual(mask, ScalarZero(g, mask.DType()))
	}

	// Embeddings: word + position + segment, layer-normalized.
	embedCtx := ctx.In("embeddings")
	x := layers.Embedding(embedCtx.In("word"), ids, cfg.DType, cfg.VocabSize, cfg.HiddenSize)
	posTable := embedCtx.In("position").
		VariableWithShape("embeddings", shapes.Make(cfg.DType, cfg.MaxPositions, cfg.HiddenSize)).
		ValueGraph(g)
	pos := Slice(posTable, AxisRangeFromStart(seqLen), AxisRange())
	x = Add(x, ExpandDims(pos, 0))
	x = Add(x, layers.Embedding(embedCtx.In("token_type"), tokenTypes, cfg.DType, cfg.TypeVocabSize, cfg.HiddenSize))
	x = layers.LayerNormalization(embedCtx.In("norm"), x, -1).Epsilon(cfg.NormEps).Done()
	x = layers.DropoutStatic(embedCtx, x, hiddenDropout)
	if cfg.FreezeEmbeddings {
		embedCtx.EnumerateVariablesInScope(func(v *context.Variable) {
			v.SetTrainable(false)
		})
	}

	outputs := make([]*Node, 0, cfg.NumLayers)
	headDim := cfg.HiddenSize / cfg.NumHeads
	for layer := range cfg.NumLayers {
		layerCtx := ctx.Inf("layer_%d", layer)

		attn := attention.MultiHeadAttention(
			layerCtx.In("attention"), x, x, x, cfg.NumHeads, headDim).
			SetOutputDim(cfg.HiddenSize).
			SetKeyMask(maskBool).
			Dropout(attnDropout).
			Done()
		attn = layers.DropoutStatic(layerCtx.In("attention"), attn, hiddenDropout)
		x = layers.LayerNormalization(layerCtx.In("attention_norm"), Add(x, attn), -1).
			Epsilon(cfg.NormEps).Done()

		ff := layers.Dense(layerCtx.In("ffn_inner"), x, true, cfg.IntermediateSize)
		ff = activations.Gelu(ff)
		ff = layers.Dense(layerCtx.In("ffn_outer"), ff, true, cfg.HiddenSize)
		ff = layers.DropoutStatic(layerCtx.In("ffn_outer"), ff, hiddenDropout)
		x = layers.LayerNormalization(layerCtx.In("ffn_norm"), Add(x, ff), -1).
			Epsilon(cfg.NormEps).Done()

		outputs = append(outputs, x)
	}
	return outputs
}

func keepProbToDropout(keepProb float64) float64 {
	if keepProb <= 0 || keepProb >= 1 {
		return 0
	}
	return 1 - keepProb
}
