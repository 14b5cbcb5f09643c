// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

package encoder

import (
	"strings"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func testConfig() Config {
	return Config{
		VocabSize:        32,
		HiddenSize:       16,
		NumLayers:        3,
		NumHeads:         2,
		IntermediateSize: 24,
		MaxPositions:     12,
	}
}

func TestNewBertValidation(t *testing.T) {
	_, err := NewBert(Config{})
	require.Error(t, err, "vocabulary size is required")

	cfg := testConfig()
	cfg.NumHeads = 5
	_, err = NewBert(cfg)
	require.Error(t, err, "hidden size must be divisible by the number of heads")

	bert, err := NewBert(testConfig())
	require.NoError(t, err)
	assert.Equal(t, 16, bert.HiddenSize())
	assert.Equal(t, 3, bert.NumLayers())
}

func TestBertBuildGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	bert, err := NewBert(testConfig())
	require.NoError(t, err)

	const batchSize, seqLen = 2, 7
	ids := make([][]int32, batchSize)
	mask := make([][]int32, batchSize)
	tokenTypes := make([][]int32, batchSize)
	for b := range ids {
		ids[b] = make([]int32, seqLen)
		mask[b] = make([]int32, seqLen)
		tokenTypes[b] = make([]int32, seqLen)
		for s := 0; s < seqLen-b; s++ { // second sentence one token shorter
			ids[b][s] = int32((b + s) % 32)
			mask[b][s] = 1
		}
	}

	ctx := context.New()
	exec, err := context.NewExecAny(backend, ctx,
		func(ctx *context.Context, ids, mask, tokenTypes *Node) []*Node {
			return bert.BuildGraph(ctx, ids, mask, tokenTypes)
		})
	require.NoError(t, err)
	outputs, err := exec.Exec(ids, mask, tokenTypes)
	require.NoError(t, err)

	require.Len(t, outputs, bert.NumLayers())
	for _, layer := range outputs {
		assert.Equal(t, []int{batchSize, seqLen, bert.HiddenSize()}, layer.Shape().Dimensions)
	}
}

func TestBertFreezeEmbeddings(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := testConfig()
	cfg.FreezeEmbeddings = true
	bert, err := NewBert(cfg)
	require.NoError(t, err)

	ctx := context.New()
	exec, err := context.NewExecAny(backend, ctx,
		func(ctx *context.Context, ids, mask, tokenTypes *Node) *Node {
			return bert.BuildGraph(ctx, ids, mask, tokenTypes)[0]
		})
	require.NoError(t, err)
	_, err = exec.Exec([][]int32{{1, 2}}, [][]int32{{1, 1}}, [][]int32{{0, 0}})
	require.NoError(t, err)

	frozen := 0
	for v := range ctx.IterVariables() {
		if strings.Contains(v.Scope(), "embeddings") {
			assert.False(t, v.Trainable, "embedding variable %s must be frozen", v.ScopeAndName())
			frozen++
		}
	}
	assert.NotZero(t, frozen, "expected embedding variables to exist")
}
