// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

package tagger

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonlp/berttagger/ema"
	"github.com/gonlp/berttagger/encoder"
	"github.com/gonlp/berttagger/rnn"

	_ "github.com/gomlx/gomlx/backends/default"
)

const testNumTags = 3

func testEncoder(t *testing.T) encoder.Encoder {
	enc, err := encoder.NewBert(encoder.Config{
		VocabSize:        16,
		HiddenSize:       8,
		NumLayers:        2,
		NumHeads:         2,
		IntermediateSize: 16,
		MaxPositions:     16,
	})
	require.NoError(t, err)
	return enc
}

// testBatch: two sentences, 2 and 3 words, one multi-subtoken word each.
func testBatch() (Batch, [][]int32) {
	batch := Batch{
		TokenIDs: [][]int32{
			{1, 4, 5, 6, 2, 0},
			{1, 7, 8, 9, 10, 2},
		},
		Mask: [][]int32{
			{1, 1, 1, 1, 1, 0},
			{1, 1, 1, 1, 1, 1},
		},
		TagMask: [][]int32{
			{0, 1, 0, 1, 0, 0},
			{0, 1, 1, 1, 0, 0},
		},
	}
	tags := [][]int32{
		{1, 0},
		{2, 0, 1},
	}
	return batch, tags
}

func buildTagger(t *testing.T, backend backends.Backend, options func(*Config) *Config) *Tagger {
	cfg := New(backend, testEncoder(t), testNumTags).
		WithKeepProb(1). // deterministic tests
		WithLearningRates(0.05, 0.05)
	if options != nil {
		cfg = options(cfg)
	}
	model, err := cfg.Done()
	require.NoError(t, err)
	return model
}

func trainSteps(t *testing.T, model *Tagger, steps int) (first, last Metrics) {
	batch, tags := testBatch()
	for i := 0; i < steps; i++ {
		metrics, err := model.TrainOnBatch(batch, tags)
		require.NoError(t, err)
		if i == 0 {
			first = metrics
		}
		last = metrics
	}
	return
}

func TestTrainAndPredictArgmax(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := buildTagger(t, backend, nil)

	first, last := trainSteps(t, model, 50)
	assert.Less(t, last.Loss, first.Loss, "loss must decrease on a memorizable batch")
	assert.InDelta(t, 0.05, first.HeadLearningRate, 1e-6)
	assert.InDelta(t, 0.05, first.EncoderLearningRate, 1e-6)

	batch, tags := testBatch()
	paths, err := model.Predict(batch)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Len(t, paths[0], 2)
	assert.Len(t, paths[1], 3)
	assert.Equal(t, tags, paths, "the model must memorize the training batch")
}

func TestTrainAndPredictCRF(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := buildTagger(t, backend, func(cfg *Config) *Config {
		return cfg.WithCRF(true)
	})

	first, last := trainSteps(t, model, 50)
	assert.Less(t, last.Loss, first.Loss)

	batch, tags := testBatch()
	paths, err := model.Predict(batch)
	require.NoError(t, err)
	assert.Equal(t, tags, paths)
}

func TestPredictProbas(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := buildTagger(t, backend, nil)
	trainSteps(t, model, 2)

	batch, _ := testBatch()
	probas, err := model.PredictProbas(batch)
	require.NoError(t, err)
	require.Len(t, probas, 2)
	require.Len(t, probas[0], 2)
	require.Len(t, probas[1], 3)
	for _, sentence := range probas {
		for _, word := range sentence {
			require.Len(t, word, testNumTags)
			var sum float32
			for _, p := range word {
				assert.GreaterOrEqual(t, p, float32(0))
				sum += p
			}
			assert.InDelta(t, 1.0, float64(sum), 1e-4)
		}
	}
}

func TestBiRNNVariants(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, cell := range []rnn.CellType{rnn.CellLSTM, rnn.CellGRU} {
		t.Run(cell.String(), func(t *testing.T) {
			model := buildTagger(t, backend, func(cfg *Config) *Config {
				return cfg.WithBiRNN(cell, 4)
			})
			first, last := trainSteps(t, model, 10)
			assert.Less(t, last.Loss, first.Loss)
			batch, _ := testBatch()
			paths, err := model.Predict(batch)
			require.NoError(t, err)
			require.Len(t, paths, 2)
		})
	}
}

func TestEMAModeDriving(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := buildTagger(t, backend, func(cfg *Config) *Config {
		return cfg.WithEMADecay(0.9)
	})
	require.NotNil(t, model.EMA())
	assert.Equal(t, ema.ModeUninitialized, model.EMA().Mode())

	batch, tags := testBatch()
	_, err := model.TrainOnBatch(batch, tags)
	require.NoError(t, err)
	assert.Equal(t, ema.ModeTrain, model.EMA().Mode(),
		"the first training step activates averaging and stays in train mode")

	_, err = model.Predict(batch)
	require.NoError(t, err)
	assert.Equal(t, ema.ModeTest, model.EMA().Mode())

	// Training switches the live weights back in transparently.
	_, err = model.TrainOnBatch(batch, tags)
	require.NoError(t, err)
	assert.Equal(t, ema.ModeTrain, model.EMA().Mode())
}

func TestPredictBeforeTraining(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := buildTagger(t, backend, func(cfg *Config) *Config {
		return cfg.WithEMADecay(0.9)
	})

	// Without a checkpoint the model predicts from random weights, and the
	// averaging state machine stays untouched.
	batch, _ := testBatch()
	paths, err := model.Predict(batch)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, ema.ModeUninitialized, model.EMA().Mode())
}

func TestTrainOnBatchValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := buildTagger(t, backend, nil)
	batch, tags := testBatch()

	_, err := model.TrainOnBatch(batch, tags[:1])
	require.Error(t, err, "tag row count must match the batch")

	badTags := [][]int32{{1}, {2, 0, 1}}
	_, err = model.TrainOnBatch(batch, badTags)
	require.Error(t, err, "tags per sentence must match its word count")

	badTags = [][]int32{{1, int32(testNumTags)}, {2, 0, 1}}
	_, err = model.TrainOnBatch(batch, badTags)
	require.Error(t, err, "out-of-range tag ids must be rejected")

	noWords := batch
	noWords.TagMask = [][]int32{
		{0, 1, 0, 1, 0, 0},
		{0, 0, 0, 0, 0, 0},
	}
	_, err = model.TrainOnBatch(noWords, tags)
	require.Error(t, err, "a sentence without word starts must be rejected")
}

func TestBatchCapacityChanges(t *testing.T) {
	// Batches with different word capacities must both work (each compiles
	// its own graph).
	backend := graphtest.BuildTestBackend()
	model := buildTagger(t, backend, nil)

	batch, tags := testBatch()
	_, err := model.TrainOnBatch(batch, tags)
	require.NoError(t, err)

	small := Batch{
		TokenIDs: [][]int32{{1, 4, 2, 0}},
		Mask:     [][]int32{{1, 1, 1, 0}},
		TagMask:  [][]int32{{0, 1, 0, 0}},
	}
	_, err = model.TrainOnBatch(small, [][]int32{{1}})
	require.NoError(t, err)

	paths, err := model.Predict(small)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Len(t, paths[0], 1)
}
