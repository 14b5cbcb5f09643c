// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

package wordpiece

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVocab() []string {
	return []string{
		PadToken, UnkToken, ClsToken, SepToken, // ids 0..3
		"my", "name", "is", "wolf", "##gang", "##s", ".", // ids 4..10
	}
}

func TestFromVocab(t *testing.T) {
	tok, err := FromVocab(testVocab())
	require.NoError(t, err)
	assert.Equal(t, len(testVocab()), tok.VocabSize())
	assert.Equal(t, int32(0), tok.PadID())

	_, err = FromVocab([]string{"just", "words"})
	require.Error(t, err, "missing special tokens must be rejected")
}

func TestTokenize(t *testing.T) {
	tok, err := FromVocab(testVocab())
	require.NoError(t, err)
	assert.Equal(t, []string{"My", "name", ",", "is", "."},
		tok.Tokenize("My name, is ."))
	assert.Empty(t, tok.Tokenize("   "))
}

func TestSubtokenizeWord(t *testing.T) {
	tok, err := FromVocab(testVocab())
	require.NoError(t, err)
	tok = tok.WithLowercase(true)

	assert.Equal(t, []string{"wolf", "##gang", "##s"}, tok.SubtokenizeWord("Wolfgangs"))
	assert.Equal(t, []string{"name"}, tok.SubtokenizeWord("name"))
	assert.Equal(t, []string{UnkToken}, tok.SubtokenizeWord("xyzzy"))
}

func TestEncodeBatch(t *testing.T) {
	tok, err := FromVocab(testVocab())
	require.NoError(t, err)
	tok = tok.WithLowercase(true)

	batch, wordCounts, err := tok.EncodeBatch([][]string{
		{"my", "name"},
		{"Wolfgang", "."},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, wordCounts)

	// Sentence 0: [CLS] my name [SEP], padded to the length of sentence 1:
	// [CLS] wolf ##gang . [SEP].
	assert.Equal(t, [][]int32{
		{2, 4, 5, 3, 0},
		{2, 7, 8, 10, 3},
	}, batch.TokenIDs)
	assert.Equal(t, [][]int32{
		{1, 1, 1, 1, 0},
		{1, 1, 1, 1, 1},
	}, batch.Mask)
	assert.Equal(t, [][]int32{
		{0, 1, 1, 0, 0},
		{0, 1, 0, 1, 0},
	}, batch.TagMask)
}

func TestMaxSubtokensDropsWholeWords(t *testing.T) {
	tok, err := FromVocab(testVocab())
	require.NoError(t, err)
	tok = tok.WithLowercase(true).WithMaxSubtokens(5)

	// "wolfgangs" needs 3 subtokens and does not fit after "my" and "name"
	// within 5 - 2 special tokens; it is dropped whole.
	batch, wordCounts, err := tok.EncodeBatch([][]string{{"my", "name", "Wolfgangs"}})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, wordCounts)
	assert.Equal(t, [][]int32{{2, 4, 5, 3}}, batch.TokenIDs)

	// A first word that doesn't fit at all is an error.
	tok = tok.WithMaxSubtokens(4)
	_, _, err = tok.EncodeBatch([][]string{{"Wolfgangs"}})
	require.Error(t, err)
}
