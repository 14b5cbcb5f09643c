// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

// Package wordpiece implements the BERT WordPiece tokenizer and the batch
// assembly for the tagger: sentences of words become padded subtoken id
// batches with the word-start marks the tagger aggregates on.
package wordpiece

import (
	"bufio"
	"os"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"github.com/gonlp/berttagger/tagger"
)

// Special tokens of the BERT vocabulary.
const (
	ClsToken     = "[CLS]"
	SepToken     = "[SEP]"
	UnkToken     = "[UNK]"
	PadToken     = "[PAD]"
	subwordMark  = "##"
	maxWordChars = 100
)

// Tokenizer is a WordPiece tokenizer over a fixed vocabulary.
type Tokenizer struct {
	vocab                      map[string]int32
	clsID, sepID, unkID, padID int32
	lowercase                  bool
	maxSubtokens               int
}

// Load reads a vocabulary in the standard BERT vocab.txt format, one token
// per line, token id = line number.
func Load(vocabPath string) (*Tokenizer, error) {
	file, err := os.Open(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "wordpiece: opening vocabulary %q", vocabPath)
	}
	defer func() { _ = file.Close() }()

	var vocab []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		vocab = append(vocab, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "wordpiece: reading vocabulary %q", vocabPath)
	}
	return FromVocab(vocab)
}

// FromVocab builds a tokenizer from an in-memory vocabulary, token id =
// slice index. The vocabulary must contain the [CLS], [SEP], [UNK] and [PAD]
// special tokens.
func FromVocab(vocab []string) (*Tokenizer, error) {
	t := &Tokenizer{
		vocab:        make(map[string]int32, len(vocab)),
		maxSubtokens: 512,
	}
	for idx, token := range vocab {
		t.vocab[token] = int32(idx)
	}
	for _, special := range []struct {
		token string
		id    *int32
	}{
		{ClsToken, &t.clsID},
		{SepToken, &t.sepID},
		{UnkToken, &t.unkID},
		{PadToken, &t.padID},
	} {
		id, found := t.vocab[special.token]
		if !found {
			return nil, errors.Errorf("wordpiece: vocabulary is missing the %s token", special.token)
		}
		*special.id = id
	}
	return t, nil
}

// WithLowercase makes tokenization case-insensitive, for "uncased" BERT
// vocabularies.
func (t *Tokenizer) WithLowercase(lowercase bool) *Tokenizer {
	t.lowercase = lowercase
	return t
}

// WithMaxSubtokens caps the subtoken length of a sentence, [CLS] and [SEP]
// included. Words that would not fit whole are dropped from the end of the
// sentence. Default 512.
func (t *Tokenizer) WithMaxSubtokens(maxSubtokens int) *Tokenizer {
	t.maxSubtokens = maxSubtokens
	return t
}

// VocabSize returns the vocabulary size.
func (t *Tokenizer) VocabSize() int { return len(t.vocab) }

// PadID returns the id of the [PAD] token.
func (t *Tokenizer) PadID() int32 { return t.padID }

// Tokenize splits raw text into words on whitespace, with punctuation as
// standalone words, the usual BERT basic tokenization.
func (t *Tokenizer) Tokenize(text string) []string {
	var words []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.IsPunct(r):
			flush()
			words = append(words, string(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return words
}

// SubtokenizeWord splits one word into its WordPiece subtokens, greedily
// matching the longest vocabulary entry; continuation pieces carry the "##"
// prefix. A word with no decomposition becomes [UNK].
func (t *Tokenizer) SubtokenizeWord(word string) []string {
	if t.lowercase {
		word = strings.ToLower(word)
	}
	runes := []rune(word)
	if len(runes) == 0 || len(runes) > maxWordChars {
		return []string{UnkToken}
	}
	var subtokens []string
	start := 0
	for start < len(runes) {
		end := len(runes)
		found := ""
		for end > start {
			candidate := string(runes[start:end])
			if start > 0 {
				candidate = subwordMark + candidate
			}
			if _, ok := t.vocab[candidate]; ok {
				found = candidate
				break
			}
			end--
		}
		if found == "" {
			return []string{UnkToken}
		}
		subtokens = append(subtokens, found)
		start = end
	}
	return subtokens
}

// encoded is one sentence after subtokenization, before batch padding.
type encoded struct {
	ids     []int32
	tagMask []int32
}

// encodeSentence subtokenizes the words of one sentence, wrapping them in
// [CLS]/[SEP] and marking each word's first subtoken in the tag mask. Words
// past the subtoken cap are dropped whole; at least one word must fit.
func (t *Tokenizer) encodeSentence(words []string) (encoded, error) {
	e := encoded{
		ids:     []int32{t.clsID},
		tagMask: []int32{0},
	}
	budget := t.maxSubtokens - 2 // [CLS] and [SEP]
	used := 0
	kept := 0
	for _, word := range words {
		subtokens := t.SubtokenizeWord(word)
		if used+len(subtokens) > budget {
			break
		}
		used += len(subtokens)
		kept++
		for i, subtoken := range subtokens {
			e.ids = append(e.ids, t.vocab[subtoken])
			if i == 0 {
				e.tagMask = append(e.tagMask, 1)
			} else {
				e.tagMask = append(e.tagMask, 0)
			}
		}
	}
	if kept == 0 {
		return encoded{}, errors.Errorf("wordpiece: no word of the sentence fits in %d subtokens", t.maxSubtokens)
	}
	e.ids = append(e.ids, t.sepID)
	e.tagMask = append(e.tagMask, 0)
	return e, nil
}

// EncodeBatch converts sentences (as slices of words) into a padded model
// batch. It also returns how many words of each sentence survived the
// subtoken cap; tags fed to training must be cut to these counts.
func (t *Tokenizer) EncodeBatch(sentences [][]string) (tagger.Batch, []int, error) {
	var batch tagger.Batch
	if len(sentences) == 0 {
		return batch, nil, errors.New("wordpiece: empty batch")
	}
	encodedSentences := make([]encoded, len(sentences))
	maxLen := 0
	for i, words := range sentences {
		e, err := t.encodeSentence(words)
		if err != nil {
			return batch, nil, errors.WithMessagef(err, "sentence %d", i)
		}
		encodedSentences[i] = e
		if len(e.ids) > maxLen {
			maxLen = len(e.ids)
		}
	}

	batch.TokenIDs = make([][]int32, len(sentences))
	batch.Mask = make([][]int32, len(sentences))
	batch.TagMask = make([][]int32, len(sentences))
	wordCounts := make([]int, len(sentences))
	for i, e := range encodedSentences {
		ids := make([]int32, maxLen)
		mask := make([]int32, maxLen)
		tagMask := make([]int32, maxLen)
		for j := range ids {
			if j < len(e.ids) {
				ids[j] = e.ids[j]
				mask[j] = 1
				tagMask[j] = e.tagMask[j]
			} else {
				ids[j] = t.padID
			}
		}
		batch.TokenIDs[i] = ids
		batch.Mask[i] = mask
		batch.TagMask[i] = tagMask
		for _, m := range e.tagMask {
			wordCounts[i] += int(m)
		}
	}
	return batch, wordCounts, nil
}
