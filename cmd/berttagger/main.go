// Copyright 2026 The BertTagger Authors. SPDX-License-Identifier: Apache-2.0

// berttagger trains a small BERT-based named entity tagger on a toy dataset
// and extracts the entities of an input sentence.
//
// By default it builds a scratch vocabulary from the toy dataset; with
// --hf-model it downloads a real BERT vocab.txt from HuggingFace instead.
//
// Usage:
//
//	go build -o /tmp/berttagger ./cmd/berttagger && /tmp/berttagger
//	/tmp/berttagger --crf --birnn=lstm --text="Wolfgang lives in Berlin"
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/gonlp/berttagger/encoder"
	"github.com/gonlp/berttagger/rnn"
	"github.com/gonlp/berttagger/tagger"
	"github.com/gonlp/berttagger/wordpiece"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagText       = flag.String("text", "Wolfgang lives in Berlin", "Sentence to tag after training")
	flagSteps      = flag.Int("steps", 200, "Training steps over the toy dataset")
	flagCRF        = flag.Bool("crf", false, "Use CRF decoding instead of per-word argmax")
	flagBiRNN      = flag.String("birnn", "", "Recurrent layer on top of the encoder: \"lstm\", \"gru\" or empty for none")
	flagEMADecay   = flag.Float64("ema", 0.99, "Decay of the parameter averaging, 0 disables")
	flagHFModel    = flag.String("hf-model", "", "HuggingFace model id to download vocab.txt from, e.g. \"bert-base-cased\"")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to load/save model checkpoints")
)

// Toy BIO-tagged dataset: word -> tag, sentence per line.
var (
	labelNames = []string{"O", "B-PER", "I-PER", "B-LOC", "I-LOC"}

	toySentences = [][]string{
		{"Wolfgang", "lives", "in", "Berlin", "."},
		{"Maria", "Schmidt", "flew", "to", "Paris", "."},
		{"The", "river", "crosses", "Hamburg", "."},
		{"Anna", "met", "Peter", "in", "Munich", "."},
		{"Nobody", "stayed", "home", "."},
		{"John", "Smith", "visited", "New", "York", "."},
	}
	toyTags = [][]string{
		{"B-PER", "O", "O", "B-LOC", "O"},
		{"B-PER", "I-PER", "O", "O", "B-LOC", "O"},
		{"O", "O", "O", "B-LOC", "O"},
		{"B-PER", "O", "B-PER", "O", "B-LOC", "O"},
		{"O", "O", "O", "O"},
		{"B-PER", "I-PER", "O", "B-LOC", "I-LOC", "O"},
	}
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	tok := must.M1(buildTokenizer())
	backend := must.M1(backends.New())
	defer backend.Finalize()

	enc := must.M1(encoder.NewBert(encoder.Config{
		VocabSize:        tok.VocabSize(),
		HiddenSize:       64,
		NumLayers:        2,
		NumHeads:         4,
		IntermediateSize: 128,
		MaxPositions:     128,
	}))

	cfg := tagger.New(backend, enc, len(labelNames)).
		WithCRF(*flagCRF).
		WithLearningRates(1e-3, 1e-3).
		WithEMADecay(*flagEMADecay).
		WithClipNorm(1.0)
	if *flagBiRNN != "" {
		cell := must.M1(rnn.CellTypeFromString(*flagBiRNN))
		cfg = cfg.WithBiRNN(cell, 32)
	}
	if *flagCheckpoint != "" {
		cfg = cfg.WithCheckpointDir(*flagCheckpoint)
	}
	model := must.M1(cfg.Done())

	batch, tags := must.M2(encodeToyDataset(tok))
	fmt.Printf("Training on %d sentences for %d steps...\n", len(toySentences), *flagSteps)
	for step := 1; step <= *flagSteps; step++ {
		metrics := must.M1(model.TrainOnBatch(batch, tags))
		if step == 1 || step%50 == 0 {
			fmt.Printf("  step %4d: loss=%.4f (lr head=%.2g encoder=%.2g)\n",
				step, metrics.Loss, metrics.HeadLearningRate, metrics.EncoderLearningRate)
		}
	}
	fmt.Printf("Model has %s parameters.\n", humanize.Comma(countParams(model)))

	if *flagCheckpoint != "" {
		must.M(model.Save())
		fmt.Printf("Checkpoint saved to %s.\n", *flagCheckpoint)
	}

	words := tok.Tokenize(*flagText)
	inputBatch, inputCounts, err := tok.EncodeBatch([][]string{words})
	if err != nil {
		klog.Exitf("Failed to encode %q: %v", *flagText, err)
	}
	paths := must.M1(model.Predict(inputBatch))

	fmt.Printf("\nInput: %s\n", *flagText)
	taggedWords := words[:inputCounts[0]]
	entities := extractEntities(taggedWords, paths[0])
	if len(entities) == 0 {
		fmt.Println("No named entities found.")
		return
	}
	fmt.Printf("Found %d entities:\n", len(entities))
	for _, e := range entities {
		fmt.Printf("  %s => %s\n", e.text, e.label)
	}
}

// buildTokenizer downloads a real vocabulary when --hf-model is given,
// otherwise assembles a scratch one covering the toy dataset.
func buildTokenizer() (*wordpiece.Tokenizer, error) {
	if *flagHFModel != "" {
		repo := hub.New(*flagHFModel).WithAuth(os.Getenv("HF_TOKEN"))
		vocabPath, err := repo.DownloadFile("vocab.txt")
		if err != nil {
			return nil, err
		}
		return wordpiece.Load(vocabPath)
	}

	seen := map[string]bool{}
	for _, sentence := range toySentences {
		for _, word := range sentence {
			seen[word] = true
		}
	}
	vocab := []string{wordpiece.PadToken, wordpiece.UnkToken, wordpiece.ClsToken, wordpiece.SepToken}
	words := make([]string, 0, len(seen))
	for word := range seen {
		words = append(words, word)
	}
	sort.Strings(words)
	vocab = append(vocab, words...)
	return wordpiece.FromVocab(vocab)
}

// encodeToyDataset builds a single training batch from the toy sentences.
func encodeToyDataset(tok *wordpiece.Tokenizer) (tagger.Batch, [][]int32, error) {
	labelIDs := make(map[string]int32, len(labelNames))
	for id, name := range labelNames {
		labelIDs[name] = int32(id)
	}
	batch, wordCounts, err := tok.EncodeBatch(toySentences)
	if err != nil {
		return batch, nil, err
	}
	tags := make([][]int32, len(toyTags))
	for i, row := range toyTags {
		tags[i] = make([]int32, wordCounts[i])
		for j := 0; j < wordCounts[i]; j++ {
			tags[i][j] = labelIDs[row[j]]
		}
	}
	return batch, tags, nil
}

func countParams(model *tagger.Tagger) int64 {
	var total int64
	for v := range model.Context().IterVariables() {
		if v.Trainable {
			total += int64(v.Shape().Size())
		}
	}
	return total
}

type entity struct {
	text, label string
}

// extractEntities groups word-level BIO predictions into entity spans.
func extractEntities(words []string, tagIDs []int32) []entity {
	var entities []entity
	var current []string
	currentLabel := ""
	flush := func() {
		if len(current) > 0 {
			entities = append(entities, entity{text: strings.Join(current, " "), label: currentLabel})
			current = nil
		}
	}
	for i, word := range words {
		tag := labelNames[tagIDs[i]]
		switch {
		case tag == "O":
			flush()
		case strings.HasPrefix(tag, "B-"):
			flush()
			currentLabel = tag[2:]
			current = []string{word}
		case strings.HasPrefix(tag, "I-"):
			if len(current) > 0 && currentLabel == tag[2:] {
				current = append(current, word)
			} else {
				flush()
				currentLabel = tag[2:]
				current = []string{word}
			}
		}
	}
	flush()
	return entities
}
