/*
Copyright 2024 The Scitix Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package bert

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scitix/bertbench/pkg/sampler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testVocab = []string{
	"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
	"the", "cat", "sat", "on", "mat", "dog", "ran", "home", "a", "un", "##aff", "##able", ".", ",", "cafe",
	"sun", "rose", "early", "birds", "sang", "loud", "rain", "fell", "all", "day",
}

const testCorpus = `The cat sat on the mat.
The dog ran home.
A cat ran.

The sun rose early.
Birds sang loud.

Rain fell all day.
The dog sat.
The cat sat.
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func testTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tok, err := LoadTokenizer(writeFile(t, "vocab.txt", strings.Join(testVocab, "\n")+"\n"), true)
	require.NoError(t, err)
	return tok
}

func TestTokenizer(t *testing.T) {
	tok := testTokenizer(t)
	assert.Equal(t, len(testVocab), tok.VocabSize())
	assert.Equal(t, []string{"un", "##aff", "##able", ",", "the", "cat", "."}, tok.Tokenize("UNAFFABLE, the  Cat."))
	assert.Equal(t, []string{"cafe"}, tok.Tokenize("Café"))
	assert.Equal(t, []string{"[UNK]"}, tok.Tokenize("zebra"))
	assert.Equal(t, []int{5, 6}, tok.Encode("the cat"))
	assert.Equal(t, "[SEP]", tok.Token(3))
}

func TestTokenizerCaseSensitive(t *testing.T) {
	tok, err := LoadTokenizer(writeFile(t, "vocab.txt", strings.Join(testVocab, "\n")), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"[UNK]", "cat"}, tok.Tokenize("The cat"))
}

func TestLoadTokenizerMissingSpecials(t *testing.T) {
	_, err := LoadTokenizer(writeFile(t, "vocab.txt", "the\ncat\n"), true)
	assert.Error(t, err)
	_, err = LoadTokenizer(filepath.Join(t.TempDir(), "none.txt"), true)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := writeFile(t, "bert_config.json", `{
  "vocab_size": 30522,
  "hidden_size": 768,
  "num_hidden_layers": 12,
  "num_attention_heads": 12,
  "intermediate_size": 3072,
  "hidden_act": "gelu",
  "max_position_embeddings": 512,
  "type_vocab_size": 2
}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.NumHiddenLayers)
	assert.Equal(t, 0.02, cfg.InitializerRange)

	bad := writeFile(t, "bad.json", `{"vocab_size": 10, "hidden_size": 10, "num_hidden_layers": 2, "num_attention_heads": 3}`)
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

func TestDatasetOnMemoryMatchesOnDisk(t *testing.T) {
	tok := testTokenizer(t)
	corpus := writeFile(t, "corpus.txt", testCorpus)

	mem, err := NewDataset(corpus, tok, 16, true, 7)
	require.NoError(t, err)
	disk, err := NewDataset(corpus, tok, 16, false, 7)
	require.NoError(t, err)
	defer disk.Close()

	// 3 documents with 3, 2, 3 sentences give 2 + 1 + 2 pairs
	assert.Equal(t, 5, mem.Len())
	assert.Equal(t, 3, mem.NumDocuments())
	for i := 0; i < mem.Len(); i++ {
		a, err := mem.Get(i)
		require.NoError(t, err)
		b, err := disk.Get(i)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.LessOrEqual(t, len(a.InputIDs), 16)
		assert.Equal(t, len(a.InputIDs), len(a.SegmentIDs))
		assert.Equal(t, tok.ID(TokenCLS), a.InputIDs[0])
		assert.Equal(t, tok.ID(TokenSEP), a.InputIDs[len(a.InputIDs)-1])
	}
	_, err = mem.Get(5)
	assert.Error(t, err)
}

func TestDatasetTruncation(t *testing.T) {
	tok := testTokenizer(t)
	corpus := writeFile(t, "corpus.txt", "the cat sat on the mat the cat sat on the mat\nthe dog ran home the dog ran home\n")
	d, err := NewDataset(corpus, tok, 10, true, 1)
	require.NoError(t, err)
	ex, err := d.Get(0)
	require.NoError(t, err)
	assert.Len(t, ex.InputIDs, 10)
	assert.True(t, ex.IsNext, "a single document has no other document to sample from")
}

func TestDatasetNoPairs(t *testing.T) {
	tok := testTokenizer(t)
	_, err := NewDataset(writeFile(t, "corpus.txt", "one line\n\nanother\n"), tok, 16, true, 1)
	assert.Error(t, err)
}

func TestBuildModelStages(t *testing.T) {
	cfg := &Config{VocabSize: 30, HiddenSize: 8, NumHiddenLayers: 5, InitializerRange: 0.02}
	var layers []int
	for stage := 0; stage < 2; stage++ {
		m, err := BuildModel(cfg, stage, 2)
		require.NoError(t, err)
		layers = append(layers, m.Layers...)
		assert.Len(t, m.Parameters(), cfg.HiddenSize*len(m.Layers)+1)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, layers)

	_, err := BuildModel(cfg, 2, 2)
	assert.Error(t, err)
	_, err = BuildModel(cfg, 0, 6)
	assert.Error(t, err)

	a, _ := BuildModel(cfg, 0, 1)
	b, _ := BuildModel(cfg, 0, 1)
	assert.Equal(t, a.Parameters(), b.Parameters())
}

func TestStageLearnsNextSentence(t *testing.T) {
	tok := testTokenizer(t)
	corpus := writeFile(t, "corpus.txt", testCorpus)
	data, err := NewDataset(corpus, tok, 32, true, 3)
	require.NoError(t, err)

	cfg := &Config{VocabSize: tok.VocabSize(), HiddenSize: 16, NumHiddenLayers: 2, InitializerRange: 0.02}
	model, err := BuildModel(cfg, 0, 1)
	require.NoError(t, err)
	opts := DefaultAdamOptions()
	opts.LR = 0.1
	opts.WeightDecay = 0
	opt, err := NewBertAdam(model.Parameters(), model.NoDecay(), opts)
	require.NoError(t, err)

	batch := sampler.Batch[Example]{}
	for i := 0; i < data.Len(); i++ {
		ex, err := data.Get(i)
		require.NoError(t, err)
		batch.Examples = append(batch.Examples, ex)
	}

	first, _, err := model.ForwardBackward(context.Background(), batch)
	require.NoError(t, err)
	var last float64
	for i := 0; i < 50; i++ {
		loss, grads, err := model.ForwardBackward(context.Background(), batch)
		require.NoError(t, err)
		require.NoError(t, opt.Step(grads))
		last = loss
	}
	assert.Less(t, last, first)
	assert.Equal(t, 50, opt.Steps())
}

func TestBertAdamSchedule(t *testing.T) {
	params := []float64{1, 1}
	opts := DefaultAdamOptions()
	opts.LR = 1.0
	opts.Warmup = 0.5
	opts.TTotal = 4
	opt, err := NewBertAdam(params, nil, opts)
	require.NoError(t, err)

	want := []float64{0, 0.5, 1.0, 0.5}
	for _, lr := range want {
		assert.InDelta(t, lr, opt.LearningRate(), 1e-12)
		require.NoError(t, opt.Step([]float64{0, 0}))
	}
	assert.InDelta(t, 0, opt.LearningRate(), 1e-12)
}

func TestBertAdamClipsAndDecays(t *testing.T) {
	params := []float64{0, 2}
	opts := AdamOptions{LR: 0.1, Warmup: -1, TTotal: -1, MaxGradNorm: 1, WeightDecay: 0.5, B1: 0.9, B2: 0.999, Eps: 1e-6}
	opt, err := NewBertAdam(params, []bool{false, true}, opts)
	require.NoError(t, err)
	require.NoError(t, opt.Step([]float64{300, 0}))

	// clipped gradient g=1: m=0.1, v=0.001, update=m/sqrt(v)
	assert.InDelta(t, -0.1*(0.1/(math.Sqrt(0.001)+1e-6)), params[0], 1e-9)
	// no gradient and excluded from decay
	assert.Equal(t, 2.0, params[1])

	assert.Error(t, opt.Step([]float64{1}))

	_, err = NewBertAdam(params, nil, AdamOptions{LR: 0.1, Warmup: 1.5})
	assert.Error(t, err)
}
