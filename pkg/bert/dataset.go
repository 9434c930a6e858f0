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
	"bufio"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
)

// Example is one next-sentence-prediction pair.
type Example struct {
	InputIDs   []int
	SegmentIDs []int
	IsNext     bool
}

type lineRef struct {
	doc    int
	offset int64
	length int
}

type pairRef struct {
	first int // index into lines; the true next sentence is first+1
}

// Dataset builds sentence pairs from a corpus with one sentence per line and
// documents separated by blank lines. Example i is a pure function of
// (seed, i), so every rank sees the same dataset.
type Dataset struct {
	tok       *Tokenizer
	maxSeqLen int
	seed      uint64

	lines    []lineRef
	pairs    []pairRef
	docLines [][]int // per document, indices into lines

	onMemory bool
	encoded  [][]int

	mu   sync.Mutex
	file *os.File
}

func NewDataset(corpusPath string, tok *Tokenizer, maxSeqLen int, onMemory bool, seed uint64) (*Dataset, error) {
	if maxSeqLen < 8 {
		return nil, fmt.Errorf("max sequence length %d is too short", maxSeqLen)
	}
	f, err := os.Open(corpusPath)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	d := &Dataset{tok: tok, maxSeqLen: maxSeqLen, seed: seed, onMemory: onMemory}
	if err := d.index(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("index corpus %s: %w", corpusPath, err)
	}
	if onMemory {
		f.Close()
	} else {
		d.file = f
	}
	if len(d.pairs) == 0 {
		d.Close()
		return nil, fmt.Errorf("corpus %s has no document with two or more sentences", corpusPath)
	}
	return d, nil
}

func (d *Dataset) index(f *os.File) error {
	reader := bufio.NewReader(f)
	var offset int64
	doc := 0
	inDoc := false
	for {
		raw, err := reader.ReadString('\n')
		if len(raw) > 0 {
			text := strings.TrimSpace(raw)
			if text == "" {
				if inDoc {
					doc++
					inDoc = false
				}
			} else {
				if !inDoc {
					d.docLines = append(d.docLines, nil)
					inDoc = true
				}
				idx := len(d.lines)
				d.lines = append(d.lines, lineRef{doc: doc, offset: offset, length: len(raw)})
				d.docLines[doc] = append(d.docLines[doc], idx)
				if d.onMemory {
					d.encoded = append(d.encoded, d.tok.Encode(text))
				}
			}
			offset += int64(len(raw))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	for _, lines := range d.docLines {
		for i := 0; i+1 < len(lines); i++ {
			d.pairs = append(d.pairs, pairRef{first: lines[i]})
		}
	}
	return nil
}

func (d *Dataset) Len() int {
	return len(d.pairs)
}

func (d *Dataset) NumDocuments() int {
	return len(d.docLines)
}

func (d *Dataset) line(i int) ([]int, error) {
	if d.onMemory {
		return d.encoded[i], nil
	}
	ref := d.lines[i]
	buf := make([]byte, ref.length)
	d.mu.Lock()
	_, err := d.file.ReadAt(buf, ref.offset)
	d.mu.Unlock()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read corpus line %d: %w", i, err)
	}
	return d.tok.Encode(strings.TrimSpace(string(buf))), nil
}

// Get returns example i: the true next sentence with probability one half,
// otherwise a random sentence from another document.
func (d *Dataset) Get(i int) (Example, error) {
	if i < 0 || i >= len(d.pairs) {
		return Example{}, fmt.Errorf("example %d out of range [0, %d)", i, len(d.pairs))
	}
	rng := rand.New(rand.NewPCG(d.seed, uint64(i)))
	first := d.pairs[i].first
	second := first + 1
	isNext := true
	if rng.Float64() < 0.5 {
		if other, ok := d.randomOtherLine(rng, d.lines[first].doc); ok {
			second = other
			isNext = false
		}
	}

	a, err := d.line(first)
	if err != nil {
		return Example{}, err
	}
	b, err := d.line(second)
	if err != nil {
		return Example{}, err
	}
	return d.assemble(a, b, isNext), nil
}

func (d *Dataset) randomOtherLine(rng *rand.Rand, doc int) (int, bool) {
	if len(d.docLines) < 2 {
		return 0, false
	}
	other := rng.IntN(len(d.docLines) - 1)
	if other >= doc {
		other++
	}
	lines := d.docLines[other]
	return lines[rng.IntN(len(lines))], true
}

// assemble builds [CLS] A [SEP] B [SEP], truncating the longer side first.
func (d *Dataset) assemble(a, b []int, isNext bool) Example {
	a = append([]int(nil), a...)
	b = append([]int(nil), b...)
	for len(a)+len(b) > d.maxSeqLen-3 {
		if len(a) > len(b) {
			a = a[:len(a)-1]
		} else {
			b = b[:len(b)-1]
		}
	}
	ids := make([]int, 0, len(a)+len(b)+3)
	seg := make([]int, 0, cap(ids))
	ids = append(ids, d.tok.ID(TokenCLS))
	ids = append(ids, a...)
	ids = append(ids, d.tok.ID(TokenSEP))
	for range len(a) + 2 {
		seg = append(seg, 0)
	}
	ids = append(ids, b...)
	ids = append(ids, d.tok.ID(TokenSEP))
	for range len(b) + 1 {
		seg = append(seg, 1)
	}
	return Example{InputIDs: ids, SegmentIDs: seg, IsNext: isNext}
}

func (d *Dataset) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}
