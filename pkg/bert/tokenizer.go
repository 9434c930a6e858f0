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
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	TokenPad  = "[PAD]"
	TokenUnk  = "[UNK]"
	TokenCLS  = "[CLS]"
	TokenSEP  = "[SEP]"
	TokenMask = "[MASK]"

	maxCharsPerWord = 100
)

// Tokenizer is a WordPiece tokenizer over a BERT vocab.txt.
type Tokenizer struct {
	vocab       map[string]int
	tokens      []string
	doLowerCase bool
}

// LoadTokenizer reads one token per line; the line number is the token id.
func LoadTokenizer(vocabPath string, doLowerCase bool) (*Tokenizer, error) {
	f, err := os.Open(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	t := &Tokenizer{vocab: make(map[string]int), doLowerCase: doLowerCase}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		tok := strings.TrimRight(scanner.Text(), "\r\n")
		if _, dup := t.vocab[tok]; !dup {
			t.vocab[tok] = len(t.tokens)
		}
		t.tokens = append(t.tokens, tok)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read vocab %s: %w", vocabPath, err)
	}
	for _, special := range []string{TokenUnk, TokenCLS, TokenSEP} {
		if _, ok := t.vocab[special]; !ok {
			return nil, fmt.Errorf("vocab %s lacks %s", vocabPath, special)
		}
	}
	return t, nil
}

func (t *Tokenizer) VocabSize() int {
	return len(t.tokens)
}

func (t *Tokenizer) ID(token string) int {
	if id, ok := t.vocab[token]; ok {
		return id
	}
	return t.vocab[TokenUnk]
}

func (t *Tokenizer) Token(id int) string {
	if id < 0 || id >= len(t.tokens) {
		return TokenUnk
	}
	return t.tokens[id]
}

// Tokenize runs basic tokenization (whitespace, punctuation, optional
// lowercasing with accent stripping) followed by greedy longest-match WordPiece.
func (t *Tokenizer) Tokenize(text string) []string {
	var out []string
	for _, word := range t.basicTokenize(text) {
		out = append(out, t.wordPiece(word)...)
	}
	return out
}

func (t *Tokenizer) Encode(text string) []int {
	toks := t.Tokenize(text)
	ids := make([]int, len(toks))
	for i, tok := range toks {
		ids[i] = t.ID(tok)
	}
	return ids
}

func (t *Tokenizer) basicTokenize(text string) []string {
	if t.doLowerCase {
		text = stripAccents(strings.ToLower(text))
	}
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || (unicode.IsControl(r) && !unicode.IsSpace(r)):
			continue
		case unicode.IsSpace(r):
			flush()
		case isPunctuation(r):
			flush()
			words = append(words, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return words
}

func (t *Tokenizer) wordPiece(word string) []string {
	runes := []rune(word)
	if len(runes) > maxCharsPerWord {
		return []string{TokenUnk}
	}
	var pieces []string
	for start := 0; start < len(runes); {
		end := len(runes)
		found := ""
		for start < end {
			sub := string(runes[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if _, ok := t.vocab[sub]; ok {
				found = sub
				break
			}
			end--
		}
		if found == "" {
			return []string{TokenUnk}
		}
		pieces = append(pieces, found)
		start = end
	}
	return pieces
}

func stripAccents(s string) string {
	var b strings.Builder
	for _, r := range norm.NFD.String(s) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}
