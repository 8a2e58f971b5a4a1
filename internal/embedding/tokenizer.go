package embedding

import (
	"hash/fnv"
	"strings"
	"unicode"
)

const (
	clsToken = 101
	sepToken = 102
	// word ids are folded into the vocabulary range above the special tokens
	vocabOffset = 1000
	vocabSpan   = 29000
)

// Tokenizer produces BERT-style model inputs: input_ids, attention_mask and token_type_ids,
// each padded to maxTokens.
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// SimpleTokenizer maps lowercased words to hashed ids. It does not need a vocabulary file,
// so embeddings are only comparable between runs of the same tokenizer.
type SimpleTokenizer struct{}

// Tokenize wraps the words of text in [CLS] ... [SEP], truncating to maxTokens.
func (t *SimpleTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)

	ids := []int64{clsToken}
	for _, word := range SplitWords(strings.ToLower(text)) {
		if len(ids) >= maxTokens-1 {
			break
		}
		ids = append(ids, int64(HashString(word)%vocabSpan)+vocabOffset)
	}
	if len(ids) < maxTokens {
		ids = append(ids, sepToken)
	}
	copy(inputIDs, ids)
	for i := range ids {
		attentionMask[i] = 1
	}
	return inputIDs, attentionMask, tokenTypeIDs
}

// SplitWords splits text into runs of letters and digits. Punctuation separates words,
// so "deadlines?" yields "deadlines".
func SplitWords(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return nil
	}
	return words
}

// HashString returns the non-negative 32-bit FNV-1a hash of s.
func HashString(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32())
}
