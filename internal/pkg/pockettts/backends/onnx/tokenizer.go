package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// wordBoundary marks the start of a word in the sentencepiece vocabulary.
const wordBoundary = "▁"

type Tokenizer struct {
	tokenToID map[string]int64
	maxLen    int
	unkID     int64
}

func NewTokenizer(vocabPath string) (*Tokenizer, error) {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocab file: %w", err)
	}

	var vocab map[string]int64
	if err := json.Unmarshal(data, &vocab); err != nil {
		return nil, fmt.Errorf("failed to parse vocab JSON: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocab %s is empty", vocabPath)
	}
	return newTokenizer(vocab), nil
}

func newTokenizer(vocab map[string]int64) *Tokenizer {
	t := &Tokenizer{tokenToID: vocab, unkID: 0}
	if id, ok := vocab["<unk>"]; ok {
		t.unkID = id
	}
	for token := range vocab {
		if len(token) > t.maxLen {
			t.maxLen = len(token)
		}
	}
	return t
}

// Encode splits text greedily into the longest vocabulary pieces. Spaces
// become word boundary markers; runes with no piece map to <unk>.
func (t *Tokenizer) Encode(text string) []int64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	remaining := wordBoundary + strings.Join(strings.Fields(text), wordBoundary)

	tokens := make([]int64, 0, len(remaining)/2)
	for len(remaining) > 0 {
		n := min(t.maxLen, len(remaining))
		found := false
		for ; n > 0; n-- {
			if id, ok := t.tokenToID[remaining[:n]]; ok {
				tokens = append(tokens, id)
				remaining = remaining[n:]
				found = true
				break
			}
		}
		if !found {
			_, size := utf8.DecodeRuneInString(remaining)
			tokens = append(tokens, t.unkID)
			remaining = remaining[size:]
		}
	}
	return tokens
}

func (t *Tokenizer) VocabSize() int {
	return len(t.tokenToID)
}
