package preprocess

import (
	"strings"
	"unicode/utf8"
)

// DefaultChunkChars bounds one long-text segment.
const DefaultChunkChars = 300

var sentenceEnders = []rune{'.', '!', '?', ';', '\n', '。', '！', '？', '；'}

func isEnder(r rune) bool {
	for _, ender := range sentenceEnders {
		if r == ender {
			return true
		}
	}
	return false
}

// extractSentence cuts after the first run of sentence ending runes, so
// "..." or "?!" is one boundary.
func extractSentence(text string) (string, string, bool) {
	for i, r := range text {
		if !isEnder(r) {
			continue
		}
		splitAt := i + utf8.RuneLen(r)
		for splitAt < len(text) {
			next, size := utf8.DecodeRuneInString(text[splitAt:])
			if !isEnder(next) {
				break
			}
			splitAt += size
		}
		return text[:splitAt], text[splitAt:], true
	}
	return "", text, false
}

// SplitSentences cuts text after every run of sentence ending runes.
// Empty sentences are dropped.
func SplitSentences(text string) []string {
	var sentences []string
	remaining := text
	for {
		sentence, rest, found := extractSentence(remaining)
		if !found {
			if r := strings.TrimSpace(remaining); r != "" {
				sentences = append(sentences, r)
			}
			return sentences
		}
		remaining = rest
		if s := strings.TrimSpace(sentence); s != "" {
			sentences = append(sentences, s)
		}
	}
}

// ChunkText groups whole sentences into segments of at most maxChars runes.
// A single sentence longer than maxChars is split on word boundaries.
func ChunkText(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultChunkChars
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}
	add := func(piece string) {
		if current.Len() > 0 && utf8.RuneCountInString(current.String())+1+utf8.RuneCountInString(piece) > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(piece)
	}

	for _, sentence := range SplitSentences(text) {
		if utf8.RuneCountInString(sentence) <= maxChars {
			add(sentence)
			continue
		}
		for _, word := range strings.Fields(sentence) {
			add(word)
		}
	}
	flush()
	return chunks
}
