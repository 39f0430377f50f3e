package preprocess

import (
	"errors"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrEmptyText is returned when nothing speakable is left after normalisation.
var ErrEmptyText = errors.New("text prompt cannot be empty")

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	numberRe     = regexp.MustCompile(`\b\d{1,15}\b`)
)

// Prompt is a normalised text ready for tokenisation.
type Prompt struct {
	Text string
	// FramesAfterEOS is how many frames the model keeps decoding once the
	// end-of-speech logit fires. Very short prompts need a longer tail.
	FramesAfterEOS int
}

// Prepare normalises text the way the model was trained on it: NFC, plain
// quotes, spelled numbers, capitalised first letter, closing punctuation,
// and left padding for prompts shorter than five words.
func Prepare(text string) (Prompt, error) {
	text = Normalize(text)
	if text == "" {
		return Prompt{}, ErrEmptyText
	}

	words := len(strings.Fields(text))
	framesAfterEOS := 1
	if words <= 4 {
		framesAfterEOS = 3
	}

	first, size := utf8.DecodeRuneInString(text)
	if !unicode.IsUpper(first) {
		text = string(unicode.ToUpper(first)) + text[size:]
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	if unicode.IsLetter(last) || unicode.IsDigit(last) {
		text += "."
	}

	if words < 5 {
		text = strings.Repeat(" ", 8) + text
	}

	return Prompt{Text: text, FramesAfterEOS: framesAfterEOS}, nil
}

// Normalize applies the character level clean-up without the prompt
// shaping done by Prepare.
func Normalize(text string) string {
	text = norm.NFC.String(text)
	text = quoteReplacer.Replace(text)
	text = numberRe.ReplaceAllStringFunc(text, func(match string) string {
		var n int64
		for _, c := range match {
			n = n*10 + int64(c-'0')
		}
		return spellNumber(n)
	})
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

var quoteReplacer = strings.NewReplacer(
	"“", "\"",
	"”", "\"",
	"‘", "'",
	"’", "'",
	"«", "\"",
	"»", "\"",
	"—", ", ",
	"–", ", ",
	"…", "...",
)

var (
	smallNumbers = []string{
		"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
		"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
		"seventeen", "eighteen", "nineteen",
	}
	tens   = []string{"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety"}
	scales = []string{"", "thousand", "million", "billion", "trillion"}
)

func spellNumber(n int64) string {
	if n < 20 {
		return smallNumbers[n]
	}

	var groups []string
	for scale := 0; n > 0 && scale < len(scales); scale++ {
		if group := n % 1000; group > 0 {
			words := spellHundreds(int(group))
			if scales[scale] != "" {
				words += " " + scales[scale]
			}
			groups = append([]string{words}, groups...)
		}
		n /= 1000
	}
	return strings.Join(groups, " ")
}

func spellHundreds(n int) string {
	var parts []string
	if n >= 100 {
		parts = append(parts, smallNumbers[n/100], "hundred")
		n %= 100
	}
	switch {
	case n == 0:
	case n < 20:
		parts = append(parts, smallNumbers[n])
	case n%10 == 0:
		parts = append(parts, tens[n/10])
	default:
		parts = append(parts, tens[n/10]+"-"+smallNumbers[n%10])
	}
	return strings.Join(parts, " ")
}
