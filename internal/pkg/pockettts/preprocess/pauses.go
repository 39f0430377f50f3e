package preprocess

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultPause  = 500 * time.Millisecond
	EllipsisPause = 300 * time.Millisecond
)

var pauseRe = regexp.MustCompile(`\[pause(?::\s*([^\]]+))?\]|\.\.\.+|…`)

// Segment is a run of text followed by an optional silence.
type Segment struct {
	Text  string
	Pause time.Duration
}

// SplitPauses splits text on [pause], [pause:<duration>] and ellipsis
// markers. Segments with no text still carry their pause so consecutive
// markers add up.
func SplitPauses(text string) ([]Segment, error) {
	var segments []Segment
	last := 0
	for _, loc := range pauseRe.FindAllStringSubmatchIndex(text, -1) {
		pause := EllipsisPause
		if strings.HasPrefix(text[loc[0]:loc[1]], "[") {
			pause = DefaultPause
			if loc[2] >= 0 {
				d, err := time.ParseDuration(strings.TrimSpace(text[loc[2]:loc[3]]))
				if err != nil {
					return nil, fmt.Errorf("invalid pause %q: %w", text[loc[0]:loc[1]], err)
				}
				if d < 0 {
					return nil, fmt.Errorf("invalid pause %q: negative duration", text[loc[0]:loc[1]])
				}
				pause = d
			}
		}
		segments = append(segments, Segment{Text: strings.TrimSpace(text[last:loc[0]]), Pause: pause})
		last = loc[1]
	}
	if tail := strings.TrimSpace(text[last:]); tail != "" || len(segments) == 0 {
		segments = append(segments, Segment{Text: tail})
	}
	return segments, nil
}
