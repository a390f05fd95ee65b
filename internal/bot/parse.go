package bot

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

func newReqID() string { return uuid.NewString()[:8] }

// closingQuote pairs each accepted opening quote with its closer. Mobile
// keyboards send typographic quotes, so “White City” works like "White City".
var closingQuote = map[rune]rune{
	'"':      '"',
	'\'':     '\'',
	'\u201c': '\u201d',
	'\u2018': '\u2019',
	'\u00ab': '\u00bb',
}

// tokenizeCommandLine splits on whitespace, keeping quoted runs together.
// A backslash escapes the next rune.
//
//	/monitor “White City” 1 2 1500 2500
func tokenizeCommandLine(s string) []string {
	var (
		out     []string
		cur     strings.Builder
		started bool
		closer  rune
		escaped bool
	)
	emit := func() {
		if started {
			out = append(out, cur.String())
		}
		cur.Reset()
		started = false
	}

	for _, r := range s {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped, started = true, true
		case closer != 0:
			if r == closer {
				closer = 0
			} else {
				cur.WriteRune(r)
			}
		case unicode.IsSpace(r):
			emit()
		default:
			if c, ok := closingQuote[r]; ok {
				closer, started = c, true
				continue
			}
			cur.WriteRune(r)
			started = true
		}
	}
	emit()
	return out
}

// commandWord turns "/Fetch@rentwatch_bot" into "fetch".
func commandWord(tok string) string {
	word, _, _ := strings.Cut(strings.TrimPrefix(tok, "/"), "@")
	return strings.ToLower(word)
}
