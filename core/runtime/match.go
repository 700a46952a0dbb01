package runtime

import (
	"strings"

	"github.com/m3rciful/botrunner/core/store"
)

// Match is a resolved command invocation.
type Match struct {
	Command store.Command
	Pattern string
	// Params is the text after the pattern and its separator, trimmed.
	Params string
}

func isSeparator(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// Match finds the first entry whose pattern equals text or prefixes it
// followed by a separator. A miss is not an error.
func (s *Snapshot) Match(text string) (Match, bool) {
	text = strings.TrimSpace(text)
	if s == nil || text == "" {
		return Match{}, false
	}
	for _, e := range s.Entries {
		p := e.Pattern
		if p == "" || !strings.HasPrefix(text, p) {
			continue
		}
		if len(text) == len(p) {
			return Match{Command: e.Command, Pattern: p}, true
		}
		if isSeparator(text[len(p)]) {
			return Match{Command: e.Command, Pattern: p, Params: strings.TrimSpace(text[len(p):])}, true
		}
	}
	return Match{}, false
}
