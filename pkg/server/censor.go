package server

import (
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Censor masks configured words in message content. Matching is case
// insensitive and sees through common digit substitutions ("h3ll0").
type Censor struct {
	matcher *goahocorasick.Machine
	mask    rune
}

// NewCensor builds the automaton for words. It returns nil, a censor that
// passes everything through, when there is nothing to match.
func NewCensor(words []string) (*Censor, error) {
	var patterns [][]rune
	for _, w := range words {
		if norm := normalizeRunes([]rune(strings.TrimSpace(w))); len(norm) > 0 {
			patterns = append(patterns, norm)
		}
	}
	if len(patterns) == 0 {
		return nil, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	return &Censor{matcher: m, mask: '*'}, nil
}

// Filter returns content with every match replaced by mask characters.
// Normalization maps rune for rune, so match positions line up with the
// original text.
func (c *Censor) Filter(content string) string {
	if c == nil || content == "" {
		return content
	}

	runes := []rune(content)
	matches := c.matcher.MultiPatternSearch(normalizeRunes(runes), false)
	if len(matches) == 0 {
		return content
	}

	for _, match := range matches {
		end := min(match.Pos+len(match.Word), len(runes))
		for i := max(match.Pos, 0); i < end; i++ {
			runes[i] = c.mask
		}
	}
	return string(runes)
}

func normalizeRunes(in []rune) []rune {
	out := make([]rune, len(in))
	for i, r := range in {
		out[i] = unicode.ToLower(simplifyRune(r))
	}
	return out
}

func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3':
		return 'e'
	case '1', '!':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	default:
		return r
	}
}
