// Package grep provides the line filters used by the filter stage.
package grep

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ei12134/monitor/pkg/core"
)

// Mode selects how a pattern is matched against a line.
type Mode string

const (
	// ModeSubstring matches any occurrence of the pattern.
	ModeSubstring Mode = "substring"
	// ModeWord matches the pattern only as a whole word, like grep -w.
	ModeWord Mode = "word"
)

// New returns a filter for pattern in the given mode.
func New(mode Mode, pattern string) (core.LineFilter, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern: %w", core.ErrConfig)
	}
	switch mode {
	case ModeSubstring:
		return Substring(pattern), nil
	case ModeWord, "":
		return Word(pattern), nil
	default:
		return nil, fmt.Errorf("unknown match mode %q: %w", mode, core.ErrConfig)
	}
}

// Substring matches lines containing the pattern anywhere.
type Substring string

func (s Substring) Match(line string) bool {
	return strings.Contains(line, string(s))
}

// Word matches lines where the pattern occurs with non-word characters (or
// the line edges) on both sides. Word characters are letters, digits and '_'.
type Word string

func (w Word) Match(line string) bool {
	pat := string(w)
	for from := 0; from <= len(line)-len(pat); {
		i := strings.Index(line[from:], pat)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(pat)
		if !wordBefore(line, start) && !wordAfter(line, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(line[start:])
		from = start + size
	}
	return false
}

func wordBefore(s string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return isWordRune(r)
}

func wordAfter(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return isWordRune(r)
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
