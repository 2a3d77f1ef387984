// Package repetition flags degenerate model output that is stuck repeating
// the same token or phrase.
package repetition

import (
	"strings"
	"unicode"
)

const (
	// MinTailLength is the fewest tokens a sequence needs before it can be judged
	MinTailLength = 10
	// MaxPeriod is the longest repeating pattern considered
	MaxPeriod = 30
)

// minRepeats is how many whole copies of a pattern of the given period must
// appear at the end of the sequence. Short patterns need more copies.
func minRepeats(period int) int {
	switch {
	case period <= 5:
		return 4
	case period <= 15:
		return 3
	default:
		return 2
	}
}

// IsRepetitive reports whether the tail of tokens is a loop of one pattern.
// Whitespace-only tokens are interchangeable, and the check is repeated with
// whitespace tokens removed so a stray indentation change does not hide a loop.
func IsRepetitive(tokens []string) bool {
	if repeatsAtTail(tokens) {
		return true
	}
	stripped := withoutWhitespace(tokens)
	if len(stripped) == len(tokens) {
		return false
	}
	return repeatsAtTail(stripped)
}

func repeatsAtTail(tokens []string) bool {
	n := len(tokens)
	if n < MinTailLength {
		return false
	}
	for period := 1; period <= MaxPeriod; period++ {
		required := max(minRepeats(period), ceilDiv(MinTailLength, period))
		span := required * period
		if span > n {
			continue
		}
		if isPeriodic(tokens[n-span:], period) {
			return true
		}
	}
	return false
}

// isPeriodic reports whether every token equals the token one period earlier
func isPeriodic(window []string, period int) bool {
	for i := period; i < len(window); i++ {
		if !tokensMatch(window[i], window[i-period]) {
			return false
		}
	}
	return true
}

func tokensMatch(a, b string) bool {
	if a == b {
		return true
	}
	return isWhitespace(a) && isWhitespace(b)
}

func isWhitespace(tok string) bool {
	return tok != "" && strings.TrimSpace(tok) == ""
}

func withoutWhitespace(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if !isWhitespace(tok) {
			out = append(out, tok)
		}
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Tokenize splits text into identifier/number runs, whitespace runs, and
// single punctuation characters.
func Tokenize(text string) []string {
	var tokens []string
	runes := []rune(text)
	for i := 0; i < len(runes); {
		j := i + 1
		switch {
		case unicode.IsSpace(runes[i]):
			for j < len(runes) && unicode.IsSpace(runes[j]) {
				j++
			}
		case isWordRune(runes[i]):
			for j < len(runes) && isWordRune(runes[j]) {
				j++
			}
		}
		tokens = append(tokens, string(runes[i:j]))
		i = j
	}
	return tokens
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// HasRepeatedLines reports whether any line longer than minLineLen (after
// trimming) occurs at least times times in text.
func HasRepeatedLines(text string, minLineLen, times int) bool {
	counts := make(map[string]int)
	for _, line := range strings.Split(text, "\n") {
		clean := strings.TrimSpace(line)
		if len(clean) <= minLineLen {
			continue
		}
		counts[clean]++
		if counts[clean] >= times {
			return true
		}
	}
	return false
}

// IsDegenerate combines the token-loop and repeated-line checks used to
// discard a completion before it is shown.
func IsDegenerate(text string) bool {
	return HasRepeatedLines(text, 10, 2) || IsRepetitive(Tokenize(text))
}
