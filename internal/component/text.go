package component

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Normalize lowercases s, turns every non-alphanumeric rune into a space and
// collapses runs of whitespace, so "Poll  SFTP!" and "poll sftp" compare equal.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Tokens returns the normalized words of s.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}

// ContainsPhrase reports whether phrase occurs in text on word boundaries.
// Both arguments must already be normalized.
func ContainsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "to": true, "of": true,
	"from": true, "into": true, "in": true, "on": true, "for": true, "with": true,
	"then": true, "it": true, "its": true, "is": true, "be": true, "by": true,
	"at": true, "as": true, "or": true, "that": true, "this": true, "we": true,
	"need": true, "needs": true, "should": true, "please": true, "i": true, "want": true,
}

// IsStopword reports whether a normalized token carries no signal on its own.
func IsStopword(tok string) bool {
	return stopwords[tok]
}

// SplitIdentifier breaks a component type identifier into lowercase words:
// "SFTPAdapter" becomes ["sftp", "adapter"], "json_mapper" ["json", "mapper"].
func SplitIdentifier(id string) []string {
	var (
		words []string
		cur   []rune
	)
	runes := []rune(id)
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	for i, r := range runes {
		switch {
		case !unicode.IsLetter(r) && !unicode.IsDigit(r):
			flush()
		case unicode.IsUpper(r) && len(cur) > 0:
			prevLower := unicode.IsLower(runes[i-1])
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if prevLower || (unicode.IsUpper(runes[i-1]) && nextLower) {
				flush()
			}
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return words
}
