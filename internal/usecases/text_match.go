package usecases

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldText lowercases s and strips diacritics so "Renovação" matches "renovacao".
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '#'
	})
}

// containsKeyword reports whether the folded keyword occurs in text as a
// whole word, or as a whole phrase for multi-word keywords.
func containsKeyword(text, keyword string) bool {
	kw := words(foldText(keyword))
	if len(kw) == 0 {
		return false
	}
	tw := words(foldText(text))
	for i := 0; i+len(kw) <= len(tw); i++ {
		match := true
		for j := range kw {
			if tw[i+j] != kw[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
