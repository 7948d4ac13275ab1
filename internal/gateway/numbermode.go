package gateway

import (
	"strings"
	"unicode"
)

// digitWords maps spoken digit tokens to their presence in a transcript line.
// Transcription renders dictated digits either as numerals or as words, so
// both count.
var digitWords = map[string]bool{
	"zero": true, "oh": true, "o": true,
	"one": true, "two": true, "three": true,
	"four": true, "five": true, "six": true,
	"seven": true, "eight": true, "nine": true,
}

// countDigits counts the digits a caller dictated in one transcript line:
// numeric runes plus spoken digit words.
func countDigits(text string) int {
	n := 0
	for _, r := range text {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		if digitWords[w] {
			n++
		}
	}
	return n
}

// hasPhonePunctuation reports whether the line carries the punctuation of a
// formatted phone number. A dash or parenthesis alongside any digits is a
// strong dictation signal even before three digits accumulate.
func hasPhonePunctuation(text string) bool {
	return strings.ContainsAny(text, "-()")
}
