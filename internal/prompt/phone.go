package prompt

import "strings"

// NormalizeLast10 strips every non-digit from s and keeps the last ten
// digits. Shorter inputs keep all their digits; an input without digits
// returns "".
func NormalizeLast10(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) > 10 {
		return digits[len(digits)-10:]
	}
	return digits
}

// Last4 returns the last four digits of the normalized form of s, or "" when
// fewer than four digits are present. These are the only digits the assistant
// is ever allowed to confirm aloud.
func Last4(s string) string {
	digits := NormalizeLast10(s)
	if len(digits) < 4 {
		return ""
	}
	return digits[len(digits)-4:]
}

// FirstName returns the first whitespace-separated token of a display name.
func FirstName(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
