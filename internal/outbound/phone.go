package outbound

import (
	"fmt"
	"strings"
)

// looksLikePhone reports whether token reads as a dialable number rather
// than a name: digits, phone punctuation and an optional leading plus.
func looksLikePhone(token string) bool {
	if token == "" {
		return false
	}
	digits := 0
	for i, r := range token {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 7
}

// NormalizeE164 returns the +E.164 form of number. Bare ten-digit numbers
// get the US country code; eleven digits starting with 1 are taken as
// US-international; anything with an explicit plus keeps its country code.
func NormalizeE164(number string) (string, error) {
	var b strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()

	switch {
	case strings.HasPrefix(strings.TrimSpace(number), "+") && len(d) >= 11 && len(d) <= 15:
		return "+" + d, nil
	case len(d) == 10:
		return "+1" + d, nil
	case len(d) == 11 && d[0] == '1':
		return "+" + d, nil
	}
	return "", fmt.Errorf("cannot normalize %q to E.164", number)
}
