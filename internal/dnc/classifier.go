// Package dnc implements the auto-press removal engine.
//
// Robocall campaigns commonly offer an IVR escape hatch ("press nine to be
// removed from our list"). The classifier scans caller transcript lines for
// that instruction, the rate limiter suppresses repeat attempts from the same
// source, and the engine latches the do-not-call attempt on the call state
// and redirects the live call to a document that presses the digit.
package dnc

import (
	"regexp"
	"strings"
)

// Classification reasons, in decreasing confidence order.
const (
	ReasonStrongRemoval  = "strong-removal"
	ReasonRemovalKeyword = "removal-keyword"
	ReasonSpamCallerName = "spam-caller-name"
	ReasonWeakContext    = "weak-context"
	ReasonPressOnly      = "press-only"
)

// Confidence tiers assigned by Classify.
const (
	confStrongRemoval  = 0.97
	confRemovalKeyword = 0.94
	confSpamCallerName = 0.90
	confWeakContext    = 0.35
	confPressOnly      = 0.25
)

// Classification is the outcome of scanning one caller utterance. A zero
// Digit means no press instruction was found and nothing may fire.
type Classification struct {
	// Digit is the DTMF digit the script asked for, normalized to "0".."9".
	Digit string

	// Confidence estimates how likely the utterance is a removal prompt.
	Confidence float64

	// Reason is a short label for logs naming the tier that matched.
	Reason string
}

const digitAlt = `\d|zero|oh|one|two|three|four|five|six|seven|eight|nine`

var (
	// pressDigitRe captures the digit (numeral or word) of an IVR press
	// instruction.
	pressDigitRe = regexp.MustCompile(`(?i)\b(?:press|dial|hit|enter|push|tap)\s+(?:the\s+)?(` + digitAlt + `)\b`)

	// strongRemovalRe matches a press instruction whose purpose clause asks
	// for removal, the script shape "press N to be removed". The clause must
	// stay within the same sentence.
	strongRemovalRe = regexp.MustCompile(`(?i)\b(?:press|dial|hit|enter|push|tap)\s+(?:the\s+)?(` + digitAlt + `)\b[^.?!]{0,60}?\b(?:remov|opt(?:ed)?[\s-]?out|unsubscrib|do\s+not\s+call|don'?t\s+call)`)

	// removalKeywordRe matches removal vocabulary anywhere in the line.
	removalKeywordRe = regexp.MustCompile(`(?i)\b(?:remov(?:e|ed|al)|opt(?:ed)?[\s-]?out|unsubscrib(?:e|ed|ing)|do\s+not\s+call|don'?t\s+call|stop\s+(?:calling|receiving|these\s+calls))\b`)

	// weakContextRe marks generic IVR vocabulary that is not removal-specific.
	weakContextRe = regexp.MustCompile(`(?i)\b(?:call|calls|list|menu|message|representative|operator)\b`)

	// spamNameRe matches provider caller-name labels for flagged sources.
	spamNameRe = regexp.MustCompile(`(?i)spam|scam`)
)

var digitWords = map[string]string{
	"zero": "0", "oh": "0",
	"one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
}

// Classify scans one caller utterance for an IVR removal instruction and
// scores it. callerName is the provider's caller-name lookup for the source,
// used for the spam-label tier.
//
// When the utterance offers several press targets, the one tied to a removal
// clause wins over the first one mentioned.
func Classify(utterance, callerName string) Classification {
	if m := strongRemovalRe.FindStringSubmatch(utterance); m != nil {
		return Classification{Digit: wordToDigit(m[1]), Confidence: confStrongRemoval, Reason: ReasonStrongRemoval}
	}

	m := pressDigitRe.FindStringSubmatch(utterance)
	if m == nil {
		return Classification{}
	}

	c := Classification{Digit: wordToDigit(m[1]), Confidence: confPressOnly, Reason: ReasonPressOnly}
	switch {
	case removalKeywordRe.MatchString(utterance):
		c.Confidence, c.Reason = confRemovalKeyword, ReasonRemovalKeyword
	case IsSpamCallerName(callerName):
		c.Confidence, c.Reason = confSpamCallerName, ReasonSpamCallerName
	case weakContextRe.MatchString(utterance):
		c.Confidence, c.Reason = confWeakContext, ReasonWeakContext
	}
	return c
}

// IsSpamCallerName reports whether the provider's caller-name lookup flagged
// the source, e.g. "SPAM LIKELY" or "Scam Likely".
func IsSpamCallerName(name string) bool {
	return spamNameRe.MatchString(name)
}

func wordToDigit(s string) string {
	if d, ok := digitWords[strings.ToLower(s)]; ok {
		return d
	}
	return s
}
