package telco

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/twilio/twilio-go/twiml"
)

// StreamParams are the values embedded as <Parameter> elements of the media
// stream, surfaced back to the gateway in the start event's customParameters.
// Empty fields are omitted from the document.
type StreamParams struct {
	From          string
	To            string
	CallerName    string
	CallSID       string
	Reason        string
	Theme         string
	RecipientName string
}

// StreamDocument builds the TwiML that wires a call into the gateway: start
// both-track live transcription reporting to transcriptionCallbackURL, then
// connect the call audio to the media websocket at mediaURL with the given
// stream parameters. Serves both the inbound and the outbound TwiML endpoints;
// they differ only in which parameters they populate.
func StreamDocument(mediaURL, transcriptionCallbackURL string, p StreamParams) (string, error) {
	var verbs []twiml.Element

	if transcriptionCallbackURL != "" {
		verbs = append(verbs, &twiml.VoiceStart{
			InnerElements: []twiml.Element{
				&twiml.VoiceTranscription{
					Track:                "both_tracks",
					StatusCallbackUrl:    transcriptionCallbackURL,
					StatusCallbackMethod: "POST",
				},
			},
		})
	}

	stream := &twiml.VoiceStream{Url: mediaURL}
	for _, kv := range []struct{ name, value string }{
		{"from", p.From},
		{"to", p.To},
		{"callerName", p.CallerName},
		{"callSid", p.CallSID},
		{"reason", p.Reason},
		{"theme", p.Theme},
		{"recipientName", p.RecipientName},
	} {
		if kv.value == "" {
			continue
		}
		stream.InnerElements = append(stream.InnerElements, &twiml.VoiceParameter{
			Name:  kv.name,
			Value: kv.value,
		})
	}
	verbs = append(verbs, &twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	})

	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("telco: render stream twiml: %w", err)
	}
	return doc, nil
}

// AutoPressDocument builds the TwiML envelope the auto-press engine redirects
// a spam call onto: play the DTMF digits (with inter-digit waits), optionally
// speak a removal line, then either hang up or linger a few seconds so any
// far-end confirmation lands on the recording before the document ends.
func AutoPressDocument(digits []string, gap time.Duration, sayLine string, hangupAfter bool) (string, error) {
	if len(digits) == 0 {
		return "", fmt.Errorf("telco: auto-press needs at least one digit")
	}

	// In a Play digits string every "w" is a 0.5 s wait.
	waits := strings.Repeat("w", waitCount(gap))
	var verbs []twiml.Element
	verbs = append(verbs, &twiml.VoicePlay{Digits: strings.Join(digits, waits)})

	if sayLine != "" {
		verbs = append(verbs, &twiml.VoiceSay{Message: sayLine})
	}
	if hangupAfter {
		verbs = append(verbs, &twiml.VoiceHangup{})
	} else {
		verbs = append(verbs, &twiml.VoicePause{Length: "10"})
	}

	doc, err := twiml.Voice(verbs)
	if err != nil {
		return "", fmt.Errorf("telco: render auto-press twiml: %w", err)
	}
	return doc, nil
}

// waitCount converts a gap duration to a number of half-second waits, at
// least one.
func waitCount(gap time.Duration) int {
	n := int(math.Round(gap.Seconds() * 2))
	if n < 1 {
		n = 1
	}
	return n
}
