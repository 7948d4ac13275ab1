// Package transcript turns the provider's transcription callbacks into a
// readable two-speaker document.
//
// The telephony provider transcribes both tracks of a call and posts the
// results as webhook events. The [Integrator] accumulates the utterances on
// the call state, drops the assistant's opening line when it merely echoes
// the greeting the gateway already spoke, and on stream end renders the
// interleaved timeline into "<Role>:\n<text>" turns for the notify sinks.
package transcript

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/MrWong99/trunkline/internal/call"
)

// EventKind is the transcription callback event name.
type EventKind string

// Transcription callback kinds as posted by the provider.
const (
	KindStarted EventKind = "transcription-started"
	KindContent EventKind = "transcription-content"
	KindStopped EventKind = "transcription-stopped"
	KindError   EventKind = "transcription-error"
)

// Provider track labels.
const (
	trackInbound  = "inbound_track"
	trackOutbound = "outbound_track"
)

// Event is one transcription callback, already decoded from the webhook
// form payload.
type Event struct {
	// Kind is the callback event name.
	Kind EventKind

	// CallSID identifies the call.
	CallSID string

	// Track is the provider track label, inbound_track or outbound_track.
	// Only meaningful on content events.
	Track string

	// Data is the structured payload, a JSON object in a string field
	// carrying at least {"transcript": "..."}. May be empty.
	Data string

	// Text is the plain-text fallback used when Data is absent or does not
	// parse.
	Text string

	// ErrorMessage carries the provider's description on error events.
	ErrorMessage string
}

// Summary is the rendered transcript of one finished call plus the metadata
// sinks need to label it.
type Summary struct {
	CallSID    string
	From       string
	To         string
	CallerName string
	Outbound   bool

	// StartedAt is the transcription start stamp, falling back to the call's
	// start when the provider never reported one.
	StartedAt time.Time

	// EndedAt is when the transcription session ended.
	EndedAt time.Time

	// Failed is true when the session ended with a transcription-error event.
	Failed bool

	// Text is the rendered document, one "<Role>:\n<text>" block per turn.
	Text string
}

// Sink receives finished transcripts. Implementations must be safe for
// concurrent use.
type Sink interface {
	PostTranscript(ctx context.Context, s Summary) error
}

// transcriptionData is the structured content payload.
type transcriptionData struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// extractText pulls the utterance out of a content event, preferring the
// structured payload over the plain-text field.
func extractText(ev Event) string {
	if ev.Data != "" {
		var d transcriptionData
		if err := json.Unmarshal([]byte(ev.Data), &d); err == nil {
			if t := strings.TrimSpace(d.Transcript); t != "" {
				return t
			}
		}
	}
	return strings.TrimSpace(ev.Text)
}

// normalize lowercases, collapses whitespace and straightens curly
// apostrophes so marker tests survive transcription variance.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "’", "'")
	return strings.Join(strings.Fields(s), " ")
}

// roleForTrack maps a provider track label to the speaker role.
func roleForTrack(track string) (call.Role, bool) {
	switch track {
	case trackInbound:
		return call.RoleCaller, true
	case trackOutbound:
		return call.RoleAssistant, true
	}
	return "", false
}
