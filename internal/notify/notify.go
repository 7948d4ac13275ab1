// Package notify delivers call artifacts to the operator: transcripts,
// fetched recordings and notable lifecycle events. Destinations implement
// [Sink]; the Telegram sender and the sheet-webhook poster are the built-in
// ones.
//
// Delivery is best effort. Callers run posts off the call path and log
// failures; nothing here blocks audio.
package notify

import (
	"context"
	"time"

	"github.com/MrWong99/trunkline/internal/transcript"
)

// Recording is a fetched call recording ready for delivery.
type Recording struct {
	CallSID      string
	RecordingSID string
	Duration     time.Duration

	// Audio is the raw file body.
	Audio []byte

	// Format is the file extension without the dot, mp3 or wav.
	Format string
}

// Event is a notable call-lifecycle moment worth telling the operator
// about, such as an auto-press fire or a failed outbound call.
type Event struct {
	CallSID string
	Kind    string
	Text    string
	At      time.Time
}

// Sink delivers call artifacts to one external destination. Implementations
// must be safe for concurrent use.
type Sink interface {
	PostTranscript(ctx context.Context, s transcript.Summary) error
	PostRecording(ctx context.Context, r Recording) error
	PostEvent(ctx context.Context, e Event) error
}
