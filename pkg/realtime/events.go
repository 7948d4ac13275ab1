package realtime

import "fmt"

// ServerEventType enumerates the model events the gateway reacts to. Every
// other event type on the wire is dropped (logged at debug level).
type ServerEventType int

// Model event variants.
const (
	EventSessionUpdated ServerEventType = iota
	EventSpeechStarted
	EventSpeechStopped
	EventAudioDelta
	EventResponseDone
	EventOutputCleared
	EventError
)

// String returns the variant name for logs.
func (t ServerEventType) String() string {
	switch t {
	case EventSessionUpdated:
		return "session_updated"
	case EventSpeechStarted:
		return "speech_started"
	case EventSpeechStopped:
		return "speech_stopped"
	case EventAudioDelta:
		return "audio_delta"
	case EventResponseDone:
		return "response_done"
	case EventOutputCleared:
		return "output_cleared"
	case EventError:
		return "error"
	}
	return "unknown"
}

// ServerEvent is one decoded model event.
type ServerEvent struct {
	Type ServerEventType

	// Audio carries the decoded payload of an audio delta. μ-law bytes on the
	// normal path; raw little-endian PCM16 at 16 kHz when PCM16 is set (the
	// model sent a binary frame instead of a JSON delta).
	Audio []byte
	PCM16 bool

	// Err carries the error event's detail.
	Err error
}

// serverError is the nested error object of a model error event.
type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverError) Error() string {
	if e == nil {
		return "realtime: unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("realtime: %s (%s)", e.Message, e.Code)
	}
	return "realtime: " + e.Message
}

// wireServerEvent is the raw JSON shape shared by all inbound model events.
type wireServerEvent struct {
	Type  string       `json:"type"`
	Delta string       `json:"delta,omitempty"`
	Error *serverError `json:"error,omitempty"`
}
