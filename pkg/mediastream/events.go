// Package mediastream implements the telephony media-stream wire protocol:
// JSON events carried over a bidirectional websocket, with caller audio as
// base64-encoded 8 kHz μ-law payloads in 20 ms frames.
//
// The inbound direction (provider → gateway) is parsed into a closed set of
// event kinds; unknown kinds are reported via [ErrUnknownEvent] so callers can
// log and drop them. The outbound direction (gateway → provider) is covered by
// the Media, Clear and Mark message constructors.
package mediastream

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind identifies an inbound media-stream event.
type EventKind string

// Inbound event kinds.
const (
	KindConnected EventKind = "connected"
	KindStart     EventKind = "start"
	KindMedia     EventKind = "media"
	KindStop      EventKind = "stop"
	KindDTMF      EventKind = "dtmf"
	KindMark      EventKind = "mark"
)

// IsValid reports whether k is a known inbound event kind.
func (k EventKind) IsValid() bool {
	switch k {
	case KindConnected, KindStart, KindMedia, KindStop, KindDTMF, KindMark:
		return true
	}
	return false
}

// ErrUnknownEvent is returned by [ParseEvent] for event kinds outside the
// closed set. Callers should log and drop the event.
var ErrUnknownEvent = errors.New("mediastream: unknown event")

// StartInfo carries the identifiers and custom parameters delivered with the
// start event. CustomParameters is populated on outbound calls placed by the
// gateway (to, reason, theme, recipientName, callSid) and may be empty on
// inbound calls.
type StartInfo struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaInfo carries one inbound audio frame.
type MediaInfo struct {
	Track   string `json:"track"`
	Chunk   string `json:"chunk"`
	Payload string `json:"payload"` // base64 μ-law, 8 kHz
}

// DTMFInfo carries an in-band digit press detected by the provider.
type DTMFInfo struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// MarkInfo echoes a previously sent mark message.
type MarkInfo struct {
	Name string `json:"name"`
}

// Event is one parsed inbound media-stream event. Exactly the section matching
// Kind is non-nil.
type Event struct {
	Kind      EventKind
	StreamSID string

	Start *StartInfo
	Media *MediaInfo
	DTMF  *DTMFInfo
	Mark  *MarkInfo
}

// wireEvent is the raw JSON shape shared by all inbound events.
type wireEvent struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid"`
	Start     *StartInfo `json:"start"`
	Media     *MediaInfo `json:"media"`
	DTMF      *DTMFInfo  `json:"dtmf"`
	Mark      *MarkInfo  `json:"mark"`
}

// ParseEvent decodes one inbound media-stream message. Unknown event kinds
// return an error wrapping [ErrUnknownEvent]; malformed JSON returns a plain
// error. In both cases the event should be dropped.
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("mediastream: decode event: %w", err)
	}

	kind := EventKind(w.Event)
	if !kind.IsValid() {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Event)
	}

	ev := Event{Kind: kind, StreamSID: w.StreamSID}
	switch kind {
	case KindStart:
		if w.Start == nil {
			return Event{}, fmt.Errorf("mediastream: start event without start section")
		}
		ev.Start = w.Start
		if ev.StreamSID == "" {
			ev.StreamSID = w.Start.StreamSID
		}
	case KindMedia:
		if w.Media == nil {
			return Event{}, fmt.Errorf("mediastream: media event without media section")
		}
		ev.Media = w.Media
	case KindDTMF:
		ev.DTMF = w.DTMF
	case KindMark:
		ev.Mark = w.Mark
	}
	return ev, nil
}

// outboundMedia is the wire shape of an outbound audio frame.
type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// MediaMessage encodes one outbound audio frame. payload is base64 μ-law.
func MediaMessage(streamSID, payload string) []byte {
	m := outboundMedia{Event: "media", StreamSID: streamSID}
	m.Media.Payload = payload
	b, _ := json.Marshal(m)
	return b
}

// ClearMessage encodes the control message that tells the provider to discard
// any buffered outbound audio for the stream. Used on barge-in.
func ClearMessage(streamSID string) []byte {
	b, _ := json.Marshal(struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
	}{Event: "clear", StreamSID: streamSID})
	return b
}

// MarkMessage encodes a named mark. The provider echoes it back once all audio
// queued before the mark has been played out.
func MarkMessage(streamSID, name string) []byte {
	b, _ := json.Marshal(struct {
		Event     string `json:"event"`
		StreamSID string `json:"streamSid"`
		Mark      struct {
			Name string `json:"name"`
		} `json:"mark"`
	}{
		Event:     "mark",
		StreamSID: streamSID,
		Mark: struct {
			Name string `json:"name"`
		}{Name: name},
	})
	return b
}
