// Package call holds the per-call state shared between the session loop and
// the webhook-driven components, and the store that maps call ids to it.
//
// The session loop is the sole writer of the call phase; every other field is
// guarded by the state's own mutex so transcript webhooks, the idle watchdog
// and the auto-press engine can update their slices of the state without
// coordinating with the loop.
package call

import (
	"sync"
	"time"
)

// Phase is the lifecycle position of a call. Phases only move forward.
type Phase int

// Call lifecycle phases.
const (
	PhaseNew Phase = iota
	PhaseStreamStarted
	PhaseSessionReady
	PhaseGreeted
	PhaseActive
	PhaseEnding
	PhaseDone
)

// String returns the phase name for logs.
func (p Phase) String() string {
	switch p {
	case PhaseNew:
		return "new"
	case PhaseStreamStarted:
		return "stream_started"
	case PhaseSessionReady:
		return "session_ready"
	case PhaseGreeted:
		return "greeted"
	case PhaseActive:
		return "active"
	case PhaseEnding:
		return "ending"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// Role identifies the speaker of a transcript entry.
type Role string

// Transcript roles.
const (
	RoleCaller    Role = "caller"
	RoleAssistant Role = "assistant"
)

// Entry is one timestamped utterance.
type Entry struct {
	Role Role
	Text string
	At   time.Time
}

// OutboundMeta describes the outbound context carried in the stream's custom
// parameters. Zero value on inbound calls.
type OutboundMeta struct {
	IsOutbound    bool
	Reason        string
	Theme         string
	RecipientName string
}

// Meta is the immutable-after-start call metadata.
type Meta struct {
	From       string
	To         string
	CallerName string
	StartedAt  time.Time
	Outbound   OutboundMeta
}

// Voice is the locked voice decision for a call.
type Voice struct {
	Selected      string
	AssistantName string
}

// State is the shared mutable state of one live call. All exported methods
// are safe for concurrent use.
type State struct {
	// CallSID and StreamSID are assigned externally and immutable once set
	// by the session loop.
	CallSID   string
	StreamSID string

	mu sync.Mutex

	meta  Meta
	phase Phase
	voice Voice

	sessionReady bool
	greetingSent bool

	bargeInActive    bool
	lastBargeInAt    time.Time
	numberModeActive bool

	dncAttempted bool
	dncReason    string

	assistantSpeaking bool

	transcriptStarted  time.Time
	transcriptFinished bool
	events             []Entry

	hangup func()
}

// NewState creates a call state in [PhaseNew].
func NewState(callSID string) *State {
	return &State{CallSID: callSID}
}

// SetMeta stores the call metadata. Called once by the session loop on the
// start event.
func (s *State) SetMeta(m Meta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = m
}

// Meta returns a copy of the call metadata.
func (s *State) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// SetPhase advances the lifecycle. Only the session loop calls this.
func (s *State) SetPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p > s.phase {
		s.phase = p
	}
}

// Phase returns the current lifecycle position.
func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done reports whether the call has reached its terminal phase.
func (s *State) Done() bool {
	return s.Phase() == PhaseDone
}

// SetVoice locks the voice decision for the call.
func (s *State) SetVoice(v Voice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voice = v
}

// Voice returns the locked voice decision.
func (s *State) Voice() Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice
}

// SetSessionReady records the model's session acknowledgement.
func (s *State) SetSessionReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionReady = true
}

// SessionReady reports whether the model acknowledged the session update.
func (s *State) SessionReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionReady
}

// MarkGreetingSent flips the greeting latch. It returns true exactly once;
// every later call returns false, which is what makes the greeting
// single-shot across the immediate attempt and the fallback timer.
func (s *State) MarkGreetingSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.greetingSent {
		return false
	}
	s.greetingSent = true
	return true
}

// GreetingSent reports whether the greeting went out.
func (s *State) GreetingSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.greetingSent
}

// SetBargeIn sets or clears the barge-in mute bit.
func (s *State) SetBargeIn(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bargeInActive = active
	if active {
		s.lastBargeInAt = time.Now()
	}
}

// BargeInActive reports the barge-in mute bit.
func (s *State) BargeInActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bargeInActive
}

// LastBargeInAt returns the time of the last barge-in assertion.
func (s *State) LastBargeInAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBargeInAt
}

// SetNumberMode sets or clears the number-recitation mute bit.
func (s *State) SetNumberMode(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numberModeActive = active
}

// NumberModeActive reports the number-mode mute bit.
func (s *State) NumberModeActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numberModeActive
}

// Muted reports the mute bus: assistant audio must be dropped while either
// barge-in or number-mode holds it.
func (s *State) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bargeInActive || s.numberModeActive
}

// LatchDNC latches the do-not-call attempt. The latch is monotonic: the
// first call wins and returns true, every later call returns false and the
// original reason stays.
func (s *State) LatchDNC(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dncAttempted {
		return false
	}
	s.dncAttempted = true
	s.dncReason = reason
	return true
}

// DNCAttempted reports whether the do-not-call latch is set.
func (s *State) DNCAttempted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dncAttempted
}

// DNCReason returns the reason recorded when the latch was set.
func (s *State) DNCReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dncReason
}

// SetAssistantSpeaking tracks whether model audio is currently flowing.
func (s *State) SetAssistantSpeaking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistantSpeaking = v
}

// AssistantSpeaking reports whether model audio is currently flowing.
func (s *State) AssistantSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assistantSpeaking
}

// MarkTranscriptStarted stamps the transcription start time once.
func (s *State) MarkTranscriptStarted(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcriptStarted.IsZero() {
		s.transcriptStarted = at
	}
}

// TranscriptStartedAt returns the transcription start stamp, zero if the
// provider never reported one.
func (s *State) TranscriptStartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcriptStarted
}

// MarkTranscriptFinished records that the transcript has been rendered and
// dispatched. The first call returns true; later calls false, so a stopped
// event followed by an error event posts only once.
func (s *State) MarkTranscriptFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcriptFinished {
		return false
	}
	s.transcriptFinished = true
	return true
}

// AppendEvent appends a transcript entry stamped now. Timestamps are forced
// strictly monotonic at millisecond resolution so interleaved webhook
// deliveries keep a stable order.
func (s *State) AppendEvent(role Role, text string) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := time.Now()
	if n := len(s.events); n > 0 {
		if last := s.events[n-1].At; !at.After(last) {
			at = last.Add(time.Millisecond)
		}
	}
	e := Entry{Role: role, Text: text, At: at}
	s.events = append(s.events, e)
	return e
}

// Events returns a copy of the transcript entries in append order.
func (s *State) Events() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.events))
	copy(out, s.events)
	return out
}

// SetHangup registers the function that tears the live session down. The
// store's drain path invokes it; the state never owns the sockets.
func (s *State) SetHangup(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hangup = fn
}

// RequestHangup invokes the registered teardown function, if any.
func (s *State) RequestHangup() {
	s.mu.Lock()
	fn := s.hangup
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
