// Package mock provides a test double for the realtime package interfaces.
//
// Use Session to drive the inbound event stream and inspect which methods the
// gateway invoked.
//
// Example:
//
//	sess := &mock.Session{EventsCh: make(chan realtime.ServerEvent, 16)}
//	sess.EventsCh <- realtime.ServerEvent{Type: realtime.EventSessionUpdated}
package mock

import (
	"sync"

	"github.com/MrWong99/trunkline/pkg/realtime"
)

// UpdateSessionCall records a single invocation of Session.UpdateSession.
type UpdateSessionCall struct {
	// Cfg is the SessionConfig passed to UpdateSession.
	Cfg realtime.SessionConfig
}

// AppendAudioCall records a single invocation of Session.AppendAudio.
type AppendAudioCall struct {
	// Payload is the base64 audio string passed to AppendAudio.
	Payload string
}

// CreateResponseCall records a single invocation of Session.CreateResponse.
type CreateResponseCall struct {
	// Instructions is the string passed to CreateResponse.
	Instructions string
}

// Session is a mock implementation of realtime.ModelSession.
// Callers should pre-populate EventsCh, then close it to signal
// end-of-session.
type Session struct {
	mu sync.Mutex

	// EventsCh is the channel returned by Events(). Callers own this channel.
	EventsCh chan realtime.ServerEvent

	// ErrValue is returned by Err.
	ErrValue error

	// --- Configurable errors ---

	// UpdateSessionErr, if non-nil, is returned by every UpdateSession call.
	UpdateSessionErr error

	// AppendAudioErr, if non-nil, is returned by every AppendAudio call.
	AppendAudioErr error

	// ClearInputErr, if non-nil, is returned by every ClearInput call.
	ClearInputErr error

	// CreateResponseErr, if non-nil, is returned by every CreateResponse call.
	CreateResponseErr error

	// CancelResponseErr, if non-nil, is returned by every CancelResponse call.
	CancelResponseErr error

	// ClearOutputErr, if non-nil, is returned by every ClearOutput call.
	ClearOutputErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// UpdateSessionCalls records every call to UpdateSession in order.
	UpdateSessionCalls []UpdateSessionCall

	// AppendAudioCalls records every call to AppendAudio in order.
	AppendAudioCalls []AppendAudioCall

	// CreateResponseCalls records every call to CreateResponse in order.
	CreateResponseCalls []CreateResponseCall

	// ClearInputCallCount is the number of times ClearInput was called.
	ClearInputCallCount int

	// CancelResponseCallCount is the number of times CancelResponse was called.
	CancelResponseCallCount int

	// ClearOutputCallCount is the number of times ClearOutput was called.
	ClearOutputCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// UpdateSession records the call and returns UpdateSessionErr.
func (s *Session) UpdateSession(cfg realtime.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateSessionCalls = append(s.UpdateSessionCalls, UpdateSessionCall{Cfg: cfg})
	return s.UpdateSessionErr
}

// AppendAudio records the call and returns AppendAudioErr.
func (s *Session) AppendAudio(payloadB64 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AppendAudioCalls = append(s.AppendAudioCalls, AppendAudioCall{Payload: payloadB64})
	return s.AppendAudioErr
}

// ClearInput records the call and returns ClearInputErr.
func (s *Session) ClearInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearInputCallCount++
	return s.ClearInputErr
}

// CreateResponse records the call and returns CreateResponseErr.
func (s *Session) CreateResponse(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CreateResponseCalls = append(s.CreateResponseCalls, CreateResponseCall{Instructions: instructions})
	return s.CreateResponseErr
}

// CancelResponse records the call and returns CancelResponseErr.
func (s *Session) CancelResponse() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelResponseCallCount++
	return s.CancelResponseErr
}

// ClearOutput records the call and returns ClearOutputErr.
func (s *Session) ClearOutput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearOutputCallCount++
	return s.ClearOutputErr
}

// Events returns EventsCh.
func (s *Session) Events() <-chan realtime.ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.EventsCh
}

// Err returns ErrValue.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrValue
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Snapshot returns copies of the recorded call slices and counters under the
// lock. Useful when the session is still being driven by another goroutine.
func (s *Session) Snapshot() (updates []UpdateSessionCall, appends []AppendAudioCall, responses []CreateResponseCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates = append(updates, s.UpdateSessionCalls...)
	appends = append(appends, s.AppendAudioCalls...)
	responses = append(responses, s.CreateResponseCalls...)
	return updates, appends, responses
}

// Counts returns the no-argument call counters under the lock.
func (s *Session) Counts() (clearInput, cancelResponse, clearOutput, closed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ClearInputCallCount, s.CancelResponseCallCount, s.ClearOutputCallCount, s.CloseCallCount
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateSessionCalls = nil
	s.AppendAudioCalls = nil
	s.CreateResponseCalls = nil
	s.ClearInputCallCount = 0
	s.CancelResponseCallCount = 0
	s.ClearOutputCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements realtime.ModelSession at compile time.
var _ realtime.ModelSession = (*Session)(nil)
