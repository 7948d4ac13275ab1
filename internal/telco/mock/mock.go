// Package mock provides a test double for the telco package interfaces.
//
// Use Controller to verify which REST operations the gateway issued without
// touching the provider API.
package mock

import (
	"sync"

	"github.com/MrWong99/trunkline/internal/telco"
)

// CreateCallCall records a single invocation of Controller.CreateCall.
type CreateCallCall struct {
	// Req is the request passed to CreateCall.
	Req telco.CreateCallRequest
}

// RedirectCall records a single invocation of Controller.RedirectTwiML.
type RedirectCall struct {
	// CallSID is the call that was redirected.
	CallSID string
	// Doc is the TwiML document passed.
	Doc string
}

// RecordingCall records a single invocation of Controller.StartDualRecording.
type RecordingCall struct {
	// CallSID is the call recording was armed on.
	CallSID string
	// CallbackURL is the recording status callback.
	CallbackURL string
}

// Controller is a mock implementation of telco.CallController.
type Controller struct {
	mu sync.Mutex

	// SID is returned by CreateCall. Defaults to "CA-mock".
	SID string

	// CreateCallErr, if non-nil, is returned by every CreateCall call.
	CreateCallErr error

	// RedirectErr, if non-nil, is returned by every RedirectTwiML call.
	RedirectErr error

	// HangupErr, if non-nil, is returned by every Hangup call.
	HangupErr error

	// RecordingErr, if non-nil, is returned by every StartDualRecording call.
	RecordingErr error

	// CreateCallCalls records every call to CreateCall in order.
	CreateCallCalls []CreateCallCall

	// RedirectCalls records every call to RedirectTwiML in order.
	RedirectCalls []RedirectCall

	// HangupSIDs records the call SIDs passed to Hangup in order.
	HangupSIDs []string

	// RecordingCalls records every call to StartDualRecording in order.
	RecordingCalls []RecordingCall
}

// CreateCall records the call and returns SID, CreateCallErr.
func (c *Controller) CreateCall(req telco.CreateCallRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateCallCalls = append(c.CreateCallCalls, CreateCallCall{Req: req})
	if c.CreateCallErr != nil {
		return "", c.CreateCallErr
	}
	if c.SID == "" {
		return "CA-mock", nil
	}
	return c.SID, nil
}

// RedirectTwiML records the call and returns RedirectErr.
func (c *Controller) RedirectTwiML(callSID, doc string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RedirectCalls = append(c.RedirectCalls, RedirectCall{CallSID: callSID, Doc: doc})
	return c.RedirectErr
}

// Hangup records the call and returns HangupErr.
func (c *Controller) Hangup(callSID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HangupSIDs = append(c.HangupSIDs, callSID)
	return c.HangupErr
}

// StartDualRecording records the call and returns RecordingErr.
func (c *Controller) StartDualRecording(callSID, callbackURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecordingCalls = append(c.RecordingCalls, RecordingCall{CallSID: callSID, CallbackURL: callbackURL})
	return c.RecordingErr
}

// Hangups returns a copy of the recorded hangup SIDs under the lock.
func (c *Controller) Hangups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.HangupSIDs...)
}

// Redirects returns a copy of the recorded redirects under the lock.
func (c *Controller) Redirects() []RedirectCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RedirectCall(nil), c.RedirectCalls...)
}

// Recordings returns a copy of the recorded recording starts under the lock.
func (c *Controller) Recordings() []RecordingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RecordingCall(nil), c.RecordingCalls...)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (c *Controller) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CreateCallCalls = nil
	c.RedirectCalls = nil
	c.HangupSIDs = nil
	c.RecordingCalls = nil
}

// Ensure Controller implements telco.CallController at compile time.
var _ telco.CallController = (*Controller)(nil)
