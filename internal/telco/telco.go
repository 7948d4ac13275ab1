// Package telco wraps the telephony provider's REST API and TwiML documents.
//
// The gateway talks to the provider in four ways: creating outbound calls,
// redirecting an in-flight call to new TwiML (auto-press), hanging up, and
// arming dual-channel recording on inbound calls. All of them are thin REST
// calls authenticated with the operator's account credentials.
package telco

import (
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Compile-time assertion that Client satisfies CallController.
var _ CallController = (*Client)(nil)

// statusCallbackEvents are the call lifecycle transitions reported to the
// status webhook.
var statusCallbackEvents = []string{"initiated", "ringing", "answered", "completed"}

// CreateCallRequest describes one outbound call.
type CreateCallRequest struct {
	// To is the E.164 destination.
	To string

	// From overrides the configured outbound caller id when non-empty.
	From string

	// TwiMLURL is fetched by the provider when the callee answers.
	TwiMLURL string

	// StatusCallbackURL receives lifecycle events for the call.
	StatusCallbackURL string

	// RecordingCallbackURL receives the recording-complete webhook. When
	// non-empty the call is recorded dual-channel from answer.
	RecordingCallbackURL string
}

// CallController is the REST surface the gateway needs. Implementations must
// be safe for concurrent use.
type CallController interface {
	// CreateCall places an outbound call and returns the provider call SID.
	CreateCall(req CreateCallRequest) (string, error)

	// RedirectTwiML swaps the in-flight call onto the given TwiML document.
	RedirectTwiML(callSID, doc string) error

	// Hangup ends the call.
	Hangup(callSID string) error

	// StartDualRecording arms dual-channel recording on a live call, with
	// completion delivered to callbackURL.
	StartDualRecording(callSID, callbackURL string) error
}

// restAPI is the slice of the provider SDK the client uses. It matches the
// generated *openapi.ApiService methods so the SDK satisfies it directly and
// tests can substitute a recorder.
type restAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
	CreateCallRecording(callSID string, params *openapi.CreateCallRecordingParams) (*openapi.ApiV2010CallRecording, error)
}

// Client implements CallController against the Twilio REST API.
type Client struct {
	api    restAPI
	from   string
	logger *slog.Logger
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithLogger sets the logger for REST warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a Client authenticated with the account credentials.
// from is the default outbound caller id.
func NewClient(accountSID, authToken, from string, opts ...Option) *Client {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	c := &Client{
		api:    rest.Api,
		from:   from,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CreateCall places an outbound call with status callbacks and, when a
// recording callback is given, dual-channel recording from answer.
func (c *Client) CreateCall(req CreateCallRequest) (string, error) {
	from := req.From
	if from == "" {
		from = c.from
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetUrl(req.TwiMLURL)
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackEvent(statusCallbackEvents)
		params.SetStatusCallbackMethod("POST")
	}
	if req.RecordingCallbackURL != "" {
		params.SetRecord(true)
		params.SetRecordingChannels("dual")
		params.SetRecordingStatusCallback(req.RecordingCallbackURL)
		params.SetRecordingStatusCallbackMethod("POST")
	}

	call, err := c.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("telco: create call to %s: %w", req.To, err)
	}
	if call.Sid == nil {
		return "", fmt.Errorf("telco: create call to %s: no sid in response", req.To)
	}
	return *call.Sid, nil
}

// RedirectTwiML swaps the live call onto doc. Used by the auto-press engine
// to take over a spam call.
func (c *Client) RedirectTwiML(callSID, doc string) error {
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(doc)
	if _, err := c.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("telco: redirect call %s: %w", callSID, err)
	}
	return nil
}

// Hangup ends the call by forcing its status to completed.
func (c *Client) Hangup(callSID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := c.api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("telco: hangup call %s: %w", callSID, err)
	}
	return nil
}

// StartDualRecording arms dual-channel recording on a live inbound call.
func (c *Client) StartDualRecording(callSID, callbackURL string) error {
	params := &openapi.CreateCallRecordingParams{}
	params.SetRecordingChannels("dual")
	if callbackURL != "" {
		params.SetRecordingStatusCallback(callbackURL)
		params.SetRecordingStatusCallbackMethod("POST")
	}
	if _, err := c.api.CreateCallRecording(callSID, params); err != nil {
		return fmt.Errorf("telco: start recording on call %s: %w", callSID, err)
	}
	return nil
}
