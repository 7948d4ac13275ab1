// Package realtime implements the websocket client for the model's realtime
// speech session.
//
// A [Dialer] opens the socket; the returned session is configured afterwards
// via [ModelSession.UpdateSession] because the gateway dials while the
// telephony stream is still handshaking and only learns the caller (and with
// it voice and instructions) from the start event. Inbound events are decoded
// into the closed [ServerEvent] variant set and delivered on a channel that
// closes when the socket dies.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Compile-time assertion that Session satisfies ModelSession.
var _ ModelSession = (*Session)(nil)

const (
	defaultModel   = "gpt-realtime"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// SessionConfig is the per-call session configuration sent with
// session.update.
type SessionConfig struct {
	// Voice is the model voice name.
	Voice string

	// Instructions is the full per-call instruction document.
	Instructions string

	// VADThreshold tunes the server-side voice activity detector. Zero means
	// the model default.
	VADThreshold float64
}

// ModelSession is the per-call handle on the model socket.
type ModelSession interface {
	// UpdateSession applies voice, audio formats, VAD tuning and
	// instructions. Sent once per call before any audio.
	UpdateSession(cfg SessionConfig) error

	// AppendAudio forwards one chunk of base64 μ-law caller audio.
	AppendAudio(payloadB64 string) error

	// ClearInput discards the model's buffered input audio.
	ClearInput() error

	// CreateResponse asks the model to speak, optionally with one-shot
	// instructions (the greeting and the goodbye use this).
	CreateResponse(instructions string) error

	// CancelResponse aborts the in-flight model response.
	CancelResponse() error

	// ClearOutput discards the model's buffered output audio.
	ClearOutput() error

	// Events returns the inbound event stream. The channel closes when the
	// socket dies or the session is closed.
	Events() <-chan ServerEvent

	// Err returns the first transport error after Events closes, nil on
	// orderly shutdown.
	Err() error

	// Close tears the socket down. Idempotent.
	Close() error
}

// ── Dialer ───────────────────────────────────────────────────────────────────

// Dialer opens model sessions.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Option is a functional option for configuring a [Dialer].
type Option func(*Dialer)

// WithModel sets the model requested on dial.
func WithModel(model string) Option {
	return func(d *Dialer) {
		if model != "" {
			d.model = model
		}
	}
}

// WithBaseURL overrides the websocket base URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) {
		if url != "" {
			d.baseURL = url
		}
	}
}

// WithHTTPClient sets the HTTP client used for the websocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) {
		if c != nil {
			d.client = c
		}
	}
}

// WithLogger sets the logger for dropped events and transport warnings.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDialer creates a Dialer with the given API key and options.
func NewDialer(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial opens the model socket and starts the receive loop. The session is
// unconfigured until [ModelSession.UpdateSession] is called.
func (d *Dialer) Dial(ctx context.Context) (ModelSession, error) {
	wsURL := fmt.Sprintf("%s?model=%s", d.baseURL, d.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: d.client,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &Session{
		conn:   conn,
		events: make(chan ServerEvent, 64),
		logger: d.logger,
		ctx:    sessCtx,
		cancel: sessCancel,
	}
	go s.receiveLoop()
	return s, nil
}

// ── Protocol message types (outgoing) ────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type      string  `json:"type"`
	Threshold float64 `json:"threshold,omitempty"`
}

type appendAudioMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
	Audio   string `json:"audio"` // base64 μ-law
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	EventID  string         `json:"event_id"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Instructions string `json:"instructions,omitempty"`
}

type bareMessage struct {
	Type    string `json:"type"`
	EventID string `json:"event_id"`
}

// ── Session ──────────────────────────────────────────────────────────────────

// Session is the live model socket. All methods are safe for concurrent use;
// the underlying websocket serializes concurrent writes.
type Session struct {
	conn   *websocket.Conn
	events chan ServerEvent
	logger *slog.Logger

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// UpdateSession applies the per-call configuration: μ-law on both directions,
// server VAD, voice and instructions.
func (s *Session) UpdateSession(cfg SessionConfig) error {
	params := sessionParams{
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "g711_ulaw",
		OutputAudioFormat: "g711_ulaw",
		TurnDetection:     &turnDetection{Type: "server_vad", Threshold: cfg.VADThreshold},
	}
	return s.writeJSON(sessionUpdateMessage{
		Type:    "session.update",
		EventID: uuid.NewString(),
		Session: params,
	})
}

// AppendAudio forwards caller audio. The payload is already base64 μ-law from
// the telephony stream and goes out untouched.
func (s *Session) AppendAudio(payloadB64 string) error {
	if err := s.failIfClosed(); err != nil {
		return err
	}
	return s.writeJSON(appendAudioMessage{
		Type:    "input_audio_buffer.append",
		EventID: uuid.NewString(),
		Audio:   payloadB64,
	})
}

// ClearInput discards buffered input audio on the model side.
func (s *Session) ClearInput() error {
	return s.writeBare("input_audio_buffer.clear")
}

// CreateResponse asks the model to produce a spoken response.
func (s *Session) CreateResponse(instructions string) error {
	return s.writeJSON(responseCreateMessage{
		Type:     "response.create",
		EventID:  uuid.NewString(),
		Response: responseParams{Instructions: instructions},
	})
}

// CancelResponse aborts the in-flight response. Part of the barge-in
// sequence.
func (s *Session) CancelResponse() error {
	return s.writeBare("response.cancel")
}

// ClearOutput discards buffered output audio on the model side. Part of the
// barge-in sequence.
func (s *Session) ClearOutput() error {
	return s.writeBare("output_audio_buffer.clear")
}

// Events returns the inbound event stream.
func (s *Session) Events() <-chan ServerEvent { return s.events }

// Err returns the first transport error, nil before the stream closed or on
// orderly shutdown.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close tears the session down. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

func (s *Session) failIfClosed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("realtime: session closed")
	}
	return nil
}

func (s *Session) writeBare(eventType string) error {
	return s.writeJSON(bareMessage{Type: eventType, EventID: uuid.NewString()})
}

// writeJSON marshals v and writes it as a text websocket message.
func (s *Session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads model events and delivers the decoded variants. It owns
// the events channel and closes it on exit.
func (s *Session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })

	for {
		msgType, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}

		// Binary frames are the PCM16 fallback: raw model audio instead of a
		// JSON delta.
		if msgType == websocket.MessageBinary {
			if len(data) > 0 {
				s.deliver(ServerEvent{Type: EventAudioDelta, Audio: data, PCM16: true})
			}
			continue
		}

		var evt wireServerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Debug("realtime: dropping malformed event", "err", err)
			continue
		}
		s.handleServerEvent(&evt)
	}
}

func (s *Session) handleServerEvent(evt *wireServerEvent) {
	switch evt.Type {
	case "session.updated":
		s.deliver(ServerEvent{Type: EventSessionUpdated})

	case "input_audio_buffer.speech_started":
		s.deliver(ServerEvent{Type: EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.deliver(ServerEvent{Type: EventSpeechStopped})

	case "response.audio.delta", "response.output_audio.delta":
		if evt.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return
		}
		s.deliver(ServerEvent{Type: EventAudioDelta, Audio: audio})

	case "response.done", "response.completed":
		s.deliver(ServerEvent{Type: EventResponseDone})

	case "output_audio_buffer.cleared":
		s.deliver(ServerEvent{Type: EventOutputCleared})

	case "error":
		e := evt.Error
		if e == nil {
			e = &serverError{Message: "unknown error"}
		}
		s.deliver(ServerEvent{Type: EventError, Err: e})

	default:
		s.logger.Debug("realtime: dropping event", "type", evt.Type)
	}
}

// deliver hands an event to the consumer without blocking past session end.
func (s *Session) deliver(ev ServerEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}
