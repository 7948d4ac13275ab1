// Package web assembles Trunkline's single HTTP surface: the telephony
// media websocket, the TwiML endpoints, the provider webhooks, the chat-bot
// command webhook, and the health and metrics endpoints.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/health"
	"github.com/MrWong99/trunkline/internal/notify"
	"github.com/MrWong99/trunkline/internal/observe"
	"github.com/MrWong99/trunkline/internal/outbound"
	"github.com/MrWong99/trunkline/internal/telco"
	"github.com/MrWong99/trunkline/internal/transcript"
)

// MediaGateway terminates telephony media websockets and owns the live call
// sessions.
type MediaGateway interface {
	// HandleMedia upgrades the request to a websocket and runs the call.
	HandleMedia(w http.ResponseWriter, r *http.Request)

	// BumpActivity feeds the idle watchdog of a live call.
	BumpActivity(callSID string)
}

// TranscriptIntake consumes decoded transcription callbacks.
type TranscriptIntake interface {
	Handle(ev transcript.Event)
}

// RecordingFetcher downloads a finished call recording and forwards it to
// the notify sinks. Fetch blocks through its retry schedule.
type RecordingFetcher interface {
	Fetch(ctx context.Context, cb notify.RecordingCallback) error
}

// CommandBot consumes chat-bot webhook updates.
type CommandBot interface {
	HandleUpdate(ctx context.Context, upd outbound.Update)
}

// EventSink receives call-lifecycle notifications for the operator.
type EventSink interface {
	PostEvent(ctx context.Context, e notify.Event) error
}

// Config carries the URL-building and webhook-auth settings of the server.
type Config struct {
	// PublicURL is the externally reachable https base of this gateway,
	// without a trailing slash. TwiML and callback URLs derive from it.
	PublicURL string

	// TelegramWebhookPath mounts the chat-bot command webhook.
	// Defaults to /telegram/outbound.
	TelegramWebhookPath string

	// TelegramWebhookSecret, when set, must match the
	// X-Telegram-Bot-Api-Secret-Token header on every update.
	TelegramWebhookSecret string
}

// Server routes every HTTP conversation the gateway has: provider webhooks
// and media streams on one side, operator chat commands and observability on
// the other.
type Server struct {
	router *chi.Mux
	cfg    Config

	gw          MediaGateway
	store       *call.Store
	calls       telco.CallController
	transcripts TranscriptIntake
	recordings  RecordingFetcher
	bot         CommandBot
	events      EventSink
	checks      *health.Handler
	metrics     *observe.Metrics
	log         *slog.Logger
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithCallStore lets the TwiML and status handlers consult live call state.
func WithCallStore(store *call.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithCallController enables REST side effects such as arming recording on
// inbound calls.
func WithCallController(calls telco.CallController) Option {
	return func(s *Server) { s.calls = calls }
}

// WithTranscripts routes transcription callbacks into in.
func WithTranscripts(in TranscriptIntake) Option {
	return func(s *Server) { s.transcripts = in }
}

// WithRecordingFetcher routes recording callbacks into f.
func WithRecordingFetcher(f RecordingFetcher) Option {
	return func(s *Server) { s.recordings = f }
}

// WithCommandBot routes chat-bot webhook updates into b.
func WithCommandBot(b CommandBot) Option {
	return func(s *Server) { s.bot = b }
}

// WithEventSink routes call-lifecycle notifications into sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Server) { s.events = sink }
}

// WithHealth sets the health handler behind /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		if h != nil {
			s.checks = h
		}
	}
}

// WithMetrics sets the metrics instance used by the request middleware and
// the webhook counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer creates the HTTP server with all routes mounted. gw is the only
// required dependency; handlers whose dependency is absent answer 503 or
// acknowledge and drop, so a partially configured deployment still serves
// calls.
func NewServer(cfg Config, gw MediaGateway, opts ...Option) *Server {
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	if cfg.TelegramWebhookPath == "" {
		cfg.TelegramWebhookPath = "/telegram/outbound"
	}

	s := &Server{
		router: chi.NewRouter(),
		cfg:    cfg,
		gw:     gw,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.checks == nil {
		s.checks = health.New()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router returns the underlying chi.Mux so the caller can add middleware.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// routes mounts all gateway routes.
func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The media socket is hijacked and held for the length of the call; it
	// stays outside the request instrumentation so call durations do not land
	// in the HTTP histogram.
	r.Get("/media", s.gw.HandleMedia)

	r.Group(func(r chi.Router) {
		r.Use(observe.Middleware(s.metrics))

		r.Get("/healthz", s.checks.Healthz)
		r.Get("/readyz", s.checks.Readyz)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())

		r.Post("/twiml/inbound", s.handleInboundTwiML)
		r.Post("/twiml/outbound", s.handleOutboundTwiML)
		r.Post("/webhooks/transcription", s.handleTranscription)
		r.Post("/webhooks/recording", s.handleRecording)
		r.Post("/webhooks/status", s.handleStatus)
		r.Post(s.cfg.TelegramWebhookPath, s.handleTelegram)
	})
}

// handleInboundTwiML answers the provider's voice webhook for calls dialed
// into the gateway's number: start both-track transcription, connect the
// audio to /media, and arm dual-channel recording over REST (recording has
// no TwiML verb on a stream call).
func (s *Server) handleInboundTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	callSID := r.PostFormValue("CallSid")
	if callSID == "" {
		writeError(w, http.StatusBadRequest, "CallSid is required")
		return
	}

	params := telco.StreamParams{
		From:       r.PostFormValue("From"),
		To:         r.PostFormValue("To"),
		CallerName: r.PostFormValue("CallerName"),
		CallSID:    callSID,
	}
	if !s.writeStreamDocument(w, callSID, params) {
		return
	}

	if s.calls != nil {
		go s.startRecording(callSID)
	}
}

// handleOutboundTwiML serves the document the provider fetches once an
// operator-initiated call is answered. The outbound FSM seeds the call state
// before the REST create, so the stream parameters carry the reason and
// theme down to the session. Recording is already armed on the create-call.
func (s *Server) handleOutboundTwiML(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	callSID := r.PostFormValue("CallSid")
	if callSID == "" {
		writeError(w, http.StatusBadRequest, "CallSid is required")
		return
	}

	params := telco.StreamParams{CallSID: callSID}
	if s.store != nil {
		if st, ok := s.store.Get(callSID); ok {
			m := st.Meta()
			params.From = m.From
			params.To = m.To
			params.Reason = m.Outbound.Reason
			params.Theme = m.Outbound.Theme
			params.RecipientName = m.Outbound.RecipientName
		} else {
			s.log.Warn("outbound twiml requested for unknown call", "call_sid", callSID)
		}
	}
	s.writeStreamDocument(w, callSID, params)
}

// writeStreamDocument renders and writes the connect-stream TwiML for one
// call. Reports whether the document was written.
func (s *Server) writeStreamDocument(w http.ResponseWriter, callSID string, p telco.StreamParams) bool {
	doc, err := telco.StreamDocument(
		mediaURL(s.cfg.PublicURL),
		s.cfg.PublicURL+"/webhooks/transcription",
		p,
	)
	if err != nil {
		s.log.Error("twiml render failed", "call_sid", callSID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return false
	}

	w.Header().Set("Content-Type", "text/xml")
	if _, err := io.WriteString(w, doc); err != nil {
		s.log.Warn("twiml write failed", "call_sid", callSID, "error", err)
	}
	return true
}

func (s *Server) startRecording(callSID string) {
	if err := s.calls.StartDualRecording(callSID, s.cfg.PublicURL+"/webhooks/recording"); err != nil {
		s.log.Warn("recording start failed", "call_sid", callSID, "error", err)
	}
}

// handleTranscription ingests the provider's live-transcription callbacks
// and forwards them to the integrator.
func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, "transcription intake not configured")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	s.metrics.RecordWebhook(r.Context(), "transcription")

	s.transcripts.Handle(transcript.Event{
		Kind:         transcript.EventKind(r.PostFormValue("TranscriptionEvent")),
		CallSID:      r.PostFormValue("CallSid"),
		Track:        r.PostFormValue("Track"),
		Data:         r.PostFormValue("TranscriptionData"),
		Text:         r.PostFormValue("TranscriptionText"),
		ErrorMessage: r.PostFormValue("TranscriptionError"),
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleRecording ingests the recording-status callback and hands the
// download to the fetcher. Fetch blocks through its retry schedule, so it
// runs detached from the request.
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	s.metrics.RecordWebhook(r.Context(), "recording")

	if status := r.PostFormValue("RecordingStatus"); status != "" && status != "completed" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.recordings == nil {
		s.log.Debug("recording callback ignored; no fetcher configured",
			"call_sid", r.PostFormValue("CallSid"))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	cb := notify.RecordingCallback{
		CallSID:      r.PostFormValue("CallSid"),
		RecordingSID: r.PostFormValue("RecordingSid"),
		URL:          r.PostFormValue("RecordingUrl"),
	}
	if cb.URL == "" {
		writeError(w, http.StatusBadRequest, "RecordingUrl is required")
		return
	}
	if secs, err := strconv.Atoi(r.PostFormValue("RecordingDuration")); err == nil {
		cb.Duration = time.Duration(secs) * time.Second
	}

	go func() {
		if err := s.recordings.Fetch(context.Background(), cb); err != nil {
			s.log.Warn("recording fetch failed",
				"call_sid", cb.CallSID,
				"recording_sid", cb.RecordingSID,
				"error", err,
			)
		}
	}()
	w.WriteHeader(http.StatusNoContent)
}

// terminalStatuses are the provider call states after which no media flows.
var terminalStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

// handleStatus ingests provider call-status callbacks: every transition is
// logged, non-terminal transitions count as call activity, and terminal
// transitions release the session and, for outbound calls, notify the
// operator.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	s.metrics.RecordWebhook(r.Context(), "status")

	callSID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	s.log.Info("call status",
		"call_sid", callSID,
		"status", status,
		"direction", r.PostFormValue("Direction"),
		"duration_secs", r.PostFormValue("CallDuration"),
	)
	if callSID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !terminalStatuses[status] {
		s.gw.BumpActivity(callSID)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if s.store != nil {
		if st, ok := s.store.Get(callSID); ok {
			if m := st.Meta(); m.Outbound.IsOutbound && s.events != nil {
				ev := notify.Event{
					CallSID: callSID,
					Kind:    "call-" + status,
					Text:    outboundStatusLine(m, status, r.PostFormValue("CallDuration")),
					At:      time.Now(),
				}
				go func() {
					if err := s.events.PostEvent(context.Background(), ev); err != nil {
						s.log.Warn("status event post failed", "call_sid", ev.CallSID, "error", err)
					}
				}()
			}
			// The provider says the call is over; release the session if the
			// stop event never arrived.
			st.RequestHangup()
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// outboundStatusLine renders the operator notification for a finished
// outbound call.
func outboundStatusLine(m call.Meta, status, durationSecs string) string {
	who := m.Outbound.RecipientName
	if who == "" {
		who = m.To
	}
	line := fmt.Sprintf("Outbound call to %s ended: %s", who, status)
	if durationSecs != "" {
		line += " after " + durationSecs + "s"
	}
	return line
}

// telegramUpdate is the slice of the chat-bot webhook payload the command
// FSM needs. Updates carry many more fields than these; decoding is
// deliberately loose.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

// handleTelegram ingests chat-bot webhook updates and hands them to the
// outbound command FSM. Replies travel through the bot API, not this
// response, so the handler acknowledges immediately.
func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if s.bot == nil {
		writeError(w, http.StatusServiceUnavailable, "command bot not configured")
		return
	}
	if secret := s.cfg.TelegramWebhookSecret; secret != "" &&
		r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != secret {
		writeError(w, http.StatusForbidden, "bad webhook secret")
		return
	}

	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)
	var upd telegramUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update body")
		return
	}
	s.metrics.RecordWebhook(r.Context(), "telegram")

	if upd.Message == nil || upd.Message.Text == "" {
		// Edits, joins, and other non-message updates are acknowledged and
		// dropped.
		w.WriteHeader(http.StatusOK)
		return
	}

	go s.bot.HandleUpdate(context.Background(), outbound.Update{
		UpdateID: upd.UpdateID,
		ChatID:   upd.Message.Chat.ID,
		Text:     upd.Message.Text,
	})
	w.WriteHeader(http.StatusOK)
}

// mediaURL converts the public https base into the websocket URL the
// provider streams call audio to.
func mediaURL(publicURL string) string {
	switch {
	case strings.HasPrefix(publicURL, "https://"):
		return "wss://" + strings.TrimPrefix(publicURL, "https://") + "/media"
	case strings.HasPrefix(publicURL, "http://"):
		return "ws://" + strings.TrimPrefix(publicURL, "http://") + "/media"
	default:
		return publicURL + "/media"
	}
}

// envelope is the standard JSON error wrapper for non-TwiML responses.
type envelope struct {
	Error string `json:"error"`
}

// writeError writes a JSON error response with the given status and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// maxRequestBodySize is the upper limit for JSON request bodies (1 MB).
const maxRequestBodySize = 1 << 20
