package transcript

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/prompt"
)

// postTimeout bounds a single sink dispatch.
const postTimeout = 30 * time.Second

// Integrator accumulates transcription events on the call state and renders
// the final document when the provider reports the session over. Safe for
// concurrent use.
type Integrator struct {
	store  *call.Store
	sinks  []Sink
	window time.Duration
	hook   func(st *call.State, e call.Entry)
	logger *slog.Logger
	now    func() time.Time

	assistantName string
	operatorName  string
}

// Option configures an Integrator.
type Option func(*Integrator)

// WithSink appends a destination for finished transcripts.
func WithSink(s Sink) Option {
	return func(in *Integrator) {
		if s != nil {
			in.sinks = append(in.sinks, s)
		}
	}
}

// WithNames sets the assistant and operator names used to recognize greeting
// echoes. Empty values keep the defaults.
func WithNames(assistant, operator string) Option {
	return func(in *Integrator) {
		if assistant != "" {
			in.assistantName = assistant
		}
		if operator != "" {
			in.operatorName = operator
		}
	}
}

// WithCoalesceWindow sets how close two same-speaker fragments must be to
// merge into one rendered turn.
func WithCoalesceWindow(d time.Duration) Option {
	return func(in *Integrator) {
		if d > 0 {
			in.window = d
		}
	}
}

// WithEntryHook registers fn to run after every appended entry. The gateway
// uses this to feed number-mode, the auto-press engine and the idle watchdog
// from caller lines.
func WithEntryHook(fn func(st *call.State, e call.Entry)) Option {
	return func(in *Integrator) {
		in.hook = fn
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(in *Integrator) {
		if l != nil {
			in.logger = l
		}
	}
}

// NewIntegrator creates an Integrator over the call store.
func NewIntegrator(store *call.Store, opts ...Option) *Integrator {
	in := &Integrator{
		store:         store,
		window:        DefaultCoalesceWindow,
		logger:        slog.Default(),
		now:           time.Now,
		assistantName: prompt.DefaultAssistantName,
		operatorName:  prompt.DefaultOperatorName,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Handle routes one transcription callback. Content for unknown calls
// creates the state: the transcription verb runs before the media stream
// connects, so its events can arrive first. Handle never blocks on sinks.
func (in *Integrator) Handle(ev Event) {
	switch ev.Kind {
	case KindStarted:
		in.store.GetOrCreate(ev.CallSID).MarkTranscriptStarted(in.now())
	case KindContent:
		in.handleContent(ev)
	case KindStopped:
		in.finish(ev, false)
	case KindError:
		in.logger.Warn("transcript: provider reported an error",
			"call_sid", ev.CallSID,
			"error", ev.ErrorMessage,
		)
		in.finish(ev, true)
	default:
		in.logger.Debug("transcript: ignoring unknown event",
			"call_sid", ev.CallSID,
			"kind", string(ev.Kind),
		)
	}
}

func (in *Integrator) handleContent(ev Event) {
	role, ok := roleForTrack(ev.Track)
	if !ok {
		in.logger.Debug("transcript: ignoring unknown track",
			"call_sid", ev.CallSID,
			"track", ev.Track,
		)
		return
	}
	text := extractText(ev)
	if text == "" {
		return
	}

	st := in.store.GetOrCreate(ev.CallSID)
	if role == call.RoleAssistant && in.isGreetingEcho(st, text) {
		in.logger.Debug("transcript: dropping greeting echo",
			"call_sid", ev.CallSID,
			"text", text,
		)
		return
	}

	e := st.AppendEvent(role, text)
	if in.hook != nil {
		in.hook(st, e)
	}
}

// isGreetingEcho reports whether text is the assistant's first utterance
// merely repeating the greeting the gateway already spoke. Only the first
// assistant utterance of a call is eligible.
func (in *Integrator) isGreetingEcho(st *call.State, text string) bool {
	for _, e := range st.Events() {
		if e.Role == call.RoleAssistant {
			return false
		}
	}
	norm := normalize(text)
	for _, p := range in.greetingMarkers() {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

// greetingMarkers returns the normalized fragments that identify a spoken
// greeting, derived from the configured names.
func (in *Integrator) greetingMarkers() []string {
	assistant := strings.ToLower(strings.TrimSpace(in.assistantName))
	operator := strings.ToLower(strings.TrimSpace(in.operatorName))
	return []string{
		"this is " + assistant,
		operator + " hasn't picked up",
		operator + "'s vip",
		"how can i help",
	}
}

// finish renders and dispatches the transcript once per call.
func (in *Integrator) finish(ev Event, failed bool) {
	st, ok := in.store.Get(ev.CallSID)
	if !ok {
		in.logger.Debug("transcript: end event for unknown call",
			"call_sid", ev.CallSID,
		)
		return
	}
	if !st.MarkTranscriptFinished() {
		return
	}

	entries := st.Events()
	if len(entries) == 0 {
		in.logger.Debug("transcript: nothing to render",
			"call_sid", ev.CallSID,
		)
		return
	}

	meta := st.Meta()
	startedAt := st.TranscriptStartedAt()
	if startedAt.IsZero() {
		startedAt = meta.StartedAt
	}
	summary := Summary{
		CallSID:    st.CallSID,
		From:       meta.From,
		To:         meta.To,
		CallerName: meta.CallerName,
		Outbound:   meta.Outbound.IsOutbound,
		StartedAt:  startedAt,
		EndedAt:    in.now(),
		Failed:     failed,
		Text:       Render(entries, in.window),
	}

	// Sinks run off the webhook goroutine; a slow chat API must not hold the
	// provider's callback open.
	go in.post(summary)
}

func (in *Integrator) post(summary Summary) {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	for _, s := range in.sinks {
		if err := s.PostTranscript(ctx, summary); err != nil {
			in.logger.Warn("transcript: sink post failed",
				"call_sid", summary.CallSID,
				"error", err,
			)
		}
	}
}
