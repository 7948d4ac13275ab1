package dnc

import (
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/prompt"
	"github.com/MrWong99/trunkline/internal/telco"
)

// Config holds the engine tuning knobs.
type Config struct {
	// Enabled gates the whole engine. When false nothing ever fires.
	Enabled bool

	// OnCNAM enables the stream-start default-digits variant for callers
	// whose caller-name lookup is flagged as spam.
	OnCNAM bool

	// OnlyOnPhrase suppresses the stream-start variant so the engine only
	// reacts to an explicit press instruction in the transcript.
	OnlyOnPhrase bool

	// DefaultDigits is the sequence pressed by the stream-start variant.
	// Defaults to ["9", "8"].
	DefaultDigits []string

	// Gap is the wait between digits of the default sequence.
	Gap time.Duration

	// Threshold is the minimum classifier confidence for a phrase fire.
	// Defaults to 0.90.
	Threshold float64

	// HangupAfter ends the call right after pressing; when false the call
	// lingers briefly so a far-end confirmation lands on the recording.
	HangupAfter bool

	// SayLine, when set, is spoken after the digits.
	SayLine string
}

// Engine decides when to press a removal digit on a live call and issues the
// redirect. All methods are safe for concurrent use; the per-call
// do-not-call latch guarantees at most one fire per call.
type Engine struct {
	cfg     Config
	calls   telco.CallController
	limiter *RateLimiter
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for fire decisions. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an Engine. Zero-value config fields are replaced with
// defaults. A nil limiter gets a fresh one with the default window.
func NewEngine(cfg Config, calls telco.CallController, limiter *RateLimiter, opts ...Option) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.90
	}
	if len(cfg.DefaultDigits) == 0 {
		cfg.DefaultDigits = []string{"9", "8"}
	}
	if limiter == nil {
		limiter = NewRateLimiter(0)
	}
	e := &Engine{
		cfg:     cfg,
		calls:   calls,
		limiter: limiter,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleUtterance inspects one caller transcript line and fires the press
// redirect when the classifier clears the threshold and neither the per-call
// latch nor the rate limiter objects. It reports whether the attempt was
// made; the attempt counts even if the provider redirect fails afterwards.
func (e *Engine) HandleUtterance(st *call.State, utterance string) bool {
	if !e.cfg.Enabled || st.DNCAttempted() {
		return false
	}

	meta := st.Meta()
	c := Classify(utterance, meta.CallerName)
	if c.Digit == "" {
		return false
	}
	if c.Confidence < e.cfg.Threshold {
		e.logger.Debug("auto-press below threshold",
			"call_sid", st.CallSID,
			"digit", c.Digit,
			"confidence", c.Confidence,
			"threshold", e.cfg.Threshold,
		)
		return false
	}

	last10 := prompt.NormalizeLast10(meta.From)
	if !e.limiter.Allow(last10, c.Digit) {
		e.logger.Info("auto-press rate limited",
			"call_sid", st.CallSID,
			"caller_last10", last10,
			"digit", c.Digit,
		)
		return false
	}
	if !st.LatchDNC("phrase:" + c.Reason) {
		return false
	}

	e.logger.Info("auto-press firing",
		"call_sid", st.CallSID,
		"digit", c.Digit,
		"confidence", c.Confidence,
		"reason", c.Reason,
	)
	e.redirect(st, []string{c.Digit})
	return true
}

// HandleStreamStart fires the default-digits variant when the caller-name
// lookup is flagged as spam, unless phrase-only mode is on. It reports
// whether the attempt was made.
func (e *Engine) HandleStreamStart(st *call.State) bool {
	if !e.cfg.Enabled || !e.cfg.OnCNAM || e.cfg.OnlyOnPhrase || st.DNCAttempted() {
		return false
	}

	meta := st.Meta()
	if !IsSpamCallerName(meta.CallerName) {
		return false
	}

	last10 := prompt.NormalizeLast10(meta.From)
	if !e.limiter.Allow(last10, DefaultDigitsKey) {
		e.logger.Info("auto-press rate limited",
			"call_sid", st.CallSID,
			"caller_last10", last10,
			"digit", DefaultDigitsKey,
		)
		return false
	}
	if !st.LatchDNC("cnam:" + meta.CallerName) {
		return false
	}

	e.logger.Info("auto-press firing on caller name",
		"call_sid", st.CallSID,
		"caller_name", meta.CallerName,
		"digits", strings.Join(e.cfg.DefaultDigits, ","),
	)
	e.redirect(st, e.cfg.DefaultDigits)
	return true
}

// redirect builds the press document and swaps it onto the live call.
// Failures are logged, not returned: the latch and the rate-limit record
// already stand.
func (e *Engine) redirect(st *call.State, digits []string) {
	doc, err := telco.AutoPressDocument(digits, e.cfg.Gap, e.cfg.SayLine, e.cfg.HangupAfter)
	if err != nil {
		e.logger.Warn("auto-press document build failed",
			"call_sid", st.CallSID,
			"error", err,
		)
		return
	}
	if err := e.calls.RedirectTwiML(st.CallSID, doc); err != nil {
		e.logger.Warn("auto-press redirect failed",
			"call_sid", st.CallSID,
			"error", err,
		)
	}
}
