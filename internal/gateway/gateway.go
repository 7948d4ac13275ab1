// Package gateway bridges the telephony media stream to the realtime model
// socket, one session goroutine per call.
//
// The session loop is the sole writer of the call phase. It selects over four
// inputs: telephony events read off the media websocket, model events from the
// realtime session, timer fires, and a control queue fed by the webhook-side
// components (transcript lines, externally requested hangups). Everything that
// mutates per-call timers or issues ordered writes happens inside the loop, so
// the barge-in sequence and the mute bus never race.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/directory"
	"github.com/MrWong99/trunkline/internal/dnc"
	"github.com/MrWong99/trunkline/internal/observe"
	"github.com/MrWong99/trunkline/internal/prompt"
	"github.com/MrWong99/trunkline/internal/telco"
	"github.com/MrWong99/trunkline/pkg/realtime"
)

// Tuning defaults. Every duration is configurable so tests run in
// milliseconds.
const (
	defaultGreetingFallback   = 6 * time.Second
	defaultBargeInDebounce    = 250 * time.Millisecond
	defaultBargeInRelease     = 200 * time.Millisecond
	defaultNumberSilenceGrace = 2500 * time.Millisecond
	defaultNumberMinDigits    = 10
	defaultIdleTimeout        = 180 * time.Second
	defaultGoodbyeGrace       = 1500 * time.Millisecond
)

// Config carries the per-call behaviour knobs.
type Config struct {
	// DefaultVoice and MaleVoice feed voice selection.
	DefaultVoice string
	MaleVoice    string

	// AssistantName overrides the spoken default when no VIP voice override
	// applies. OperatorName is the human the assistant fronts for.
	AssistantName string
	OperatorName  string

	// VADThreshold is passed through to the model session update.
	VADThreshold float64

	// GreetingFallback is how long after start the greeting goes out even
	// without a session acknowledgement.
	GreetingFallback time.Duration

	// BargeInDebounce suppresses re-assertions following a recent one;
	// BargeInRelease is the delay between speech-stop and unmuting.
	BargeInDebounce time.Duration
	BargeInRelease  time.Duration

	// NumberSilenceGrace is how long number-mode survives without a fresh
	// digit; NumberMinDigits releases it immediately once collected.
	NumberSilenceGrace time.Duration
	NumberMinDigits    int

	// IdleTimeout hangs up calls with no activity. IdleSendGoodbye speaks
	// IdleGoodbyeLine first and waits GoodbyeGrace for it to play out.
	IdleTimeout     time.Duration
	IdleSendGoodbye bool
	IdleGoodbyeLine string
	GoodbyeGrace    time.Duration
}

// withDefaults fills zero-valued tuning fields.
func (c Config) withDefaults() Config {
	if c.GreetingFallback <= 0 {
		c.GreetingFallback = defaultGreetingFallback
	}
	if c.BargeInDebounce <= 0 {
		c.BargeInDebounce = defaultBargeInDebounce
	}
	if c.BargeInRelease <= 0 {
		c.BargeInRelease = defaultBargeInRelease
	}
	if c.NumberSilenceGrace <= 0 {
		c.NumberSilenceGrace = defaultNumberSilenceGrace
	}
	if c.NumberMinDigits <= 0 {
		c.NumberMinDigits = defaultNumberMinDigits
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.GoodbyeGrace <= 0 {
		c.GoodbyeGrace = defaultGoodbyeGrace
	}
	if c.OperatorName == "" {
		c.OperatorName = prompt.DefaultOperatorName
	}
	return c
}

// ModelDialer opens model sessions. *realtime.Dialer satisfies it.
type ModelDialer interface {
	Dial(ctx context.Context) (realtime.ModelSession, error)
}

// DirectorySource supplies directory snapshots. *directory.Provider satisfies
// it; implementations never return nil.
type DirectorySource interface {
	Snapshot(ctx context.Context) *directory.Snapshot
}

// mediaConn is the session's handle on the telephony websocket. Tests
// substitute an in-memory pair.
type mediaConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// wsConn adapts *websocket.Conn to mediaConn.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}

// Gateway owns the live call sessions.
type Gateway struct {
	cfg     Config
	dialer  ModelDialer
	store   *call.Store
	dir     DirectorySource
	calls   telco.CallController
	press   *dnc.Engine
	metrics *observe.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	byCall   map[string]*session
	wg       sync.WaitGroup
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// New creates a Gateway. press may be a disabled engine but must not be nil.
func New(cfg Config, dialer ModelDialer, store *call.Store, dir DirectorySource, calls telco.CallController, press *dnc.Engine, opts ...Option) *Gateway {
	g := &Gateway{
		cfg:      cfg.withDefaults(),
		dialer:   dialer,
		store:    store,
		dir:      dir,
		calls:    calls,
		press:    press,
		logger:   slog.Default(),
		sessions: make(map[*session]struct{}),
		byCall:   make(map[string]*session),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// HandleMedia upgrades the request to a websocket and runs the call session
// until the call ends. The provider connects server-to-server, so any origin
// is accepted.
func (g *Gateway) HandleMedia(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("media socket accept failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	g.runSession(r.Context(), &wsConn{c: c})
}

// runSession drives one call on conn and blocks until teardown. The wait
// group covers the whole session so [Gateway.Shutdown] can drain calls whose
// hijacked connections the HTTP server no longer waits for.
func (g *Gateway) runSession(ctx context.Context, conn mediaConn) {
	g.wg.Add(1)
	defer g.wg.Done()
	newSession(g, conn).run(ctx)
}

// HandleTranscriptEntry is the transcript integrator's entry hook. Caller
// lines feed the auto-press engine and the live session's number-mode and
// idle controllers; assistant lines only bump activity.
func (g *Gateway) HandleTranscriptEntry(st *call.State, e call.Entry) {
	if e.Role == call.RoleCaller {
		// The press path ends in a provider REST call; never block the
		// webhook handler on it.
		go func() {
			if g.press.HandleUtterance(st, e.Text) {
				g.metrics.RecordAutoPress(context.Background(), "phrase")
			}
		}()
	}

	g.mu.Lock()
	s := g.byCall[st.CallSID]
	g.mu.Unlock()
	if s != nil {
		s.post(ctrlMsg{kind: ctrlEntry, entry: e})
	}
}

// BumpActivity feeds the idle watchdog from webhook-side events for a call
// that may or may not have a live session.
func (g *Gateway) BumpActivity(callSID string) {
	g.mu.Lock()
	s := g.byCall[callSID]
	g.mu.Unlock()
	if s != nil {
		s.post(ctrlMsg{kind: ctrlActivity})
	}
}

// ActiveSessions reports the number of live call sessions.
func (g *Gateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Shutdown requests teardown of every live session and waits for them to
// finish or for ctx to expire. Stragglers past the deadline get a best-effort
// REST hangup.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	live := make([]*session, 0, len(g.sessions))
	for s := range g.sessions {
		live = append(live, s)
	}
	g.mu.Unlock()
	for _, s := range live {
		s.post(ctrlMsg{kind: ctrlHangup})
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		stuck := make([]string, 0, len(g.byCall))
		for sid := range g.byCall {
			stuck = append(stuck, sid)
		}
		g.mu.Unlock()
		for _, sid := range stuck {
			if err := g.calls.Hangup(sid); err != nil {
				g.logger.Warn("drain hangup failed", "call_sid", sid, "error", err)
			}
		}
		return ctx.Err()
	}
}

// track adds a session to the live set before its call id is known.
func (g *Gateway) track(s *session) {
	g.mu.Lock()
	g.sessions[s] = struct{}{}
	g.mu.Unlock()
}

// index makes the session resolvable by call id once start delivers one.
func (g *Gateway) index(callSID string, s *session) {
	g.mu.Lock()
	g.byCall[callSID] = s
	g.mu.Unlock()
}

// untrack removes a finished session from both tables.
func (g *Gateway) untrack(s *session, callSID string) {
	g.mu.Lock()
	delete(g.sessions, s)
	if callSID != "" && g.byCall[callSID] == s {
		delete(g.byCall, callSID)
	}
	g.mu.Unlock()
}
