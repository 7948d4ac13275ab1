package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/directory"
	"github.com/MrWong99/trunkline/internal/dnc"
	telcomock "github.com/MrWong99/trunkline/internal/telco/mock"
	"github.com/MrWong99/trunkline/pkg/realtime"
	rtmock "github.com/MrWong99/trunkline/pkg/realtime/mock"
)

const (
	testStreamSID = "MZ0123456789abcdef0123456789abcdef"
	testCallSID   = "CA0123456789abcdef0123456789abcdef"
)

// fakeConn is an in-memory mediaConn the tests drive directly.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	writes  [][]byte
	onWrite func([]byte)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	cp := append([]byte(nil), data...)
	c.writes = append(c.writes, cp)
	hook := c.onWrite
	c.mu.Unlock()
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) setOnWrite(fn func([]byte)) {
	c.mu.Lock()
	c.onWrite = fn
	c.mu.Unlock()
}

// send delivers one raw telephony message or fails the test if the session
// stopped reading.
func (c *fakeConn) send(t *testing.T, data []byte) {
	t.Helper()
	select {
	case c.in <- data:
	case <-time.After(time.Second):
		t.Fatal("session stopped reading telephony events")
	}
}

// mediaPayloads returns the decoded audio of every outbound media write, in
// order. Non-media writes (clear, mark) are skipped.
func (c *fakeConn) mediaPayloads(t *testing.T) [][]byte {
	t.Helper()
	c.mu.Lock()
	writes := append([][]byte(nil), c.writes...)
	c.mu.Unlock()

	var out [][]byte
	for _, w := range writes {
		var msg struct {
			Event string `json:"event"`
			Media struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(w, &msg); err != nil {
			t.Fatalf("undecodable outbound write %q: %v", w, err)
		}
		if msg.Event != "media" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			t.Fatalf("media payload is not base64: %v", err)
		}
		out = append(out, raw)
	}
	return out
}

// wireEventKind decodes the event field of an outbound write. Safe for use
// from the session goroutine; returns "" on malformed input.
func wireEventKind(data []byte) string {
	var msg struct {
		Event string `json:"event"`
	}
	if json.Unmarshal(data, &msg) != nil {
		return ""
	}
	return msg.Event
}

type fakeDialer struct {
	sess realtime.ModelSession
	err  error
}

func (d *fakeDialer) Dial(context.Context) (realtime.ModelSession, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.sess, nil
}

type fakeDirectory struct {
	snap *directory.Snapshot
}

func (f *fakeDirectory) Snapshot(context.Context) *directory.Snapshot {
	if f.snap != nil {
		return f.snap
	}
	return &directory.Snapshot{}
}

// harness wires a gateway around one fake media connection and one mock model
// session. Mutate fields before start; after start only the accessors are
// safe.
type harness struct {
	t      *testing.T
	gw     *Gateway
	conn   *fakeConn
	model  *rtmock.Session
	tel    *telcomock.Controller
	store  *call.Store
	done   chan struct{}
	cancel context.CancelFunc
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	model := &rtmock.Session{EventsCh: make(chan realtime.ServerEvent, 16)}
	tel := &telcomock.Controller{}
	store := call.NewStore(call.WithLinger(time.Minute))
	press := dnc.NewEngine(dnc.Config{}, tel, dnc.NewRateLimiter(time.Hour))
	gw := New(cfg, &fakeDialer{sess: model}, store, &fakeDirectory{}, tel, press,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return &harness{
		t:     t,
		gw:    gw,
		conn:  newFakeConn(),
		model: model,
		tel:   tel,
		store: store,
	}
}

func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.gw.runSession(ctx, h.conn)
	}()
	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			h.t.Error("session did not stop on context cancel")
		}
	})
}

// beginCall drives the connected and start events and waits for the session
// to configure the model. Returns the call state.
func (h *harness) beginCall(params map[string]string) *call.State {
	h.t.Helper()
	h.conn.send(h.t, connectedEvent())
	h.conn.send(h.t, startEvent(params))
	waitUntil(h.t, "model session configured", func() bool {
		updates, _, _ := h.model.Snapshot()
		return len(updates) == 1
	})
	st, ok := h.store.Get(testCallSID)
	if !ok {
		h.t.Fatal("call state missing after start event")
	}
	return st
}

func (h *harness) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectedEvent() []byte {
	return []byte(`{"event":"connected","protocol":"Call","version":"1.0.0"}`)
}

func startEvent(params map[string]string) []byte {
	b, _ := json.Marshal(map[string]any{
		"event":     "start",
		"streamSid": testStreamSID,
		"start": map[string]any{
			"streamSid":        testStreamSID,
			"callSid":          testCallSID,
			"accountSid":       "AC00000000000000000000000000000000",
			"tracks":           []string{"inbound"},
			"customParameters": params,
		},
	})
	return b
}

func mediaEvent(payload string) []byte {
	b, _ := json.Marshal(map[string]any{
		"event":     "media",
		"streamSid": testStreamSID,
		"media":     map[string]any{"track": "inbound", "chunk": "1", "payload": payload},
	})
	return b
}

func stopEvent() []byte {
	return []byte(`{"event":"stop","streamSid":"` + testStreamSID + `"}`)
}

func markEvent(name string) []byte {
	b, _ := json.Marshal(map[string]any{
		"event":     "mark",
		"streamSid": testStreamSID,
		"mark":      map[string]any{"name": name},
	})
	return b
}

// testConfig keeps every tuning knob that a test does not exercise far out of
// the way, so only deliberately shortened timers can fire.
func testConfig() Config {
	return Config{
		DefaultVoice:       "sage",
		MaleVoice:          "ash",
		VADThreshold:       0.55,
		GreetingFallback:   2 * time.Second,
		BargeInDebounce:    5 * time.Second,
		BargeInRelease:     120 * time.Millisecond,
		NumberSilenceGrace: 50 * time.Millisecond,
		NumberMinDigits:    10,
		IdleTimeout:        10 * time.Second,
		GoodbyeGrace:       20 * time.Millisecond,
	}
}

func TestSession_InboundConfiguresModelFromDirectory(t *testing.T) {
	h := newHarness(t, testConfig())
	h.gw.dir = &fakeDirectory{snap: &directory.Snapshot{
		SystemPrompt: "You answer the operator's phone.",
		VIPs: []directory.VIP{
			{Name: "Ada Lovelace", Phone: "+1 (555) 123-4567", VoiceOverride: "ballad"},
		},
	}}
	h.start()

	st := h.beginCall(map[string]string{
		"from":       "+15551234567",
		"to":         "+15559990000",
		"callerName": "ADA L",
	})

	updates, _, _ := h.model.Snapshot()
	cfg := updates[0].Cfg
	if cfg.Voice != "ballad" {
		t.Errorf("session voice = %q, want VIP override %q", cfg.Voice, "ballad")
	}
	if cfg.VADThreshold != 0.55 {
		t.Errorf("vad threshold = %v, want 0.55", cfg.VADThreshold)
	}
	if !strings.Contains(cfg.Instructions, "Ada Lovelace") {
		t.Error("instructions do not mention the recognized VIP")
	}
	clearInput, _, _, _ := h.model.Counts()
	if clearInput != 1 {
		t.Errorf("input buffer cleared %d times, want 1", clearInput)
	}

	meta := st.Meta()
	if meta.From != "+15551234567" || meta.To != "+15559990000" || meta.CallerName != "ADA L" {
		t.Errorf("meta = %+v, want stream parameters", meta)
	}
	if meta.Outbound.IsOutbound {
		t.Error("inbound call flagged outbound")
	}
	if v := st.Voice(); v.AssistantName != "Ballad" {
		t.Errorf("assistant name = %q, want %q", v.AssistantName, "Ballad")
	}
}

func TestSession_InboundGreetsOnSessionReady(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	st := h.beginCall(map[string]string{"from": "+15550001111"})

	if _, _, responses := h.model.Snapshot(); len(responses) != 0 {
		t.Fatalf("got %d responses before session.updated, want 0", len(responses))
	}

	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventSessionUpdated}
	waitUntil(t, "greeting response", func() bool {
		_, _, responses := h.model.Snapshot()
		return len(responses) == 1
	})

	_, _, responses := h.model.Snapshot()
	if got := responses[0].Instructions; !strings.Contains(got, "How can I help?") {
		t.Errorf("greeting instructions = %q, want stranger opener", got)
	}
	if got := responses[0].Instructions; !strings.Contains(got, "Say exactly") {
		t.Errorf("greeting instructions = %q, want verbatim directive", got)
	}
	waitUntil(t, "session ready flag", st.SessionReady)
	if got := st.Phase(); got < call.PhaseGreeted {
		t.Errorf("phase = %v, want at least greeted", got)
	}

	// The latch holds: a duplicate acknowledgement must not re-greet.
	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventSessionUpdated}
	time.Sleep(20 * time.Millisecond)
	if _, _, responses := h.model.Snapshot(); len(responses) != 1 {
		t.Fatalf("got %d responses after duplicate session.updated, want 1", len(responses))
	}
}

func TestSession_GreetingFallbackFiresWithoutSessionReady(t *testing.T) {
	cfg := testConfig()
	cfg.GreetingFallback = 30 * time.Millisecond
	h := newHarness(t, cfg)
	h.start()
	st := h.beginCall(map[string]string{"from": "+15550001111"})

	waitUntil(t, "fallback greeting", func() bool {
		_, _, responses := h.model.Snapshot()
		return len(responses) == 1
	})
	if st.SessionReady() {
		t.Error("session ready without an acknowledgement")
	}

	// A late acknowledgement must not double-greet.
	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventSessionUpdated}
	waitUntil(t, "session ready flag", st.SessionReady)
	time.Sleep(20 * time.Millisecond)
	if _, _, responses := h.model.Snapshot(); len(responses) != 1 {
		t.Fatalf("got %d responses after late session.updated, want 1", len(responses))
	}
}

func TestSession_OutboundGreetsImmediately(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	st := h.beginCall(map[string]string{
		"to":            "+15557770000",
		"reason":        "telegram",
		"theme":         "dinner plans",
		"recipientName": "Grace",
	})

	// No session.updated was sent; the outbound greeting may not wait for it.
	waitUntil(t, "outbound greeting", func() bool {
		_, _, responses := h.model.Snapshot()
		return len(responses) == 1
	})
	_, _, responses := h.model.Snapshot()
	for _, want := range []string{"Grace", "dinner plans"} {
		if !strings.Contains(responses[0].Instructions, want) {
			t.Errorf("outbound greeting missing %q:\n%s", want, responses[0].Instructions)
		}
	}

	meta := st.Meta()
	if !meta.Outbound.IsOutbound {
		t.Error("call not flagged outbound")
	}
	if meta.Outbound.Theme != "dinner plans" || meta.Outbound.RecipientName != "Grace" {
		t.Errorf("outbound meta = %+v, want stream parameters", meta.Outbound)
	}
}

func TestSession_ForwardsCallerAudioVerbatim(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.beginCall(nil)

	payload := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x7f}, 160))
	h.conn.send(t, mediaEvent(payload))

	waitUntil(t, "audio append", func() bool {
		_, appends, _ := h.model.Snapshot()
		return len(appends) == 1
	})
	_, appends, _ := h.model.Snapshot()
	if appends[0].Payload != payload {
		t.Errorf("forwarded payload = %q, want the wire base64 untouched", appends[0].Payload)
	}
}

func TestSession_FramesAssistantAudioForTheWire(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.beginCall(nil)

	h.model.EventsCh <- realtime.ServerEvent{
		Type:  realtime.EventAudioDelta,
		Audio: bytes.Repeat([]byte{0x55}, 400),
	}

	waitUntil(t, "outbound media frames", func() bool {
		return len(h.conn.mediaPayloads(t)) == 3
	})
	frames := h.conn.mediaPayloads(t)
	for i, want := range []int{160, 160, 80} {
		if len(frames[i]) != want {
			t.Errorf("frame %d length = %d, want %d", i, len(frames[i]), want)
		}
	}
}

func TestSession_BargeInClearsTelephonyBeforeModel(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	st := h.beginCall(nil)

	// Capture the model's cancel counter the moment the telephony clear is
	// written; it must still be zero.
	var cancelAtClear atomic.Int64
	cancelAtClear.Store(-1)
	h.conn.setOnWrite(func(data []byte) {
		if wireEventKind(data) == "clear" {
			_, cancel, _, _ := h.model.Counts()
			cancelAtClear.Store(int64(cancel))
		}
	})

	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	waitUntil(t, "barge-in flush", func() bool {
		_, cancel, clearOut, _ := h.model.Counts()
		return cancel == 1 && clearOut == 1
	})
	switch got := cancelAtClear.Load(); got {
	case -1:
		t.Fatal("no telephony clear was written")
	case 0:
		// Correct: clear preceded response.cancel.
	default:
		t.Fatalf("response.cancel ran %d times before the telephony clear, want 0", got)
	}
	if !st.Muted() {
		t.Fatal("mute bus not asserted on barge-in")
	}

	// Assistant audio is dropped while the mute holds.
	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventAudioDelta, Audio: bytes.Repeat([]byte{0x11}, 160)}
	time.Sleep(20 * time.Millisecond)
	if got := len(h.conn.mediaPayloads(t)); got != 0 {
		t.Fatalf("got %d media writes while muted, want 0", got)
	}

	// Speech stop releases the mute after the delay.
	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventSpeechStopped}
	waitUntil(t, "barge-in release", func() bool { return !st.Muted() })
}

func TestSession_BargeInDebounceSkipsRapidReassert(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	st := h.beginCall(nil)

	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventSpeechStopped}
	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventSpeechStarted}
	waitUntil(t, "model events drained", func() bool { return len(h.model.EventsCh) == 0 })
	time.Sleep(10 * time.Millisecond)

	_, cancel, _, _ := h.model.Counts()
	if cancel != 1 {
		t.Fatalf("cancel count = %d, want 1: re-assert inside the debounce window must not flush again", cancel)
	}

	// The second speech start cancelled the pending release, so the mute
	// stays on past the release delay.
	time.Sleep(200 * time.Millisecond)
	if !st.Muted() {
		t.Fatal("mute released while the caller was still speaking")
	}
}

func TestSession_NumberModeMutesDuringDictation(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	st := h.beginCall(nil)

	entry := st.AppendEvent(call.RoleCaller, "sure, it's 555-12")
	h.gw.HandleTranscriptEntry(st, entry)
	waitUntil(t, "number mode entry", st.NumberModeActive)

	// Assistant audio is dropped mid-dictation.
	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventAudioDelta, Audio: bytes.Repeat([]byte{0x22}, 160)}
	time.Sleep(20 * time.Millisecond)
	if got := len(h.conn.mediaPayloads(t)); got != 0 {
		t.Fatalf("got %d media writes during dictation, want 0", got)
	}

	// Dictation silence for the grace window releases the mute.
	waitUntil(t, "number mode release", func() bool { return !st.NumberModeActive() })
	if st.Muted() {
		t.Fatal("mute bus still held after number mode released")
	}
}

func TestSession_NumberModeExitsOnceDigitsCollected(t *testing.T) {
	cfg := testConfig()
	cfg.NumberSilenceGrace = 10 * time.Second // only the digit count may exit
	h := newHarness(t, cfg)
	h.start()
	st := h.beginCall(nil)

	first := st.AppendEvent(call.RoleCaller, "five five five")
	h.gw.HandleTranscriptEntry(st, first)
	waitUntil(t, "number mode entry", st.NumberModeActive)

	second := st.AppendEvent(call.RoleCaller, "one two one two oh one two")
	h.gw.HandleTranscriptEntry(st, second)
	waitUntil(t, "collected release", func() bool { return !st.NumberModeActive() })
}

func TestSession_IdleTimeoutHangsUp(t *testing.T) {
	cfg := testConfig()
	cfg.GreetingFallback = 20 * time.Millisecond
	cfg.IdleTimeout = 80 * time.Millisecond
	h := newHarness(t, cfg)
	h.start()
	st := h.beginCall(nil)

	waitUntil(t, "rest hangup", func() bool {
		hangups := h.tel.Hangups()
		return len(hangups) == 1 && hangups[0] == testCallSID
	})
	waitUntil(t, "session exit", h.exited)
	if !st.Done() {
		t.Errorf("phase = %v, want done", st.Phase())
	}
	_, _, _, closed := h.model.Counts()
	if closed == 0 {
		t.Error("model session not closed on idle hangup")
	}
}

func TestSession_IdleGoodbyePlaysBeforeHangup(t *testing.T) {
	cfg := testConfig()
	cfg.GreetingFallback = 20 * time.Millisecond
	cfg.IdleTimeout = 80 * time.Millisecond
	cfg.IdleSendGoodbye = true
	cfg.IdleGoodbyeLine = "Thanks for calling, goodbye."
	cfg.GoodbyeGrace = 30 * time.Millisecond
	h := newHarness(t, cfg)
	h.start()
	h.beginCall(nil)

	waitUntil(t, "rest hangup", func() bool { return len(h.tel.Hangups()) == 1 })
	_, _, responses := h.model.Snapshot()
	if len(responses) != 2 {
		t.Fatalf("got %d responses, want greeting then goodbye", len(responses))
	}
	if got := responses[1].Instructions; !strings.Contains(got, "Thanks for calling, goodbye.") {
		t.Errorf("goodbye instructions = %q, want the configured line", got)
	}
}

func TestSession_GoodbyeAudioReachesCallerDuringGrace(t *testing.T) {
	cfg := testConfig()
	cfg.GreetingFallback = 20 * time.Millisecond
	cfg.IdleTimeout = 60 * time.Millisecond
	cfg.IdleSendGoodbye = true
	cfg.IdleGoodbyeLine = "Thanks for calling, goodbye."
	cfg.GoodbyeGrace = 10 * time.Second // held open so the delta lands inside it
	h := newHarness(t, cfg)
	h.start()
	h.beginCall(nil)

	waitUntil(t, "goodbye response", func() bool {
		_, _, responses := h.model.Snapshot()
		return len(responses) == 2
	})

	farewell := bytes.Repeat([]byte{0x7f}, 160)
	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventAudioDelta, Audio: farewell}
	waitUntil(t, "farewell frame on the wire", func() bool {
		return len(h.conn.mediaPayloads(t)) == 1
	})
	if got := h.conn.mediaPayloads(t)[0]; !bytes.Equal(got, farewell) {
		t.Errorf("farewell frame = %x, want the delta bytes", got)
	}

	h.conn.send(t, stopEvent())
	waitUntil(t, "session exit", h.exited)
}

func TestSession_GoodbyeMarkEchoEndsCallBeforeGrace(t *testing.T) {
	cfg := testConfig()
	cfg.GreetingFallback = 20 * time.Millisecond
	cfg.IdleTimeout = 60 * time.Millisecond
	cfg.IdleSendGoodbye = true
	cfg.IdleGoodbyeLine = "Thanks for calling, goodbye."
	cfg.GoodbyeGrace = 10 * time.Second // the mark echo must end the call, not this
	h := newHarness(t, cfg)

	marks := make(chan string, 1)
	h.conn.setOnWrite(func(data []byte) {
		if wireEventKind(data) != "mark" {
			return
		}
		var msg struct {
			Mark struct {
				Name string `json:"name"`
			} `json:"mark"`
		}
		if json.Unmarshal(data, &msg) == nil {
			select {
			case marks <- msg.Mark.Name:
			default:
			}
		}
	})
	h.start()
	h.beginCall(nil)

	waitUntil(t, "goodbye response", func() bool {
		_, _, responses := h.model.Snapshot()
		return len(responses) == 2
	})
	h.model.EventsCh <- realtime.ServerEvent{Type: realtime.EventResponseDone}

	var name string
	select {
	case name = <-marks:
	case <-time.After(2 * time.Second):
		t.Fatal("no mark written after the farewell response finished")
	}

	h.conn.send(t, markEvent(name))
	waitUntil(t, "rest hangup", func() bool { return len(h.tel.Hangups()) == 1 })
	waitUntil(t, "session exit", h.exited)
}

func TestSession_IdleYieldsAfterPressAttempt(t *testing.T) {
	cfg := testConfig()
	cfg.GreetingFallback = 20 * time.Millisecond
	cfg.IdleTimeout = 60 * time.Millisecond
	h := newHarness(t, cfg)
	h.start()
	st := h.beginCall(nil)
	st.LatchDNC("phrase:removal")

	time.Sleep(150 * time.Millisecond)
	if got := len(h.tel.Hangups()); got != 0 {
		t.Fatalf("got %d hangups after a press attempt, want 0: the press document owns the ending", got)
	}
	if h.exited() {
		t.Fatal("session exited on idle despite the press attempt")
	}

	h.conn.send(t, stopEvent())
	waitUntil(t, "session exit", h.exited)
}

func TestSession_ProviderStopEndsCall(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	st := h.beginCall(nil)

	h.conn.send(t, stopEvent())
	waitUntil(t, "session exit", h.exited)

	if !st.Done() {
		t.Errorf("phase = %v, want done", st.Phase())
	}
	if got := h.gw.ActiveSessions(); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
	_, _, _, closed := h.model.Counts()
	if closed != 1 {
		t.Errorf("model close count = %d, want 1", closed)
	}
	// The state lingers for late transcription webhooks.
	if _, ok := h.store.Get(testCallSID); !ok {
		t.Error("call state evicted immediately, want linger")
	}
}

func TestSession_ModelDialFailureEndsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.gw.dialer = &fakeDialer{err: errors.New("upstream refused")}
	h.start()

	h.conn.send(t, connectedEvent())
	h.conn.send(t, startEvent(nil))
	waitUntil(t, "session exit", h.exited)
}

func TestSession_DropsMalformedAndUnknownEvents(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.beginCall(nil)

	h.conn.send(t, []byte(`{not json`))
	h.conn.send(t, []byte(`{"event":"royal-wedding"}`))

	payload := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x7f}, 160))
	h.conn.send(t, mediaEvent(payload))
	waitUntil(t, "audio append after junk", func() bool {
		_, appends, _ := h.model.Snapshot()
		return len(appends) == 1
	})
}

func TestGateway_TranscriptEntryFiresAutoPress(t *testing.T) {
	h := newHarness(t, testConfig())
	h.gw.press = dnc.NewEngine(dnc.Config{
		Enabled:       true,
		DefaultDigits: []string{"9"},
		Gap:           time.Second,
		Threshold:     0.90,
	}, h.tel, dnc.NewRateLimiter(time.Hour))
	h.start()
	st := h.beginCall(map[string]string{"from": "+15551230000"})

	entry := st.AppendEvent(call.RoleCaller, "press nine to be removed from our list")
	h.gw.HandleTranscriptEntry(st, entry)

	waitUntil(t, "press redirect", func() bool { return len(h.tel.Redirects()) == 1 })
	if !st.DNCAttempted() {
		t.Error("press attempt not latched on the call state")
	}
}

func TestGateway_ShutdownDrainsLiveSessions(t *testing.T) {
	h := newHarness(t, testConfig())
	h.start()
	h.beginCall(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.gw.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v, want nil", err)
	}
	if got := h.gw.ActiveSessions(); got != 0 {
		t.Errorf("active sessions after drain = %d, want 0", got)
	}
}

func TestMergeMeta(t *testing.T) {
	t.Run("seeded values win over stream parameters", func(t *testing.T) {
		seeded := call.Meta{From: "+15550001111", To: "+15552223333"}
		got := mergeMeta(seeded, map[string]string{
			"from": "+19998887777",
			"to":   "+14445556666",
		})
		if got.From != "+15550001111" || got.To != "+15552223333" {
			t.Errorf("merged = %+v, want seeded values kept", got)
		}
	})

	t.Run("outbound parameters flag the call", func(t *testing.T) {
		got := mergeMeta(call.Meta{}, map[string]string{
			"reason":        "telegram",
			"theme":         "dinner",
			"recipientName": "Sam",
		})
		if !got.Outbound.IsOutbound {
			t.Fatal("call not flagged outbound")
		}
		if got.Outbound.Reason != "telegram" || got.Outbound.Theme != "dinner" || got.Outbound.RecipientName != "Sam" {
			t.Errorf("outbound meta = %+v, want the stream parameters", got.Outbound)
		}
	})

	t.Run("nil parameters still stamp a start time", func(t *testing.T) {
		got := mergeMeta(call.Meta{}, nil)
		if got.StartedAt.IsZero() {
			t.Error("StartedAt not stamped")
		}
		if got.Outbound.IsOutbound {
			t.Error("call flagged outbound with no parameters")
		}
	})
}
