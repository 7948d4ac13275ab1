package web

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/notify"
	"github.com/MrWong99/trunkline/internal/outbound"
	telcomock "github.com/MrWong99/trunkline/internal/telco/mock"
	"github.com/MrWong99/trunkline/internal/transcript"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

type fakeGateway struct {
	mu    sync.Mutex
	bumps []string
}

func (g *fakeGateway) HandleMedia(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (g *fakeGateway) BumpActivity(callSID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bumps = append(g.bumps, callSID)
}

func (g *fakeGateway) bumped() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.bumps...)
}

type fakeIntake struct {
	mu     sync.Mutex
	events []transcript.Event
}

func (f *fakeIntake) Handle(ev transcript.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeIntake) handled() []transcript.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcript.Event(nil), f.events...)
}

type fakeFetcher struct {
	got chan notify.RecordingCallback
}

func (f *fakeFetcher) Fetch(_ context.Context, cb notify.RecordingCallback) error {
	f.got <- cb
	return nil
}

type fakeBot struct {
	got chan outbound.Update
}

func (b *fakeBot) HandleUpdate(_ context.Context, upd outbound.Update) {
	b.got <- upd
}

type fakeEvents struct {
	got chan notify.Event
}

func (e *fakeEvents) PostEvent(_ context.Context, ev notify.Event) error {
	e.got <- ev
	return nil
}

// ── Harness ──────────────────────────────────────────────────────────────────

func testConfig() Config {
	return Config{PublicURL: "https://gw.example.com"}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postForm(t *testing.T, s *Server, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
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

// ── TwiML endpoints ──────────────────────────────────────────────────────────

func TestInboundTwiMLConnectsStreamAndArmsRecording(t *testing.T) {
	t.Parallel()
	tel := &telcomock.Controller{}
	s := NewServer(testConfig(), &fakeGateway{},
		WithCallController(tel),
		WithLogger(discardLogger()),
	)

	rec := postForm(t, s, "/twiml/inbound", url.Values{
		"CallSid":    {"CA7700"},
		"From":       {"+15550001111"},
		"To":         {"+15559990000"},
		"CallerName": {"WIRELESS CALLER"},
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("content type = %q, want text/xml", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"<Connect>",
		`url="wss://gw.example.com/media"`,
		`statusCallbackUrl="https://gw.example.com/webhooks/transcription"`,
		`name="from"`,
		`value="+15550001111"`,
		`name="callerName"`,
		`name="callSid"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("document should contain %q\n%s", want, body)
		}
	}
	// Inbound calls never carry outbound parameters.
	if strings.Contains(body, `name="reason"`) {
		t.Errorf("inbound document should omit the reason parameter\n%s", body)
	}

	// Recording is armed over REST off the request path.
	waitUntil(t, "recording start", func() bool { return len(tel.Recordings()) == 1 })
	got := tel.Recordings()[0]
	if got.CallSID != "CA7700" {
		t.Errorf("recording call sid = %q, want CA7700", got.CallSID)
	}
	if want := "https://gw.example.com/webhooks/recording"; got.CallbackURL != want {
		t.Errorf("recording callback = %q, want %q", got.CallbackURL, want)
	}
}

func TestInboundTwiMLRequiresCallSid(t *testing.T) {
	t.Parallel()
	s := NewServer(testConfig(), &fakeGateway{}, WithLogger(discardLogger()))

	rec := postForm(t, s, "/twiml/inbound", url.Values{"From": {"+15550001111"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestOutboundTwiMLCarriesSeededMeta(t *testing.T) {
	t.Parallel()
	store := call.NewStore()
	st := store.GetOrCreate("CAout1")
	st.SetMeta(call.Meta{
		From: "+15550001111",
		To:   "+15557654321",
		Outbound: call.OutboundMeta{
			IsOutbound:    true,
			Reason:        "operator request",
			Theme:         "dinner plans",
			RecipientName: "Grace",
		},
	})

	s := NewServer(testConfig(), &fakeGateway{},
		WithCallStore(store),
		WithLogger(discardLogger()),
	)

	rec := postForm(t, s, "/twiml/outbound", url.Values{"CallSid": {"CAout1"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`url="wss://gw.example.com/media"`,
		`name="to"`,
		`value="+15557654321"`,
		`name="reason"`,
		`value="operator request"`,
		`name="theme"`,
		`value="dinner plans"`,
		`name="recipientName"`,
		`value="Grace"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("document should contain %q\n%s", want, body)
		}
	}
}

func TestOutboundTwiMLUnknownCallStillConnects(t *testing.T) {
	t.Parallel()
	s := NewServer(testConfig(), &fakeGateway{},
		WithCallStore(call.NewStore()),
		WithLogger(discardLogger()),
	)

	rec := postForm(t, s, "/twiml/outbound", url.Values{"CallSid": {"CAmystery"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Connect>") {
		t.Errorf("document should still connect the stream\n%s", body)
	}
	if !strings.Contains(body, `name="callSid"`) {
		t.Errorf("document should carry the call sid\n%s", body)
	}
}

// ── Provider webhooks ────────────────────────────────────────────────────────

func TestTranscriptionWebhookFeedsIntake(t *testing.T) {
	t.Parallel()
	in := &fakeIntake{}
	s := NewServer(testConfig(), &fakeGateway{},
		WithTranscripts(in),
		WithLogger(discardLogger()),
	)

	rec := postForm(t, s, "/webhooks/transcription", url.Values{
		"TranscriptionEvent": {"transcription-content"},
		"CallSid":            {"CA7700"},
		"Track":              {"inbound_track"},
		"TranscriptionData":  {`{"transcript":"hello there","confidence":0.91}`},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	got := in.handled()
	if len(got) != 1 {
		t.Fatalf("handled %d events, want 1", len(got))
	}
	ev := got[0]
	if ev.Kind != transcript.KindContent {
		t.Errorf("kind = %q, want %q", ev.Kind, transcript.KindContent)
	}
	if ev.CallSID != "CA7700" {
		t.Errorf("call sid = %q, want CA7700", ev.CallSID)
	}
	if ev.Track != "inbound_track" {
		t.Errorf("track = %q, want inbound_track", ev.Track)
	}
	if !strings.Contains(ev.Data, "hello there") {
		t.Errorf("data should carry the transcript, got %q", ev.Data)
	}
}

func TestTranscriptionWebhookWithoutIntake(t *testing.T) {
	t.Parallel()
	s := NewServer(testConfig(), &fakeGateway{}, WithLogger(discardLogger()))

	rec := postForm(t, s, "/webhooks/transcription", url.Values{"CallSid": {"CA1"}})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestRecordingWebhookFetchesOffRequestPath(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{got: make(chan notify.RecordingCallback, 1)}
	s := NewServer(testConfig(), &fakeGateway{},
		WithRecordingFetcher(f),
		WithLogger(discardLogger()),
	)

	rec := postForm(t, s, "/webhooks/recording", url.Values{
		"CallSid":           {"CA7700"},
		"RecordingSid":      {"RE42"},
		"RecordingUrl":      {"https://api.example.com/recordings/RE42"},
		"RecordingStatus":   {"completed"},
		"RecordingDuration": {"42"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	select {
	case cb := <-f.got:
		if cb.CallSID != "CA7700" || cb.RecordingSID != "RE42" {
			t.Errorf("callback = %+v, want CA7700/RE42", cb)
		}
		if cb.URL != "https://api.example.com/recordings/RE42" {
			t.Errorf("url = %q", cb.URL)
		}
		if cb.Duration != 42*time.Second {
			t.Errorf("duration = %v, want 42s", cb.Duration)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the fetch")
	}
}

func TestRecordingWebhookIgnoresInProgress(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{got: make(chan notify.RecordingCallback, 1)}
	s := NewServer(testConfig(), &fakeGateway{},
		WithRecordingFetcher(f),
		WithLogger(discardLogger()),
	)

	rec := postForm(t, s, "/webhooks/recording", url.Values{
		"CallSid":         {"CA7700"},
		"RecordingUrl":    {"https://api.example.com/recordings/RE42"},
		"RecordingStatus": {"in-progress"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	select {
	case cb := <-f.got:
		t.Fatalf("unexpected fetch for in-progress recording: %+v", cb)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusWebhookBumpsActivity(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	s := NewServer(testConfig(), gw,
		WithCallStore(call.NewStore()),
		WithLogger(discardLogger()),
	)

	rec := postForm(t, s, "/webhooks/status", url.Values{
		"CallSid":    {"CA7700"},
		"CallStatus": {"in-progress"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := gw.bumped(); len(got) != 1 || got[0] != "CA7700" {
		t.Errorf("bumped = %v, want [CA7700]", got)
	}
}

func TestStatusWebhookCompletedReleasesSessionAndNotifies(t *testing.T) {
	t.Parallel()
	store := call.NewStore()
	st := store.GetOrCreate("CAout1")
	st.SetMeta(call.Meta{
		To:       "+15557654321",
		Outbound: call.OutboundMeta{IsOutbound: true, RecipientName: "Grace"},
	})
	hungup := make(chan struct{})
	st.SetHangup(func() { close(hungup) })

	events := &fakeEvents{got: make(chan notify.Event, 1)}
	gw := &fakeGateway{}
	s := NewServer(testConfig(), gw,
		WithCallStore(store),
		WithEventSink(events),
		WithLogger(discardLogger()),
	)

	rec := postForm(t, s, "/webhooks/status", url.Values{
		"CallSid":      {"CAout1"},
		"CallStatus":   {"completed"},
		"CallDuration": {"63"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}

	select {
	case <-hungup:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the hangup request")
	}
	select {
	case ev := <-events.got:
		if ev.Kind != "call-completed" {
			t.Errorf("event kind = %q, want call-completed", ev.Kind)
		}
		if !strings.Contains(ev.Text, "Grace") || !strings.Contains(ev.Text, "63s") {
			t.Errorf("event text = %q, want recipient and duration", ev.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the notify event")
	}
	// Terminal transitions are not activity.
	if got := gw.bumped(); len(got) != 0 {
		t.Errorf("bumped = %v, want none", got)
	}
}

func TestStatusWebhookInboundCompletedStaysQuiet(t *testing.T) {
	t.Parallel()
	store := call.NewStore()
	st := store.GetOrCreate("CAin1")
	st.SetMeta(call.Meta{From: "+15550001111"})

	events := &fakeEvents{got: make(chan notify.Event, 1)}
	s := NewServer(testConfig(), &fakeGateway{},
		WithCallStore(store),
		WithEventSink(events),
		WithLogger(discardLogger()),
	)

	rec := postForm(t, s, "/webhooks/status", url.Values{
		"CallSid":    {"CAin1"},
		"CallStatus": {"completed"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	select {
	case ev := <-events.got:
		t.Fatalf("unexpected notify event for inbound call: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// ── Chat-bot webhook ─────────────────────────────────────────────────────────

func TestTelegramWebhookDispatchesCommand(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{got: make(chan outbound.Update, 1)}
	s := NewServer(testConfig(), &fakeGateway{},
		WithCommandBot(bot),
		WithLogger(discardLogger()),
	)

	body := `{"update_id":77,"message":{"message_id":5,"chat":{"id":4242,"type":"private"},"text":"/call Grace"}}`
	req := httptest.NewRequest(http.MethodPost, "/telegram/outbound", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	select {
	case upd := <-bot.got:
		if upd.UpdateID != 77 || upd.ChatID != 4242 || upd.Text != "/call Grace" {
			t.Errorf("update = %+v", upd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the bot dispatch")
	}
}

func TestTelegramWebhookRejectsBadSecret(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TelegramWebhookSecret = "s3cret"
	bot := &fakeBot{got: make(chan outbound.Update, 1)}
	s := NewServer(cfg, &fakeGateway{},
		WithCommandBot(bot),
		WithLogger(discardLogger()),
	)

	req := httptest.NewRequest(http.MethodPost, "/telegram/outbound",
		strings.NewReader(`{"update_id":1,"message":{"chat":{"id":1},"text":"/help"}}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodPost, "/telegram/outbound",
		strings.NewReader(`{"update_id":1,"message":{"chat":{"id":1},"text":"/help"}}`))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status with secret = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestTelegramWebhookDropsNonMessageUpdates(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{got: make(chan outbound.Update, 1)}
	s := NewServer(testConfig(), &fakeGateway{},
		WithCommandBot(bot),
		WithLogger(discardLogger()),
	)

	req := httptest.NewRequest(http.MethodPost, "/telegram/outbound",
		strings.NewReader(`{"update_id":78,"edited_message":{"chat":{"id":4242},"text":"oops"}}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	select {
	case upd := <-bot.got:
		t.Fatalf("unexpected dispatch for non-message update: %+v", upd)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTelegramWebhookCustomPath(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TelegramWebhookPath = "/hooks/chat"
	bot := &fakeBot{got: make(chan outbound.Update, 1)}
	s := NewServer(cfg, &fakeGateway{},
		WithCommandBot(bot),
		WithLogger(discardLogger()),
	)

	req := httptest.NewRequest(http.MethodPost, "/hooks/chat",
		strings.NewReader(`{"update_id":1,"message":{"chat":{"id":9},"text":"/help"}}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	req = httptest.NewRequest(http.MethodPost, "/telegram/outbound", strings.NewReader(`{}`))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("default path status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// ── Plumbing ─────────────────────────────────────────────────────────────────

func TestHealthEndpointsMounted(t *testing.T) {
	t.Parallel()
	s := NewServer(testConfig(), &fakeGateway{}, WithLogger(discardLogger()))

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusOK)
		}
	}
}

func TestMediaURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		public string
		want   string
	}{
		{"https://gw.example.com", "wss://gw.example.com/media"},
		{"http://localhost:8080", "ws://localhost:8080/media"},
		{"gw.example.com", "gw.example.com/media"},
	}
	for _, tt := range tests {
		if got := mediaURL(tt.public); got != tt.want {
			t.Errorf("mediaURL(%q) = %q, want %q", tt.public, got, tt.want)
		}
	}
}
