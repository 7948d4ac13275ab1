package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/directory"
	"github.com/MrWong99/trunkline/internal/observe"
	"github.com/MrWong99/trunkline/internal/prompt"
	"github.com/MrWong99/trunkline/pkg/mediastream"
	"github.com/MrWong99/trunkline/pkg/realtime"
)

// Channel depths. The inbox absorbs media bursts while the loop is busy
// writing; the control queue is low-volume.
const (
	inboxDepth   = 64
	controlDepth = 16
)

// goodbyeMark names the mark queued behind the farewell audio. Its echo
// confirms the line has played out at the far end.
const goodbyeMark = "goodbye"

// ctrlKind enumerates the control-queue message types.
type ctrlKind int

const (
	// ctrlGreetingFallback fires when the greeting fallback timer elapses.
	ctrlGreetingFallback ctrlKind = iota

	// ctrlBargeRelease fires after the post-speech release delay.
	ctrlBargeRelease

	// ctrlNumberSilence fires when number-mode saw no digit for the grace
	// window.
	ctrlNumberSilence

	// ctrlIdleTimeout fires when the idle watchdog elapses.
	ctrlIdleTimeout

	// ctrlGoodbyeElapsed fires after the goodbye line had its grace to play.
	ctrlGoodbyeElapsed

	// ctrlEntry delivers one transcript entry from the webhook side.
	ctrlEntry

	// ctrlActivity bumps the idle watchdog from the webhook side.
	ctrlActivity

	// ctrlHangup requests teardown (drain, status webhook, store).
	ctrlHangup
)

// ctrlMsg is one message on the session's control queue.
type ctrlMsg struct {
	kind  ctrlKind
	entry call.Entry
}

// dialResult carries the outcome of the async model dial.
type dialResult struct {
	session realtime.ModelSession
	err     error
}

// session is the per-call bridge. Only its run loop touches the unexported
// fields below the channels; webhook-side components talk to it exclusively
// through post.
type session struct {
	gw   *Gateway
	conn mediaConn
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inbox   chan mediastream.Event
	control chan ctrlMsg

	model realtime.ModelSession

	st           *call.State
	callSID      string
	streamSID    string
	outbound     bool
	greeting     string
	configured   bool
	active       bool
	ending       bool
	speechActive bool
	startedAt    time.Time

	pendingStart *mediastream.StartInfo

	lastActivity time.Time
	lastDigitAt  time.Time
	digitCount   int

	greetTimer   *time.Timer
	releaseTimer *time.Timer
	numberTimer  *time.Timer
	idleTimer    *time.Timer
	byeTimer     *time.Timer

	closeOnce sync.Once
}

// newSession creates a session for one media socket.
func newSession(g *Gateway, conn mediaConn) *session {
	return &session{
		gw:      g,
		conn:    conn,
		log:     g.logger,
		inbox:   make(chan mediastream.Event, inboxDepth),
		control: make(chan ctrlMsg, controlDepth),
	}
}

// post delivers a control message unless the session is already gone. Safe
// from any goroutine.
func (s *session) post(m ctrlMsg) {
	select {
	case s.control <- m:
	case <-s.ctx.Done():
	}
}

// run drives the call until either socket dies, the provider stops the
// stream, or a watchdog ends it. It blocks for the lifetime of the call.
func (s *session) run(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.gw.track(s)
	defer s.teardown()

	go s.readTelephony()

	var (
		dialc   chan dialResult
		modelEv <-chan realtime.ServerEvent
	)

	for {
		select {
		case <-s.ctx.Done():
			return

		case ev, ok := <-s.inbox:
			if !ok {
				s.log.Debug("telephony socket closed")
				return
			}
			switch ev.Kind {
			case mediastream.KindConnected:
				if dialc == nil && s.model == nil {
					dialc = s.dialModel()
				}
			case mediastream.KindStart:
				s.pendingStart = ev.Start
				if dialc == nil && s.model == nil {
					// The connected event should have arrived first; dial
					// now rather than dropping the call.
					dialc = s.dialModel()
				}
				s.maybeConfigure()
			case mediastream.KindMedia:
				s.onCallerMedia(ev.Media)
			case mediastream.KindStop:
				s.log.Info("media stream stopped by provider")
				return
			case mediastream.KindDTMF:
				if ev.DTMF != nil {
					s.log.Debug("dtmf received", "digit", ev.DTMF.Digit)
				}
				s.bumpActivity()
			case mediastream.KindMark:
				if s.ending && ev.Mark != nil && ev.Mark.Name == goodbyeMark {
					s.log.Info("goodbye played out")
					s.stopTimer(&s.byeTimer)
					s.restHangup()
					return
				}
				s.bumpActivity()
			}

		case res := <-dialc:
			dialc = nil
			if res.err != nil {
				s.log.Error("model dial failed", "error", res.err)
				return
			}
			s.model = res.session
			modelEv = res.session.Events()
			s.maybeConfigure()

		case mev, ok := <-modelEv:
			if !ok {
				if err := s.model.Err(); err != nil {
					s.log.Warn("model socket died", "error", err)
				} else {
					s.log.Debug("model socket closed")
				}
				return
			}
			s.onModelEvent(mev)

		case m := <-s.control:
			if !s.onControl(m) {
				return
			}
		}
	}
}

// readTelephony pumps parsed telephony events into the inbox until the socket
// or the session dies. Unknown event kinds are dropped.
func (s *session) readTelephony() {
	defer close(s.inbox)
	for {
		data, err := s.conn.Read(s.ctx)
		if err != nil {
			return
		}
		ev, err := mediastream.ParseEvent(data)
		if err != nil {
			if errors.Is(err, mediastream.ErrUnknownEvent) {
				s.log.Debug("dropping unknown media event", "error", err)
			} else {
				s.log.Warn("dropping malformed media event", "error", err)
			}
			continue
		}
		select {
		case s.inbox <- ev:
		case <-s.ctx.Done():
			return
		}
	}
}

// dialModel opens the model socket off-loop and hands the result back through
// the returned channel. If the session ends first, the dialed socket is
// closed instead of leaked.
func (s *session) dialModel() chan dialResult {
	ch := make(chan dialResult)
	go func() {
		begin := time.Now()
		ms, err := s.gw.dialer.Dial(s.ctx)
		if err == nil {
			s.gw.metrics.RecordModelConnect(context.Background(), time.Since(begin))
		}
		select {
		case ch <- dialResult{session: ms, err: err}:
		case <-s.ctx.Done():
			if ms != nil {
				_ = ms.Close()
			}
		}
	}()
	return ch
}

// maybeConfigure runs once both the start event and the model session are in
// hand: resolve the caller, lock the voice, configure the model, and schedule
// the greeting.
func (s *session) maybeConfigure() {
	if s.configured || s.model == nil || s.pendingStart == nil {
		return
	}
	s.configured = true
	start := s.pendingStart
	s.pendingStart = nil

	s.streamSID = start.StreamSID
	s.callSID = start.CallSID
	if s.callSID == "" {
		s.callSID = start.CustomParameters["callSid"]
	}
	if s.callSID == "" {
		// No provider call id; webhooks cannot correlate, but the bridge
		// still works keyed on the stream.
		s.callSID = "stream:" + s.streamSID
	}
	s.startedAt = time.Now()
	s.lastActivity = s.startedAt

	st := s.gw.store.GetOrCreate(s.callSID)
	s.st = st
	st.StreamSID = s.streamSID
	st.SetHangup(func() { s.post(ctrlMsg{kind: ctrlHangup}) })

	meta := mergeMeta(st.Meta(), start.CustomParameters)
	st.SetMeta(meta)
	s.outbound = meta.Outbound.IsOutbound
	st.SetPhase(call.PhaseStreamStarted)

	s.gw.index(s.callSID, s)
	s.log = s.gw.logger.With("call_sid", s.callSID, "stream_sid", s.streamSID)

	s.gw.metrics.RecordCallStarted(s.ctx, s.direction())
	s.gw.metrics.ActiveCalls.Add(s.ctx, 1)

	snap := s.gw.dir.Snapshot(s.ctx)
	remote := meta.From
	if s.outbound {
		remote = meta.To
	}
	vip := directory.FindVIPByLast10(snap, remote)

	override := ""
	if vip != nil {
		override = vip.VoiceOverride
	}
	sel := prompt.SelectVoice(s.gw.cfg.DefaultVoice, s.gw.cfg.MaleVoice, override)
	if override == "" && s.gw.cfg.AssistantName != "" {
		sel.AssistantName = s.gw.cfg.AssistantName
	}
	st.SetVoice(call.Voice{Selected: sel.Voice, AssistantName: sel.AssistantName})

	var outboundCtx *prompt.OutboundContext
	if s.outbound {
		outboundCtx = &prompt.OutboundContext{
			Reason:        meta.Outbound.Reason,
			Theme:         meta.Outbound.Theme,
			RecipientName: meta.Outbound.RecipientName,
		}
	}
	instructions := prompt.Build(prompt.BuildInput{
		SystemPrompt:  snap.SystemPrompt,
		VIPs:          snap.VIPs,
		Businesses:    snap.Businesses,
		AssistantName: sel.AssistantName,
		OperatorName:  s.gw.cfg.OperatorName,
		CallerNumber:  remote,
		VIP:           vip,
		Outbound:      outboundCtx,
		StyleSeed:     s.callSID,
	})

	if err := s.model.UpdateSession(realtime.SessionConfig{
		Voice:        sel.Voice,
		Instructions: instructions,
		VADThreshold: s.gw.cfg.VADThreshold,
	}); err != nil {
		s.log.Warn("session update failed", "error", err)
	}
	if err := s.model.ClearInput(); err != nil {
		s.log.Warn("input buffer clear failed", "error", err)
	}

	s.greeting = s.composeGreeting(sel.AssistantName, vip, meta)

	// Outbound callees answered the phone and expect a voice right away, so
	// greet without waiting for the session acknowledgement. Inbound greets
	// on session.updated; the fallback timer is the backstop either way the
	// acknowledgement goes missing.
	if s.outbound {
		s.sendGreeting(false)
	} else {
		s.greetTimer = time.AfterFunc(s.gw.cfg.GreetingFallback, func() {
			s.post(ctrlMsg{kind: ctrlGreetingFallback})
		})
	}

	s.idleTimer = time.AfterFunc(s.gw.cfg.IdleTimeout, func() {
		s.post(ctrlMsg{kind: ctrlIdleTimeout})
	})

	// Caller-name screening ends in a provider REST call; keep it off-loop.
	go func() {
		if s.gw.press.HandleStreamStart(st) {
			s.gw.metrics.RecordAutoPress(context.Background(), "cnam")
		}
	}()

	s.log.Info("call started",
		"direction", s.direction(),
		"from", meta.From,
		"to", meta.To,
		"caller_name", meta.CallerName,
		"voice", sel.Voice,
		"vip", vip != nil,
	)
}

// mergeMeta folds the stream's custom parameters into existing metadata
// without clobbering values seeded earlier (the outbound flow stores its
// metadata when the call is placed, before the stream connects).
func mergeMeta(meta call.Meta, params map[string]string) call.Meta {
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now()
	}
	if v := params["from"]; v != "" && meta.From == "" {
		meta.From = v
	}
	if v := params["to"]; v != "" && meta.To == "" {
		meta.To = v
	}
	if v := params["callerName"]; v != "" && meta.CallerName == "" {
		meta.CallerName = v
	}
	if v := params["reason"]; v != "" {
		meta.Outbound.IsOutbound = true
		if meta.Outbound.Reason == "" {
			meta.Outbound.Reason = v
		}
	}
	if v := params["theme"]; v != "" {
		meta.Outbound.IsOutbound = true
		if meta.Outbound.Theme == "" {
			meta.Outbound.Theme = v
		}
	}
	if v := params["recipientName"]; v != "" {
		meta.Outbound.IsOutbound = true
		if meta.Outbound.RecipientName == "" {
			meta.Outbound.RecipientName = v
		}
	}
	return meta
}

// composeGreeting picks the opener for this call.
func (s *session) composeGreeting(assistant string, vip *directory.VIP, meta call.Meta) string {
	switch {
	case s.outbound:
		return prompt.OutboundGreeting(assistant, s.gw.cfg.OperatorName, meta.Outbound.RecipientName, meta.Outbound.Theme)
	case vip != nil:
		return prompt.VIPGreeting(assistant, s.gw.cfg.OperatorName, prompt.FirstName(vip.Name))
	default:
		return prompt.StrangerGreeting(assistant)
	}
}

// sendGreeting dispatches the greeting exactly once across the immediate
// attempt, the session acknowledgement, and the fallback timer.
func (s *session) sendGreeting(fallback bool) {
	if s.st == nil || s.model == nil || s.ending {
		return
	}
	if !s.st.MarkGreetingSent() {
		return
	}
	s.stopTimer(&s.greetTimer)
	if err := s.model.CreateResponse(prompt.GreetingInstructions(s.greeting)); err != nil {
		s.log.Warn("greeting dispatch failed", "error", err)
	}
	s.st.SetPhase(call.PhaseGreeted)
	if fallback {
		s.gw.metrics.GreetingFallbacks.Add(s.ctx, 1)
		s.log.Info("greeting sent by fallback timer")
	} else {
		s.log.Debug("greeting sent")
	}
}

// onCallerMedia forwards one caller audio frame to the model.
func (s *session) onCallerMedia(m *mediastream.MediaInfo) {
	if m == nil {
		return
	}
	s.bumpActivity()
	if !s.configured || s.model == nil || s.ending {
		return
	}
	if err := s.model.AppendAudio(m.Payload); err != nil {
		s.log.Warn("audio append failed", "error", err)
		return
	}
	s.gw.metrics.RecordMediaFrame(s.ctx, observe.DirectionInbound)
	if !s.active && s.st.GreetingSent() {
		s.active = true
		s.st.SetPhase(call.PhaseActive)
	}
}

// onModelEvent dispatches one decoded model event.
func (s *session) onModelEvent(ev realtime.ServerEvent) {
	switch ev.Type {
	case realtime.EventSessionUpdated:
		if s.st != nil {
			s.st.SetSessionReady()
			s.st.SetPhase(call.PhaseSessionReady)
		}
		if !s.outbound {
			s.sendGreeting(false)
		}
	case realtime.EventSpeechStarted:
		s.onBargeIn()
	case realtime.EventSpeechStopped:
		s.onSpeechStopped()
	case realtime.EventAudioDelta:
		s.onAssistantAudio(ev)
	case realtime.EventResponseDone:
		if s.st != nil {
			s.st.SetAssistantSpeaking(false)
		}
		if s.ending {
			// All farewell audio is queued ahead of this mark; its echo
			// ends the call without sitting out the full grace window.
			if err := s.conn.Write(s.ctx, mediastream.MarkMessage(s.streamSID, goodbyeMark)); err != nil {
				s.log.Warn("goodbye mark failed", "error", err)
			}
		}
	case realtime.EventOutputCleared:
		// Acknowledgement of the barge-in flush.
	case realtime.EventError:
		s.log.Warn("model error event", "error", ev.Err)
	}
}

// onBargeIn handles a speech-start: debounce, assert the mute bit, then flush
// in the one order that guarantees the caller stops hearing stale audio —
// telephony clear first, response cancel second, output buffer clear last.
func (s *session) onBargeIn() {
	if s.st == nil || s.ending {
		return
	}
	s.speechActive = true
	s.stopTimer(&s.releaseTimer)

	if last := s.st.LastBargeInAt(); !last.IsZero() && time.Since(last) < s.gw.cfg.BargeInDebounce {
		return
	}
	s.st.SetBargeIn(true)
	s.st.SetAssistantSpeaking(false)
	s.gw.metrics.BargeIns.Add(s.ctx, 1)

	if err := s.conn.Write(s.ctx, mediastream.ClearMessage(s.streamSID)); err != nil {
		s.log.Warn("telephony clear failed", "error", err)
	}
	if err := s.model.CancelResponse(); err != nil {
		s.log.Warn("response cancel failed", "error", err)
	}
	if err := s.model.ClearOutput(); err != nil {
		s.log.Warn("output buffer clear failed", "error", err)
	}
	s.log.Debug("barge-in asserted")
}

// onSpeechStopped schedules the mute release after the configured delay.
func (s *session) onSpeechStopped() {
	if s.st == nil || s.ending {
		return
	}
	s.speechActive = false
	if !s.st.BargeInActive() {
		return
	}
	s.stopTimer(&s.releaseTimer)
	s.releaseTimer = time.AfterFunc(s.gw.cfg.BargeInRelease, func() {
		s.post(ctrlMsg{kind: ctrlBargeRelease})
	})
}

// onAssistantAudio forwards one model audio delta to the caller, sliced into
// wire frames, unless the mute bus holds. Audio keeps flowing while the
// session is ending so the goodbye line plays out its grace window.
func (s *session) onAssistantAudio(ev realtime.ServerEvent) {
	if s.st == nil || len(ev.Audio) == 0 {
		return
	}
	if s.st.Muted() {
		s.gw.metrics.MutedDrops.Add(s.ctx, 1)
		return
	}
	audio := ev.Audio
	if ev.PCM16 {
		audio = mediastream.UlawFromPCM16k(audio)
	}
	s.st.SetAssistantSpeaking(true)
	for _, frame := range mediastream.Reframe(audio) {
		payload := base64.StdEncoding.EncodeToString(frame)
		if err := s.conn.Write(s.ctx, mediastream.MediaMessage(s.streamSID, payload)); err != nil {
			s.log.Warn("media write failed", "error", err)
			return
		}
		s.gw.metrics.RecordMediaFrame(s.ctx, observe.DirectionOutbound)
	}
	s.bumpActivity()
}

// onControl dispatches one control message. A false return ends the session.
func (s *session) onControl(m ctrlMsg) bool {
	switch m.kind {
	case ctrlGreetingFallback:
		s.sendGreeting(true)
	case ctrlBargeRelease:
		if !s.ending && s.st != nil && !s.speechActive {
			s.st.SetBargeIn(false)
			s.log.Debug("barge-in released")
		}
	case ctrlNumberSilence:
		s.onNumberSilence()
	case ctrlIdleTimeout:
		return s.onIdleTimeout()
	case ctrlGoodbyeElapsed:
		return s.restHangup()
	case ctrlEntry:
		s.onTranscriptEntry(m.entry)
	case ctrlActivity:
		s.bumpActivity()
	case ctrlHangup:
		s.log.Info("hangup requested")
		return false
	}
	return true
}

// onTranscriptEntry feeds a transcript line into the idle watchdog and, for
// caller lines, the number-mode controller.
func (s *session) onTranscriptEntry(e call.Entry) {
	s.bumpActivity()
	if e.Role != call.RoleCaller || s.ending || s.st == nil {
		return
	}
	s.feedNumberMode(e.Text)
}

// feedNumberMode updates the digit-dictation window from one caller line.
func (s *session) feedNumberMode(text string) {
	digits := countDigits(text)

	if s.st.NumberModeActive() {
		if digits == 0 {
			return
		}
		s.digitCount += digits
		s.lastDigitAt = time.Now()
		s.resetNumberTimer()
		if s.digitCount >= s.gw.cfg.NumberMinDigits {
			s.exitNumberMode("collected")
		}
		return
	}

	if digits < 3 && !hasPhonePunctuation(text) {
		return
	}
	s.st.SetNumberMode(true)
	s.gw.metrics.NumberModeEntries.Add(s.ctx, 1)
	s.digitCount = digits
	s.lastDigitAt = time.Now()
	s.resetNumberTimer()
	s.log.Debug("number mode entered", "digits", digits)
	if s.digitCount >= s.gw.cfg.NumberMinDigits {
		s.exitNumberMode("collected")
	}
}

// resetNumberTimer (re)arms the silence grace window.
func (s *session) resetNumberTimer() {
	if s.numberTimer == nil {
		s.numberTimer = time.AfterFunc(s.gw.cfg.NumberSilenceGrace, func() {
			s.post(ctrlMsg{kind: ctrlNumberSilence})
		})
		return
	}
	s.numberTimer.Reset(s.gw.cfg.NumberSilenceGrace)
}

// onNumberSilence releases number-mode if the grace window truly elapsed;
// stale fires from a reset race re-arm for the remainder.
func (s *session) onNumberSilence() {
	if s.ending || s.st == nil || !s.st.NumberModeActive() {
		return
	}
	if elapsed := time.Since(s.lastDigitAt); elapsed < s.gw.cfg.NumberSilenceGrace {
		s.numberTimer.Reset(s.gw.cfg.NumberSilenceGrace - elapsed)
		return
	}
	s.exitNumberMode("silence")
}

// exitNumberMode clears the number-mode mute bit. The barge-in bit is
// untouched, so the bus stays asserted while the caller is still talking
// over the assistant.
func (s *session) exitNumberMode(reason string) {
	s.st.SetNumberMode(false)
	s.digitCount = 0
	s.stopTimer(&s.numberTimer)
	s.log.Debug("number mode released", "reason", reason)
}

// onIdleTimeout ends a call nobody is talking on. Returns false when the
// session should exit now.
func (s *session) onIdleTimeout() bool {
	if s.ending || s.st == nil {
		return true
	}
	// A press attempt owns the call's ending; the redirect document or the
	// far end hangs up.
	if s.st.DNCAttempted() {
		s.log.Debug("idle watchdog standing down after press attempt")
		return true
	}
	if elapsed := time.Since(s.lastActivity); elapsed < s.gw.cfg.IdleTimeout {
		// Stale fire racing a reset; re-arm for the remainder.
		s.idleTimer.Reset(s.gw.cfg.IdleTimeout - elapsed)
		return true
	}

	s.ending = true
	s.st.SetPhase(call.PhaseEnding)
	s.log.Info("idle timeout reached", "idle", s.gw.cfg.IdleTimeout)

	if s.gw.cfg.IdleSendGoodbye && s.gw.cfg.IdleGoodbyeLine != "" && s.model != nil {
		if err := s.model.CreateResponse(prompt.FarewellInstructions(s.gw.cfg.IdleGoodbyeLine)); err != nil {
			s.log.Warn("goodbye dispatch failed", "error", err)
			return s.restHangup()
		}
		// Ceiling only; the goodbye mark echo normally ends the call sooner.
		s.byeTimer = time.AfterFunc(s.gw.cfg.GoodbyeGrace, func() {
			s.post(ctrlMsg{kind: ctrlGoodbyeElapsed})
		})
		return true
	}
	return s.restHangup()
}

// restHangup dispatches a best-effort REST hangup and ends the session.
func (s *session) restHangup() bool {
	sid := s.callSID
	calls := s.gw.calls
	logger := s.log
	go func() {
		if err := calls.Hangup(sid); err != nil {
			logger.Warn("rest hangup failed", "error", err)
		}
	}()
	return false
}

// bumpActivity feeds the idle watchdog.
func (s *session) bumpActivity() {
	s.lastActivity = time.Now()
	if s.idleTimer != nil && !s.ending {
		s.idleTimer.Reset(s.gw.cfg.IdleTimeout)
	}
}

// stopTimer stops and forgets a one-shot timer.
func (s *session) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// direction labels the call for logs and metrics.
func (s *session) direction() string {
	if s.outbound {
		return observe.DirectionOutbound
	}
	return observe.DirectionInbound
}

// teardown closes both sockets, cancels every timer, and releases the call
// state. Runs exactly once, from the loop's defer; after it no timer callback
// can reach the state because post drops on the dead context.
func (s *session) teardown() {
	s.closeOnce.Do(func() {
		if s.st != nil {
			s.st.SetPhase(call.PhaseEnding)
		}
		s.stopTimer(&s.greetTimer)
		s.stopTimer(&s.releaseTimer)
		s.stopTimer(&s.numberTimer)
		s.stopTimer(&s.byeTimer)
		s.stopTimer(&s.idleTimer)
		s.cancel()

		if s.model != nil {
			_ = s.model.Close()
		}
		_ = s.conn.Close()
		s.gw.untrack(s, s.callSID)

		if s.st != nil {
			s.st.SetPhase(call.PhaseDone)
			s.gw.store.Release(s.callSID)

			d := time.Since(s.startedAt)
			s.gw.metrics.ActiveCalls.Add(context.Background(), -1)
			s.gw.metrics.RecordCallEnded(context.Background(), s.direction(), d)
			s.log.Info("call ended",
				"duration", d.Round(time.Millisecond),
				"transcript_entries", len(s.st.Events()),
			)
		}
	})
}
