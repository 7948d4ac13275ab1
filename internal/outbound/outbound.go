// Package outbound implements the chat-command flow for placing calls: a
// /call command resolves a target and mints a short-lived confirmation code,
// a YES reply within the TTL creates the provider call, and /cancel aborts.
//
// Commands arrive over the operator's bot webhook; only the allow-listed
// chat is honored.
package outbound

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/directory"
	"github.com/MrWong99/trunkline/internal/observe"
	"github.com/MrWong99/trunkline/internal/prompt"
	"github.com/MrWong99/trunkline/internal/telco"
)

// suggestionFloor is the minimum Jaro-Winkler similarity for a VIP name to
// be offered as a near-miss suggestion.
const suggestionFloor = 0.75

const usageText = `Commands:
/call <name> <last4> | <theme>
/call <phone> | <theme>
YES <code>     confirm a pending call
/cancel <code> abort a pending call
/help          show this message`

// Update is one inbound bot update, decoded from the webhook payload.
type Update struct {
	UpdateID int64
	ChatID   int64
	Text     string
}

// Replier sends messages back to the commanding chat. Implementations must
// be safe for concurrent use.
type Replier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// VIPSource yields the operator directory for target resolution. Resolution
// always wants a fresh read so a number edited seconds ago is dialable.
type VIPSource interface {
	Fresh(ctx context.Context) *directory.Snapshot
}

// Config holds the wiring knobs for the command handler.
type Config struct {
	// AllowedChatID is the only chat whose commands are honored. Zero
	// disables the handler entirely.
	AllowedChatID int64

	// FromNumber is the caller id for placed calls.
	FromNumber string

	// PublicURL is the externally reachable base of this service, used to
	// build the TwiML and status callback URLs.
	PublicURL string

	// CodeTTL is how long a confirmation code stays valid. Defaults to
	// DefaultCodeTTL.
	CodeTTL time.Duration
}

// FSM drives the confirm-then-call command flow. Safe for concurrent use.
type FSM struct {
	cfg     Config
	vips    VIPSource
	calls   telco.CallController
	reply   Replier
	store   *call.Store
	pending *pendingStore
	logger  *slog.Logger
	metrics *observe.Metrics
}

// Option configures an FSM.
type Option func(*FSM)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *FSM) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *FSM) {
		if m != nil {
			f.metrics = m
		}
	}
}

// NewFSM creates the command handler.
func NewFSM(cfg Config, vips VIPSource, calls telco.CallController, reply Replier, store *call.Store, opts ...Option) *FSM {
	f := &FSM{
		cfg:     cfg,
		vips:    vips,
		calls:   calls,
		reply:   reply,
		store:   store,
		pending: newPendingStore(cfg.CodeTTL),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// HandleUpdate processes one bot update and replies on the commanding chat.
// Updates from any other chat are dropped without a reply.
func (f *FSM) HandleUpdate(ctx context.Context, upd Update) {
	if f.cfg.AllowedChatID == 0 || upd.ChatID != f.cfg.AllowedChatID {
		f.logger.Warn("outbound: dropping update from unauthorized chat",
			"chat_id", upd.ChatID,
		)
		return
	}
	f.pending.purge()

	reply := f.dispatch(ctx, upd)
	if reply == "" {
		return
	}
	if err := f.reply.Send(ctx, upd.ChatID, reply); err != nil {
		f.logger.Warn("outbound: reply failed",
			"chat_id", upd.ChatID,
			"error", err,
		)
	}
}

func (f *FSM) dispatch(ctx context.Context, upd Update) string {
	text := strings.TrimSpace(upd.Text)
	if text == "" {
		return ""
	}
	fields := strings.Fields(text)
	switch strings.ToLower(fields[0]) {
	case "/help", "/start", "help":
		return usageText
	case "/call":
		return f.handleCall(ctx, upd, text)
	case "yes":
		if len(fields) < 2 {
			return "Reply YES <code> to confirm a pending call."
		}
		return f.handleConfirm(ctx, fields[1])
	case "/cancel":
		if len(fields) < 2 {
			return "Usage: /cancel <code>"
		}
		return f.handleCancel(ctx, fields[1])
	}
	return "Unrecognized command.\n\n" + usageText
}

func (f *FSM) handleCall(ctx context.Context, upd Update, text string) string {
	raw := strings.TrimSpace(text[len("/call"):])
	target, theme, ok := strings.Cut(raw, "|")
	theme = strings.TrimSpace(theme)
	if !ok || theme == "" {
		return "A theme is required.\n\n" + usageText
	}

	tokens := strings.Fields(strings.TrimSpace(target))
	var p Pending
	switch {
	case len(tokens) == 0:
		return "Missing call target.\n\n" + usageText

	case len(tokens) == 1 && looksLikePhone(tokens[0]):
		e164, err := NormalizeE164(tokens[0])
		if err != nil {
			return "Could not parse that phone number: " + err.Error()
		}
		p = Pending{DestE164: e164, Display: e164, Theme: theme}

	default:
		last4 := tokens[len(tokens)-1]
		name := strings.TrimSpace(strings.Join(tokens[:len(tokens)-1], " "))
		if name == "" || !isFourDigits(last4) {
			return "Could not parse the target. Use <name> <last4> or a full phone number.\n\n" + usageText
		}
		vip, suggestions := f.resolveVIP(ctx, name, last4)
		if vip == nil {
			msg := fmt.Sprintf("No VIP matching %q with a number ending in %s.", name, last4)
			if len(suggestions) > 0 {
				msg += " Did you mean: " + strings.Join(suggestions, ", ") + "?"
			}
			return msg
		}
		e164, err := NormalizeE164(vip.Phone)
		if err != nil {
			return fmt.Sprintf("%s has an undialable number on file: %v", vip.Name, err)
		}
		p = Pending{
			DestE164:      e164,
			Display:       fmt.Sprintf("%s (%s)", vip.Name, e164),
			Theme:         theme,
			RecipientName: vip.Name,
		}
	}

	p.RequesterChat = upd.ChatID
	code := f.pending.add(&p)
	f.metrics.RecordOutboundCommand(ctx, "call", "staged")
	f.logger.Info("outbound: call staged",
		"to", p.DestE164,
		"code", code,
	)
	return fmt.Sprintf(
		"Ready to call %s about: %s\nReply YES %s within %d seconds to confirm, or /cancel %s.",
		p.Display, p.Theme, code, int(f.pending.ttl.Seconds()), code,
	)
}

func (f *FSM) handleConfirm(ctx context.Context, code string) string {
	p, err := f.pending.take(strings.TrimSpace(code))
	switch {
	case errors.Is(err, ErrExpiredCode):
		f.metrics.RecordOutboundCommand(ctx, "confirm", "expired")
		return "That code has expired. Start over with /call."
	case errors.Is(err, ErrUnknownCode):
		f.metrics.RecordOutboundCommand(ctx, "confirm", "unknown")
		return "Unknown code. Start with /call to get one."
	}

	req := telco.CreateCallRequest{
		To:                   p.DestE164,
		From:                 f.cfg.FromNumber,
		TwiMLURL:             f.cfg.PublicURL + "/twiml/outbound",
		StatusCallbackURL:    f.cfg.PublicURL + "/webhooks/status",
		RecordingCallbackURL: f.cfg.PublicURL + "/webhooks/recording",
	}
	sid, err := f.calls.CreateCall(req)
	if err != nil {
		f.metrics.RecordOutboundCommand(ctx, "confirm", "failed")
		f.logger.Error("outbound: call create failed",
			"to", p.DestE164,
			"error", err,
		)
		return "Call failed to start: " + err.Error()
	}

	// Seed the call state before the provider fetches the TwiML document, so
	// the outbound endpoint can render the stream parameters from it.
	st := f.store.GetOrCreate(sid)
	st.SetMeta(call.Meta{
		From: f.cfg.FromNumber,
		To:   p.DestE164,
		Outbound: call.OutboundMeta{
			IsOutbound:    true,
			Reason:        "operator request",
			Theme:         p.Theme,
			RecipientName: p.RecipientName,
		},
	})

	f.metrics.RecordOutboundCommand(ctx, "confirm", "placed")
	f.logger.Info("outbound: call created",
		"call_sid", sid,
		"to", p.DestE164,
	)
	return fmt.Sprintf("Calling %s now.", p.Display)
}

func (f *FSM) handleCancel(ctx context.Context, code string) string {
	code = strings.TrimSpace(code)
	if f.pending.remove(code) {
		f.metrics.RecordOutboundCommand(ctx, "cancel", "cancelled")
		return "Cancelled " + code + "."
	}
	return "Unknown code " + code + "."
}

// resolveVIP finds the directory entry matching both the name fragment and
// the last four digits. On a miss it returns near-miss name suggestions.
func (f *FSM) resolveVIP(ctx context.Context, name, last4 string) (*directory.VIP, []string) {
	snap := f.vips.Fresh(ctx)
	if snap == nil {
		return nil, nil
	}
	lowName := strings.ToLower(name)
	for i := range snap.VIPs {
		v := &snap.VIPs[i]
		if strings.Contains(strings.ToLower(v.Name), lowName) && prompt.Last4(v.Phone) == last4 {
			return v, nil
		}
	}
	return nil, suggestNames(lowName, snap.VIPs)
}

// suggestNames ranks VIP names by Jaro-Winkler similarity to the query and
// returns up to three close calls.
func suggestNames(query string, vips []directory.VIP) []string {
	type scored struct {
		name  string
		score float64
	}
	var candidates []scored
	for _, v := range vips {
		s := matchr.JaroWinkler(query, strings.ToLower(v.Name), false)
		if s >= suggestionFloor {
			candidates = append(candidates, scored{name: v.Name, score: s})
		}
	}
	slices.SortFunc(candidates, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})
	names := make([]string, 0, 3)
	for _, c := range candidates {
		names = append(names, c.name)
		if len(names) == 3 {
			break
		}
	}
	return names
}

func isFourDigits(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
