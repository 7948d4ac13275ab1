package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/MrWong99/trunkline/internal/transcript"
)

// maxMessageLen is the chunk size for outgoing messages. The Bot API caps
// messages at 4096 characters; the headroom absorbs multi-byte runes and
// continuation markers.
const maxMessageLen = 3800

// defaultAPIBase is the Bot API endpoint.
const defaultAPIBase = "https://api.telegram.org"

// Telegram sends messages and recordings through the Bot API. Safe for
// concurrent use; sends are paced by a shared limiter so bursts of call
// endings do not trip the API's flood control.
type Telegram struct {
	token   string
	chatID  int64
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	tz      *time.Location
	logger  *slog.Logger
}

var _ Sink = (*Telegram)(nil)

// TelegramOption configures a Telegram sender.
type TelegramOption func(*Telegram)

// WithTelegramBaseURL overrides the Bot API base URL. Used in tests.
func WithTelegramBaseURL(u string) TelegramOption {
	return func(t *Telegram) {
		if u != "" {
			t.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithTelegramHTTPClient sets the HTTP client. Defaults to a client with a
// 30 second timeout.
func WithTelegramHTTPClient(c *http.Client) TelegramOption {
	return func(t *Telegram) {
		if c != nil {
			t.client = c
		}
	}
}

// WithTimezone sets the zone used when rendering timestamps for the
// operator. Defaults to UTC.
func WithTimezone(loc *time.Location) TelegramOption {
	return func(t *Telegram) {
		if loc != nil {
			t.tz = loc
		}
	}
}

// WithTelegramLogger sets the logger. Defaults to slog.Default().
func WithTelegramLogger(l *slog.Logger) TelegramOption {
	return func(t *Telegram) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTelegram creates a sender for the given bot token. chatID is the
// default destination used by the Sink methods; Send can target any chat.
func NewTelegram(token string, chatID int64, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: defaultAPIBase,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(1), 3),
		tz:      time.UTC,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send delivers text to chatID, splitting it into API-sized chunks on line
// boundaries. Chunks are sent in order; the first failure aborts the rest.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := t.sendMessage(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// PostTranscript implements [Sink].
func (t *Telegram) PostTranscript(ctx context.Context, s transcript.Summary) error {
	return t.Send(ctx, t.chatID, formatTranscript(s, t.tz))
}

// PostRecording implements [Sink] by uploading the audio as a document.
func (t *Telegram) PostRecording(ctx context.Context, r Recording) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := w.WriteField("chat_id", strconv.FormatInt(t.chatID, 10)); err != nil {
		return fmt.Errorf("telegram: build upload: %w", err)
	}
	caption := fmt.Sprintf("Recording %s (%s)", r.CallSID, r.Duration.Round(time.Second))
	if err := w.WriteField("caption", caption); err != nil {
		return fmt.Errorf("telegram: build upload: %w", err)
	}
	part, err := w.CreateFormFile("document", fmt.Sprintf("recording-%s.%s", r.CallSID, r.Format))
	if err != nil {
		return fmt.Errorf("telegram: build upload: %w", err)
	}
	if _, err := part.Write(r.Audio); err != nil {
		return fmt.Errorf("telegram: build upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("telegram: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL("sendDocument"), &body)
	if err != nil {
		return fmt.Errorf("telegram: send document: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return t.do(req, "sendDocument")
}

// PostEvent implements [Sink].
func (t *Telegram) PostEvent(ctx context.Context, e Event) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	text := fmt.Sprintf("[%s] %s", e.Kind, e.Text)
	if e.CallSID != "" {
		text += "\nCall: " + e.CallSID
	}
	text += "\nAt: " + at.In(t.tz).Format("2006-01-02 15:04:05 MST")
	return t.Send(ctx, t.chatID, text)
}

func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("telegram: encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, "sendMessage")
}

// do executes the request and decodes the API's ok envelope.
func (t *Telegram) do(req *http.Request, method string) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var apiResp struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&apiResp); err != nil {
		return fmt.Errorf("telegram: %s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if !apiResp.OK {
		return fmt.Errorf("telegram: %s: %s (status %d)", method, apiResp.Description, resp.StatusCode)
	}
	return nil
}

func (t *Telegram) methodURL(method string) string {
	return t.baseURL + "/bot" + t.token + "/" + method
}

// splitMessage cuts text into chunks of at most limit bytes, preferring line
// boundaries and never splitting a rune.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// formatTranscript renders the operator-facing transcript message.
func formatTranscript(s transcript.Summary, tz *time.Location) string {
	var sb strings.Builder
	if s.Outbound {
		sb.WriteString("Outbound call transcript")
	} else {
		sb.WriteString("Call transcript")
	}
	if s.Failed {
		sb.WriteString(" (transcription ended with an error)")
	}
	sb.WriteString("\n")

	from := s.From
	if s.CallerName != "" {
		from += " (" + s.CallerName + ")"
	}
	fmt.Fprintf(&sb, "From: %s\nTo: %s\n", from, s.To)
	if !s.StartedAt.IsZero() {
		fmt.Fprintf(&sb, "Started: %s\n", s.StartedAt.In(tz).Format("2006-01-02 15:04:05 MST"))
		if !s.EndedAt.IsZero() {
			fmt.Fprintf(&sb, "Duration: %s\n", s.EndedAt.Sub(s.StartedAt).Round(time.Second))
		}
	}
	sb.WriteString("\n")
	sb.WriteString(s.Text)
	return sb.String()
}
