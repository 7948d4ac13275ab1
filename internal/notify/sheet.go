package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/trunkline/internal/transcript"
)

// SheetPoster appends rows to a spreadsheet web-app endpoint. Each Sink
// method becomes one JSON row; recordings are logged as metadata only, the
// audio itself is not uploaded.
type SheetPoster struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

var _ Sink = (*SheetPoster)(nil)

// SheetOption configures a SheetPoster.
type SheetOption func(*SheetPoster)

// WithSheetHTTPClient sets the HTTP client. Defaults to a client with a
// 30 second timeout.
func WithSheetHTTPClient(c *http.Client) SheetOption {
	return func(p *SheetPoster) {
		if c != nil {
			p.client = c
		}
	}
}

// WithSheetLogger sets the logger. Defaults to slog.Default().
func WithSheetLogger(l *slog.Logger) SheetOption {
	return func(p *SheetPoster) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewSheetPoster creates a poster targeting the given web-app URL.
func NewSheetPoster(url string, opts ...SheetOption) *SheetPoster {
	p := &SheetPoster{
		url:    url,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// sheetRow is the wire shape of one appended row.
type sheetRow struct {
	Kind         string `json:"kind"`
	CallSID      string `json:"call_sid,omitempty"`
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	CallerName   string `json:"caller_name,omitempty"`
	Outbound     bool   `json:"outbound,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	EndedAt      string `json:"ended_at,omitempty"`
	Failed       bool   `json:"failed,omitempty"`
	Text         string `json:"text,omitempty"`
	RecordingSID string `json:"recording_sid,omitempty"`
	Format       string `json:"format,omitempty"`
	DurationSec  int64  `json:"duration_sec,omitempty"`
	Event        string `json:"event,omitempty"`
}

// PostTranscript implements [Sink].
func (p *SheetPoster) PostTranscript(ctx context.Context, s transcript.Summary) error {
	row := sheetRow{
		Kind:       "transcript",
		CallSID:    s.CallSID,
		From:       s.From,
		To:         s.To,
		CallerName: s.CallerName,
		Outbound:   s.Outbound,
		Failed:     s.Failed,
		Text:       s.Text,
	}
	if !s.StartedAt.IsZero() {
		row.StartedAt = s.StartedAt.UTC().Format(time.RFC3339)
	}
	if !s.EndedAt.IsZero() {
		row.EndedAt = s.EndedAt.UTC().Format(time.RFC3339)
	}
	return p.post(ctx, row)
}

// PostRecording implements [Sink]. Only metadata is logged.
func (p *SheetPoster) PostRecording(ctx context.Context, r Recording) error {
	return p.post(ctx, sheetRow{
		Kind:         "recording",
		CallSID:      r.CallSID,
		RecordingSID: r.RecordingSID,
		Format:       r.Format,
		DurationSec:  int64(r.Duration / time.Second),
	})
}

// PostEvent implements [Sink].
func (p *SheetPoster) PostEvent(ctx context.Context, e Event) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return p.post(ctx, sheetRow{
		Kind:      "event",
		CallSID:   e.CallSID,
		Event:     e.Kind,
		Text:      e.Text,
		StartedAt: at.UTC().Format(time.RFC3339),
	})
}

func (p *SheetPoster) post(ctx context.Context, row sheetRow) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("sheet: encode row: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sheet: post row: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sheet: post row: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("sheet: post row: status %d", resp.StatusCode)
	}
	return nil
}
