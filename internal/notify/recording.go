package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// retrySchedule is the wait between successive .mp3 download attempts. The
// recording callback can fire before the media file is ready, so the first
// attempts are expected to 404 sometimes.
var retrySchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

// maxRecordingBytes caps the downloaded media size.
const maxRecordingBytes = 64 << 20

// RecordingCallback is the parsed recording-status webhook payload.
type RecordingCallback struct {
	CallSID      string
	RecordingSID string
	// URL is the media URL without a file extension; the fetcher appends
	// .mp3 or .wav.
	URL      string
	Duration time.Duration
}

// RecordingFetcher downloads finished call recordings and forwards them to
// the configured sinks. Fetch blocks for the duration of the retry schedule,
// so callers run it off the request path.
type RecordingFetcher struct {
	username string
	password string
	client   *http.Client
	sinks    []Sink
	logger   *slog.Logger

	// sleep waits between retries, injectable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// FetcherOption configures a RecordingFetcher.
type FetcherOption func(*RecordingFetcher)

// WithFetcherSink registers a sink to receive downloaded recordings.
func WithFetcherSink(s Sink) FetcherOption {
	return func(f *RecordingFetcher) {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
}

// WithFetcherHTTPClient sets the HTTP client. Defaults to a client with a
// 60 second timeout.
func WithFetcherHTTPClient(c *http.Client) FetcherOption {
	return func(f *RecordingFetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithFetcherLogger sets the logger. Defaults to slog.Default().
func WithFetcherLogger(l *slog.Logger) FetcherOption {
	return func(f *RecordingFetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewRecordingFetcher creates a fetcher that authenticates media downloads
// with the given basic-auth credentials. Empty credentials disable auth.
func NewRecordingFetcher(username, password string, opts ...FetcherOption) *RecordingFetcher {
	f := &RecordingFetcher{
		username: username,
		password: password,
		client:   &http.Client{Timeout: 60 * time.Second},
		logger:   slog.Default(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the recording behind cb and posts it to every sink. The
// .mp3 rendition is retried on the schedule before falling back to .wav once.
// Sink failures are logged, not returned.
func (f *RecordingFetcher) Fetch(ctx context.Context, cb RecordingCallback) error {
	audio, format, err := f.download(ctx, cb.URL)
	if err != nil {
		f.logger.Warn("recording download failed",
			"call_sid", cb.CallSID, "recording_sid", cb.RecordingSID, "error", err)
		return err
	}
	f.logger.Info("recording downloaded",
		"call_sid", cb.CallSID, "recording_sid", cb.RecordingSID,
		"format", format, "bytes", len(audio))

	rec := Recording{
		CallSID:      cb.CallSID,
		RecordingSID: cb.RecordingSID,
		Duration:     cb.Duration,
		Audio:        audio,
		Format:       format,
	}
	for _, s := range f.sinks {
		if err := s.PostRecording(ctx, rec); err != nil {
			f.logger.Warn("recording sink failed", "call_sid", cb.CallSID, "error", err)
		}
	}
	return nil
}

func (f *RecordingFetcher) download(ctx context.Context, baseURL string) ([]byte, string, error) {
	var mp3Err error
	for attempt := 0; ; attempt++ {
		audio, err := f.get(ctx, baseURL+".mp3")
		if err == nil {
			return audio, "mp3", nil
		}
		mp3Err = err
		if attempt >= len(retrySchedule) {
			break
		}
		f.logger.Debug("recording not ready, retrying",
			"attempt", attempt+1, "wait", retrySchedule[attempt], "error", err)
		if err := f.sleep(ctx, retrySchedule[attempt]); err != nil {
			return nil, "", err
		}
	}

	audio, wavErr := f.get(ctx, baseURL+".wav")
	if wavErr == nil {
		return audio, "wav", nil
	}
	return nil, "", errors.Join(mp3Err, wavErr)
}

func (f *RecordingFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.username != "" {
		req.SetBasicAuth(f.username, f.password)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if len(audio) > maxRecordingBytes {
		return nil, fmt.Errorf("fetch %s: recording larger than %d bytes", url, maxRecordingBytes)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("fetch %s: empty body", url)
	}
	return audio, nil
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
