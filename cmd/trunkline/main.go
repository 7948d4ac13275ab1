// Command trunkline is the main entry point for the Trunkline voice gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/MrWong99/trunkline/internal/call"
	"github.com/MrWong99/trunkline/internal/config"
	"github.com/MrWong99/trunkline/internal/directory"
	"github.com/MrWong99/trunkline/internal/dnc"
	"github.com/MrWong99/trunkline/internal/gateway"
	"github.com/MrWong99/trunkline/internal/health"
	"github.com/MrWong99/trunkline/internal/notify"
	"github.com/MrWong99/trunkline/internal/observe"
	"github.com/MrWong99/trunkline/internal/outbound"
	"github.com/MrWong99/trunkline/internal/telco"
	"github.com/MrWong99/trunkline/internal/transcript"
	"github.com/MrWong99/trunkline/internal/web"
	"github.com/MrWong99/trunkline/pkg/realtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	flag.Parse()

	configFlagSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configFlagSet = true
		}
	})

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist) && !configFlagSet:
		// No file next to the binary; environment-only deployments are fine.
		cfg = config.Default()
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(os.Stderr, "trunkline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		return 1
	default:
		fmt.Fprintf(os.Stderr, "trunkline: %v\n", err)
		return 1
	}
	cfg.ApplyEnv()

	if *logLevel != "" {
		lvl := config.LogLevel(*logLevel)
		if !lvl.IsValid() {
			fmt.Fprintf(os.Stderr, "trunkline: invalid -log-level %q\n", *logLevel)
			return 1
		}
		cfg.Server.LogLevel = lvl
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	if err := config.Validate(cfg); err != nil {
		slog.Error("configuration invalid", "err", err)
		return 1
	}

	slog.Info("trunkline starting",
		"config", *configPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	observeShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "trunkline"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	// Flush telemetry last, after the sessions that record it are gone.
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observeShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Core services ─────────────────────────────────────────────────────────
	calls := telco.NewClient(
		cfg.Twilio.AccountSID,
		cfg.Twilio.AuthToken,
		cfg.Twilio.OutboundFrom,
		telco.WithLogger(logger),
	)

	dir := directory.New(cfg.Directory.URL,
		directory.WithTTL(cfg.Directory.TTL()),
		directory.WithAssistantName(cfg.Voice.AssistantName),
	)

	store := call.NewStore()

	press := dnc.NewEngine(dnc.Config{
		Enabled:       cfg.AutoPress.Enable,
		OnCNAM:        cfg.AutoPress.OnCNAM,
		OnlyOnPhrase:  cfg.AutoPress.OnlyOnPhrase,
		DefaultDigits: splitDigits(cfg.AutoPress.Digits),
		Gap:           cfg.AutoPress.Gap(),
		Threshold:     cfg.AutoPress.Confidence,
		HangupAfter:   cfg.AutoPress.HangupAfter,
		SayLine:       cfg.AutoPress.SayLine,
	}, calls, dnc.NewRateLimiter(cfg.AutoPress.RateLimitWindow()), dnc.WithLogger(logger))

	dialerOpts := []realtime.Option{realtime.WithLogger(logger)}
	if cfg.Model.Model != "" {
		dialerOpts = append(dialerOpts, realtime.WithModel(cfg.Model.Model))
	}
	if cfg.Model.BaseURL != "" {
		dialerOpts = append(dialerOpts, realtime.WithBaseURL(cfg.Model.BaseURL))
	}
	dialer := realtime.NewDialer(cfg.Model.APIKey, dialerOpts...)

	gw := gateway.New(gateway.Config{
		DefaultVoice:       cfg.Voice.Default,
		MaleVoice:          cfg.Voice.Male,
		AssistantName:      cfg.Voice.AssistantName,
		OperatorName:       cfg.Voice.OperatorName,
		VADThreshold:       cfg.Model.VADThreshold,
		NumberSilenceGrace: cfg.NumberMode.SilenceGrace(),
		NumberMinDigits:    cfg.NumberMode.MinDigits,
		IdleTimeout:        cfg.Idle.Timeout(),
		IdleSendGoodbye:    cfg.Idle.SendGoodbye,
		IdleGoodbyeLine:    cfg.Idle.GoodbyeLine,
	}, dialer, store, dir, calls, press,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
	)

	// ── Notify sinks ──────────────────────────────────────────────────────────
	tz := time.UTC
	if loc, err := time.LoadLocation(cfg.Telegram.Timezone); err == nil {
		tz = loc
	}

	var sinks []notify.Sink
	var chatSink *notify.Telegram
	if chatID, ok := parseChatID(cfg.Telegram.ChatID); ok && cfg.Telegram.BotToken != "" {
		chatSink = notify.NewTelegram(cfg.Telegram.BotToken, chatID,
			notify.WithTimezone(tz),
			notify.WithTelegramLogger(logger),
		)
		sinks = append(sinks, chatSink)
	}
	if cfg.Notify.SheetURL != "" {
		sinks = append(sinks, notify.NewSheetPoster(cfg.Notify.SheetURL,
			notify.WithSheetLogger(logger),
		))
	}

	var fetcher *notify.RecordingFetcher
	if cfg.Twilio.AccountSID != "" {
		fetcherOpts := []notify.FetcherOption{notify.WithFetcherLogger(logger)}
		for _, s := range sinks {
			fetcherOpts = append(fetcherOpts, notify.WithFetcherSink(s))
		}
		fetcher = notify.NewRecordingFetcher(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, fetcherOpts...)
	}

	// ── Transcript integrator ─────────────────────────────────────────────────
	integratorOpts := []transcript.Option{
		transcript.WithNames(cfg.Voice.AssistantName, cfg.Voice.OperatorName),
		transcript.WithEntryHook(gw.HandleTranscriptEntry),
		transcript.WithLogger(logger),
	}
	for _, s := range sinks {
		integratorOpts = append(integratorOpts, transcript.WithSink(s))
	}
	integrator := transcript.NewIntegrator(store, integratorOpts...)

	// ── Outbound command bot ──────────────────────────────────────────────────
	var bot *outbound.FSM
	if cfg.Telegram.OutboundBotToken != "" {
		if allowed, ok := parseChatID(cfg.Telegram.OutboundAllowedChatID); ok {
			replyChat := allowed
			if id, ok := parseChatID(cfg.Telegram.OutboundChatID); ok {
				replyChat = id
			}
			reply := notify.NewTelegram(cfg.Telegram.OutboundBotToken, replyChat,
				notify.WithTimezone(tz),
				notify.WithTelegramLogger(logger),
			)
			bot = outbound.NewFSM(outbound.Config{
				AllowedChatID: allowed,
				FromNumber:    cfg.Twilio.OutboundFrom,
				PublicURL:     cfg.Server.PublicURL,
				CodeTTL:       cfg.Outbound.CodeTTL(),
			}, dir, calls, reply, store,
				outbound.WithLogger(logger),
				outbound.WithMetrics(metrics),
			)
		} else {
			slog.Warn("outbound bot disabled: no usable allowed chat id")
		}
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	checks := health.New(health.Checker{Name: "directory", Check: dir.Ping})

	webOpts := []web.Option{
		web.WithCallStore(store),
		web.WithCallController(calls),
		web.WithTranscripts(integrator),
		web.WithHealth(checks),
		web.WithMetrics(metrics),
		web.WithLogger(logger),
	}
	if fetcher != nil {
		webOpts = append(webOpts, web.WithRecordingFetcher(fetcher))
	}
	if bot != nil {
		webOpts = append(webOpts, web.WithCommandBot(bot))
	}
	if chatSink != nil {
		webOpts = append(webOpts, web.WithEventSink(chatSink))
	}

	handler := web.NewServer(web.Config{
		PublicURL:             cfg.Server.PublicURL,
		TelegramWebhookPath:   cfg.Telegram.OutboundWebhookPath,
		TelegramWebhookSecret: cfg.Telegram.OutboundWebhookSecret,
	}, gw, webOpts...)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Directory warm-up ─────────────────────────────────────────────────────
	// One eager fetch so the first call never pays the fetch latency.
	go func() {
		warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := dir.Ping(warmCtx); err != nil {
			slog.Warn("directory warm-up fetch failed", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg, bot != nil, fetcher != nil, sinkLabel(chatSink != nil, cfg.Notify.SheetURL != ""))

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	slog.Info("server ready — press Ctrl+C to shut down", "addr", srv.Addr)

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			return 1
		}
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Stop accepting requests first, then drain live calls: the media sockets
	// are hijacked, so the HTTP server's shutdown does not wait for them.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		slog.Warn("call drain error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, botReady, recording bool, transcripts string) {
	directoryMode := "(fallback only)"
	if cfg.Directory.URL != "" {
		directoryMode = "remote"
	}
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║       Trunkline — startup summary    ║")
	fmt.Println("╠══════════════════════════════════════╣")
	printRow("Voice", cfg.Voice.Default+" / "+cfg.Voice.Male)
	printRow("Persona", cfg.Voice.AssistantName+" for "+cfg.Voice.OperatorName)
	printRow("Model", cfg.Model.Model)
	printRow("Directory", directoryMode)
	printRow("Transcripts", transcripts)
	printRow("Outbound bot", onOff(botReady, "ready"))
	printRow("Auto-press", onOff(cfg.AutoPress.Enable, "enabled"))
	printRow("Recording", onOff(recording, "armed"))
	printRow("Listen", fmt.Sprintf(":%d", cfg.Server.Port))
	fmt.Println("╚══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s: %-19s ║\n", label, value)
}

func onOff(on bool, label string) string {
	if on {
		return label
	}
	return "(disabled)"
}

// sinkLabel names the configured transcript destinations for the summary.
func sinkLabel(telegram, sheet bool) string {
	switch {
	case telegram && sheet:
		return "telegram + sheet"
	case telegram:
		return "telegram"
	case sheet:
		return "sheet"
	}
	return "(disabled)"
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// splitDigits turns the comma-separated digits config value into the
// sequence the press engine plays.
func splitDigits(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if d := strings.TrimSpace(part); d != "" {
			out = append(out, d)
		}
	}
	return out
}

// parseChatID parses a Telegram chat id, which may be negative for group
// chats. Reports false for empty or malformed values.
func parseChatID(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		slog.Warn("ignoring malformed telegram chat id", "value", s)
		return 0, false
	}
	return id, true
}
