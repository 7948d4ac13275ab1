package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/trunkline/internal/config"
)

func TestDefault_ValuesAreValid(t *testing.T) {
	cfg := config.Default()
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d; want 8080", cfg.Server.Port)
	}
	if cfg.Directory.TTLMillis != 20_000 {
		t.Errorf("directory ttl = %d; want 20000", cfg.Directory.TTLMillis)
	}
	if cfg.Idle.HangupSecs != 180 {
		t.Errorf("idle hangup = %d; want 180", cfg.Idle.HangupSecs)
	}
	if cfg.NumberMode.SilenceGraceMillis != 2500 {
		t.Errorf("silence grace = %d; want 2500", cfg.NumberMode.SilenceGraceMillis)
	}
	if cfg.NumberMode.MinDigits != 10 {
		t.Errorf("min digits = %d; want 10", cfg.NumberMode.MinDigits)
	}
	if cfg.AutoPress.Confidence != 0.90 {
		t.Errorf("confidence = %v; want 0.90", cfg.AutoPress.Confidence)
	}
	if cfg.AutoPress.RateLimitSecs != 21_600 {
		t.Errorf("rate limit = %d; want 21600", cfg.AutoPress.RateLimitSecs)
	}
	if cfg.Outbound.CodeTTLMillis != 120_000 {
		t.Errorf("code ttl = %d; want 120000", cfg.Outbound.CodeTTLMillis)
	}
	if cfg.Model.VADThreshold != 0.55 {
		t.Errorf("vad threshold = %v; want 0.55", cfg.Model.VADThreshold)
	}
	if cfg.Voice.Default != "sage" || cfg.Voice.Male != "ash" {
		t.Errorf("voices = %q/%q; want sage/ash", cfg.Voice.Default, cfg.Voice.Male)
	}
	if cfg.Voice.AssistantName != "Trinity" {
		t.Errorf("assistant name = %q; want Trinity", cfg.Voice.AssistantName)
	}
}

func TestLoadFromReader_OverridesDefaults(t *testing.T) {
	yaml := `
server:
  port: 9090
  log_level: debug
voice:
  default: ballad
idle:
  hangup_secs: 60
  send_goodbye: true
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d; want 9090", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("log level = %q; want debug", cfg.Server.LogLevel)
	}
	if cfg.Voice.Default != "ballad" {
		t.Errorf("voice = %q; want ballad", cfg.Voice.Default)
	}
	if !cfg.Idle.SendGoodbye {
		t.Error("send_goodbye should be true")
	}
	// Untouched sections keep their defaults.
	if cfg.NumberMode.MinDigits != 10 {
		t.Errorf("min digits = %d; want default 10", cfg.NumberMode.MinDigits)
	}
}

func TestLoadFromReader_UnknownFieldFails(t *testing.T) {
	yaml := `
server:
  port: 8080
  listen_addrr: ":9999"
`
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestApplyEnv_OverlaysRecognisedKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_REALTIME_MODEL", "gpt-realtime-mini")
	t.Setenv("DEFAULT_VOICE", "coral")
	t.Setenv("MALE_VOICE", "echo")
	t.Setenv("GOOGLE_CONFIG_URL", "https://example.com/directory.json")
	t.Setenv("CONFIG_TTL_MS", "5000")
	t.Setenv("IDLE_HANGUP_SECS", "90")
	t.Setenv("IDLE_SEND_GOODBYE", "true")
	t.Setenv("IDLE_GOODBYE_LINE", "Bye now.")
	t.Setenv("NUMBER_SILENCE_GRACE_MS", "3000")
	t.Setenv("NUMBER_MIN_DIGITS", "7")
	t.Setenv("AUTO_DNC_ENABLE", "1")
	t.Setenv("AUTO_DNC_ON_CNAM", "true")
	t.Setenv("AUTO_DNC_ONLY_ON_PHRASE", "false")
	t.Setenv("AUTO_DNC_DIGITS", "3")
	t.Setenv("AUTO_DNC_GAP_MS", "750")
	t.Setenv("AUTO_PRESS_CONFIDENCE", "0.95")
	t.Setenv("AUTO_PRESS_RATE_LIMIT_SECS", "3600")
	t.Setenv("DNC_HANGUP_AFTER", "true")
	t.Setenv("DNC_SAY_LINE", "Remove this number.")
	t.Setenv("TWILIO_ACCOUNT_SID", "ACxxxx")
	t.Setenv("TWILIO_AUTH_TOKEN", "token")
	t.Setenv("TWILIO_OUTBOUND_FROM", "+15550001111")
	t.Setenv("WEBHOOK_URL", "https://gw.example.com/")
	t.Setenv("TELEGRAM_BOT_TOKEN", "bot-a")
	t.Setenv("TELEGRAM_CHAT_ID", "100")
	t.Setenv("TELEGRAM_TZ", "America/New_York")
	t.Setenv("TELEGRAM_OUTBOUND_BOT_TOKEN", "bot-b")
	t.Setenv("TELEGRAM_OUTBOUND_CHAT_ID", "200")
	t.Setenv("TELEGRAM_OUTBOUND_ALLOWED_CHAT_ID", "200")
	t.Setenv("TELEGRAM_OUTBOUND_WEBHOOK_PATH", "/hooks/tg")
	t.Setenv("TELEGRAM_OUTBOUND_WEBHOOK_SECRET", "s3cret")
	t.Setenv("OUTBOUND_CODE_TTL_MS", "60000")
	t.Setenv("PORT", "3000")

	cfg := config.Default()
	cfg.ApplyEnv()

	if cfg.Model.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Model.APIKey)
	}
	if cfg.Model.Model != "gpt-realtime-mini" {
		t.Errorf("model = %q", cfg.Model.Model)
	}
	if cfg.Voice.Default != "coral" || cfg.Voice.Male != "echo" {
		t.Errorf("voices = %q/%q", cfg.Voice.Default, cfg.Voice.Male)
	}
	if cfg.Directory.URL != "https://example.com/directory.json" {
		t.Errorf("directory url = %q", cfg.Directory.URL)
	}
	if cfg.Directory.TTLMillis != 5000 {
		t.Errorf("ttl = %d", cfg.Directory.TTLMillis)
	}
	if cfg.Idle.HangupSecs != 90 || !cfg.Idle.SendGoodbye || cfg.Idle.GoodbyeLine != "Bye now." {
		t.Errorf("idle = %+v", cfg.Idle)
	}
	if cfg.NumberMode.SilenceGraceMillis != 3000 || cfg.NumberMode.MinDigits != 7 {
		t.Errorf("number mode = %+v", cfg.NumberMode)
	}
	if !cfg.AutoPress.Enable || !cfg.AutoPress.OnCNAM || cfg.AutoPress.OnlyOnPhrase {
		t.Errorf("auto press flags = %+v", cfg.AutoPress)
	}
	if cfg.AutoPress.Digits != "3" || cfg.AutoPress.GapMillis != 750 {
		t.Errorf("auto press digits = %q gap = %d", cfg.AutoPress.Digits, cfg.AutoPress.GapMillis)
	}
	if cfg.AutoPress.Confidence != 0.95 || cfg.AutoPress.RateLimitSecs != 3600 {
		t.Errorf("auto press tuning = %+v", cfg.AutoPress)
	}
	if !cfg.AutoPress.HangupAfter || cfg.AutoPress.SayLine != "Remove this number." {
		t.Errorf("dnc line = %+v", cfg.AutoPress)
	}
	if cfg.Twilio.AccountSID != "ACxxxx" || cfg.Twilio.AuthToken != "token" || cfg.Twilio.OutboundFrom != "+15550001111" {
		t.Errorf("twilio = %+v", cfg.Twilio)
	}
	if cfg.Server.PublicURL != "https://gw.example.com" {
		t.Errorf("public url = %q; trailing slash should be stripped", cfg.Server.PublicURL)
	}
	if cfg.Telegram.BotToken != "bot-a" || cfg.Telegram.ChatID != "100" {
		t.Errorf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Telegram.Timezone != "America/New_York" {
		t.Errorf("tz = %q", cfg.Telegram.Timezone)
	}
	if cfg.Telegram.OutboundBotToken != "bot-b" || cfg.Telegram.OutboundChatID != "200" {
		t.Errorf("telegram outbound = %+v", cfg.Telegram)
	}
	if cfg.Telegram.OutboundAllowedChatID != "200" {
		t.Errorf("allowed chat = %q", cfg.Telegram.OutboundAllowedChatID)
	}
	if cfg.Telegram.OutboundWebhookPath != "/hooks/tg" || cfg.Telegram.OutboundWebhookSecret != "s3cret" {
		t.Errorf("webhook = %q secret = %q", cfg.Telegram.OutboundWebhookPath, cfg.Telegram.OutboundWebhookSecret)
	}
	if cfg.Outbound.CodeTTLMillis != 60_000 {
		t.Errorf("code ttl = %d", cfg.Outbound.CodeTTLMillis)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}

	if err := config.Validate(cfg); err != nil {
		t.Fatalf("env-overlaid config should validate: %v", err)
	}
}

func TestApplyEnv_UnsetKeysLeaveDefaults(t *testing.T) {
	// Empty values are treated as unset, which also shields the test from
	// whatever the ambient environment carries.
	t.Setenv("PORT", "")
	t.Setenv("IDLE_HANGUP_SECS", "")

	cfg := config.Default()
	cfg.ApplyEnv()
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d; want default 8080", cfg.Server.Port)
	}
	if cfg.Idle.HangupSecs != 180 {
		t.Errorf("idle = %d; want default 180", cfg.Idle.HangupSecs)
	}
}

func TestApplyEnv_MalformedNumberIgnored(t *testing.T) {
	t.Setenv("IDLE_HANGUP_SECS", "not-a-number")
	cfg := config.Default()
	cfg.ApplyEnv()
	if cfg.Idle.HangupSecs != 180 {
		t.Errorf("idle = %d; malformed value should keep the default", cfg.Idle.HangupSecs)
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.Port = 0
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error for port 0, got nil")
	}
	if !strings.Contains(err.Error(), "server.port") {
		t.Errorf("error should mention server.port, got: %v", err)
	}
}

func TestValidate_BadLogLevel(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.LogLevel = "loud"
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error for bad log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_TwilioCredentialsComeTogether(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Twilio.AccountSID = "ACxxxx"
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error for SID without token, got nil")
	}
	if !strings.Contains(err.Error(), "twilio") {
		t.Errorf("error should mention twilio, got: %v", err)
	}
}

func TestValidate_BadTimezone(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Telegram.Timezone = "Mars/Olympus_Mons"
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error for bad timezone, got nil")
	}
}

func TestValidate_MultipleErrorsJoined(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Server.Port = -1
	cfg.AutoPress.Confidence = 1.5
	cfg.NumberMode.MinDigits = 0
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"server.port", "confidence", "min_digits"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_ConfidenceOutOfRange(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.AutoPress.Confidence = -0.1
	if err := config.Validate(cfg); err == nil {
		t.Fatal("expected error for negative confidence, got nil")
	}
}

func TestValidate_WebhookPathMustBeRooted(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Telegram.OutboundWebhookPath = "telegram/outbound"
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error for relative webhook path, got nil")
	}
	if !strings.Contains(err.Error(), "must start with /") {
		t.Errorf("error should mention the leading slash, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	if got := cfg.Directory.TTL().Seconds(); got != 20 {
		t.Errorf("TTL = %vs; want 20s", got)
	}
	if got := cfg.Idle.Timeout().Seconds(); got != 180 {
		t.Errorf("idle timeout = %vs; want 180s", got)
	}
	if got := cfg.NumberMode.SilenceGrace().Milliseconds(); got != 2500 {
		t.Errorf("silence grace = %vms; want 2500ms", got)
	}
	if got := cfg.AutoPress.RateLimitWindow().Hours(); got != 6 {
		t.Errorf("rate limit = %vh; want 6h", got)
	}
	if got := cfg.Outbound.CodeTTL().Seconds(); got != 120 {
		t.Errorf("code ttl = %vs; want 120s", got)
	}
}
