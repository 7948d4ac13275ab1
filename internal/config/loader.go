package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/trunkline/internal/prompt"
	"gopkg.in/yaml.v3"
)

// Default returns a Config populated with the built-in defaults. Loading a
// file or applying the environment overlays on top of these.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8080,
			LogLevel: LogInfo,
		},
		Model: ModelConfig{
			Model:        "gpt-realtime",
			VADThreshold: 0.55,
		},
		Voice: VoiceConfig{
			Default:       "sage",
			Male:          "ash",
			AssistantName: prompt.DefaultAssistantName,
			OperatorName:  prompt.DefaultOperatorName,
		},
		Directory: DirectoryConfig{
			TTLMillis: 20_000,
		},
		Idle: IdleConfig{
			HangupSecs:  180,
			GoodbyeLine: "Thanks for calling. Goodbye.",
		},
		NumberMode: NumberModeConfig{
			SilenceGraceMillis: 2500,
			MinDigits:          10,
		},
		AutoPress: AutoPressConfig{
			Digits:        "9,8",
			GapMillis:     1000,
			Confidence:    0.90,
			RateLimitSecs: int((6 * time.Hour).Seconds()),
		},
		Telegram: TelegramConfig{
			Timezone:            "UTC",
			OutboundWebhookPath: "/telegram/outbound",
		},
		Outbound: OutboundConfig{
			CodeTTLMillis: 120_000,
		},
	}
}

// Load reads the YAML configuration file at path over the defaults and
// returns the result. It does not apply the environment or validate; callers
// chain [Config.ApplyEnv] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays the recognised environment variables onto cfg. Variables
// that are unset leave the current value untouched, so a config file and the
// environment compose, with the environment winning.
func (cfg *Config) ApplyEnv() {
	envString("OPENAI_API_KEY", &cfg.Model.APIKey)
	envString("OPENAI_REALTIME_MODEL", &cfg.Model.Model)
	envString("DEFAULT_VOICE", &cfg.Voice.Default)
	envString("MALE_VOICE", &cfg.Voice.Male)
	envString("GOOGLE_CONFIG_URL", &cfg.Directory.URL)
	envInt("CONFIG_TTL_MS", &cfg.Directory.TTLMillis)
	envInt("IDLE_HANGUP_SECS", &cfg.Idle.HangupSecs)
	envBool("IDLE_SEND_GOODBYE", &cfg.Idle.SendGoodbye)
	envString("IDLE_GOODBYE_LINE", &cfg.Idle.GoodbyeLine)
	envInt("NUMBER_SILENCE_GRACE_MS", &cfg.NumberMode.SilenceGraceMillis)
	envInt("NUMBER_MIN_DIGITS", &cfg.NumberMode.MinDigits)
	envBool("AUTO_DNC_ENABLE", &cfg.AutoPress.Enable)
	envBool("AUTO_DNC_ON_CNAM", &cfg.AutoPress.OnCNAM)
	envBool("AUTO_DNC_ONLY_ON_PHRASE", &cfg.AutoPress.OnlyOnPhrase)
	envString("AUTO_DNC_DIGITS", &cfg.AutoPress.Digits)
	envInt("AUTO_DNC_GAP_MS", &cfg.AutoPress.GapMillis)
	envFloat("AUTO_PRESS_CONFIDENCE", &cfg.AutoPress.Confidence)
	envInt("AUTO_PRESS_RATE_LIMIT_SECS", &cfg.AutoPress.RateLimitSecs)
	envBool("DNC_HANGUP_AFTER", &cfg.AutoPress.HangupAfter)
	envString("DNC_SAY_LINE", &cfg.AutoPress.SayLine)
	envString("TWILIO_ACCOUNT_SID", &cfg.Twilio.AccountSID)
	envString("TWILIO_AUTH_TOKEN", &cfg.Twilio.AuthToken)
	envString("TWILIO_OUTBOUND_FROM", &cfg.Twilio.OutboundFrom)
	envString("WEBHOOK_URL", &cfg.Server.PublicURL)
	envString("TELEGRAM_BOT_TOKEN", &cfg.Telegram.BotToken)
	envString("TELEGRAM_CHAT_ID", &cfg.Telegram.ChatID)
	envString("TELEGRAM_TZ", &cfg.Telegram.Timezone)
	envString("TELEGRAM_OUTBOUND_BOT_TOKEN", &cfg.Telegram.OutboundBotToken)
	envString("TELEGRAM_OUTBOUND_CHAT_ID", &cfg.Telegram.OutboundChatID)
	envString("TELEGRAM_OUTBOUND_ALLOWED_CHAT_ID", &cfg.Telegram.OutboundAllowedChatID)
	envString("TELEGRAM_OUTBOUND_WEBHOOK_PATH", &cfg.Telegram.OutboundWebhookPath)
	envString("TELEGRAM_OUTBOUND_WEBHOOK_SECRET", &cfg.Telegram.OutboundWebhookSecret)
	envString("SHEET_WEBHOOK_URL", &cfg.Notify.SheetURL)
	envInt("OUTBOUND_CODE_TTL_MS", &cfg.Outbound.CodeTTLMillis)
	envInt("PORT", &cfg.Server.Port)
	envString("LOG_LEVEL", (*string)(&cfg.Server.LogLevel))

	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.PublicURL != "" && !strings.HasPrefix(cfg.Server.PublicURL, "http") {
		errs = append(errs, fmt.Errorf("server.public_url %q must be an absolute http(s) URL", cfg.Server.PublicURL))
	}

	// Model
	if cfg.Model.APIKey == "" {
		slog.Warn("model.api_key is empty; calls will fail to reach the realtime model")
	}
	if cfg.Model.VADThreshold < 0 || cfg.Model.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("model.vad_threshold %.2f is out of range [0, 1]", cfg.Model.VADThreshold))
	}

	// Voices have a runtime fallback, so unknown names warn rather than fail.
	validateVoiceName("voice.default", cfg.Voice.Default)
	validateVoiceName("voice.male", cfg.Voice.Male)
	if cfg.Voice.AssistantName == "" {
		errs = append(errs, errors.New("voice.assistant_name is required"))
	}
	if cfg.Voice.OperatorName == "" {
		errs = append(errs, errors.New("voice.operator_name is required"))
	}

	// Directory
	if cfg.Directory.URL == "" {
		slog.Warn("directory.url is empty; every call will use the built-in fallback prompt")
	}
	if cfg.Directory.TTLMillis < 0 {
		errs = append(errs, fmt.Errorf("directory.ttl_ms %d must not be negative", cfg.Directory.TTLMillis))
	}

	// Idle
	if cfg.Idle.HangupSecs <= 0 {
		errs = append(errs, fmt.Errorf("idle.hangup_secs %d must be positive", cfg.Idle.HangupSecs))
	}

	// Number mode
	if cfg.NumberMode.SilenceGraceMillis <= 0 {
		errs = append(errs, fmt.Errorf("number_mode.silence_grace_ms %d must be positive", cfg.NumberMode.SilenceGraceMillis))
	}
	if cfg.NumberMode.MinDigits <= 0 {
		errs = append(errs, fmt.Errorf("number_mode.min_digits %d must be positive", cfg.NumberMode.MinDigits))
	}

	// Auto-press
	if cfg.AutoPress.Confidence < 0 || cfg.AutoPress.Confidence > 1 {
		errs = append(errs, fmt.Errorf("auto_press.confidence %.2f is out of range [0, 1]", cfg.AutoPress.Confidence))
	}
	if cfg.AutoPress.RateLimitSecs < 0 {
		errs = append(errs, fmt.Errorf("auto_press.rate_limit_secs %d must not be negative", cfg.AutoPress.RateLimitSecs))
	}
	if cfg.AutoPress.Enable && cfg.Twilio.AccountSID == "" {
		slog.Warn("auto_press.enable is set but twilio credentials are missing; redirects will fail")
	}

	// Twilio: credentials come as a pair.
	if (cfg.Twilio.AccountSID == "") != (cfg.Twilio.AuthToken == "") {
		errs = append(errs, errors.New("twilio.account_sid and twilio.auth_token must be set together"))
	}

	// Telegram
	if _, err := time.LoadLocation(cfg.Telegram.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("telegram.timezone %q is not a valid IANA zone", cfg.Telegram.Timezone))
	}
	if !strings.HasPrefix(cfg.Telegram.OutboundWebhookPath, "/") {
		errs = append(errs, fmt.Errorf("telegram.outbound_webhook_path %q must start with /", cfg.Telegram.OutboundWebhookPath))
	}
	if cfg.Telegram.OutboundBotToken != "" && cfg.Telegram.OutboundAllowedChatID == "" {
		slog.Warn("telegram outbound bot is configured without an allowed chat id; all commands will be rejected")
	}

	// Notify
	if cfg.Notify.SheetURL != "" && !strings.HasPrefix(cfg.Notify.SheetURL, "http") {
		errs = append(errs, fmt.Errorf("notify.sheet_url %q must be an absolute http(s) URL", cfg.Notify.SheetURL))
	}

	// Outbound
	if cfg.Outbound.CodeTTLMillis <= 0 {
		errs = append(errs, fmt.Errorf("outbound.code_ttl_ms %d must be positive", cfg.Outbound.CodeTTLMillis))
	}

	return errors.Join(errs...)
}

// validateVoiceName logs a warning if name is non-empty and not in the model
// voice set. Selection falls back at runtime, so this is not fatal.
func validateVoiceName(field, name string) {
	if name == "" || prompt.IsAllowedVoice(name) {
		return
	}
	slog.Warn("unknown voice name — selection will fall back at call time",
		"field", field,
		"name", name,
	)
}

// ── Environment helpers ──────────────────────────────────────────────────────

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("ignoring non-integer environment value", "key", key, "value", v)
		return
	}
	*dst = n
}

func envBool(key string, dst *bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("ignoring non-boolean environment value", "key", key, "value", v)
		return
	}
	*dst = b
}

func envFloat(key string, dst *float64) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		slog.Warn("ignoring non-numeric environment value", "key", key, "value", v)
		return
	}
	*dst = f
}
