// Package config provides the configuration schema, loader, and environment
// overlay for the Trunkline voice gateway.
package config

import "time"

// LogLevel controls log verbosity for the Trunkline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Trunkline.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// then overlaid with environment variables via [Config.ApplyEnv].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Voice      VoiceConfig      `yaml:"voice"`
	Directory  DirectoryConfig  `yaml:"directory"`
	Idle       IdleConfig       `yaml:"idle"`
	NumberMode NumberModeConfig `yaml:"number_mode"`
	AutoPress  AutoPressConfig  `yaml:"auto_press"`
	Twilio     TwilioConfig     `yaml:"twilio"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Notify     NotifyConfig     `yaml:"notify"`
	Outbound   OutboundConfig   `yaml:"outbound"`
}

// ServerConfig holds network and logging settings for the gateway server.
type ServerConfig struct {
	// Port is the TCP port the HTTP/WebSocket server listens on.
	Port int `yaml:"port"`

	// PublicURL is the externally reachable HTTPS base of this gateway,
	// used to build webhook and TwiML callback URLs (e.g.,
	// "https://gw.example.com"). No trailing slash.
	PublicURL string `yaml:"public_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ModelConfig selects and authenticates the realtime speech model.
type ModelConfig struct {
	// APIKey is the bearer token for the model API.
	APIKey string `yaml:"api_key"`

	// Model names the realtime model to request (e.g., "gpt-realtime").
	Model string `yaml:"model"`

	// BaseURL overrides the model's default websocket endpoint.
	// Leave empty to use the built-in default.
	BaseURL string `yaml:"base_url"`

	// VADThreshold tunes the server-side voice activity detector, in [0, 1].
	VADThreshold float64 `yaml:"vad_threshold"`
}

// VoiceConfig holds the voice and persona defaults for the assistant.
type VoiceConfig struct {
	// Default is the model voice used when no VIP override applies.
	Default string `yaml:"default"`

	// Male is the voice substituted for the legacy "male" override.
	Male string `yaml:"male"`

	// AssistantName is the name the assistant uses for itself on calls.
	AssistantName string `yaml:"assistant_name"`

	// OperatorName is the human the assistant answers for, spoken in
	// greetings and policy lines.
	OperatorName string `yaml:"operator_name"`
}

// DirectoryConfig points at the remote operator directory document
// (system prompt, VIP list, business list).
type DirectoryConfig struct {
	// URL is the HTTP endpoint serving the directory JSON.
	URL string `yaml:"url"`

	// TTLMillis is how long a fetched directory snapshot stays fresh.
	TTLMillis int `yaml:"ttl_ms"`
}

// TTL returns the snapshot freshness window as a duration.
func (d DirectoryConfig) TTL() time.Duration {
	return time.Duration(d.TTLMillis) * time.Millisecond
}

// IdleConfig controls the per-call inactivity watchdog.
type IdleConfig struct {
	// HangupSecs is the inactivity window before the watchdog ends the call.
	HangupSecs int `yaml:"hangup_secs"`

	// SendGoodbye makes the watchdog speak one goodbye line before hanging up.
	SendGoodbye bool `yaml:"send_goodbye"`

	// GoodbyeLine is the text spoken when SendGoodbye is set.
	GoodbyeLine string `yaml:"goodbye_line"`
}

// Timeout returns the inactivity window as a duration.
func (i IdleConfig) Timeout() time.Duration {
	return time.Duration(i.HangupSecs) * time.Second
}

// NumberModeConfig controls the digit-dictation mute window.
type NumberModeConfig struct {
	// SilenceGraceMillis is how long after the last digit number-mode stays
	// armed before releasing.
	SilenceGraceMillis int `yaml:"silence_grace_ms"`

	// MinDigits is the digit count at which number-mode releases immediately.
	MinDigits int `yaml:"min_digits"`
}

// SilenceGrace returns the post-digit silence window as a duration.
func (n NumberModeConfig) SilenceGrace() time.Duration {
	return time.Duration(n.SilenceGraceMillis) * time.Millisecond
}

// AutoPressConfig controls the do-not-call auto-press engine.
type AutoPressConfig struct {
	// Enable turns the engine on.
	Enable bool `yaml:"enable"`

	// OnCNAM also fires the default-digits variant when the caller-name
	// field looks like spam, without waiting for a removal phrase.
	OnCNAM bool `yaml:"on_cnam"`

	// OnlyOnPhrase restricts firing to explicit removal phrases even when
	// the caller name matches spam.
	OnlyOnPhrase bool `yaml:"only_on_phrase"`

	// Digits is the comma-separated digit sequence pressed by the
	// caller-name variant (e.g., "9,8").
	Digits string `yaml:"digits"`

	// GapMillis is the wait inserted between digits of the sequence.
	GapMillis int `yaml:"gap_ms"`

	// Confidence is the minimum classifier confidence to fire, in [0, 1].
	Confidence float64 `yaml:"confidence"`

	// RateLimitSecs is the per (caller, digit) re-fire suppression window.
	RateLimitSecs int `yaml:"rate_limit_secs"`

	// HangupAfter ends the call after the digits are pressed.
	HangupAfter bool `yaml:"hangup_after"`

	// SayLine is an optional sentence spoken after the digits are pressed.
	SayLine string `yaml:"say_line"`
}

// Gap returns the inter-digit wait as a duration.
func (a AutoPressConfig) Gap() time.Duration {
	return time.Duration(a.GapMillis) * time.Millisecond
}

// RateLimitWindow returns the re-fire suppression window as a duration.
func (a AutoPressConfig) RateLimitWindow() time.Duration {
	return time.Duration(a.RateLimitSecs) * time.Second
}

// TwilioConfig authenticates the telephony REST API.
type TwilioConfig struct {
	// AccountSID is the telephony account identifier.
	AccountSID string `yaml:"account_sid"`

	// AuthToken is the telephony API secret.
	AuthToken string `yaml:"auth_token"`

	// OutboundFrom is the E.164 caller id used for operator-initiated calls.
	OutboundFrom string `yaml:"outbound_from"`
}

// TelegramConfig holds the chat-bot credentials for transcript delivery and
// the outbound command webhook.
type TelegramConfig struct {
	// BotToken authenticates the transcript/notification bot.
	BotToken string `yaml:"bot_token"`

	// ChatID is the chat that receives transcripts and call notifications.
	ChatID string `yaml:"chat_id"`

	// Timezone is the IANA zone used to render call timestamps in chat
	// messages (e.g., "America/New_York").
	Timezone string `yaml:"timezone"`

	// OutboundBotToken authenticates the outbound command bot. May be the
	// same bot as BotToken.
	OutboundBotToken string `yaml:"outbound_bot_token"`

	// OutboundChatID is the chat the command bot replies into.
	OutboundChatID string `yaml:"outbound_chat_id"`

	// OutboundAllowedChatID is the only chat id whose commands are accepted.
	OutboundAllowedChatID string `yaml:"outbound_allowed_chat_id"`

	// OutboundWebhookPath is the HTTP path the command webhook is mounted on.
	OutboundWebhookPath string `yaml:"outbound_webhook_path"`

	// OutboundWebhookSecret, when set, must match the
	// X-Telegram-Bot-Api-Secret-Token header of every update.
	OutboundWebhookSecret string `yaml:"outbound_webhook_secret"`
}

// NotifyConfig points at secondary transcript destinations beyond the chat
// bot.
type NotifyConfig struct {
	// SheetURL is an optional webhook (e.g., a spreadsheet script endpoint)
	// that receives a JSON row per finished transcript. Empty disables it.
	SheetURL string `yaml:"sheet_url"`
}

// OutboundConfig controls the outbound call confirmation flow.
type OutboundConfig struct {
	// CodeTTLMillis is how long a 6-digit confirmation code stays valid.
	CodeTTLMillis int `yaml:"code_ttl_ms"`
}

// CodeTTL returns the confirmation code lifetime as a duration.
func (o OutboundConfig) CodeTTL() time.Duration {
	return time.Duration(o.CodeTTLMillis) * time.Millisecond
}
