package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable that overrides a config value.
const EnvPrefix = "CHATBRIDGE_"

// Config is the root configuration for chatbridge.
type Config struct {
	General  GeneralConfig  `json:"general" yaml:"general" envPrefix:"GENERAL_"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline" envPrefix:"PIPELINE_"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
}

type GeneralConfig struct {
	LogLevel               string `json:"logLevel" yaml:"logLevel" env:"LOG_LEVEL"`
	LogFile                string `json:"logFile,omitempty" yaml:"logFile,omitempty" env:"LOG_FILE"`
	MaxConcurrentEvents    int    `json:"maxConcurrentEvents" yaml:"maxConcurrentEvents"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

type ChannelsConfig struct {
	Lark     LarkConfig     `json:"lark" yaml:"lark" envPrefix:"LARK_"`
	Slack    SlackConfig    `json:"slack" yaml:"slack" envPrefix:"SLACK_"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram" envPrefix:"TELEGRAM_"`
	Discord  DiscordConfig  `json:"discord" yaml:"discord" envPrefix:"DISCORD_"`
	WebChat  WebChatConfig  `json:"webchat" yaml:"webchat"`
}

type LarkConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	AppID     string `json:"appId" yaml:"appId" env:"APP_ID"`
	AppSecret string `json:"appSecret" yaml:"appSecret" env:"APP_SECRET"`
	Domain    string `json:"domain" yaml:"domain"` // "feishu" | "lark" | base URL
	BotName   string `json:"botName,omitempty" yaml:"botName,omitempty"`
	ReplyMode string `json:"replyMode" yaml:"replyMode"` // "normal" | "card" | "stream"

	WebhookEnabled    bool   `json:"webhookEnabled" yaml:"webhookEnabled"`
	Host              string `json:"host" yaml:"host"`
	Port              int    `json:"port" yaml:"port"`
	CallbackPath      string `json:"callbackPath" yaml:"callbackPath"`
	EncryptKey        string `json:"encryptKey,omitempty" yaml:"encryptKey,omitempty" env:"ENCRYPT_KEY"`
	VerificationToken string `json:"verificationToken,omitempty" yaml:"verificationToken,omitempty" env:"VERIFICATION_TOKEN"`

	CardTemplateID   string `json:"cardTemplateId,omitempty" yaml:"cardTemplateId,omitempty"`
	CardTemplateJSON string `json:"cardTemplateJson,omitempty" yaml:"cardTemplateJson,omitempty"`
	StreamFieldName  string `json:"streamFieldName" yaml:"streamFieldName"`

	RequestTimeoutSeconds int `json:"requestTimeoutSeconds" yaml:"requestTimeoutSeconds"`
	CardCacheSize         int `json:"cardCacheSize" yaml:"cardCacheSize"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"botToken" yaml:"botToken" env:"BOT_TOKEN"`
	AppToken string `json:"appToken" yaml:"appToken" env:"APP_TOKEN"` // required for Socket Mode
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Token     string         `json:"token" yaml:"token" env:"TOKEN"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Token   string `json:"token" yaml:"token" env:"TOKEN"`
	GuildID string `json:"guildId,omitempty" yaml:"guildId,omitempty"` // optional: restrict to specific guild
}

// WebChatConfig configures the browser debug chat.
type WebChatConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	HistorySize int    `json:"historySize" yaml:"historySize"`
}

// PipelineConfig configures the echo responder run by "chatbridge serve".
type PipelineConfig struct {
	// GroupMentionOnly makes the responder ignore group messages that do not
	// mention the bot.
	GroupMentionOnly bool    `json:"groupMentionOnly" yaml:"groupMentionOnly" env:"GROUP_MENTION_ONLY"`
	RatePerMinute    float64 `json:"ratePerMinute" yaml:"ratePerMinute"`
	Burst            int     `json:"burst" yaml:"burst"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	Addr    string `json:"addr" yaml:"addr" env:"ADDR"`
	Path    string `json:"path" yaml:"path"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// Contains reports whether id is in the list. An empty list allows everyone.
func (f FlexStringList) Contains(id string) bool {
	if len(f) == 0 {
		return true
	}
	for _, v := range f {
		if v == id {
			return true
		}
	}
	return false
}

// DefaultConfigDir returns the default config directory (~/.chatbridge).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatbridge"
	}
	return filepath.Join(home, ".chatbridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads a JSON or YAML config file, expands ${VAR} references, applies
// CHATBRIDGE_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays CHATBRIDGE_* environment variables onto cfg, e.g.
// CHATBRIDGE_LARK_APP_SECRET or CHATBRIDGE_SLACK_BOT_TOKEN. Unset variables
// leave the file value in place.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("cannot apply environment overrides: %w", err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Secrets live in this file.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentEvents < 1 || cfg.General.MaxConcurrentEvents > 100 {
		errs = append(errs, "general.maxConcurrentEvents must be between 1 and 100")
	}
	if cfg.General.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "general.shutdownTimeoutSeconds must be >= 1")
	}

	errs = append(errs, validateLark(cfg.Channels.Lark)...)

	if s := cfg.Channels.Slack; s.Enabled && (s.BotToken == "" || s.AppToken == "") {
		errs = append(errs, "channels.slack: botToken and appToken are required")
	}
	if t := cfg.Channels.Telegram; t.Enabled && t.Token == "" {
		errs = append(errs, "channels.telegram: token is required")
	}
	if d := cfg.Channels.Discord; d.Enabled && d.Token == "" {
		errs = append(errs, "channels.discord: token is required")
	}
	if w := cfg.Channels.WebChat; w.Port < 0 || w.Port > 65535 {
		errs = append(errs, "channels.webchat.port must be between 0 and 65535")
	}
	if cfg.Channels.WebChat.HistorySize < 1 {
		errs = append(errs, "channels.webchat.historySize must be >= 1")
	}

	if cfg.Pipeline.RatePerMinute < 0 {
		errs = append(errs, "pipeline.ratePerMinute must be >= 0")
	}
	if cfg.Pipeline.Burst < 0 {
		errs = append(errs, "pipeline.burst must be >= 0")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			errs = append(errs, "metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateLark(c LarkConfig) []string {
	var errs []string

	mode := strings.ToLower(c.ReplyMode)
	switch mode {
	case "", "normal", "card", "stream", "stream_message":
	default:
		errs = append(errs, "channels.lark.replyMode must be one of: normal, card, stream")
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, "channels.lark.port must be between 0 and 65535")
	}
	if c.RequestTimeoutSeconds < 1 {
		errs = append(errs, "channels.lark.requestTimeoutSeconds must be >= 1")
	}
	if c.CardCacheSize < 1 {
		errs = append(errs, "channels.lark.cardCacheSize must be >= 1")
	}
	if !c.Enabled {
		return errs
	}

	if c.AppID == "" || c.AppSecret == "" {
		errs = append(errs, "channels.lark: appId and appSecret are required")
	}
	if mode == "card" && c.CardTemplateID == "" {
		errs = append(errs, "channels.lark: cardTemplateId is required in card mode")
	}
	if c.CardTemplateJSON != "" && !json.Valid([]byte(c.CardTemplateJSON)) {
		errs = append(errs, "channels.lark.cardTemplateJson is not valid JSON")
	}
	if c.WebhookEnabled {
		if c.Port == 0 {
			errs = append(errs, "channels.lark.port is required for webhook mode")
		}
		if !strings.HasPrefix(c.CallbackPath, "/") {
			errs = append(errs, "channels.lark.callbackPath must start with /")
		}
	}
	return errs
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
