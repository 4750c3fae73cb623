package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrMissingRequired is returned by Load when a mandatory credential is absent.
var ErrMissingRequired = errors.New("missing required configuration")

// Config contains all runtime settings for the call relay service.
type Config struct {
	Host             string
	Port             int
	PublicURL        string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	ElevenLabsAgentID    string
	ElevenLabsAPIKey     string
	ElevenLabsWSBaseURL  string
	ElevenLabsAPIBaseURL string

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioPhoneNumber string
	TwilioAPIBaseURL  string

	DatabaseURL string

	// HangupOnAgentClose closes the caller's media stream once the agent
	// channel is gone. Off by default: the call stays up, silent.
	HangupOnAgentClose bool

	// LogTranscripts logs PII-redacted conversation text instead of sizes only.
	LogTranscripts bool
}

// BindAddr is the listen address derived from Host and Port.
func (c Config) BindAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads the optional TOML file named by CALLRELAY_CONFIG, then
// environment variables, which take precedence over file values.
func Load() (Config, error) {
	src, err := newSource(os.Getenv("CALLRELAY_CONFIG"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Host:                 src.stringOr("HOST", "0.0.0.0"),
		PublicURL:            strings.TrimRight(src.trimmed("PUBLIC_URL"), "/"),
		MetricsNamespace:     src.stringOr("APP_METRICS_NAMESPACE", "callrelay"),
		LogLevel:             strings.ToLower(src.stringOr("LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(src.stringOr("LOG_FORMAT", "json")),
		ElevenLabsAgentID:    src.trimmed("ELEVENLABS_AGENT_ID"),
		ElevenLabsAPIKey:     src.trimmed("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:  src.stringOr("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsAPIBaseURL: src.stringOr("ELEVENLABS_API_BASE_URL", "https://api.elevenlabs.io"),
		TwilioAccountSID:     src.trimmed("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      src.trimmed("TWILIO_AUTH_TOKEN"),
		TwilioPhoneNumber:    src.trimmed("TWILIO_PHONE_NUMBER"),
		TwilioAPIBaseURL:     src.stringOr("TWILIO_API_BASE_URL", "https://api.twilio.com/2010-04-01"),
		DatabaseURL:          src.trimmed("DATABASE_URL"),
		Port:                 8000,
		ShutdownTimeout:      15 * time.Second,
	}

	cfg.Port, err = src.intOr("PORT", cfg.Port)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = src.durationOr("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.HangupOnAgentClose, err = src.boolOr("RELAY_HANGUP_ON_AGENT_CLOSE", false)
	if err != nil {
		return Config{}, err
	}
	cfg.LogTranscripts, err = src.boolOr("LOG_TRANSCRIPTS", false)
	if err != nil {
		return Config{}, err
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("PORT must be between 1 and 65535")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or console, got %q", cfg.LogFormat)
	}

	var missing []string
	for _, req := range []struct {
		key   string
		value string
	}{
		{"ELEVENLABS_AGENT_ID", cfg.ElevenLabsAgentID},
		{"TWILIO_ACCOUNT_SID", cfg.TwilioAccountSID},
		{"TWILIO_AUTH_TOKEN", cfg.TwilioAuthToken},
		{"TWILIO_PHONE_NUMBER", cfg.TwilioPhoneNumber},
	} {
		if req.value == "" {
			missing = append(missing, req.key)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// source resolves keys from the environment first and the config file second.
// Nested TOML tables flatten into upper-cased keys joined by "_", so
// [twilio] account_sid is looked up as TWILIO_ACCOUNT_SID.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	src := source{file: map[string]string{}}
	path = strings.TrimSpace(path)
	if path == "" {
		return src, nil
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return source{}, fmt.Errorf("config file %s: %w", path, err)
	}
	flatten("", raw, src.file)
	return src, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	for k, v := range in {
		key := strings.ToUpper(k)
		if prefix != "" {
			key = prefix + "_" + key
		}
		switch t := v.(type) {
		case map[string]any:
			flatten(key, t, out)
		case string:
			out[key] = t
		default:
			out[key] = fmt.Sprint(t)
		}
	}
}

func (s source) trimmed(key string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return strings.TrimSpace(s.file[key])
}

func (s source) stringOr(key, fallback string) string {
	if v := s.trimmed(key); v != "" {
		return v
	}
	return fallback
}

func (s source) durationOr(key string, fallback time.Duration) (time.Duration, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) intOr(key string, fallback int) (int, error) {
	v := s.trimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) boolOr(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.trimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
