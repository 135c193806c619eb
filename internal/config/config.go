// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TranscriptConfig controls NDJSON event transcripts.
type TranscriptConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Dir       string `yaml:"dir"`
	QueueSize int    `yaml:"queue_size"`
}

// ServerConfig holds the dev server configuration.
type ServerConfig struct {
	Port              string
	FrontendURL       string
	DBPath            string
	ConversationTTL   time.Duration
	RetentionInterval time.Duration
	// Tokens maps accepted bearer tokens to user ids. Empty means any
	// non-empty token is accepted and used as the user id.
	Tokens      map[string]string
	StreamDelay time.Duration
	Transcript  TranscriptConfig
}

// LoadServer reads the server configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	tokens, err := parseTokens(getEnv("AUTH_TOKENS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg := &ServerConfig{
		Port:              getEnv("PORT", "8080"),
		FrontendURL:       getEnv("FRONTEND_URL", ""),
		DBPath:            getEnv("DB_PATH", "./data/confchat.db"),
		ConversationTTL:   getEnvDuration("CONVERSATION_TTL", 30*24*time.Hour),
		RetentionInterval: getEnvDuration("RETENTION_INTERVAL", time.Hour),
		Tokens:            tokens,
		StreamDelay:       getEnvDuration("STREAM_DELAY", 40*time.Millisecond),
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_ENABLED", false),
			Dir:       getEnv("TRANSCRIPT_DIR", "./data/transcripts"),
			QueueSize: getEnvInt("TRANSCRIPT_QUEUE_SIZE", 256),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if c.ConversationTTL <= 0 {
		return errors.New("CONVERSATION_TTL must be > 0")
	}
	if c.RetentionInterval <= 0 {
		return errors.New("RETENTION_INTERVAL must be > 0")
	}
	if c.StreamDelay < 0 {
		return errors.New("STREAM_DELAY cannot be negative")
	}
	return c.Transcript.validate("TRANSCRIPT")
}

// IsDevelopment returns true if running in development mode.
func (c *ServerConfig) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// ClientConfig holds the terminal client configuration. Values come from
// defaults, then an optional YAML file, then environment variables.
type ClientConfig struct {
	ServerURL      string           `yaml:"server_url"`
	HTTPURL        string           `yaml:"http_url"`
	Token          string           `yaml:"token"`
	SiteURL        string           `yaml:"site_url"`
	Locale         string           `yaml:"locale"`
	Language       string           `yaml:"language"`
	Streaming      bool             `yaml:"streaming"`
	RevealInterval time.Duration    `yaml:"reveal_interval"`
	EmitTimeout    time.Duration    `yaml:"emit_timeout"`
	Transcript     TranscriptConfig `yaml:"transcript"`
}

// DefaultClient returns the client defaults.
func DefaultClient() ClientConfig {
	return ClientConfig{
		ServerURL:      "ws://localhost:8080/ws/chat",
		HTTPURL:        "http://localhost:8080",
		SiteURL:        "http://localhost:8080",
		Locale:         "en",
		Language:       "en",
		Streaming:      true,
		RevealInterval: 30 * time.Millisecond,
		EmitTimeout:    5 * time.Second,
		Transcript: TranscriptConfig{
			Dir:       "./data/transcripts",
			QueueSize: 256,
		},
	}
}

// LoadClient builds the client configuration. path may be empty.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.ServerURL = getEnv("CHAT_SERVER_URL", cfg.ServerURL)
	cfg.HTTPURL = getEnv("CHAT_HTTP_URL", cfg.HTTPURL)
	cfg.Token = getEnv("CHAT_TOKEN", cfg.Token)
	cfg.SiteURL = getEnv("CHAT_SITE_URL", cfg.SiteURL)
	cfg.Locale = getEnv("CHAT_LOCALE", cfg.Locale)
	cfg.Language = getEnv("CHAT_LANGUAGE", cfg.Language)
	cfg.Streaming = getEnvBool("CHAT_STREAMING", cfg.Streaming)
	cfg.RevealInterval = getEnvDuration("CHAT_REVEAL_INTERVAL", cfg.RevealInterval)
	cfg.EmitTimeout = getEnvDuration("CHAT_EMIT_TIMEOUT", cfg.EmitTimeout)
	cfg.Transcript.Enabled = getEnvBool("TRANSCRIPT_ENABLED", cfg.Transcript.Enabled)
	cfg.Transcript.Dir = getEnv("TRANSCRIPT_DIR", cfg.Transcript.Dir)
	cfg.Transcript.QueueSize = getEnvInt("TRANSCRIPT_QUEUE_SIZE", cfg.Transcript.QueueSize)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *ClientConfig) Validate() error {
	if c.ServerURL == "" {
		return errors.New("CHAT_SERVER_URL cannot be empty")
	}
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return fmt.Errorf("CHAT_SERVER_URL must be a ws:// or wss:// URL, got %q", c.ServerURL)
	}
	if c.RevealInterval <= 0 {
		return errors.New("CHAT_REVEAL_INTERVAL must be > 0")
	}
	if c.EmitTimeout <= 0 {
		return errors.New("CHAT_EMIT_TIMEOUT must be > 0")
	}
	return c.Transcript.validate("TRANSCRIPT")
}

func (t TranscriptConfig) validate(prefix string) error {
	if !t.Enabled {
		return nil
	}
	if t.Dir == "" {
		return fmt.Errorf("%s_DIR cannot be empty", prefix)
	}
	if t.QueueSize <= 0 {
		return fmt.Errorf("%s_QUEUE_SIZE must be > 0", prefix)
	}
	return nil
}

// parseTokens reads "token=user,token2=user2".
func parseTokens(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, "=")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("AUTH_TOKENS entry %q must be token=user", pair)
		}
		out[token] = user
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
