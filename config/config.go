// Package config loads service settings from the environment, reading a local
// .env file first when one exists.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

// Config holds settings for the API and the record updater.
type Config struct {
	Debug      bool
	LogFormat  string
	ListenAddr string

	// Storage
	StorageConnectionString string
	RecordsTable            string
	CommandQueue            string

	// Redis
	RedisConnectionString string
	CacheTTL              time.Duration
	DeduperTTL            time.Duration

	Auth    Auth
	LLM     LLM
	Enqueue Enqueue

	PollInterval time.Duration

	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string
}

// Auth selects how bearer tokens are verified. A non-empty HS256Secret
// switches to local shared-secret mode and JWKSURL is ignored.
type Auth struct {
	JWKSURL     string
	Audience    string
	Issuer      string
	HS256Secret string
	KeyCacheTTL time.Duration
}

// LLM configures the text-generation provider.
type LLM struct {
	Provider         string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicModel   string
	GeminiAPIKey     string
	GeminiBaseURL    string
	GeminiModel      string
	MaxTokens        int
	Timeout          time.Duration
	BreakerFailures  int
	BreakerCooldown  time.Duration
}

// Enqueue tunes the command sender worker pool.
type Enqueue struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

const (
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	cfg := &Config{
		Debug:      p.boolean("DEBUG", false),
		LogFormat:  strings.ToLower(getEnv("LOG_FORMAT", "text")),
		ListenAddr: ":" + getEnv("FUNCTIONS_CUSTOMHANDLER_PORT", getEnv("PORT", "8080")),

		StorageConnectionString: os.Getenv("STORAGE_CONNECTION_STRING"),
		RecordsTable:            getEnv("RECORDS_TABLE", "records"),
		CommandQueue:            getEnv("COMMAND_QUEUE", "record-commands"),

		RedisConnectionString: os.Getenv("REDIS_CONNECTION_STRING"),
		CacheTTL:              p.duration("CACHE_TTL", 10*time.Minute),
		DeduperTTL:            p.positiveDuration("DEDUPER_TTL", 24*time.Hour),

		Auth: Auth{
			JWKSURL:     os.Getenv("AUTH_JWKS_URL"),
			Audience:    os.Getenv("AUTH_AUDIENCE"),
			Issuer:      os.Getenv("AUTH_ISSUER"),
			HS256Secret: os.Getenv("AUTH_HS256_SECRET"),
			KeyCacheTTL: p.positiveDuration("JWKS_CACHE_TTL", 15*time.Minute),
		},

		LLM: LLM{
			Provider:         strings.ToLower(getEnv("LLM_PROVIDER", ProviderAnthropic)),
			AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			AnthropicBaseURL: getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			AnthropicModel:   getEnv("ANTHROPIC_MODEL", "claude-sonnet-4-6"),
			GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
			GeminiBaseURL:    os.Getenv("GEMINI_BASE_URL"),
			GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
			MaxTokens:        p.positiveInt("LLM_MAX_TOKENS", 4096),
			Timeout:          p.positiveDuration("LLM_TIMEOUT", 60*time.Second),
			BreakerFailures:  p.integer("LLM_BREAKER_FAILURES", 5),
			BreakerCooldown:  p.positiveDuration("LLM_BREAKER_COOLDOWN", 30*time.Second),
		},

		Enqueue: Enqueue{
			Workers:        p.positiveInt("ENQUEUE_WORKERS", 32),
			Buffer:         p.positiveInt("ENQUEUE_BUFFER", 4096),
			Timeout:        p.positiveDuration("ENQUEUE_TIMEOUT", 60*time.Second),
			HandoffTimeout: p.duration("ENQUEUE_HANDOFF_TIMEOUT", 15*time.Millisecond),
		},

		PollInterval: p.positiveDuration("POLL_INTERVAL", time.Second),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if p.err != nil {
		return nil, p.err
	}
	switch cfg.LLM.Provider {
	case ProviderAnthropic, ProviderGemini:
	default:
		return nil, fmt.Errorf("invalid LLM_PROVIDER %q", cfg.LLM.Provider)
	}
	return cfg, nil
}

// RequireStorage reports missing storage settings.
func (c *Config) RequireStorage() error {
	if c.StorageConnectionString == "" || c.RecordsTable == "" || c.CommandQueue == "" {
		return errors.New("missing storage config")
	}
	return nil
}

// RequireAuth reports missing token verification settings.
func (c *Config) RequireAuth() error {
	if c.Auth.HS256Secret != "" {
		return nil
	}
	if c.Auth.JWKSURL == "" || c.Auth.Audience == "" {
		return errors.New("missing auth config: set AUTH_JWKS_URL and AUTH_AUDIENCE or AUTH_HS256_SECRET")
	}
	return nil
}

// RedisOptions parses REDIS_CONNECTION_STRING. Both redis:// URLs and the
// "host:port,password=...,ssl=True" form are accepted.
func (c *Config) RedisOptions() (*redis.Options, error) {
	if c.RedisConnectionString == "" {
		return nil, errors.New("missing redis config")
	}
	opts, err := redis.ParseURL(c.RedisConnectionString)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(c.RedisConnectionString, ",")
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser records the first malformed value it sees.
type parser struct {
	err error
}

func (p *parser) fail(key, raw string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %q", key, raw)
	}
}

func (p *parser) boolean(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw)
		return def
	}
	return v
}

func (p *parser) integer(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		p.fail(key, raw)
		return def
	}
	return v
}

func (p *parser) positiveInt(key string, def int) int {
	v := p.integer(key, def)
	if v == 0 {
		p.fail(key, os.Getenv(key))
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		p.fail(key, raw)
		return def
	}
	return d
}

func (p *parser) positiveDuration(key string, def time.Duration) time.Duration {
	d := p.duration(key, def)
	if d == 0 {
		p.fail(key, os.Getenv(key))
		return def
	}
	return d
}
