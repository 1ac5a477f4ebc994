package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBFile    string
	AdminAddr string
	APIAddr   string
	JWTSecret string

	TokenExpiry time.Duration

	TranslatorURL          string
	TranslationConcurrency int
	TranslationCacheTTL    time.Duration
	MaxMessageLength       int

	TypingTimeout    time.Duration
	ZombieThreshold  time.Duration
	SweepInterval    time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration

	EventRate  float64
	EventBurst int

	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string

	LogLevel slog.Level
}

// Load reads configuration from the environment, after loading .env if present.
// In CLI mode secrets are not required.
func Load(cliMode bool) (*Config, error) {
	_ = godotenv.Load(".env")

	var p parser
	cfg := &Config{
		DBFile:                 getEnv("MEESHY_DB", "meeshy.db"),
		AdminAddr:              getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:                getEnv("API_ADDR", ":8080"),
		JWTSecret:              os.Getenv("JWT_SECRET"),
		TokenExpiry:            p.duration("TOKEN_EXPIRY", "24h"),
		TranslatorURL:          getEnv("TRANSLATOR_URL", "http://localhost:8000"),
		TranslationConcurrency: p.integer("TRANSLATION_CONCURRENCY", "10"),
		TranslationCacheTTL:    p.duration("TRANSLATION_CACHE_TTL", "1h"),
		MaxMessageLength:       p.integer("MAX_MESSAGE_LENGTH", "2000"),
		TypingTimeout:          p.duration("TYPING_TIMEOUT", "5s"),
		ZombieThreshold:        p.duration("ZOMBIE_THRESHOLD", "5m"),
		SweepInterval:          p.duration("SWEEP_INTERVAL", "2m"),
		HandshakeTimeout:       p.duration("HANDSHAKE_TIMEOUT", "10s"),
		PingInterval:           p.duration("PING_INTERVAL", "25s"),
		PongTimeout:            p.duration("PONG_TIMEOUT", "60s"),
		EventRate:              p.float("EVENT_RATE", "20"),
		EventBurst:             p.integer("EVENT_BURST", "40"),
		VAPIDPublicKey:         os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:        os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber:        getEnv("VAPID_SUBSCRIBER", "mailto:admin@meeshy.local"),
		LogLevel:               parseLevel(getEnv("LOG_LEVEL", "info")),
	}
	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.JWTSecret == "" && !cliMode {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.TranslationConcurrency <= 0 {
		return fmt.Errorf("TRANSLATION_CONCURRENCY must be greater than 0")
	}

	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be greater than 0")
	}

	for key, d := range map[string]time.Duration{
		"TRANSLATION_CACHE_TTL": c.TranslationCacheTTL,
		"TYPING_TIMEOUT":        c.TypingTimeout,
		"ZOMBIE_THRESHOLD":      c.ZombieThreshold,
		"SWEEP_INTERVAL":        c.SweepInterval,
		"HANDSHAKE_TIMEOUT":     c.HandshakeTimeout,
		"PING_INTERVAL":         c.PingInterval,
		"PONG_TIMEOUT":          c.PongTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", key)
		}
	}

	if c.PingInterval >= c.PongTimeout {
		return fmt.Errorf("PING_INTERVAL must be shorter than PONG_TIMEOUT")
	}

	if c.EventRate <= 0 || c.EventBurst <= 0 {
		return fmt.Errorf("EVENT_RATE and EVENT_BURST must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

// PushEnabled reports whether Web Push keys are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// parser keeps the first conversion error so Load can report it once.
type parser struct {
	err error
}

func (p *parser) duration(key, fallback string) time.Duration {
	d, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return d
}

func (p *parser) integer(key, fallback string) int {
	n, err := strconv.Atoi(getEnv(key, fallback))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return n
}

func (p *parser) float(key, fallback string) float64 {
	f, err := strconv.ParseFloat(getEnv(key, fallback), 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("%s: %w", key, err)
	}
	return f
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
