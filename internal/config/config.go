package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	ProviderMedGemma = "medgemma"
	ProviderGemini   = "gemini"
)

// Config holds the environment driven configuration for both the server
// and the terminal client.
type Config struct {
	// Server
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"lucasmed_chat.db"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"console"`
	JWTSecret   string `env:"JWT_SECRET"`
	RedisURL    string `env:"REDIS_URL"` // Optional; enables cross-replica live tail

	// Upstream provider. Credentials may be empty: requests then fail with
	// an authentication error instead of the server refusing to start.
	UpstreamProvider string        `env:"UPSTREAM_PROVIDER" envDefault:"medgemma"`
	MedGemmaAPIURL   string        `env:"MEDGEMMA_API_URL" envDefault:"http://localhost:8000"`
	MedGemmaAPIKey   string        `env:"MEDGEMMA_API_KEY"`
	GeminiAPIKey     string        `env:"GEMINI_API_KEY"`
	GeminiModel      string        `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash-latest"`
	UpstreamTimeout  time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"120s"`

	// Conversation view
	PageSize     int `env:"PAGE_SIZE" envDefault:"15"`
	ContextTurns int `env:"CONTEXT_TURNS" envDefault:"4"`

	// Terminal client
	ServerURL  string `env:"LUCASMED_SERVER_URL" envDefault:"http://localhost:8080"`
	Token      string `env:"LUCASMED_TOKEN"`
	OutboxPath string `env:"LUCASMED_OUTBOX" envDefault:"lucasmed_outbox.db"`
}

// Load reads .env when present and parses the environment into Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	cfg.UpstreamProvider = strings.ToLower(strings.TrimSpace(cfg.UpstreamProvider))
	cfg.MedGemmaAPIKey = strings.TrimSpace(cfg.MedGemmaAPIKey)
	cfg.GeminiAPIKey = strings.TrimSpace(cfg.GeminiAPIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.UpstreamProvider {
	case ProviderMedGemma, ProviderGemini:
	default:
		return fmt.Errorf("UPSTREAM_PROVIDER must be %q or %q, got %q", ProviderMedGemma, ProviderGemini, c.UpstreamProvider)
	}
	if c.PageSize <= 0 || c.PageSize > 100 {
		return fmt.Errorf("PAGE_SIZE must be between 1 and 100, got %d", c.PageSize)
	}
	if c.ContextTurns < 0 {
		return fmt.Errorf("CONTEXT_TURNS cannot be negative")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be positive")
	}
	return nil
}

// RequireJWTSecret is checked by the commands that sign or verify tokens.
func (c *Config) RequireJWTSecret() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return nil
}
