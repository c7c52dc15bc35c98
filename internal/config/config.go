// Package config builds the immutable service configuration from the
// environment (and an optional .env file) once at startup.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// JWT holds signing material and lifetimes for both token categories.
type JWT struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// Config is constructed by Load and never mutated afterwards.
type Config struct {
	Env                string
	Port               int
	DatabaseURL        string
	DBSecretID         string
	DBUsername         string
	DBPassword         string
	JWT                JWT
	MaxActiveSessions  int
	CORSAllowedOrigins []string
	SecurityWebhookURL string
	LogLevel           string
	LogFormat          string
	AdminEmail         string
	AdminPassword      string
}

// IsProduction reports whether cookies must carry the Secure flag.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

type rawEnv struct {
	Env                string   `env:"APP_ENV" envDefault:"development"`
	Port               int      `env:"PORT" envDefault:"3000"`
	DatabaseURL        string   `env:"DATABASE_URL,required,notEmpty"`
	DBSecretID         string   `env:"DB_SECRET_ID"`
	DBUsername         string   `env:"DB_USERNAME"`
	DBPassword         string   `env:"DB_PASSWORD"`
	AccessSecret       string   `env:"JWT_ACCESS_SECRET,required,notEmpty"`
	RefreshSecret      string   `env:"JWT_REFRESH_SECRET,required,notEmpty"`
	AccessTTL          string   `env:"JWT_ACCESS_TTL,required,notEmpty"`
	RefreshTTL         string   `env:"JWT_REFRESH_TTL,required,notEmpty"`
	MaxActiveSessions  int      `env:"AUTH_MAX_ACTIVE_SESSIONS" envDefault:"10"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	SecurityWebhookURL string   `env:"SECURITY_WEBHOOK_URL"`
	LogLevel           string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat          string   `env:"LOG_FORMAT" envDefault:"text"`
	AdminEmail         string   `env:"ADMIN_EMAIL" envDefault:"admin@example.com"`
	AdminPassword      string   `env:"ADMIN_PASSWORD" envDefault:"password123"`
}

// Load reads .env files (if present) and the process environment.
func Load(files ...string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load(files...)

	var raw rawEnv
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return fromRaw(raw)
}

// FromEnvMap builds a Config from an explicit variable map, ignoring the
// process environment.
func FromEnvMap(vars map[string]string) (*Config, error) {
	var raw rawEnv
	if err := env.ParseWithOptions(&raw, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return fromRaw(raw)
}

func fromRaw(raw rawEnv) (*Config, error) {
	accessTTL, err := ParseTTL(raw.AccessTTL)
	if err != nil {
		return nil, fmt.Errorf("JWT_ACCESS_TTL: %w", err)
	}
	refreshTTL, err := ParseTTL(raw.RefreshTTL)
	if err != nil {
		return nil, fmt.Errorf("JWT_REFRESH_TTL: %w", err)
	}

	cfg := &Config{
		Env:         raw.Env,
		Port:        raw.Port,
		DatabaseURL: raw.DatabaseURL,
		DBSecretID:  raw.DBSecretID,
		DBUsername:  raw.DBUsername,
		DBPassword:  raw.DBPassword,
		JWT: JWT{
			AccessSecret:  []byte(raw.AccessSecret),
			RefreshSecret: []byte(raw.RefreshSecret),
			AccessTTL:     accessTTL,
			RefreshTTL:    refreshTTL,
		},
		MaxActiveSessions:  raw.MaxActiveSessions,
		CORSAllowedOrigins: trimCSV(raw.CORSAllowedOrigins),
		SecurityWebhookURL: raw.SecurityWebhookURL,
		LogLevel:           raw.LogLevel,
		LogFormat:          raw.LogFormat,
		AdminEmail:         raw.AdminEmail,
		AdminPassword:      raw.AdminPassword,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if string(c.JWT.AccessSecret) == string(c.JWT.RefreshSecret) {
		return errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	if c.JWT.AccessTTL >= c.JWT.RefreshTTL {
		return errors.New("JWT_ACCESS_TTL must be shorter than JWT_REFRESH_TTL")
	}
	if c.MaxActiveSessions < 0 {
		return errors.New("AUTH_MAX_ACTIVE_SESSIONS must not be negative")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	return nil
}

// ParseTTL accepts Go durations plus day and week units ("15m", "7d", "1w").
func ParseTTL(s string) (time.Duration, error) {
	d, err := str2duration.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

func trimCSV(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
