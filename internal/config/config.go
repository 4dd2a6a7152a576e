package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config holds the full configuration surface of the service. Every value has
// a safe development default; the signing secret is the one knob an operator
// must supply in production.
type Config struct {
	Env      string `yaml:"env" env:"LOGEHUSET_ENV" env-default:"development"`
	HTTPAddr string `yaml:"http_addr" env:"LOGEHUSET_HTTP_ADDR" env-default:":8080"`
	PGDSN    string `yaml:"pg_dsn" env:"LOGEHUSET_PG_DSN"`

	Auth    AuthConfig    `yaml:"auth"`
	Cookies CookieConfig  `yaml:"cookies"`
	Argon2  Argon2Config  `yaml:"argon2"`
	Cleanup CleanupConfig `yaml:"cleanup"`

	SentryDSN      string   `yaml:"sentry_dsn" env:"LOGEHUSET_SENTRY_DSN"`
	ResetBaseURL   string   `yaml:"reset_base_url" env:"LOGEHUSET_RESET_BASE_URL" env-default:"http://localhost:3000/reset-password"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"LOGEHUSET_ALLOWED_ORIGINS" env-default:"http://localhost:3000"`
}

type AuthConfig struct {
	Secret          string        `yaml:"secret" env:"LOGEHUSET_AUTH_SECRET"`
	Issuer          string        `yaml:"issuer" env:"LOGEHUSET_AUTH_ISSUER" env-default:"logehuset"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"LOGEHUSET_ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"LOGEHUSET_REFRESH_TOKEN_TTL" env-default:"720h"`
	ResetTokenTTL   time.Duration `yaml:"reset_token_ttl" env:"LOGEHUSET_RESET_TOKEN_TTL" env-default:"1h"`
}

type CookieConfig struct {
	AccessName  string `yaml:"access_name" env:"LOGEHUSET_COOKIE_ACCESS_NAME" env-default:"accessToken"`
	RefreshName string `yaml:"refresh_name" env:"LOGEHUSET_COOKIE_REFRESH_NAME" env-default:"refreshToken"`
}

type Argon2Config struct {
	MemoryKiB   uint32 `yaml:"memory_kib" env:"LOGEHUSET_ARGON2_MEMORY_KIB" env-default:"65536"`
	Iterations  uint32 `yaml:"iterations" env:"LOGEHUSET_ARGON2_ITERATIONS" env-default:"3"`
	Parallelism uint8  `yaml:"parallelism" env:"LOGEHUSET_ARGON2_PARALLELISM" env-default:"1"`
}

type CleanupConfig struct {
	Interval time.Duration `yaml:"interval" env:"LOGEHUSET_CLEANUP_INTERVAL" env-default:"1h"`
	Secret   string        `yaml:"secret" env:"LOGEHUSET_CLEANUP_SECRET"`
}

// Load reads configuration from the optional YAML file at path, then from the
// environment. A missing file is not an error; env vars alone are enough.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, &cfg); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			return &cfg, cfg.validate()
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env config: %w", err)
	}
	return &cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Env == EnvProduction && c.Auth.Secret == "" {
		return fmt.Errorf("LOGEHUSET_AUTH_SECRET is required in production")
	}
	return nil
}

// IsProduction reports whether the service runs with production hardening
// (secure cookies, SameSite=None).
func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}
