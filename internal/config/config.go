// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const defaultTURNPassword = "turnpassword"

// Config holds all server configuration. Values come from environment
// variables, with an optional .env file for local development.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	DBHost        string `env:"DB_HOST" envDefault:"localhost"`
	DBPort        int    `env:"DB_PORT" envDefault:"5432"`
	DBUser        string `env:"DB_USER" envDefault:"privcomm"`
	DBPassword    string `env:"DB_PASSWORD" envDefault:""`
	DBName        string `env:"DB_NAME" envDefault:"privcomm"`
	DBPoolMinSize int    `env:"DB_POOL_MIN_SIZE" envDefault:"5"`
	DBPoolMaxSize int    `env:"DB_POOL_MAX_SIZE" envDefault:"20"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`

	// SecretKey signs WebSocket bearer tokens. The server refuses to start
	// without it.
	SecretKey string `env:"SECRET_KEY"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	CORSOrigins string `env:"CORS_ORIGINS" envDefault:"http://localhost:19006"`

	TURNUsername string `env:"TURN_USERNAME" envDefault:"turnuser"`
	TURNPassword string `env:"TURN_PASSWORD" envDefault:"turnpassword"`
	TURNHost     string `env:"TURN_HOST" envDefault:"turn.yourdomain.com"`
	TURNPort     int    `env:"TURN_PORT" envDefault:"3478"`
	TURNTLSPort  int    `env:"TURN_TLS_PORT" envDefault:"5349"`

	TwilioAccountSID string `env:"TWILIO_ACCOUNT_SID" envDefault:""`
	TwilioAuthToken  string `env:"TWILIO_AUTH_TOKEN" envDefault:""`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the environment. A .env file is used when
// present; real environment variables take priority over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required settings, failing fast on programmer errors.
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY environment variable is required")
	}
	if c.DBPoolMinSize < 1 || c.DBPoolMaxSize < c.DBPoolMinSize {
		return fmt.Errorf("invalid database pool bounds: min=%d max=%d", c.DBPoolMinSize, c.DBPoolMaxSize)
	}
	if c.IsProduction() && c.TURNPassword == defaultTURNPassword {
		return fmt.Errorf("TURN_PASSWORD must be set in production environment")
	}
	return nil
}

// Origins returns the configured CORS origins.
func (c *Config) Origins() []string {
	parts := strings.Split(c.CORSOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func (c *Config) IsProduction() bool { return c.Environment == "production" }
func (c *Config) IsTest() bool       { return c.Environment == "test" }
