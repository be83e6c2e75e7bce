package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config holds everything the relay reads from the environment.
// PAYLOAD_SECRET must match the secret the CMS signs its tokens with.
type Config struct {
	Port          int           `env:"SOCKET_PORT,default=38120"`
	PayloadURL    string        `env:"PAYLOAD_URL,default=http://localhost:3000"`
	PayloadSecret string        `env:"PAYLOAD_SECRET,required=true"`

	// RedisAddr empty means single-instance mode: fan-out stays in-process.
	RedisAddr string `env:"REDIS_ADDR"`

	// AllowedOrigins is a comma-separated list; empty allows any origin.
	AllowedOrigins string `env:"ALLOWED_ORIGINS"`

	// RequireAuth switches the connection gate from permissive (invalid or
	// missing tokens degrade to anonymous) to strict (they are rejected).
	RequireAuth bool `env:"REQUIRE_AUTH,default=false"`

	// NotifySendFailures emits a messageError event back to the sender when
	// its message could not be persisted. Off by default: failed messages
	// are dropped silently.
	NotifySendFailures bool `env:"NOTIFY_SEND_FAILURES,default=false"`

	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default=10s"`
	LogLevel       string        `env:"LOG_LEVEL,default=info"`
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.PayloadSecret) == "" {
		return nil, fmt.Errorf("PAYLOAD_SECRET must not be empty")
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", cfg.RequestTimeout)
	}
	return &cfg, nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Origins returns the parsed allow-list, nil when every origin is allowed.
func (c *Config) Origins() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	var origins []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
