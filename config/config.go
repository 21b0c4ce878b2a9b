package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"go.uber.org/zap"

	"github.com/wailbentafat/ws-gateway/auth"
)

type Config struct {
	Addr            string        `env:"WS_ADDR" default:":8080"`
	LogLevel        string        `env:"LOG_LEVEL" default:"info"`
	LogFormat       string        `env:"LOG_FORMAT" default:"json"`
	ShutdownTimeout time.Duration `env:"WS_SHUTDOWN_TIMEOUT" default:"15s"`

	PingIntervalSec int           `env:"WS_PING_INTERVAL" default:"25"`
	PingMissAllowed int           `env:"WS_PING_MISS_ALLOWED" default:"2"`
	MaxMsgPer10s    int           `env:"WS_MAX_MSG_PER_10S" default:"20"`
	MaxFrameBytes   int           `env:"WS_MAX_FRAME_BYTES" default:"1000000"`
	QueueSize       int           `env:"WS_QUEUE_SIZE" default:"512"`
	WriteTimeout    time.Duration `env:"WS_WRITE_TIMEOUT" default:"5s"`
	TypingDebounce  time.Duration `env:"WS_TYPING_DEBOUNCE" default:"1s"`
	Subprotocols    string        `env:"WS_SUBPROTOCOLS" default:"bearer,v1"`
	AllowedOrigins  string        `env:"WS_ALLOWED_ORIGINS"`

	BrokerURL string `env:"WS_BROKER_URL"`
	RedisURL  string `env:"WS_REDIS_URL"`

	JWTAlg           string `env:"JWT_ALG" default:"HS256"`
	JWTSecret        string `env:"JWT_SECRET"`
	DevAllowAnyToken bool   `env:"WS_DEV_ALLOW_ANY_TOKEN" default:"false"`
	DevEndpoints     bool   `env:"WS_DEV_ENDPOINTS" default:"false"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		zap.L().Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	positive := map[string]int{
		"WS_PING_INTERVAL":   cfg.PingIntervalSec,
		"WS_MAX_MSG_PER_10S": cfg.MaxMsgPer10s,
		"WS_MAX_FRAME_BYTES": cfg.MaxFrameBytes,
		"WS_QUEUE_SIZE":      cfg.QueueSize,
	}
	for name, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, value)
		}
	}

	if cfg.PingMissAllowed < 0 {
		return errors.New("WS_PING_MISS_ALLOWED must not be negative")
	}
	if cfg.WriteTimeout <= 0 {
		return errors.New("WS_WRITE_TIMEOUT must be positive")
	}
	if cfg.TypingDebounce < 0 {
		return errors.New("WS_TYPING_DEBOUNCE must not be negative")
	}

	if cfg.JWTSecret != "" && !auth.SupportedAlg(cfg.JWTAlg) {
		return fmt.Errorf("JWT_ALG %q is not supported, use HS256, HS384 or HS512", cfg.JWTAlg)
	}
	if cfg.DevAllowAnyToken && !auth.DevAuthAvailable {
		return errors.New("WS_DEV_ALLOW_ANY_TOKEN is set but dev auth is not compiled into this build")
	}

	if raw := cfg.Broker(); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("broker url: %w", err)
		}
		switch u.Scheme {
		case "redis", "rediss", "nats", "tls":
		default:
			return fmt.Errorf("broker url scheme %q is not supported", u.Scheme)
		}
	}

	return nil
}

// Broker is the configured broker connection string, WS_BROKER_URL first.
func (c *Config) Broker() string {
	if c.BrokerURL != "" {
		return c.BrokerURL
	}
	return c.RedisURL
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSec) * time.Second
}

func (c *Config) Origins() []string {
	return auth.ParseOrigins(c.AllowedOrigins)
}

func (c *Config) SubprotocolList() []string {
	var out []string
	for _, p := range strings.Split(c.Subprotocols, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
