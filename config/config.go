package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/Arvindchoudhary21/editor/domain"
)

// Relay configures the relay server.
type Relay struct {
	Host            string        `env:"HOST"`
	Port            int           `env:"PORT,default=8080"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	DeliveryMode    string        `env:"DELIVERY_MODE,default=at-most-once"`
	DeliveryTimeout time.Duration `env:"DELIVERY_TIMEOUT,default=2s"`
	SendBuffer      int           `env:"SEND_BUFFER,default=256"`
	MaxMessageSize  int           `env:"MAX_MESSAGE_SIZE,default=1048576"`
	RedisURL        string        `env:"REDIS_URL"`
	AllowedOrigin   string        `env:"ALLOWED_ORIGIN,default=*"`
}

func (c Relay) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c Relay) Mode() domain.DeliveryMode {
	return domain.DeliveryMode(c.DeliveryMode)
}

// Client configures a headless participant.
type Client struct {
	URL             string        `env:"CODESYNC_URL,default=ws://localhost:8080/ws"`
	Room            string        `env:"CODESYNC_ROOM"`
	Username        string        `env:"CODESYNC_USERNAME"`
	SnapshotTimeout time.Duration `env:"SNAPSHOT_TIMEOUT,default=5s"`
	LogLevel        string        `env:"LOG_LEVEL,default=info"`
}

// LoadRelay reads an optional .env file, then the environment.
func LoadRelay() (Relay, error) {
	var cfg Relay
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("config error: %w", err)
	}
	if !cfg.Mode().Valid() {
		return cfg, fmt.Errorf("config error: DELIVERY_MODE must be %q or %q, got %q",
			domain.AtMostOnce, domain.RequireAck, cfg.DeliveryMode)
	}
	if cfg.Mode() == domain.RequireAck && cfg.DeliveryTimeout <= 0 {
		return cfg, errors.New("config error: DELIVERY_TIMEOUT must be positive in ack mode")
	}
	return cfg, nil
}

func LoadClient() (Client, error) {
	var cfg Client
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return cfg, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func loadDotEnv() error {
	err := godotenv.Load()
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("no .env file found, using environment variables")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}
