package config

import (
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	relayerrors "github.com/pscheid92/tcprelay/internal/errors"
	"go-simpler.org/env"
)

// Payload sources selectable via PAYLOAD_SOURCE.
const (
	PayloadSourceFile  = "file"
	PayloadSourceEcho  = "echo"
	PayloadSourceRedis = "redis"
)

// Payload error policies selectable via RELAY_PAYLOAD_ERROR_POLICY.
const (
	PayloadErrorSkip      = "skip"
	PayloadErrorTerminate = "terminate"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	Port        uint16 `env:"RELAY_PORT" default:"1300"`
	BindAddress string `env:"RELAY_BIND_ADDRESS" default:"127.0.0.1"`

	IncludeSender      bool   `env:"RELAY_INCLUDE_SENDER" default:"true"`
	PayloadErrorPolicy string `env:"RELAY_PAYLOAD_ERROR_POLICY" default:"skip"`

	ReadBufferSize   int           `env:"READ_BUFFER_SIZE" default:"4096"`
	ReadPollInterval time.Duration `env:"READ_POLL_INTERVAL" default:"5ms"`
	RetryBackoff     time.Duration `env:"RETRY_BACKOFF" default:"10ms"`
	WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" default:"5s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`

	PayloadSource   string `env:"PAYLOAD_SOURCE" default:"file"`
	PayloadPath     string `env:"PAYLOAD_PATH" default:"./examples/video.mp4"`
	RedisURL        string `env:"REDIS_URL"`
	PayloadRedisKey string `env:"PAYLOAD_REDIS_KEY" default:"relay:payload"`

	MaxConnections      int64   `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"20"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"40"`

	AdminAddr string `env:"ADMIN_ADDR" default:"127.0.0.1:9300"`
}

// ListenAddress joins bind address and port, bracketing IPv6 literals.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(int(c.Port)))
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, relayerrors.ConfigError("failed to load environment variables", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if _, err := netip.ParseAddr(cfg.BindAddress); err != nil {
		return relayerrors.ConfigError("RELAY_BIND_ADDRESS must be an IPv4 or IPv6 address", err)
	}

	switch cfg.PayloadSource {
	case PayloadSourceFile:
		if cfg.PayloadPath == "" {
			return relayerrors.ConfigError("PAYLOAD_PATH is required when PAYLOAD_SOURCE is file", nil)
		}
	case PayloadSourceEcho:
	case PayloadSourceRedis:
		if cfg.RedisURL == "" {
			return relayerrors.ConfigError("REDIS_URL is required when PAYLOAD_SOURCE is redis", nil)
		}
		if cfg.PayloadRedisKey == "" {
			return relayerrors.ConfigError("PAYLOAD_REDIS_KEY is required when PAYLOAD_SOURCE is redis", nil)
		}
	default:
		return relayerrors.ConfigError("PAYLOAD_SOURCE must be one of file, echo, redis", nil).WithContext("got", cfg.PayloadSource)
	}

	switch cfg.PayloadErrorPolicy {
	case PayloadErrorSkip, PayloadErrorTerminate:
	default:
		return relayerrors.ConfigError("RELAY_PAYLOAD_ERROR_POLICY must be skip or terminate", nil).WithContext("got", cfg.PayloadErrorPolicy)
	}

	if cfg.ReadBufferSize <= 0 {
		return relayerrors.ConfigError("READ_BUFFER_SIZE must be positive", nil)
	}
	if cfg.ReadPollInterval < 0 || cfg.WriteTimeout < 0 {
		return relayerrors.ConfigError("READ_POLL_INTERVAL and WRITE_TIMEOUT must not be negative", nil)
	}
	if cfg.RetryBackoff <= 0 {
		return relayerrors.ConfigError("RETRY_BACKOFF must be positive", nil)
	}
	if cfg.ShutdownTimeout <= 0 {
		return relayerrors.ConfigError("SHUTDOWN_TIMEOUT must be positive", nil)
	}

	if cfg.MaxConnections <= 0 || cfg.MaxConnectionsPerIP <= 0 {
		return relayerrors.ConfigError("MAX_CONNECTIONS and MAX_CONNECTIONS_PER_IP must be positive", nil)
	}
	if cfg.ConnectionRate <= 0 || cfg.ConnectionBurst <= 0 {
		return relayerrors.ConfigError("CONNECTION_RATE and CONNECTION_BURST must be positive", nil)
	}

	return nil
}
