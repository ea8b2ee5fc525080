package eftl

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// envOptions is the flat, environment-parseable mirror of Options, the way
// the teacher's Config struct mirrors its server's options (config.go). It
// exists only to drive LoadOptionsFromEnv; callers that build Options by
// hand never see this type.
type envOptions struct {
	Username              string        `env:"EFTL_USERNAME"`
	Password              string        `env:"EFTL_PASSWORD"`
	ClientID              string        `env:"EFTL_CLIENT_ID"`
	IDToken               string        `env:"EFTL_ID_TOKEN"`
	ConnectTimeout        time.Duration `env:"EFTL_CONNECT_TIMEOUT" envDefault:"10s"`
	AutoReconnectMaxDelay time.Duration `env:"EFTL_RECONNECT_MAX_DELAY" envDefault:"30s"`
	AutoReconnectAttempts int           `env:"EFTL_RECONNECT_MAX_ATTEMPTS" envDefault:"0"`
	MaxPendingAcks        int           `env:"EFTL_MAX_PENDING_ACKS" envDefault:"0"`
	InboundQueueSize      int           `env:"EFTL_INBOUND_QUEUE_SIZE" envDefault:"256"`
	LogLevel              string        `env:"EFTL_LOG_LEVEL" envDefault:"info"`
}

// LoadOptionsFromEnv reads connection options from a .env file and process
// environment variables, the way the teacher's LoadConfig does: ENV vars
// override the .env file, which overrides the struct tag defaults. A
// missing .env file is not an error.
func LoadOptionsFromEnv(logger *zerolog.Logger) (*Options, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	raw := &envOptions{}
	if err := env.Parse(raw); err != nil {
		return nil, fmt.Errorf("eftl: failed to parse options from environment: %w", err)
	}
	if err := raw.validate(); err != nil {
		return nil, fmt.Errorf("eftl: options validation failed: %w", err)
	}

	level, err := zerolog.ParseLevel(raw.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("eftl: invalid EFTL_LOG_LEVEL %q: %w", raw.LogLevel, err)
	}

	opts := &Options{
		Username:              raw.Username,
		Password:              raw.Password,
		ClientID:              raw.ClientID,
		IDToken:               raw.IDToken,
		ConnectTimeout:        raw.ConnectTimeout,
		AutoReconnectMaxDelay: raw.AutoReconnectMaxDelay,
		AutoReconnectAttempts: raw.AutoReconnectAttempts,
		MaxPendingAcks:        raw.MaxPendingAcks,
		InboundQueueSize:      raw.InboundQueueSize,
	}
	if logger != nil {
		opts.Logger = logger.Level(level)
	} else {
		opts.Logger = zerolog.Nop().Level(level)
	}

	if logger != nil {
		logger.Info().
			Str("client_id", opts.ClientID).
			Dur("connect_timeout", opts.ConnectTimeout).
			Dur("reconnect_max_delay", opts.AutoReconnectMaxDelay).
			Int("max_pending_acks", opts.MaxPendingAcks).
			Msg("eftl options loaded from environment")
	}

	return opts, nil
}

func (e *envOptions) validate() error {
	if e.ConnectTimeout <= 0 {
		return fmt.Errorf("EFTL_CONNECT_TIMEOUT must be > 0, got %s", e.ConnectTimeout)
	}
	if e.AutoReconnectAttempts < 0 {
		return fmt.Errorf("EFTL_RECONNECT_MAX_ATTEMPTS must be >= 0, got %d", e.AutoReconnectAttempts)
	}
	if e.MaxPendingAcks < 0 {
		return fmt.Errorf("EFTL_MAX_PENDING_ACKS must be >= 0, got %d", e.MaxPendingAcks)
	}
	if e.InboundQueueSize <= 0 {
		return fmt.Errorf("EFTL_INBOUND_QUEUE_SIZE must be > 0, got %d", e.InboundQueueSize)
	}
	switch e.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("EFTL_LOG_LEVEL must be one of debug, info, warn, error (got %q)", e.LogLevel)
	}
	return nil
}
