// Package config loads the HSM server configuration from the environment
// and command-line flags.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "HSM_"

// Config holds the server configuration
type Config struct {
	Port           int           `env:"PORT"`            // HTTP gateway port
	KeyDBPath      string        `env:"KEY_DB"`          // bbolt key store file
	QueueCapacity  int           `env:"QUEUE_CAPACITY"`  // capacity of every core pipe
	MaxRandomSize  int           `env:"MAX_RANDOM_SIZE"` // exclusive bound on random output
	MaxKeySize     int           `env:"MAX_KEY_SIZE"`    // inclusive bound on imported keys
	ReseedInterval uint64        `env:"RESEED_INTERVAL"` // generator bytes between reseeds
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT"` // how long a handler waits for a worker

	// Authentication
	JWTSecret        string        `env:"JWT_SECRET"`
	TokenTTL         time.Duration `env:"TOKEN_TTL"`
	ClientID         string        `env:"CLIENT_ID"`
	ClientSecretHash string        `env:"CLIENT_SECRET_HASH"` // bcrypt hash
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Port:           9090,
		KeyDBPath:      "./data/hsm_keys.db",
		QueueCapacity:  64,
		MaxRandomSize:  1024,
		MaxKeySize:     64,
		ReseedInterval: 1 << 20,
		RequestTimeout: 5 * time.Second,
		TokenTTL:       time.Hour,
		ClientID:       "hsm-client",
	}
}

// Load starts from DefaultConfig, applies HSM_* environment variables and
// then the flags in args
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("hsm-server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP gateway port")
	fs.StringVar(&cfg.KeyDBPath, "key-db", cfg.KeyDBPath, "Path to the key store database")
	fs.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "Capacity of each request and response queue")
	fs.IntVar(&cfg.MaxRandomSize, "max-random-size", cfg.MaxRandomSize, "Random requests must be shorter than this many bytes")
	fs.IntVar(&cfg.MaxKeySize, "max-key-size", cfg.MaxKeySize, "Largest key accepted by import, in bytes")
	fs.Uint64Var(&cfg.ReseedInterval, "reseed-interval", cfg.ReseedInterval, "Generator output bytes between reseeds")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "How long a request waits for its response")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "Secret used to sign bearer tokens")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Lifetime of issued bearer tokens")
	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "Client id accepted by /token")
	fs.StringVar(&cfg.ClientSecretHash, "client-secret-hash", cfg.ClientSecretHash, "bcrypt hash of the client secret")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv loads HSM_* environment variables into target
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks that every required setting is present and in range
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.KeyDBPath == "" {
		return fmt.Errorf("key db path is required")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive, got %d", c.QueueCapacity)
	}
	if c.MaxRandomSize <= 0 {
		return fmt.Errorf("max random size must be positive, got %d", c.MaxRandomSize)
	}
	if c.MaxKeySize <= 0 {
		return fmt.Errorf("max key size must be positive, got %d", c.MaxKeySize)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required (HSM_JWT_SECRET or -jwt-secret)")
	}
	if c.ClientID == "" {
		return fmt.Errorf("client id is required")
	}
	if c.ClientSecretHash == "" {
		return fmt.Errorf("client secret hash is required (HSM_CLIENT_SECRET_HASH or -client-secret-hash)")
	}
	return nil
}
