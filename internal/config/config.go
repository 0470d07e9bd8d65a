package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DBFile           string
	APIAddr          string
	BaseURL          string
	AuthSecret       string
	TokenExpiry      time.Duration
	HandshakeTimeout time.Duration
	VAPIDPublicKey   string
	VAPIDPrivateKey  string
	VAPIDContact     string
}

func Load(cliMode bool) (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, err
	}

	handshakeTimeout, err := time.ParseDuration(getEnv("HANDSHAKE_TIMEOUT", "10s"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DBFile:           getEnv("CONFAB_DB", "confab.db"),
		APIAddr:          getEnv("API_ADDR", ":8080"),
		BaseURL:          getEnv("BASE_URL", "http://localhost:8080"),
		AuthSecret:       os.Getenv("AUTH_SECRET"),
		TokenExpiry:      tokenExpiry,
		HandshakeTimeout: handshakeTimeout,
		VAPIDPublicKey:   os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:  os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDContact:     getEnv("VAPID_CONTACT", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("HANDSHAKE_TIMEOUT must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
