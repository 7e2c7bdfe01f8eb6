package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for chat-sync.
type Config struct {
	// Base URL of the persistence API, e.g. https://admin.example.com/api.
	// The websocket endpoint is derived from it (scheme rewrite, path
	// stripped, socket port appended).
	APIBaseURL string `env:"CHAT_API_BASE_URL"`

	// Port the push channel listens on. Kept in sync with the backend
	// by convention, not negotiated.
	SocketPort int `env:"CHAT_SOCKET_PORT" envDefault:"8090"`

	// Identity of the session owner. Authentication/session bootstrap
	// is handled by the embedding application; the engine only needs
	// the resolved user id.
	UserID string `env:"CHAT_USER_ID"`

	// Path of the local bbolt database. Defaults to
	// ~/.chat-sync/state.db when empty.
	StatePath string `env:"CHAT_STATE_PATH"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("CHAT_API_BASE_URL is required")
	}

	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return fmt.Errorf("CHAT_API_BASE_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("CHAT_API_BASE_URL must use http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("CHAT_API_BASE_URL has no host")
	}

	if c.UserID == "" {
		return fmt.Errorf("CHAT_USER_ID is required")
	}

	if c.SocketPort < 1 || c.SocketPort > 65535 {
		return fmt.Errorf("CHAT_SOCKET_PORT %d is out of range", c.SocketPort)
	}

	return nil
}

// DefaultStatePath returns the default state database location:
// ~/.chat-sync/state.db
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".chat-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
