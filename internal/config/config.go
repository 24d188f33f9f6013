// Package config loads server and viewer settings: built-in defaults, then an
// optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPort                 = "8000"
	DefaultDBPath               = "data/sessions.db"
	DefaultLogDir               = "data/logs"
	DefaultRelayURL             = "ws://localhost:8000"
	DefaultAPIURL               = "http://localhost:8000"
	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxAttempts = 5
)

// Config is the combined configuration of the server and the viewer.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// ServerConfig configures cmd/server.
type ServerConfig struct {
	Port   string `yaml:"port"`
	DBPath string `yaml:"db_path"`
	// LogDir receives one JSON-lines transcript per session. Empty disables it.
	LogDir string `yaml:"log_dir"`
	// AllowedOrigin restricts browser origins for relay connections and CORS.
	// Empty or "*" allows any origin.
	AllowedOrigin string `yaml:"allowed_origin"`
}

// ClientConfig configures cmd/viewer.
type ClientConfig struct {
	RelayURL             string        `yaml:"relay_url"`
	APIURL               string        `yaml:"api_url"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:   DefaultPort,
			DBPath: DefaultDBPath,
			LogDir: DefaultLogDir,
		},
		Client: ClientConfig{
			RelayURL:             DefaultRelayURL,
			APIURL:               DefaultAPIURL,
			ReconnectBaseDelay:   DefaultReconnectBaseDelay,
			ReconnectMaxAttempts: DefaultReconnectMaxAttempts,
		},
	}
}

// Load builds the configuration. path names a YAML file; when empty the
// CONFIG_FILE environment variable is used, and without either only defaults
// and environment overrides apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.DBPath = getEnv("DB_PATH", c.Server.DBPath)
	c.Server.LogDir = getEnv("LOG_DIR", c.Server.LogDir)
	c.Server.AllowedOrigin = getEnv("ALLOWED_ORIGIN", c.Server.AllowedOrigin)
	c.Client.RelayURL = getEnv("RELAY_URL", c.Client.RelayURL)
	c.Client.APIURL = getEnv("API_URL", c.Client.APIURL)

	if v := os.Getenv("RECONNECT_BASE_DELAY"); v != "" {
		d, err := ParseDelay(v)
		if err != nil {
			return fmt.Errorf("RECONNECT_BASE_DELAY: %w", err)
		}
		c.Client.ReconnectBaseDelay = d
	}
	if v := os.Getenv("RECONNECT_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("RECONNECT_MAX_ATTEMPTS: invalid integer %q", v)
		}
		c.Client.ReconnectMaxAttempts = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Port) == "" {
		return errors.New("server.port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("invalid server.port %q", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.DBPath) == "" {
		return errors.New("server.db_path is required")
	}
	if !strings.HasPrefix(c.Client.RelayURL, "ws://") && !strings.HasPrefix(c.Client.RelayURL, "wss://") {
		return fmt.Errorf("invalid client.relay_url %q (must be ws:// or wss://)", c.Client.RelayURL)
	}
	if !strings.HasPrefix(c.Client.APIURL, "http://") && !strings.HasPrefix(c.Client.APIURL, "https://") {
		return fmt.Errorf("invalid client.api_url %q (must be http:// or https://)", c.Client.APIURL)
	}
	if c.Client.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("invalid client.reconnect_base_delay %s (must be > 0)", c.Client.ReconnectBaseDelay)
	}
	if c.Client.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("invalid client.reconnect_max_attempts %d (must be >= 0)", c.Client.ReconnectMaxAttempts)
	}
	return nil
}

// ParseDelay accepts a Go duration ("1500ms", "2s") or a bare number of
// milliseconds ("1000").
func ParseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q", s)
	}
	return d, nil
}

// CheckOrigin returns the origin policy for relay upgrades, or nil when any
// origin is allowed.
func (s ServerConfig) CheckOrigin() func(r *http.Request) bool {
	if s.AllowedOrigin == "" || s.AllowedOrigin == "*" {
		return nil
	}
	allowed := strings.TrimRight(s.AllowedOrigin, "/")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients (agents, the viewer CLI) send no Origin.
		return origin == "" || strings.TrimRight(origin, "/") == allowed
	}
}

// CORSOrigin is the value of Access-Control-Allow-Origin.
func (s ServerConfig) CORSOrigin() string {
	if s.AllowedOrigin == "" {
		return "*"
	}
	return s.AllowedOrigin
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
