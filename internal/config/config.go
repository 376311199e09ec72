// Package config loads server settings from .env, an optional YAML file and
// the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const devJWTSecret = "dev_secret_change_me"

// Config is the resolved server configuration.
type Config struct {
	Port           string        `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"` // "json" | "console"
	DatabasePath   string        `yaml:"database_path"`
	ClientOrigin   string        `yaml:"client_origin"`
	JWTSecret      string        `yaml:"jwt_secret"`
	JWTExpiresDays int           `yaml:"jwt_expires_days"`
	CookieName     string        `yaml:"cookie_name"`
	Env            string        `yaml:"env"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	MetricsEnabled bool          `yaml:"metrics_enabled"`
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		Port:           "5175",
		LogLevel:       "info",
		LogFormat:      "json",
		DatabasePath:   "./data/numguess.db",
		ClientOrigin:   "http://localhost:5173",
		JWTSecret:      devJWTSecret,
		JWTExpiresDays: 14,
		CookieName:     "numguess_token",
		Env:            "development",
		SessionTTL:     30 * time.Minute,
		MetricsEnabled: true,
	}
}

// Production reports whether cookies should be Secure/SameSite=None.
func (c Config) Production() bool { return c.Env == "production" }

// Load reads .env (if present), then CONFIG_FILE (default numguess.yaml, if
// present), then environment variables.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = "numguess.yaml"
	}
	if err := cfg.mergeFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	str := map[string]*string{
		"PORT":          &c.Port,
		"LOG_LEVEL":     &c.LogLevel,
		"LOG_FORMAT":    &c.LogFormat,
		"DATABASE_PATH": &c.DatabasePath,
		"CLIENT_ORIGIN": &c.ClientOrigin,
		"JWT_SECRET":    &c.JWTSecret,
		"COOKIE_NAME":   &c.CookieName,
		"APP_ENV":       &c.Env,
	}
	for k, dst := range str {
		if v := os.Getenv(k); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("JWT_EXPIRES_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JWT_EXPIRES_DAYS: %w", err)
		}
		c.JWTExpiresDays = n
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SESSION_TTL: %w", err)
		}
		c.SessionTTL = d
	}
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("METRICS_ENABLED: %w", err)
		}
		c.MetricsEnabled = b
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", c.Port)
	}
	if c.SessionTTL <= 0 {
		return errors.New("session ttl must be positive")
	}
	if c.JWTExpiresDays <= 0 {
		return errors.New("jwt expiry must be positive")
	}
	if c.Production() && (c.JWTSecret == "" || c.JWTSecret == devJWTSecret) {
		return errors.New("JWT_SECRET must be set in production")
	}
	return nil
}
