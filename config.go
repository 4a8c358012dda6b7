package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// fileConfig mirrors the optional YAML config file. Empty fields fall through
// to the built-in defaults.
type fileConfig struct {
	ServerURL      string `yaml:"serverUrl"`
	Store          string `yaml:"store"`
	TokenFile      string `yaml:"tokenFile"`
	Profile        string `yaml:"profile"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPrefix    string `yaml:"redisPrefix"`
	NonOKPolicy    string `yaml:"nonOkPolicy"`
	LoginPath      string `yaml:"loginPath"`
	RefreshPath    string `yaml:"refreshPath"`
	RequestTimeout string `yaml:"requestTimeout"`
}

// loadFileConfig reads the YAML config at path. A missing file yields an
// empty config.
func loadFileConfig(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc, nil
}

// getConfig returns value with priority: flag > env > config file > default
func getConfig(flagValue, envKey, fileValue, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if fileValue != "" {
		return getEnv(envKey, fileValue)
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// parseTimeout accepts Go durations ("30s") or a bare number of seconds.
func parseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	d, err := time.ParseDuration(s)
	if err != nil {
		d, err = time.ParseDuration(s + "s")
	}
	if err != nil {
		return 0, fmt.Errorf("invalid request timeout %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("request timeout must be positive, got: %s", d)
	}
	return d, nil
}
