// Package config provides configuration management for the duplicate pull
// request detector: process-wide settings loaded from a JSON file plus
// environment variables, in the same defaults-then-override shape the
// teacher codebase used for its own config.json.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds process-wide configuration. Optional fields use pointers so
// a present-but-zero value in config.json is distinguishable from "unset."
type Config struct {
	DBPath          string `json:"db_path"`
	ListenPort      *int   `json:"listen_port"`
	LogLevel        string `json:"log_level"`
	Verbose         *bool  `json:"verbose"`
	PollIntervalMS  *int   `json:"poll_interval_ms"`
	MaxConcurrent   *int   `json:"max_concurrent"`   // outbound HTTP concurrency, per rate-limited client
	RateLimitBuffer *int   `json:"rate_limit_buffer"` // minimum remaining rate limit before throttling
	CacheTTL        *int   `json:"cache_ttl"`         // ETag/response cache TTL, minutes

	// BootstrapGitHubToken seeds the first tracked account when no accounts
	// table rows exist yet; account registration proper is out of scope.
	BootstrapGitHubToken string `json:"-"`
}

// New loads configuration from configPath and environment variables,
// falling back to defaults for anything left unset.
func New(configPath string) (*Config, error) {
	pollIntervalMS := 2000
	maxConcurrent := 10
	rateLimitBuffer := 500
	cacheTTL := 60
	verbose := false
	listenPort := 8080

	conf := Config{
		DBPath:          "dupesleuth.db",
		ListenPort:      &listenPort,
		LogLevel:        "info",
		Verbose:         &verbose,
		PollIntervalMS:  &pollIntervalMS,
		MaxConcurrent:   &maxConcurrent,
		RateLimitBuffer: &rateLimitBuffer,
		CacheTTL:        &cacheTTL,
	}

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, &conf); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if conf.DBPath == "" {
		return nil, errors.New("db_path must be set")
	}

	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		conf.BootstrapGitHubToken = token
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		conf.LogLevel = v
	}
	if v := os.Getenv("VERBOSE"); v != "" {
		verbose := strings.ToLower(v) == "true" || v == "1"
		conf.Verbose = &verbose
	}
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			conf.ListenPort = &p
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		conf.DBPath = v
	}

	return &conf, nil
}
