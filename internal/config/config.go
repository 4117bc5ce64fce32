// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the application configuration loaded from environment variables.
type Config struct {
	ListenAddr     string
	DBPath         string
	CheckName      string
	APIBaseURL     string
	ClientID       string
	PrivateKeyPath string
	WebhookSecret  string
	MaxAttempts    int
}

// Load reads configuration from environment variables and returns a validated
// Config. ARCHGUARD_GITHUB_CLIENT_ID and ARCHGUARD_GITHUB_PRIVATE_KEY (path to
// the App's PEM key) are required. ARCHGUARD_WEBHOOK_SECRET is optional;
// when empty, webhook signature verification is skipped. Optional variables
// with defaults: ARCHGUARD_LISTEN_ADDR (127.0.0.1:8080), ARCHGUARD_DB_PATH
// (archguard.db), ARCHGUARD_CHECK_NAME (ArchGuard), ARCHGUARD_GITHUB_API
// (https://api.github.com), ARCHGUARD_MAX_ATTEMPTS (5).
func Load() (*Config, error) {
	clientID := os.Getenv("ARCHGUARD_GITHUB_CLIENT_ID")
	if clientID == "" {
		return nil, fmt.Errorf("ARCHGUARD_GITHUB_CLIENT_ID must be set")
	}

	keyPath := os.Getenv("ARCHGUARD_GITHUB_PRIVATE_KEY")
	if keyPath == "" {
		return nil, fmt.Errorf("ARCHGUARD_GITHUB_PRIVATE_KEY must be set")
	}
	if _, err := os.Stat(keyPath); err != nil {
		return nil, fmt.Errorf("github app private key %q is not readable: %w", keyPath, err)
	}

	listenAddr := "127.0.0.1:8080"
	if v, ok := os.LookupEnv("ARCHGUARD_LISTEN_ADDR"); ok {
		listenAddr = v
	}

	dbPath := "archguard.db"
	if v, ok := os.LookupEnv("ARCHGUARD_DB_PATH"); ok {
		dbPath = v
	}

	checkName := "ArchGuard"
	if v, ok := os.LookupEnv("ARCHGUARD_CHECK_NAME"); ok && v != "" {
		checkName = v
	}

	apiBaseURL := "https://api.github.com"
	if v, ok := os.LookupEnv("ARCHGUARD_GITHUB_API"); ok && v != "" {
		apiBaseURL = v
	}

	maxAttempts := 5
	if v, ok := os.LookupEnv("ARCHGUARD_MAX_ATTEMPTS"); ok {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return nil, fmt.Errorf("ARCHGUARD_MAX_ATTEMPTS has invalid value %q", v)
		}
		maxAttempts = parsed
	}

	return &Config{
		ListenAddr:     listenAddr,
		DBPath:         dbPath,
		CheckName:      checkName,
		APIBaseURL:     apiBaseURL,
		ClientID:       clientID,
		PrivateKeyPath: keyPath,
		WebhookSecret:  os.Getenv("ARCHGUARD_WEBHOOK_SECRET"),
		MaxAttempts:    maxAttempts,
	}, nil
}
