// ABOUTME: Configuration loader for the one2track bridge
// ABOUTME: Loads settings from environment variables (with optional .env file) and defaults

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port               string
	CORSAllowedOrigins []string // allowed CORS origins (empty = allow all)

	// one2track credentials
	Username  string
	Password  string
	AccountID string // optional previously known account id
	BaseURL   string // override for testing; empty = production service

	// Polling
	PollInterval   int // seconds between poll cycles (default 60)
	CacheTTL       int // seconds the last snapshot stays servable (default 300)
	RequestTimeout int // seconds per vendor request (default 30)

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	// A .env file is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		CORSAllowedOrigins: getEnvStringList("CORS_ALLOWED_ORIGINS"),

		Username:  os.Getenv("ONE2TRACK_USERNAME"),
		Password:  os.Getenv("ONE2TRACK_PASSWORD"),
		AccountID: os.Getenv("ONE2TRACK_ACCOUNT_ID"),
		BaseURL:   ensureScheme(os.Getenv("ONE2TRACK_BASE_URL")),

		PollInterval:   getEnvInt("POLL_INTERVAL", 60),
		CacheTTL:       getEnvInt("CACHE_TTL", 300),
		RequestTimeout: getEnvInt("REQUEST_TIMEOUT", 30),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	// Validate required fields
	if cfg.Username == "" {
		return nil, fmt.Errorf("ONE2TRACK_USERNAME is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("ONE2TRACK_PASSWORD is required")
	}

	// Validate timing values
	for _, iv := range []struct {
		name  string
		value int
	}{
		{"POLL_INTERVAL", cfg.PollInterval},
		{"CACHE_TTL", cfg.CacheTTL},
		{"REQUEST_TIMEOUT", cfg.RequestTimeout},
	} {
		if iv.value < 1 || iv.value > 86400 {
			return nil, fmt.Errorf("%s must be between 1 and 86400 seconds, got %d", iv.name, iv.value)
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvStringList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// ensureScheme adds https:// prefix if the URL has no scheme
func ensureScheme(url string) string {
	if url == "" {
		return url
	}
	if !strings.Contains(url, "://") {
		return "https://" + url
	}
	return url
}
