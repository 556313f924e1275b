// Package config loads u2fval's runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingDatabaseURI is returned when no database connection string is configured.
var ErrMissingDatabaseURI = fmt.Errorf("U2FVAL_DATABASE_URI must be set (set U2FVAL_ENV=development to use the default)")

// Config holds the options of spec.md §6 plus the bootstrap fields every
// deployment of this service needs.
type Config struct {
	DatabaseDriver string // "postgres" or "sqlite3"
	DatabaseURI    string

	UseCache     bool
	CacheServers []string

	MetadataPath    string
	AllowUntrusted  bool

	MaxTransactions int
	TransactionTTL  time.Duration

	ClientHeader string
	ListenAddr   string
}

func isDevelopmentMode() bool {
	return os.Getenv("U2FVAL_ENV") == "development"
}

// Load reads configuration from the environment. In production
// (U2FVAL_ENV != "development") U2FVAL_DATABASE_URI is required; in
// development a local sqlite file is used as a default.
func Load() (*Config, error) {
	isDev := isDevelopmentMode()

	driver := getEnv("U2FVAL_DATABASE_DRIVER", "sqlite3")
	uri := os.Getenv("U2FVAL_DATABASE_URI")
	if uri == "" {
		if !isDev {
			return nil, ErrMissingDatabaseURI
		}
		uri = "file:u2fval.db?_foreign_keys=on"
		fmt.Println("[CONFIG] WARNING: using default sqlite U2FVAL_DATABASE_URI for development")
	}

	maxTx, err := parseIntEnv("U2FVAL_MAX_TRANSACTIONS", 5)
	if err != nil {
		return nil, err
	}
	ttlSeconds, err := parseIntEnv("U2FVAL_TRANSACTION_TTL", 300)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseDriver:  driver,
		DatabaseURI:     uri,
		UseCache:        getEnv("U2FVAL_USE_CACHE", "false") == "true",
		CacheServers:    splitNonEmpty(os.Getenv("U2FVAL_CACHE_SERVERS")),
		MetadataPath:    os.Getenv("U2FVAL_METADATA_PATH"),
		AllowUntrusted:  getEnv("U2FVAL_ALLOW_UNTRUSTED", "false") == "true",
		MaxTransactions: maxTx,
		TransactionTTL:  time.Duration(ttlSeconds) * time.Second,
		ClientHeader:    getEnv("U2FVAL_CLIENT_HEADER", "X-U2F-Client"),
		ListenAddr:      getEnv("U2FVAL_LISTEN_ADDR", ":8080"),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
