// Package config loads provbus's process configuration from the
// environment (with an optional .env overlay), and owns the ambient
// logging and metrics initialization every other package depends on.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the fully-resolved set of options spec.md §6 enumerates:
// queue endpoint, per-component queue credentials, KV bucket name,
// reconnect attempt budget, HTTP bind address, log level, directory REST
// endpoint and credentials, admin credentials.
type Config struct {
	NATSURL      string
	NATSEmbedded bool

	DispatcherCreds string
	EventsCreds     string
	PrefillCreds    string
	AdminCreds      string

	KVBucket          string
	ReconnectAttempts int

	HTTPAddr    string
	HTTPTLSCert string
	HTTPTLSKey  string
	LogLevel    slog.Level

	DirectoryURL      string
	DirectoryUser     string
	DirectoryPassword string

	AdminUser         string
	AdminPasswordHash string
}

// Load reads configuration from the environment, first overlaying any
// .env file found by walking up from the working directory — the same
// repoRoot/mergeEnv shape the teacher's ScriptRunner uses for its own
// per-script .env files, generalized here into a single top-level loader.
func Load() *Config {
	if root, err := repoRoot("."); err == nil {
		_ = godotenv.Load(filepath.Join(root, ".env"))
	}

	return &Config{
		NATSURL:      getenv("PROVBUS_NATS_URL", "nats://127.0.0.1:4222"),
		NATSEmbedded: getenvBool("PROVBUS_NATS_EMBEDDED", true),

		DispatcherCreds: os.Getenv("PROVBUS_DISPATCHER_CREDS"),
		EventsCreds:     os.Getenv("PROVBUS_EVENTS_CREDS"),
		PrefillCreds:    os.Getenv("PROVBUS_PREFILL_CREDS"),
		AdminCreds:      os.Getenv("PROVBUS_ADMIN_CREDS"),

		KVBucket:          getenv("PROVBUS_KV_BUCKET", "subscriptions"),
		ReconnectAttempts: getenvInt("PROVBUS_RECONNECT_ATTEMPTS", 10),

		HTTPAddr:    getenv("PROVBUS_HTTP_ADDR", ":8080"),
		HTTPTLSCert: os.Getenv("PROVBUS_HTTP_TLS_CERT"),
		HTTPTLSKey:  os.Getenv("PROVBUS_HTTP_TLS_KEY"),
		LogLevel:    parseLevel(getenv("PROVBUS_LOG_LEVEL", "info")),

		DirectoryURL:      os.Getenv("PROVBUS_DIRECTORY_URL"),
		DirectoryUser:     os.Getenv("PROVBUS_DIRECTORY_USER"),
		DirectoryPassword: os.Getenv("PROVBUS_DIRECTORY_PASSWORD"),

		AdminUser:         getenv("PROVBUS_ADMIN_USER", "admin"),
		AdminPasswordHash: os.Getenv("PROVBUS_ADMIN_PASSWORD_HASH"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return strings.EqualFold(v, "true")
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func parseLevel(v string) slog.Level {
	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// repoRoot walks upward from start until it finds a .git directory or
// go.mod file, same helper as the teacher's ScriptRunner uses to locate
// its repo-wide .env defaults.
func repoRoot(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}
