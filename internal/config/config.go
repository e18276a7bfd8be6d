// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all delivery server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// PublicBaseURL is the externally reachable base URL of this server.
	// The resolver rewrites unstable origin URLs against it.
	PublicBaseURL string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// Origin store (the reverse tunnel or primary host serving file bytes)
	OriginBaseURL string
	OriginTimeout time.Duration

	// Secondary store (S3-compatible, reached via presigned URLs)
	S3Endpoint   string
	S3Bucket     string
	S3AccessKey  string
	S3SecretKey  string
	S3Region     string
	SignedURLTTL time.Duration

	// Auth
	JWTSecret string

	// Playback policy
	UnstableHostSuffixes []string
	AdaptiveEnabled      bool

	// Analytics
	AnalyticsQueueSize int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		PublicBaseURL:      envOr("PUBLIC_BASE_URL", "http://localhost:8080"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		DatabaseURL:        envOr("DATABASE_URL", ""),
		OriginBaseURL:      envOr("ORIGIN_BASE_URL", ""),
		OriginTimeout:      envDuration("ORIGIN_TIMEOUT", 30*time.Second),
		S3Endpoint:         envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:           envOr("S3_BUCKET", "berrycast"),
		S3AccessKey:        envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:        envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:           envOr("S3_REGION", "us-east-1"),
		SignedURLTTL:       envDuration("SIGNED_URL_TTL", 15*time.Minute),
		JWTSecret:          envOr("JWT_SECRET", ""),
		UnstableHostSuffixes: envList("UNSTABLE_HOST_SUFFIXES", ".trycloudflare.com,.ngrok-free.app"),
		AdaptiveEnabled:    envBool("ADAPTIVE_ENABLED", false),
		AnalyticsQueueSize: envInt("ANALYTICS_QUEUE_SIZE", 1024),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.OriginBaseURL == "" {
		return nil, fmt.Errorf("ORIGIN_BASE_URL is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key, fallback string) []string {
	v := os.Getenv(key)
	if v == "" {
		v = fallback
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
