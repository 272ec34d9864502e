// Package config loads process configuration from environment variables,
// with .env support for development.
package config

import (
	"os"
	"strconv"
	"time"
)

type StorageConfig struct {
	MongoURI     string
	DatabaseName string
}

type APIConfig struct {
	Port int
}

type NATSConfig struct {
	// URL of the NATS server; empty selects the in-process bus.
	URL string
}

type AuthConfig struct {
	// JWTSecret signs session tokens; empty disables authentication.
	JWTSecret string
	TokenTTL  time.Duration
}

type SchemaConfig struct {
	Path string
	// RulesPath points at the access-control rule file; empty allows all.
	RulesPath string
}

type SessionConfig struct {
	MaxIdle       time.Duration
	SweepInterval time.Duration
}

type Config struct {
	Storage StorageConfig
	API     APIConfig
	NATS    NATSConfig
	Auth    AuthConfig
	Schema  SchemaConfig
	Session SessionConfig
}

func LoadConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			MongoURI:     getEnv("MONGO_URI", "mongodb://localhost:27017"),
			DatabaseName: getEnv("DB_NAME", "payloadsync"),
		},
		API: APIConfig{
			Port: getEnvInt("API_PORT", 8080),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  getEnvDuration("TOKEN_TTL", 24*time.Hour),
		},
		Schema: SchemaConfig{
			Path:      getEnv("SCHEMA_PATH", "schema.yaml"),
			RulesPath: getEnv("AUTHZ_RULES_PATH", ""),
		},
		Session: SessionConfig{
			MaxIdle:       getEnvDuration("SESSION_MAX_IDLE", 30*time.Minute),
			SweepInterval: getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		},
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
