// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the worker reads at startup.
type Config struct {
	Redis    RedisConfig
	Database DatabaseConfig
	Ollama   OllamaConfig
	Detector DetectorConfig
	Consumer ConsumerConfig
	HTTPPort string
}

// RedisConfig configures the stream client.
type RedisConfig struct {
	URL          string
	Stream       string
	Group        string
	ConsumerName string
	DialTimeout  time.Duration
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	MinConns       int32
	MaxConns       int32
	CommandTimeout time.Duration
}

// DSN returns the postgresql:// connection string for pgx.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s",
		c.User, c.Password, c.Host, c.Port, c.Name)
}

// OllamaConfig configures the LLM backend endpoint.
type OllamaConfig struct {
	Host           string
	Port           string
	Model          string
	MaxConcurrent  int64
	RequestTimeout time.Duration
}

// URL returns the base URL of the Ollama server.
func (c OllamaConfig) URL() string {
	return fmt.Sprintf("http://%s:%s", c.Host, c.Port)
}

// DetectorConfig configures the anomaly detector and its artifact.
type DetectorConfig struct {
	ModelPath     string
	TrainingLimit int
}

// ConsumerConfig tunes the consumer loop.
type ConsumerConfig struct {
	ReadBatch     int64
	ReadBlock     time.Duration
	IdleSleep     time.Duration
	ErrorBackoff  time.Duration
	SweepEvery    int
	ReclaimIdle   time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
}

// LoadFromEnv builds the configuration from environment variables,
// falling back to the deployment defaults.
func LoadFromEnv() (*Config, error) {
	dbPort, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	return &Config{
		Redis: RedisConfig{
			URL:          getEnvOrDefault("REDIS_URL", "redis://redis:6379"),
			Stream:       "metrics:raw",
			Group:        "ai_service_group",
			ConsumerName: "ai-worker-" + resolveWorkerID(),
			DialTimeout:  5 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           getEnvOrDefault("DB_HOST", "postgresql"),
			Port:           dbPort,
			User:           getEnvOrDefault("DB_USER", "enod_user"),
			Password:       os.Getenv("DB_PASSWORD"),
			Name:           getEnvOrDefault("DB_NAME", "enod_alerts"),
			MinConns:       5,
			MaxConns:       20,
			CommandTimeout: 10 * time.Second,
		},
		Ollama: OllamaConfig{
			Host:           getEnvOrDefault("OLLAMA_HOST", "ollama"),
			Port:           getEnvOrDefault("OLLAMA_PORT", "11434"),
			Model:          getEnvOrDefault("OLLAMA_MODEL", "llama2"),
			MaxConcurrent:  2,
			RequestTimeout: 480 * time.Second,
		},
		Detector: DetectorConfig{
			ModelPath:     getEnvOrDefault("MODEL_PATH", "models/isolation_forest.json"),
			TrainingLimit: 10000,
		},
		Consumer: ConsumerConfig{
			ReadBatch:     10,
			ReadBlock:     1 * time.Second,
			IdleSleep:     100 * time.Millisecond,
			ErrorBackoff:  5 * time.Second,
			SweepEvery:    50,
			ReclaimIdle:   5 * time.Minute,
			RetryAttempts: 2,
			RetryBackoff:  5 * time.Second,
		},
		HTTPPort: getEnvOrDefault("HTTP_PORT", "8000"),
	}, nil
}

// resolveWorkerID determines the consumer identifier for this replica.
// Priority: POD_ID env > HOSTNAME env > "1"
func resolveWorkerID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "1"
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
