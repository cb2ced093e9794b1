package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Detector names accepted by DetectorName
const (
	DetectorONNX  = "onnx_model_detector"
	DetectorModel = "model_detector"
	DetectorRegex = "regex_detector"
)

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	LogRequests   bool // Log request method, path, status and latency
	LogPIIChanges bool // Log PII detection summaries
	LogVerbose    bool // Log detected words and offsets
}

// DatabaseConfig holds database configuration for the request audit log
type DatabaseConfig struct {
	Enabled      bool   // Whether to use PostgreSQL for the audit log
	Host         string // Database host
	Port         int    // Database port
	Database     string // Database name
	Username     string // Database username
	Password     string // Database password
	SSLMode      string // SSL mode (disable, require, etc.)
	MaxOpenConns int    // Maximum open connections
	MaxIdleConns int    // Maximum idle connections
	MaxLifetime  int    // Connection max lifetime in seconds
	CleanupHours int    // Hours after which to cleanup old audit records
}

// ModelConfig holds inference backend settings
type ModelConfig struct {
	Dir               string  // Directory holding model.onnx, tokenizer.json and label mappings
	BaseURL           string  // Remote pipeline server for model_detector
	Threshold         float64 // Minimum word score kept by the ONNX backend; 0 keeps every labelled word
	SharedLibraryPath string  // Optional onnxruntime shared library override
}

// RateLimitConfig holds request rate limiting settings. A zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

// SentryConfig holds error reporting settings. An empty DSN disables reporting.
type SentryConfig struct {
	DSN         string
	Environment string
}

// Config holds all configuration for the PII service
type Config struct {
	ServerPort   string
	ProjectName  string
	Version      string
	DetectorName string
	Model        ModelConfig
	RateLimit    RateLimitConfig
	Sentry       SentryConfig
	Database     DatabaseConfig
	Logging      LoggingConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerPort:   ":8000",
		ProjectName:  "PII Detection Service",
		Version:      "1.0.0",
		DetectorName: DetectorONNX,
		Model: ModelConfig{
			Dir:       "model",
			BaseURL:   "http://localhost:8001",
			Threshold: 0,
		},
		RateLimit: RateLimitConfig{
			RPS:   0,
			Burst: 20,
		},
		Sentry: SentryConfig{
			Environment: "development",
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "pii_service",
			Username:     "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxLifetime:  300,
			CleanupHours: 24 * 30,
		},
		Logging: LoggingConfig{
			LogRequests:   true,
			LogPIIChanges: true,
			LogVerbose:    false,
		},
	}
}

// Validate checks that the configuration can be served
func (c *Config) Validate() error {
	if err := validatePort(c.ServerPort, "ServerPort"); err != nil {
		return err
	}

	switch c.DetectorName {
	case DetectorONNX, DetectorModel, DetectorRegex:
	default:
		return fmt.Errorf("DetectorName: unknown detector %q", c.DetectorName)
	}

	if c.DetectorName == DetectorModel && strings.TrimSpace(c.Model.BaseURL) == "" {
		return fmt.Errorf("Model.BaseURL: required for %s", DetectorModel)
	}

	if c.Model.Threshold < 0 || c.Model.Threshold > 1 {
		return fmt.Errorf("Model.Threshold: must be between 0 and 1 (current value: %g)", c.Model.Threshold)
	}

	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("RateLimit.RPS: must not be negative (current value: %g)", c.RateLimit.RPS)
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst < 1 {
		return fmt.Errorf("RateLimit.Burst: must be at least 1 when rate limiting is enabled")
	}

	if c.Database.Enabled {
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("Database.Port: port must be between 1 and 65535 (current value: %d)", c.Database.Port)
		}
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("Database: host and database name are required when enabled")
		}
	}

	return nil
}

// validatePort checks a listen address of the form ":PORT"
func validatePort(port, fieldName string) error {
	if port == "" {
		return fmt.Errorf("%s: port cannot be empty", fieldName)
	}

	if !strings.HasPrefix(port, ":") {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}

	n, err := strconv.Atoi(port[1:])
	if err != nil {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}

	if n < 1 || n > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535 (current value: %d)", fieldName, n)
	}

	return nil
}

// GetLogPIIChanges returns whether to log PII changes
func (lc LoggingConfig) GetLogPIIChanges() bool {
	return lc.LogPIIChanges
}

// GetLogVerbose returns whether to log verbose PII details
func (lc LoggingConfig) GetLogVerbose() bool {
	return lc.LogVerbose
}

// GetLogRequests returns whether to log each request
func (lc LoggingConfig) GetLogRequests() bool {
	return lc.LogRequests
}
