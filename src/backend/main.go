package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/hannes/edu-pii-service/src/backend/config"
	"github.com/hannes/edu-pii-service/src/backend/pii"
	detectors "github.com/hannes/edu-pii-service/src/backend/pii/detectors"
	"github.com/hannes/edu-pii-service/src/backend/server"
	"github.com/joho/godotenv"
)

const TRUE = "true"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file from current directory")
	} else {
		log.Printf("Note: .env file not found or could not be loaded: %v", err)
	}

	// Load configuration
	cfg := config.DefaultConfig()

	configPath := flag.String("config", "", "Path to JSON config file")
	flag.Parse()

	if *configPath != "" {
		loadConfigFromFile(*configPath, cfg)
	}

	// Override configuration with environment variables
	loadConfigFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if hasEmbeddedModel && cfg.DetectorName == config.DetectorONNX {
		if _, err := pii.ValidateModelDirectory(cfg.Model.Dir); err != nil {
			log.Println("Extracting embedded model files...")
			if err := extractEmbeddedModelFiles(modelFiles, cfg.Model.Dir); err != nil {
				log.Printf("Warning: Failed to extract model files: %v", err)
			}
		}
	}

	// A failed initial load leaves the service running but not ready
	models := pii.NewModelManager(detectorSource(cfg), newDetectorLoader(cfg))
	service := pii.NewService(models, cfg.Logging)
	audit := newAuditLog(cfg)

	srv, err := server.NewServer(cfg, service, models, audit)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	go srv.StartWithErrorHandling()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := models.Close(); err != nil {
		log.Printf("Model manager close error: %v", err)
	}
	if err := srv.Close(); err != nil {
		log.Printf("Server close error: %v", err)
	}
}

// detectorSource describes where the configured detector loads from
func detectorSource(cfg *config.Config) string {
	switch cfg.DetectorName {
	case config.DetectorONNX:
		return cfg.Model.Dir
	case config.DetectorModel:
		return cfg.Model.BaseURL
	default:
		return cfg.DetectorName
	}
}

// newDetectorLoader returns a loader that builds the configured detector on every call
func newDetectorLoader(cfg *config.Config) pii.DetectorLoader {
	return func() (detectors.Detector, error) {
		switch cfg.DetectorName {
		case config.DetectorONNX:
			files, err := pii.ValidateModelDirectory(cfg.Model.Dir)
			if err != nil {
				return nil, err
			}
			return detectors.NewDetector(detectors.DetectorNameONNXModel, map[string]interface{}{
				"model_path":     files.ModelPath,
				"tokenizer_path": files.TokenizerPath,
				"label_map_path": files.LabelMapPath,
				"threshold":      cfg.Model.Threshold,
			})
		case config.DetectorModel:
			return detectors.NewDetector(detectors.DetectorNameModel, map[string]interface{}{
				"base_url": cfg.Model.BaseURL,
			})
		case config.DetectorRegex:
			return detectors.NewDetector(detectors.DetectorNameRegex, map[string]interface{}{})
		default:
			return nil, fmt.Errorf("unknown detector: %s", cfg.DetectorName)
		}
	}
}

// newAuditLog opens the PostgreSQL audit log when enabled, falling back to memory
func newAuditLog(cfg *config.Config) pii.AuditLog {
	var audit pii.AuditLog = pii.NewMemoryAuditLog(1000)

	if cfg.Database.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		db, err := pii.NewPostgresAuditLog(ctx, pii.AuditDatabaseConfig{
			Host:         cfg.Database.Host,
			Port:         cfg.Database.Port,
			Database:     cfg.Database.Database,
			Username:     cfg.Database.Username,
			Password:     cfg.Database.Password,
			SSLMode:      cfg.Database.SSLMode,
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			MaxLifetime:  time.Duration(cfg.Database.MaxLifetime) * time.Second,
		})
		if err != nil {
			log.Printf("Warning: Failed to open audit database, using in-memory audit log: %v", err)
		} else {
			log.Println("✅ Audit database connected")
			audit = db
		}
	}

	if cfg.Database.CleanupHours > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		removed, err := audit.CleanupOldRecords(ctx, time.Duration(cfg.Database.CleanupHours)*time.Hour)
		if err != nil {
			log.Printf("Warning: Audit cleanup failed: %v", err)
		} else if removed > 0 {
			log.Printf("Removed %d audit records older than %d hours", removed, cfg.Database.CleanupHours)
		}
	}

	return audit
}

// loadConfigFromFile loads configuration from a JSON file
func loadConfigFromFile(path string, cfg *config.Config) {
	// #nosec G304 - Config file path is controlled by application, not user input
	file, err := os.Open(path)
	if err != nil {
		log.Printf("Failed to open config file: %v", err)
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			log.Printf("Failed to close config file: %v", err)
		}
	}()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		log.Printf("Failed to decode config file: %v", err)
	}
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(cfg *config.Config) {
	loadDatabaseConfig(cfg)
	loadApplicationConfig(cfg)
	loadPIIDetectorConfig(cfg)
	loadRateLimitConfig(cfg)
	loadSentryConfig(cfg)
	loadLoggingConfig(cfg)
}

// loadDatabaseConfig loads database configuration from environment variables
func loadDatabaseConfig(cfg *config.Config) {
	if dbEnabled := os.Getenv("DB_ENABLED"); dbEnabled != "" {
		cfg.Database.Enabled = dbEnabled == TRUE
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.Host = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}

	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.Database.Username = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}

	if sslMode := os.Getenv("DB_SSL_MODE"); sslMode != "" {
		cfg.Database.SSLMode = sslMode
	}

	if cleanupHours := os.Getenv("DB_CLEANUP_HOURS"); cleanupHours != "" {
		if hours, err := strconv.Atoi(cleanupHours); err == nil {
			cfg.Database.CleanupHours = hours
		}
	}
}

// loadApplicationConfig loads application configuration from environment variables
func loadApplicationConfig(cfg *config.Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.ServerPort = port
	}

	if name := os.Getenv("PROJECT_NAME"); name != "" {
		cfg.ProjectName = name
	}

	if version := os.Getenv("VERSION"); version != "" {
		cfg.Version = version
	}
}

// loadPIIDetectorConfig loads PII detector configuration from environment variables
func loadPIIDetectorConfig(cfg *config.Config) {
	if detectorName := os.Getenv("DETECTOR_NAME"); detectorName != "" {
		cfg.DetectorName = detectorName
	}

	if modelBaseURL := os.Getenv("MODEL_BASE_URL"); modelBaseURL != "" {
		cfg.Model.BaseURL = modelBaseURL
	}

	if modelDir := os.Getenv("MODEL_DIR"); modelDir != "" {
		cfg.Model.Dir = modelDir
	}

	if threshold := os.Getenv("MODEL_THRESHOLD"); threshold != "" {
		if v, err := strconv.ParseFloat(threshold, 64); err == nil {
			cfg.Model.Threshold = v
		} else {
			log.Printf("Warning: invalid MODEL_THRESHOLD %q: %v", threshold, err)
		}
	}

	// The ONNX detector reads the library path from the environment
	if libPath := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); libPath != "" {
		cfg.Model.SharedLibraryPath = libPath
	} else if cfg.Model.SharedLibraryPath != "" {
		if err := os.Setenv("ONNXRUNTIME_SHARED_LIBRARY_PATH", cfg.Model.SharedLibraryPath); err != nil {
			log.Printf("Warning: failed to set ONNXRUNTIME_SHARED_LIBRARY_PATH: %v", err)
		}
	}
}

// loadRateLimitConfig loads request rate limiting from environment variables
func loadRateLimitConfig(cfg *config.Config) {
	if rps := os.Getenv("RATE_LIMIT_RPS"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			cfg.RateLimit.RPS = v
		}
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		if v, err := strconv.Atoi(burst); err == nil {
			cfg.RateLimit.Burst = v
		}
	}
}

// loadSentryConfig loads error reporting configuration from environment variables
func loadSentryConfig(cfg *config.Config) {
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		cfg.Sentry.DSN = dsn
	}

	if env := os.Getenv("SENTRY_ENVIRONMENT"); env != "" {
		cfg.Sentry.Environment = env
	}
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig(cfg *config.Config) {
	if logPIIChanges := os.Getenv("LOG_PII_CHANGES"); logPIIChanges != "" {
		cfg.Logging.LogPIIChanges = logPIIChanges == TRUE
	}

	if logVerbose := os.Getenv("LOG_VERBOSE"); logVerbose != "" {
		cfg.Logging.LogVerbose = logVerbose == TRUE
	}

	if logRequests := os.Getenv("LOG_REQUESTS"); logRequests != "" {
		cfg.Logging.LogRequests = logRequests == TRUE
	}
}

// extractEmbeddedModelFiles extracts embedded model files into dir
func extractEmbeddedModelFiles(modelFS embed.FS, dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	return fs.WalkDir(modelFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Skip directories
		if d.IsDir() {
			return nil
		}

		content, err := modelFS.ReadFile(path)
		if err != nil {
			return err
		}

		targetPath := filepath.Join(dir, filepath.Base(path))
		if err := os.WriteFile(targetPath, content, 0600); err != nil {
			return err
		}

		log.Printf("Extracted: %s (size: %d bytes)", targetPath, len(content))
		return nil
	})
}
