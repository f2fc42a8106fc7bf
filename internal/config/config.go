// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir         string // Base directory for persisted state files (always absolute)
	RegistrationDir string // Directory the terminal-side agents write registration files into
	LogLevel        string
	Port            int // HTTP control-surface port
	DevMode         bool
	AppVersion      string

	// Transport timeouts
	ProbeTimeout      time.Duration // TCP liveness probe
	CommandTimeout    time.Duration // per-command REQ/REP and pipe timeout
	ScanMutexTimeout  time.Duration // max wait for the discovery scan lock
	ReconnectInterval time.Duration // bridge/pipe reconnect delay

	Backup *BackupConfig
}

// BackupConfig holds S3-compatible state backup configuration.
// Backup is disabled when Endpoint is empty.
type BackupConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Keep      int // number of remote backups to retain
}

// Enabled reports whether backup has been configured.
func (b *BackupConfig) Enabled() bool {
	return b != nil && b.Endpoint != "" && b.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("HEDGEEDGE_DATA_DIR", "")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".hedgeedge")
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// The registration directory is written by the terminal-side agents.
	regDir := getEnv("HEDGEEDGE_REGISTRATION_DIR", "")
	if regDir == "" {
		regDir = filepath.Join(absDataDir, "registrations")
	}
	if err := os.MkdirAll(regDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registration directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		RegistrationDir:   regDir,
		Port:              getEnvAsInt("HEDGEEDGE_PORT", 8701),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		AppVersion:        getEnv("VERSION", "dev"),
		ProbeTimeout:      getEnvAsDuration("PROBE_TIMEOUT_MS", 50) * time.Millisecond,
		CommandTimeout:    getEnvAsDuration("COMMAND_TIMEOUT_MS", 5000) * time.Millisecond,
		ScanMutexTimeout:  getEnvAsDuration("SCAN_MUTEX_TIMEOUT_MS", 30000) * time.Millisecond,
		ReconnectInterval: getEnvAsDuration("RECONNECT_INTERVAL_MS", 5000) * time.Millisecond,
		Backup:            loadBackupConfig(),
	}

	return cfg, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue))
}

// loadBackupConfig loads the optional cloud backup configuration.
func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Endpoint:  getEnv("BACKUP_S3_ENDPOINT", ""),
		Bucket:    getEnv("BACKUP_S3_BUCKET", ""),
		AccessKey: getEnv("BACKUP_S3_ACCESS_KEY", ""),
		SecretKey: getEnv("BACKUP_S3_SECRET_KEY", ""),
		Region:    getEnv("BACKUP_S3_REGION", "auto"),
		Keep:      getEnvAsInt("BACKUP_S3_KEEP", 14),
	}
}
