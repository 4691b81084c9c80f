// Package config resolves runtime settings from environment variables with
// an optional YAML file overlay.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/stackbound/opscore/pkg/commandlog"
)

// Backend selectors for the persisted stores.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendSQL    = "sql"
	BackendRedis  = "redis"
)

// Config holds substrate configuration.
type Config struct {
	DataDir         string
	EventBackend    string
	CommandBackend  string
	LeaseTTL        time.Duration
	RedisAddr       string
	DatabaseURL     string
	LogLevel        string
	OTLPEndpoint    string
	OTLPInsecure    bool
	WorkPackEnabled bool
	ArchiveBucket   string
	ArchiveProvider string
}

// Load loads configuration from environment variables.
func Load() *Config {
	dataDir := os.Getenv("OPSCORE_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}

	eventBackend := os.Getenv("OPSCORE_EVENT_BACKEND")
	if eventBackend == "" {
		eventBackend = BackendFile
	}

	commandBackend := os.Getenv("OPSCORE_COMMAND_BACKEND")
	if commandBackend == "" {
		commandBackend = BackendFile
	}

	leaseTTL := commandlog.DefaultLeaseTTL
	if raw := os.Getenv("OPSCORE_LEASE_TTL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			leaseTTL = parsed
		}
	}

	logLevel := os.Getenv("OPSCORE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("OPSCORE_DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://opscore@localhost:5432/opscore?sslmode=disable"
	}

	otlpInsecure := false
	if raw := os.Getenv("OPSCORE_OTLP_INSECURE"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			otlpInsecure = parsed
		}
	}

	workEnabled := true
	if raw := os.Getenv("OPSCORE_PACK_WORK_ENABLED"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			workEnabled = parsed
		}
	}

	return &Config{
		DataDir:         dataDir,
		EventBackend:    eventBackend,
		CommandBackend:  commandBackend,
		LeaseTTL:        leaseTTL,
		RedisAddr:       os.Getenv("OPSCORE_REDIS_ADDR"),
		DatabaseURL:     dbURL,
		LogLevel:        logLevel,
		OTLPEndpoint:    os.Getenv("OPSCORE_OTLP_ENDPOINT"),
		OTLPInsecure:    otlpInsecure,
		WorkPackEnabled: workEnabled,
		ArchiveBucket:   os.Getenv("OPSCORE_ARCHIVE_BUCKET"),
		ArchiveProvider: os.Getenv("OPSCORE_ARCHIVE_PROVIDER"),
	}
}
