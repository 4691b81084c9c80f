package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape of an opscore config file. Every field is
// optional; set fields override the environment-resolved values.
type FileConfig struct {
	DataDir        string `yaml:"data_dir,omitempty"`
	EventBackend   string `yaml:"event_backend,omitempty"`
	CommandBackend string `yaml:"command_backend,omitempty"`
	LeaseTTL       string `yaml:"lease_ttl,omitempty"`
	RedisAddr      string `yaml:"redis_addr,omitempty"`
	DatabaseURL    string `yaml:"database_url,omitempty"`
	LogLevel       string `yaml:"log_level,omitempty"`
	OTLPEndpoint   string `yaml:"otlp_endpoint,omitempty"`
	OTLPInsecure   *bool  `yaml:"otlp_insecure,omitempty"`

	Packs struct {
		Work *bool `yaml:"work,omitempty"`
	} `yaml:"packs,omitempty"`

	Archive struct {
		Provider string `yaml:"provider,omitempty"`
		Bucket   string `yaml:"bucket,omitempty"`
	} `yaml:"archive,omitempty"`
}

// LoadFile loads configuration from the environment and overlays the YAML
// file at path on top of it.
func LoadFile(path string) (*Config, error) {
	cfg := Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}

	var file FileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}

	if file.DataDir != "" {
		cfg.DataDir = file.DataDir
	}
	if file.EventBackend != "" {
		cfg.EventBackend = file.EventBackend
	}
	if file.CommandBackend != "" {
		cfg.CommandBackend = file.CommandBackend
	}
	if file.LeaseTTL != "" {
		parsed, err := time.ParseDuration(file.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("parse lease_ttl %q: %w", file.LeaseTTL, err)
		}
		cfg.LeaseTTL = parsed
	}
	if file.RedisAddr != "" {
		cfg.RedisAddr = file.RedisAddr
	}
	if file.DatabaseURL != "" {
		cfg.DatabaseURL = file.DatabaseURL
	}
	if file.LogLevel != "" {
		cfg.LogLevel = file.LogLevel
	}
	if file.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = file.OTLPEndpoint
	}
	if file.OTLPInsecure != nil {
		cfg.OTLPInsecure = *file.OTLPInsecure
	}
	if file.Packs.Work != nil {
		cfg.WorkPackEnabled = *file.Packs.Work
	}
	if file.Archive.Provider != "" {
		cfg.ArchiveProvider = file.Archive.Provider
	}
	if file.Archive.Bucket != "" {
		cfg.ArchiveBucket = file.Archive.Bucket
	}

	return cfg, nil
}

// Validate rejects backend selectors the composition root cannot build.
func (c *Config) Validate() error {
	switch c.EventBackend {
	case BackendMemory, BackendFile, BackendSQLite:
	default:
		return fmt.Errorf("config: unknown event backend %q", c.EventBackend)
	}
	switch c.CommandBackend {
	case BackendMemory, BackendFile, BackendSQL, BackendRedis:
	default:
		return fmt.Errorf("config: unknown command backend %q", c.CommandBackend)
	}
	if c.CommandBackend == BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("config: redis command backend requires OPSCORE_REDIS_ADDR")
	}
	return nil
}
