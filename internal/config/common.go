// Package config loads and validates the YAML configuration for the
// finj-engine and finj-controller binaries, mirroring the teacher's
// internal/config package: one struct per role, populated via
// gopkg.in/yaml.v3, with a validate() method that fills defaults and
// rejects missing required fields.
package config

import "fmt"

// LoggingConfig controls the shared slog setup built by
// internal/logging.NewLogger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

func (l *LoggingConfig) setDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
}

// ArchiveConfig controls the optional cron-driven rotation and S3
// shipping of execution logs (internal/archive). Purely additive: it
// never affects spec.md §3's hard runtime contract.
type ArchiveConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"` // cron expression, e.g. "@daily"
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`

	// AccessKeyID/SecretAccessKey, when both set, are wired into a
	// static credentials provider instead of the SDK's default chain
	// (environment, shared config, EC2/ECS role) -- useful for engines
	// deployed outside AWS with a scoped-down bucket-only key.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

func (a *ArchiveConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	if a.Schedule == "" {
		a.Schedule = "@daily"
	}
	if a.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive.enabled is true")
	}
	return nil
}
