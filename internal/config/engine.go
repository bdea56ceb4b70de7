package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EngineSection holds the RESULTS_DIR-adjacent keys from spec.md §6.5
// that govern a single engine's worker pool and session behavior.
type EngineSection struct {
	ResultsDir    string `yaml:"results_dir"`
	ListenPort    int    `yaml:"server_port"`
	MaxRequests   int    `yaml:"max_requests"`
	SkipExpired   bool   `yaml:"skip_expired"`
	RetryTasks    bool   `yaml:"retry_tasks"`
	RetryOnError  bool   `yaml:"retry_tasks_on_error"`
	AbruptKill    bool   `yaml:"abrupt_task_kill"`
	LogOutputs    bool   `yaml:"log_outputs"`
	EnableRoot    bool   `yaml:"enable_root"`

	RecoverAfterDisconnect bool          `yaml:"recover_after_disconnect"`
	RetryInterval          time.Duration `yaml:"retry_interval"`

	AuxCommands []string `yaml:"aux_commands"`
}

// EngineConfig is the top-level YAML document for cmd/finj-engine.
type EngineConfig struct {
	Engine  EngineSection `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Archive ArchiveConfig `yaml:"archive"`
}

// LoadEngineConfig reads and validates an engine YAML file, filling in
// the defaults from spec.md §6.5's default table.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading engine config: %w", err)
	}

	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing engine config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating engine config: %w", err)
	}
	return &cfg, nil
}

func (c *EngineConfig) validate() error {
	if c.Engine.ResultsDir == "" {
		c.Engine.ResultsDir = "."
	}
	if c.Engine.ListenPort <= 0 {
		c.Engine.ListenPort = 30000
	}
	if c.Engine.MaxRequests <= 0 {
		c.Engine.MaxRequests = 20
	}
	if c.Engine.RetryInterval <= 0 {
		c.Engine.RetryInterval = 5 * time.Minute
	}

	c.Logging.setDefaults()
	return c.Archive.validate()
}
