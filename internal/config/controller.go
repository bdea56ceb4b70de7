package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RuntimeSection holds the timing knobs shared by the injection and
// pull loops, sourced from spec.md §6.5.
type RuntimeSection struct {
	PreSendInterval time.Duration `yaml:"pre_send_interval"`
	WorkloadPadding int64         `yaml:"workload_padding"`
	SessionWait     time.Duration `yaml:"session_wait"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	RetryPeriod     time.Duration `yaml:"retry_period"`
}

// ControllerSection holds the controller-specific keys: where to
// write results, which hosts to inject against, and the per-task
// behavior flags that mirror the engine's.
type ControllerSection struct {
	ResultsDir string   `yaml:"results_dir"`
	Hosts      []string `yaml:"hosts"`

	LogOutputs bool `yaml:"log_outputs"`

	NumaCoresFaults     string `yaml:"numa_cores_faults"`
	NumaCoresBenchmarks string `yaml:"numa_cores_benchmarks"`

	AuxCommands []string `yaml:"aux_commands"`

	// DialRateLimit bounds how many reconnect dials per second the
	// client transport issues in aggregate across dangling peers
	// (SPEC_FULL.md §3). Zero disables limiting.
	DialRateLimit float64 `yaml:"dial_rate_limit"`

	// RecoverAfterDisconnect gates the client transport's message
	// history: when true, the client records its own broadcasts and
	// replays anything a reconnecting engine missed, and asks the
	// engine to do the same for messages it sent us (spec.md §4.3/
	// §4.4). Mirrors EngineSection.RecoverAfterDisconnect; the original
	// ties both to the same RECOVER_AFTER_DISCONNECT config key.
	RecoverAfterDisconnect bool `yaml:"recover_after_disconnect"`
}

// ControllerConfig is the top-level YAML document for cmd/finj-controller.
type ControllerConfig struct {
	Runtime    RuntimeSection     `yaml:"runtime"`
	Controller ControllerSection  `yaml:"controller"`
	Logging    LoggingConfig      `yaml:"logging"`
	Archive    ArchiveConfig      `yaml:"archive"`
}

// LoadControllerConfig reads and validates a controller YAML file,
// filling in the defaults from spec.md §6.5's default table.
func LoadControllerConfig(path string) (*ControllerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading controller config: %w", err)
	}

	var cfg ControllerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing controller config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating controller config: %w", err)
	}
	return &cfg, nil
}

func (c *ControllerConfig) validate() error {
	if c.Controller.ResultsDir == "" {
		c.Controller.ResultsDir = "."
	}
	if c.Runtime.SessionWait <= 0 {
		c.Runtime.SessionWait = 10 * time.Second
	}
	if c.Runtime.RetryInterval <= 0 {
		c.Runtime.RetryInterval = 5 * time.Second
	}
	if c.Runtime.RetryPeriod <= 0 {
		c.Runtime.RetryPeriod = 5 * time.Minute
	}
	if c.Runtime.PreSendInterval == 0 {
		c.Runtime.PreSendInterval = 30 * time.Second
	}

	c.Logging.setDefaults()
	return c.Archive.validate()
}
