package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen            = ":7600"
	DefaultControlPort       = 7610
	DefaultProbePort         = 7611
	DefaultProbeCount        = 5
	DefaultProbeTimeoutSec   = 2
	DefaultRoundDeadlineSec  = 10
	DefaultRoundRetries      = 3
	DefaultTargetToleranceMs = 25
	DefaultHardToleranceMs   = 50
	DefaultDriftIntervalSec  = 60
	DefaultHeartbeatSec      = 5
	DefaultMissedForDegraded = 3
	DefaultStartLeadSec      = 2
	DefaultAckWindowSec      = 5
	DefaultStopGraceSec      = 10
	DefaultSyncConcurrency   = 8
	DefaultReconnectBaseSec  = 1
	DefaultReconnectCapSec   = 30
)

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json or console
}

// SyncConfig holds timing-synchronization tuning shared by session and
// estimator code. The 25ms/50ms pair is deliberately configurable: the
// target drives quality scoring, the hard ceiling drives admission.
type SyncConfig struct {
	ProbeCount        int `mapstructure:"probe_count" yaml:"probe_count"`
	ProbeTimeoutSec   int `mapstructure:"probe_timeout_sec" yaml:"probe_timeout_sec"`
	RoundDeadlineSec  int `mapstructure:"round_deadline_sec" yaml:"round_deadline_sec"`
	RoundRetries      int `mapstructure:"round_retries" yaml:"round_retries"`
	TargetToleranceMs int `mapstructure:"target_tolerance_ms" yaml:"target_tolerance_ms"`
	HardToleranceMs   int `mapstructure:"hard_tolerance_ms" yaml:"hard_tolerance_ms"`
	DriftIntervalSec  int `mapstructure:"drift_interval_sec" yaml:"drift_interval_sec"`
	SyncConcurrency   int `mapstructure:"sync_concurrency" yaml:"sync_concurrency"`
}

// CoordinatorConfig is used by the coordinator process.
type CoordinatorConfig struct {
	Listen            string `mapstructure:"listen" yaml:"listen"`
	DataDir           string `mapstructure:"data_dir" yaml:"data_dir"`
	MetricsPath       string `mapstructure:"metrics_path" yaml:"metrics_path"`
	HeartbeatSec      int    `mapstructure:"heartbeat_sec" yaml:"heartbeat_sec"`
	MissedForDegraded int    `mapstructure:"missed_for_degraded" yaml:"missed_for_degraded"`
	StartLeadSec      int    `mapstructure:"start_lead_sec" yaml:"start_lead_sec"`
	AckWindowSec      int    `mapstructure:"ack_window_sec" yaml:"ack_window_sec"`
	StopGraceSec      int    `mapstructure:"stop_grace_sec" yaml:"stop_grace_sec"`
	ReconnectBaseSec  int    `mapstructure:"reconnect_base_sec" yaml:"reconnect_base_sec"`
	ReconnectCapSec   int    `mapstructure:"reconnect_cap_sec" yaml:"reconnect_cap_sec"`
	Sync              SyncConfig `mapstructure:"sync" yaml:"sync"`
}

// AgentConfig is used by the capture-agent process running on a device.
type AgentConfig struct {
	Name         string   `mapstructure:"name" yaml:"name"`
	Fingerprint  string   `mapstructure:"fingerprint" yaml:"fingerprint"`
	Coordinator  string   `mapstructure:"coordinator" yaml:"coordinator"`
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities"`
	ControlPort  int      `mapstructure:"control_port" yaml:"control_port"`
	ProbePort    int      `mapstructure:"probe_port" yaml:"probe_port"`
	STUNServers  []string `mapstructure:"stun_servers" yaml:"stun_servers"`
	KeepaliveSec int      `mapstructure:"keepalive_sec" yaml:"keepalive_sec"`
}

// Config holds both coordinator and agent settings.
type Config struct {
	Coordinator *CoordinatorConfig `mapstructure:"coordinator" yaml:"coordinator,omitempty"`
	Agent       *AgentConfig       `mapstructure:"agent" yaml:"agent,omitempty"`
	Logging     LoggingConfig      `mapstructure:"logging" yaml:"logging"`
}

// Load reads a YAML config file with RECSYNC_* env overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RECSYNC")
	v.AutomaticEnv()

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Coordinator == nil && cfg.Agent == nil {
		return fmt.Errorf("config must contain coordinator or agent section")
	}
	if cfg.Coordinator != nil {
		if cfg.Coordinator.Listen == "" {
			return fmt.Errorf("coordinator.listen is required")
		}
		if cfg.Coordinator.Sync.HardToleranceMs < cfg.Coordinator.Sync.TargetToleranceMs {
			return fmt.Errorf("sync.hard_tolerance_ms must be >= sync.target_tolerance_ms")
		}
	}
	if cfg.Agent != nil {
		if cfg.Agent.Name == "" {
			return fmt.Errorf("agent.name is required")
		}
		if cfg.Agent.Coordinator == "" {
			return fmt.Errorf("agent.coordinator is required")
		}
		if len(cfg.Agent.Capabilities) == 0 {
			return fmt.Errorf("agent.capabilities is required")
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if c := cfg.Coordinator; c != nil {
		if c.Listen == "" {
			c.Listen = DefaultListen
		}
		if c.HeartbeatSec == 0 {
			c.HeartbeatSec = DefaultHeartbeatSec
		}
		if c.MissedForDegraded == 0 {
			c.MissedForDegraded = DefaultMissedForDegraded
		}
		if c.StartLeadSec == 0 {
			c.StartLeadSec = DefaultStartLeadSec
		}
		if c.AckWindowSec == 0 {
			c.AckWindowSec = DefaultAckWindowSec
		}
		if c.StopGraceSec == 0 {
			c.StopGraceSec = DefaultStopGraceSec
		}
		if c.ReconnectBaseSec == 0 {
			c.ReconnectBaseSec = DefaultReconnectBaseSec
		}
		if c.ReconnectCapSec == 0 {
			c.ReconnectCapSec = DefaultReconnectCapSec
		}
		applySyncDefaults(&c.Sync)
	}

	if a := cfg.Agent; a != nil {
		if a.ControlPort == 0 {
			a.ControlPort = DefaultControlPort
		}
		if a.ProbePort == 0 {
			a.ProbePort = DefaultProbePort
		}
		if a.KeepaliveSec == 0 {
			a.KeepaliveSec = 30
		}
		if a.Fingerprint == "" {
			a.Fingerprint = a.Name
		}
	}
}

func applySyncDefaults(s *SyncConfig) {
	if s.ProbeCount == 0 {
		s.ProbeCount = DefaultProbeCount
	}
	if s.ProbeTimeoutSec == 0 {
		s.ProbeTimeoutSec = DefaultProbeTimeoutSec
	}
	if s.RoundDeadlineSec == 0 {
		s.RoundDeadlineSec = DefaultRoundDeadlineSec
	}
	if s.RoundRetries == 0 {
		s.RoundRetries = DefaultRoundRetries
	}
	if s.TargetToleranceMs == 0 {
		s.TargetToleranceMs = DefaultTargetToleranceMs
	}
	if s.HardToleranceMs == 0 {
		s.HardToleranceMs = DefaultHardToleranceMs
	}
	if s.DriftIntervalSec == 0 {
		s.DriftIntervalSec = DefaultDriftIntervalSec
	}
	if s.SyncConcurrency == 0 {
		s.SyncConcurrency = DefaultSyncConcurrency
	}
}

// TargetTolerance returns the soft tolerance as a duration.
func (s SyncConfig) TargetTolerance() time.Duration {
	return time.Duration(s.TargetToleranceMs) * time.Millisecond
}

// HardTolerance returns the admission ceiling as a duration.
func (s SyncConfig) HardTolerance() time.Duration {
	return time.Duration(s.HardToleranceMs) * time.Millisecond
}
