// Package config loads daginferd's process configuration: a typed struct
// populated from environment variables and an optional YAML file, with
// defaults set before Unmarshal.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of recognised settings: spec.md §6's backend
// knobs plus the ambient stack every teacher service exposes.
type Config struct {
	// §6 backend/runtime knobs.
	BackendsPath          string        `mapstructure:"backends_path"`
	ThreadsPerQueue       int           `mapstructure:"threads_per_queue"`
	IntraOpParallelism    int           `mapstructure:"intra_op_parallelism"`
	InterOpParallelism    int           `mapstructure:"inter_op_parallelism"`
	ModelChunkSize        int64         `mapstructure:"model_chunk_size"`
	ModelExecutionTimeout time.Duration `mapstructure:"model_execution_timeout"`
	BackendMemoryLimitMB  int64         `mapstructure:"backend_memory_limit_mb"`

	Log        LogConfig        `mapstructure:"log"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Keyspace   KeyspaceConfig   `mapstructure:"keyspace"`
	Wire       WireConfig       `mapstructure:"wire"`
	ControlAPI ControlAPIConfig `mapstructure:"control_api"`
	Events     EventsConfig     `mapstructure:"events"`
}

// LogConfig mirrors the `swarm_json_log`/`swarm_log_level` env knobs the
// teacher exposes, renamed to this service's prefix.
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// TelemetryConfig configures the OTLP/gRPC exporters in internal/telemetry.
// A blank Endpoint means telemetry falls back to no-op providers.
type TelemetryConfig struct {
	Endpoint    string `mapstructure:"otlp_endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// KeyspaceConfig points internal/keyspace at its BoltDB file.
type KeyspaceConfig struct {
	Path string `mapstructure:"path"`
}

// WireConfig is the listen address for the line-oriented DAG protocol
// (internal/wire).
type WireConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ControlAPIConfig is the listen address for the gin REST control plane
// (internal/controlplane).
type ControlAPIConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// EventsConfig configures the optional NATS publisher in internal/events.
// A blank URL disables publishing entirely.
type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

// modelExecutionTimeoutFloor is §6's floor: a configured timeout below
// this is raised to it rather than rejected.
const modelExecutionTimeoutFloor = time.Second

// Load reads configuration from (in ascending priority) built-in
// defaults, an optional YAML file, then DAGINFERD_-prefixed environment
// variables, the same layering NGOClaw's gateway config.Load uses.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("daginferd")
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".daginferd"))
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DAGINFERD")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.ModelExecutionTimeout < modelExecutionTimeoutFloor {
		cfg.ModelExecutionTimeout = modelExecutionTimeoutFloor
	}
	if cfg.ThreadsPerQueue <= 0 {
		cfg.ThreadsPerQueue = 1
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backends_path", "./backends")
	v.SetDefault("threads_per_queue", 1)
	v.SetDefault("intra_op_parallelism", 0)
	v.SetDefault("inter_op_parallelism", 0)
	v.SetDefault("model_chunk_size", int64(511)*1024*1024)
	v.SetDefault("model_execution_timeout", "5000ms")
	v.SetDefault("backend_memory_limit_mb", 0)

	v.SetDefault("log.json", true)
	v.SetDefault("log.level", "info")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "daginferd")

	v.SetDefault("keyspace.path", "./daginferd.db")

	v.SetDefault("wire.listen_addr", ":7000")
	v.SetDefault("control_api.listen_addr", ":7001")

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", "daginferd.dag.completed")
}
