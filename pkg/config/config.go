// Package config loads shardql's YAML configuration with environment
// variable overrides, covering every tunable named in spec.md §4-5.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration tree for both coordinator and worker
// processes. Fields unused by a given process are simply ignored.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Registry  RegistryConfig  `yaml:"registry"`
	Autoscale AutoscaleConfig `yaml:"autoscale"`
	Transport TransportConfig `yaml:"transport"`
	Chunk     ChunkConfig     `yaml:"chunk"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Raft      RaftConfig      `yaml:"raft"`
}

// LogConfig controls pkg/log.Init.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RegistryConfig controls the Worker Registry's liveness sweeper (§4.5).
type RegistryConfig struct {
	SweepInterval   time.Duration `yaml:"sweepInterval"`
	UnhealthyAfter  time.Duration `yaml:"unhealthyAfter"`
	RemoveAfter     time.Duration `yaml:"removeAfter"`
}

// AutoscaleConfig controls the Autoscaler's evaluation loop (§4.6).
type AutoscaleConfig struct {
	EvalInterval        time.Duration `yaml:"evalInterval"`
	ScaleUpThresh       float64       `yaml:"scaleUpThresh"`
	ScaleDownThresh     float64       `yaml:"scaleDownThresh"`
	Cooldown            time.Duration `yaml:"cooldown"`
	MinWorkers          int           `yaml:"minWorkers"`
	MaxWorkers          int           `yaml:"maxWorkers"`
	WorkerStartupTimeout time.Duration `yaml:"workerStartupTimeout"`
}

// TransportConfig controls the Data Exchange Transport's retry policy (§4.3).
type TransportConfig struct {
	RetryAttempts   int           `yaml:"retryAttempts"`
	RetryInitial    time.Duration `yaml:"retryInitial"`
	RetryMultiplier float64       `yaml:"retryMultiplier"`
	RetryJitter     float64       `yaml:"retryJitter"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
}

// ChunkConfig controls the Chunk Codec's size bounds (§4.1).
type ChunkConfig struct {
	MaxChunkBytes int64 `yaml:"maxChunkBytes"`
	HardCapBytes  int64 `yaml:"hardCapBytes"`
}

// CoordinatorConfig controls the Query Coordinator's scheduling bounds (§4.7).
type CoordinatorConfig struct {
	MaxConcurrentQueries       int           `yaml:"maxConcurrentQueries"`
	MaxConcurrentStagesPerQuery int          `yaml:"maxConcurrentStagesPerQuery"`
	StageMaxAttempts           int           `yaml:"stageMaxAttempts"`
	ExecuteStageTimeout        time.Duration `yaml:"executeStageTimeout"`
	HeartbeatTimeout           time.Duration `yaml:"heartbeatTimeout"`
	HealthProbeTimeout         time.Duration `yaml:"healthProbeTimeout"`
	CancelAckTimeout           time.Duration `yaml:"cancelAckTimeout"`
	CancellationWindow         time.Duration `yaml:"cancellationWindow"`
	DrainTimeout               time.Duration `yaml:"drainTimeout"`
}

// RaftConfig controls the coordinator HA replica set.
type RaftConfig struct {
	Enabled  bool     `yaml:"enabled"`
	NodeID   string   `yaml:"nodeId"`
	BindAddr string   `yaml:"bindAddr"`
	DataDir  string   `yaml:"dataDir"`
	Bootstrap bool    `yaml:"bootstrap"`
	Peers    []string `yaml:"peers"`
}

// Default returns the configuration with every default named in spec.md.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", JSON: false},
		Registry: RegistryConfig{
			SweepInterval:  10 * time.Second,
			UnhealthyAfter: 45 * time.Second,
			RemoveAfter:    5 * time.Minute,
		},
		Autoscale: AutoscaleConfig{
			EvalInterval:         30 * time.Second,
			ScaleUpThresh:        0.8,
			ScaleDownThresh:      0.3,
			Cooldown:             2 * time.Minute,
			MinWorkers:           1,
			MaxWorkers:           5,
			WorkerStartupTimeout: 120 * time.Second,
		},
		Transport: TransportConfig{
			RetryAttempts:   3,
			RetryInitial:    1 * time.Second,
			RetryMultiplier: 2.0,
			RetryJitter:     0.1,
			IdleTimeout:     60 * time.Second,
		},
		Chunk: ChunkConfig{
			MaxChunkBytes: 4 << 20,
			HardCapBytes:  16 << 20,
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrentQueries:        16,
			MaxConcurrentStagesPerQuery: 0, // 0 = healthy worker count
			StageMaxAttempts:            2,
			ExecuteStageTimeout:         30 * time.Second,
			HeartbeatTimeout:            5 * time.Second,
			HealthProbeTimeout:          5 * time.Second,
			CancelAckTimeout:            10 * time.Second,
			CancellationWindow:          2 * time.Second,
			DrainTimeout:                60 * time.Second,
		},
		Raft: RaftConfig{
			Enabled: false,
		},
	}
}

// Load reads a YAML config file and applies environment overrides on top of
// Default(). An empty path returns Default() with overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides lets a handful of operationally common settings be
// overridden without a config file, mirroring the teacher's flag/env split.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SHARDQL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SHARDQL_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.JSON = b
		}
	}
	if v := os.Getenv("SHARDQL_MIN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoscale.MinWorkers = n
		}
	}
	if v := os.Getenv("SHARDQL_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Autoscale.MaxWorkers = n
		}
	}
	if v := os.Getenv("SHARDQL_RAFT_BIND_ADDR"); v != "" {
		cfg.Raft.BindAddr = v
	}
}
