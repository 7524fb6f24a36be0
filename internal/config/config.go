// Package config loads the settings shared by the coordinator, the data
// nodes and vdbctl: a YAML file with defaults filled in first, then the
// environment variables each binary has always honoured.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// CoordinatorConfig holds coordinator-specific settings.
type CoordinatorConfig struct {
	Listen         string `yaml:"listen"`
	MetaPath       string `yaml:"meta_path"`
	HealthInterval string `yaml:"health_interval"`
	SuspectAfter   string `yaml:"suspect_after"`
	DeadAfter      string `yaml:"dead_after"`
	SweepInterval  string `yaml:"sweep_interval"`
	SearchTimeout  string `yaml:"search_timeout"`
	RequestTimeout string `yaml:"request_timeout"`
}

// NodeConfig holds data node settings.
type NodeConfig struct {
	ID                 string  `yaml:"id"`
	Listen             string  `yaml:"listen"`
	Addr               string  `yaml:"addr"`
	CoordinatorAddr    string  `yaml:"coordinator_addr"`
	RegisterRetries    int     `yaml:"register_retries"`
	DiskCheckInterval  string  `yaml:"disk_check_interval"`
	DiskMaxUsedPercent float64 `yaml:"disk_max_used_percent"`
	CheckpointInterval string  `yaml:"checkpoint_interval"`
}

// StorageConfig holds WAL and local store settings.
type StorageConfig struct {
	WALDir           string `yaml:"wal_dir"`
	VectorDim        int    `yaml:"vector_dim"`
	Compression      string `yaml:"compression"`
	SegmentSizeBytes int64  `yaml:"segment_size_bytes"`
	NoSync           bool   `yaml:"no_sync"`
}

// ClusterConfig holds the shard layout.
type ClusterConfig struct {
	NumShards    int `yaml:"num_shards"`
	ReplicaCount int `yaml:"replica_count"`
}

// ReplicationConfig holds primary to replica propagation settings.
type ReplicationConfig struct {
	Timeout        string `yaml:"timeout"`
	MaxRetries     int    `yaml:"max_retries"`
	InitialBackoff string `yaml:"initial_backoff"`
}

// LoggingConfig holds logger settings. File enables rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Protocol    string `yaml:"protocol"`
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	// Enabled serves /metrics and turns on CPU and memory sampling.
	Enabled bool `yaml:"enabled"`
	// SystemInterval is the CPU and memory sampling period on nodes.
	SystemInterval string `yaml:"system_interval"`
}

// Config is the complete configuration.
type Config struct {
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Node        NodeConfig        `yaml:"node"`
	Storage     StorageConfig     `yaml:"storage"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Replication ReplicationConfig `yaml:"replication"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Coordinator: CoordinatorConfig{
			Listen:         ":8080",
			MetaPath:       "./data/coordinator.db",
			HealthInterval: "5s",
			SuspectAfter:   "10s",
			DeadAfter:      "30s",
			SweepInterval:  "1s",
			SearchTimeout:  "3s",
			RequestTimeout: "5s",
		},
		Node: NodeConfig{
			Listen:             ":8081",
			Addr:               "http://127.0.0.1:8081",
			RegisterRetries:    10,
			DiskCheckInterval:  "10s",
			DiskMaxUsedPercent: 95,
			CheckpointInterval: "300s",
		},
		Storage: StorageConfig{
			WALDir:           "./data/wal",
			Compression:      "none",
			SegmentSizeBytes: 64 << 20, // 64 MiB
		},
		Cluster: ClusterConfig{
			NumShards:    8,
			ReplicaCount: 3,
		},
		Replication: ReplicationConfig{
			Timeout:        "2s",
			MaxRetries:     3,
			InitialBackoff: "50ms",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			SystemInterval: "15s",
		},
	}
}

// Load reads configuration from an io.Reader over the defaults. A nil or
// empty reader yields the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// FromEnv loads the file named by CONFIG_FILE (if any), applies the
// environment overrides and validates the result.
func FromEnv() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if cfg, err = LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables. lookup is
// os.Getenv outside tests; empty values are ignored.
func (c *Config) ApplyEnv(lookup func(string) string) error {
	str := map[string]*string{
		"NODE_ID":            &c.Node.ID,
		"NODE_LISTEN":        &c.Node.Listen,
		"NODE_ADDR":          &c.Node.Addr,
		"COORDINATOR_ADDR":   &c.Node.CoordinatorAddr,
		"COORDINATOR_LISTEN": &c.Coordinator.Listen,
		"WAL_DIR":            &c.Storage.WALDir,
		"META_PATH":          &c.Coordinator.MetaPath,
		"LOG_LEVEL":          &c.Logging.Level,
	}
	for k, dst := range str {
		if v := lookup(k); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"VECTOR_DIM":    &c.Storage.VectorDim,
		"SHARD_COUNT":   &c.Cluster.NumShards,
		"REPLICA_COUNT": &c.Cluster.ReplicaCount,
	}
	for k, dst := range ints {
		v := lookup(k)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s: %w", k, err)
		}
		*dst = n
	}
	return nil
}

// Validate rejects settings no deployment can run with.
func (c *Config) Validate() error {
	if c.Cluster.NumShards <= 0 {
		return fmt.Errorf("cluster.num_shards must be positive, got %d", c.Cluster.NumShards)
	}
	if c.Cluster.ReplicaCount <= 0 {
		return fmt.Errorf("cluster.replica_count must be positive, got %d", c.Cluster.ReplicaCount)
	}
	if c.Storage.VectorDim < 0 {
		return fmt.Errorf("storage.vector_dim must not be negative, got %d", c.Storage.VectorDim)
	}
	switch c.Storage.Compression {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("storage.compression %q is not one of none, zstd", c.Storage.Compression)
	}
	switch c.Tracing.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("tracing.protocol %q is not one of grpc, http", c.Tracing.Protocol)
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	durations := map[string]string{
		"coordinator.health_interval": c.Coordinator.HealthInterval,
		"coordinator.suspect_after":   c.Coordinator.SuspectAfter,
		"coordinator.dead_after":      c.Coordinator.DeadAfter,
		"coordinator.sweep_interval":  c.Coordinator.SweepInterval,
		"coordinator.search_timeout":  c.Coordinator.SearchTimeout,
		"coordinator.request_timeout": c.Coordinator.RequestTimeout,
		"node.disk_check_interval":    c.Node.DiskCheckInterval,
		"node.checkpoint_interval":    c.Node.CheckpointInterval,
		"replication.timeout":         c.Replication.Timeout,
		"replication.initial_backoff": c.Replication.InitialBackoff,
		"metrics.system_interval":     c.Metrics.SystemInterval,
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.Coordinator.SuspectAfter != "" && c.Coordinator.DeadAfter != "" &&
		ParseDuration(c.Coordinator.SuspectAfter, 0, nil) >= ParseDuration(c.Coordinator.DeadAfter, 0, nil) {
		return fmt.Errorf("coordinator.suspect_after (%s) must be shorter than dead_after (%s)",
			c.Coordinator.SuspectAfter, c.Coordinator.DeadAfter)
	}
	return nil
}

// ParseDuration parses a duration string. Returns the default duration if
// the string is empty or invalid, logging a warning for the invalid case.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *zap.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default",
				zap.String("input", durationStr),
				zap.Duration("default", defaultDuration),
				zap.Error(err))
		}
		return defaultDuration
	}
	return d
}
