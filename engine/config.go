package engine

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/blockberries/graphberry/graph"
	"github.com/blockberries/graphberry/snapshot"
)

// Config holds configuration for the persistence engine
type Config struct {
	WAL      WALConfig      `yaml:"wal"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Graph    GraphConfig    `yaml:"graph"`
	Log      LogConfig      `yaml:"log"`
	Inspect  InspectConfig  `yaml:"inspect"`
}

// WALConfig configures the record log
type WALConfig struct {
	// Dir holds the wal-NNNNN segment files
	Dir string `yaml:"dir" validate:"required"`

	// MaxSegmentBytes rotates segments by size. Zero uses the WAL default.
	MaxSegmentBytes int64 `yaml:"max_segment_bytes" validate:"gte=0"`
}

// SnapshotConfig configures snapshots and log compaction
type SnapshotConfig struct {
	Dir string `yaml:"dir" validate:"required"`

	// Store is one of file, badger, sqlite
	Store string `yaml:"store" validate:"oneof=file badger sqlite"`

	// Retain is the number of snapshots kept
	Retain int `yaml:"retain" validate:"gte=1,lte=1000"`

	// Interval between background snapshots. Zero disables them.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`

	// EveryRecords triggers a background snapshot after this many appended
	// records. Zero disables it.
	EveryRecords uint64 `yaml:"every_records"`
}

// GraphConfig configures the live object graph
type GraphConfig struct {
	// KindSlot names the top-level slot holding an object's kind
	KindSlot string `yaml:"kind_slot" validate:"required,excludes=."`

	// StrictKinds rejects new objects of unregistered kinds
	StrictKinds bool `yaml:"strict_kinds"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// InspectConfig configures the inspection HTTP server
type InspectConfig struct {
	// Addr to listen on. Empty disables the server.
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		WAL: WALConfig{
			Dir: "data/wal",
		},
		Snapshot: SnapshotConfig{
			Dir:          "data/snapshots",
			Store:        snapshot.StoreFile,
			Retain:       2,
			Interval:     5 * time.Minute,
			EveryRecords: 100_000,
		},
		Graph: GraphConfig{
			KindSlot: graph.DefaultKindSlot,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

var configValidate = validator.New()

// ValidateBasic performs basic validation of the config
func (cfg *Config) ValidateBasic() error {
	if err := configValidate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidConfig, verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// LoadConfig reads a YAML config file over the defaults, applies
// GRAPHBERRY_* environment overrides and validates the result.
// A missing file leaves the defaults in place.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := loadConfigFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadConfigFromEnv(cfg *Config) error {
	if v := os.Getenv("GRAPHBERRY_WAL_DIR"); v != "" {
		cfg.WAL.Dir = v
	}
	if v := os.Getenv("GRAPHBERRY_SNAPSHOT_DIR"); v != "" {
		cfg.Snapshot.Dir = v
	}
	if v := os.Getenv("GRAPHBERRY_SNAPSHOT_STORE"); v != "" {
		cfg.Snapshot.Store = v
	}
	if v := os.Getenv("GRAPHBERRY_SNAPSHOT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: GRAPHBERRY_SNAPSHOT_INTERVAL: %v", ErrInvalidConfig, err)
		}
		cfg.Snapshot.Interval = d
	}
	if v := os.Getenv("GRAPHBERRY_SNAPSHOT_EVERY_RECORDS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: GRAPHBERRY_SNAPSHOT_EVERY_RECORDS: %v", ErrInvalidConfig, err)
		}
		cfg.Snapshot.EveryRecords = n
	}
	if v := os.Getenv("GRAPHBERRY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GRAPHBERRY_INSPECT_ADDR"); v != "" {
		cfg.Inspect.Addr = v
	}
	return nil
}

// Marshal renders the config as YAML
func (cfg *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(cfg)
}
