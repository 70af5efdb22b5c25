/*
Package config provides the structured configuration surface for the engine.

PURPOSE:
  Everything tunable lives here as data: namespace identifiers (never
  string-interpolated into SQL), debug record caps, entropy thresholds,
  the discovery batch size, and the retry policy. Configuration is loaded
  from a YAML file with sensible defaults; callers may override individual
  fields with flags before validation.

USAGE:
  cfg := config.Default()
  // or
  cfg, err := config.Load("engine.yaml")
  if err := cfg.Validate(); err != nil { ... }

SEE ALSO:
  - pipeline: consumes Namespaces, Batch, Entropy, Retry
  - commission/entropy.go: threshold semantics
*/
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Namespaces identify the logical table namespaces a run reads and writes.
// They are passed as data to the store layer, never interpolated.
type Namespaces struct {
	Source     string `yaml:"source"`
	Transition string `yaml:"transition"`
	Processing string `yaml:"processing"`
	Production string `yaml:"production"`
}

// DebugLimits caps input record counts per entity for diagnostic runs.
// Zero means unlimited.
type DebugLimits struct {
	Brokers     int `yaml:"brokers"`
	Groups      int `yaml:"groups"`
	Policies    int `yaml:"policies"`
	Premiums    int `yaml:"premiums"`
	Hierarchies int `yaml:"hierarchies"`
	Proposals   int `yaml:"proposals"`
}

// Entropy configures the statistical group router.
type Entropy struct {
	Enabled          bool    `yaml:"enabled"`
	UniqueRatio      float64 `yaml:"unique_ratio"`
	Shannon          float64 `yaml:"shannon"`
	DominantCoverage float64 `yaml:"dominant_coverage"`
	MinClusterSize   int     `yaml:"min_cluster_size"`
}

// Retry bounds the exponential backoff applied at I/O boundaries.
type Retry struct {
	Attempts         int `yaml:"attempts"`
	InitialBackoffMS int `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int `yaml:"max_backoff_ms"`
}

// Config is the full configuration surface.
type Config struct {
	Namespaces  Namespaces  `yaml:"namespaces"`
	DebugLimits DebugLimits `yaml:"debug_limits"`
	Entropy     Entropy     `yaml:"entropy"`
	Retry       Retry       `yaml:"retry"`

	// BatchSize bounds the discovery pass so the certificate population is
	// never held many-times-duplicated in memory.
	BatchSize int `yaml:"batch_size"`

	// Parallelism bounds the canonicalization worker pool.
	Parallelism int `yaml:"parallelism"`

	// NearlyConformantThreshold is the NearlyConformant percentage floor,
	// evaluated per group.
	NearlyConformantThreshold float64 `yaml:"nearly_conformant_threshold"`
}

// Default returns the configuration the source system was observed running
// with. Entropy thresholds are empirically tuned constants, carried as
// configuration rather than law.
func Default() Config {
	return Config{
		Namespaces: Namespaces{
			Source:     "source",
			Transition: "transition",
			Processing: "processing",
			Production: "production",
		},
		Entropy: Entropy{
			Enabled:          false,
			UniqueRatio:      0.2,
			Shannon:          5.0,
			DominantCoverage: 0.8,
			MinClusterSize:   3,
		},
		Retry: Retry{
			Attempts:         5,
			InitialBackoffMS: 100,
			MaxBackoffMS:     5000,
		},
		BatchSize:                 5000,
		Parallelism:               4,
		NearlyConformantThreshold: 95,
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("retry.attempts must be positive, got %d", c.Retry.Attempts)
	}
	if c.NearlyConformantThreshold < 0 || c.NearlyConformantThreshold > 100 {
		return fmt.Errorf("nearly_conformant_threshold must be in [0,100], got %v", c.NearlyConformantThreshold)
	}
	if c.Entropy.Enabled {
		if c.Entropy.UniqueRatio <= 0 || c.Entropy.UniqueRatio > 1 {
			return fmt.Errorf("entropy.unique_ratio must be in (0,1], got %v", c.Entropy.UniqueRatio)
		}
		if c.Entropy.MinClusterSize < 1 {
			return fmt.Errorf("entropy.min_cluster_size must be at least 1, got %d", c.Entropy.MinClusterSize)
		}
	}
	return nil
}
