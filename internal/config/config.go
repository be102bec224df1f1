package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/quarrel-woq/internal/comm"
	"github.com/23skdu/quarrel-woq/internal/gemm"
)

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Addr serves /metrics and the health endpoints; empty disables them.
	Addr string `yaml:"addr"`
}

type ProfilerConfig struct {
	Warmup      int `yaml:"warmup"`
	Runs        int `yaml:"runs"`
	MaxProfileM int `yaml:"max_profile_m"`
}

type DeviceConfig struct {
	ComputeCapability int `yaml:"compute_capability"`
	Threads           int `yaml:"threads"`
}

// ShapeConfig is one weight-only GEMM of the model. N is the logical output
// width, before packing.
type ShapeConfig struct {
	Name        string `yaml:"name"`
	Precision   string `yaml:"precision"`
	ElementType string `yaml:"element_type"`
	MinM        int    `yaml:"min_m"`
	MaxM        int    `yaml:"max_m"`
	N           int    `yaml:"n"`
	K           int    `yaml:"k"`
}

// CommConfig connects the ranks of a multi-rank build. When ListenAddr is
// set, tensor parallel rank 0 of each stage profiles and the other ranks of
// the stage receive its artifacts instead of profiling themselves.
type CommConfig struct {
	ListenAddr string         `yaml:"listen_addr"`
	Peers      map[int]string `yaml:"peers"`
}

type ArtifactConfig struct {
	Dir    string `yaml:"dir"`
	Report string `yaml:"report"`
}

type Config struct {
	Logging  LoggingConfig    `yaml:"logging"`
	Metrics  MetricsConfig    `yaml:"metrics"`
	Profiler ProfilerConfig   `yaml:"profiler"`
	Device   DeviceConfig     `yaml:"device"`
	World    comm.WorldConfig `yaml:"world"`
	Comm     CommConfig       `yaml:"comm"`
	Shapes   []ShapeConfig    `yaml:"shapes"`
	Artifact ArtifactConfig   `yaml:"artifact"`
}

func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Profiler: ProfilerConfig{
			Warmup:      5,
			Runs:        10,
			MaxProfileM: gemm.MaxProfileM,
		},
		Device: DeviceConfig{ComputeCapability: 80},
		World:  comm.NewWorldConfig(1, 1, 0),
		Artifact: ArtifactConfig{
			Dir: "artifacts",
		},
	}
}

// Load reads a YAML file over Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid logging format: %q (must be console or json)", c.Logging.Format)
	}
	if c.Profiler.Warmup < 0 {
		return fmt.Errorf("invalid warmup: %d (must be non-negative)", c.Profiler.Warmup)
	}
	if c.Profiler.Runs <= 0 {
		return fmt.Errorf("invalid runs: %d (must be positive)", c.Profiler.Runs)
	}
	if c.Profiler.MaxProfileM <= 0 || c.Profiler.MaxProfileM > gemm.MaxProfileM {
		return fmt.Errorf("invalid max_profile_m: %d (must be in [1, %d])", c.Profiler.MaxProfileM, gemm.MaxProfileM)
	}
	if c.Device.ComputeCapability < 0 {
		return fmt.Errorf("invalid compute_capability: %d (must be non-negative)", c.Device.ComputeCapability)
	}
	if c.Device.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", c.Device.Threads)
	}
	if err := c.World.Validate(c.World.Size()); err != nil {
		return fmt.Errorf("invalid world: %w", err)
	}
	if c.Comm.ListenAddr != "" {
		for _, peer := range c.World.TensorParallelGroup() {
			if peer == c.World.Rank {
				continue
			}
			if c.Comm.Peers[peer] == "" {
				return fmt.Errorf("invalid comm: no address for tensor parallel peer rank %d", peer)
			}
		}
	}
	if len(c.Shapes) == 0 {
		return fmt.Errorf("no shapes configured")
	}
	seen := make(map[string]bool, len(c.Shapes))
	for i, s := range c.Shapes {
		if s.Name == "" {
			return fmt.Errorf("shape %d: missing name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("shape %q: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if _, err := s.Resolve(); err != nil {
			return fmt.Errorf("shape %q: %w", s.Name, err)
		}
	}
	return nil
}

// ResolvedShape is a ShapeConfig in gemm terms.
type ResolvedShape struct {
	Name        string
	Precision   gemm.WeightPrecision
	ElementType gemm.ElementType
	Bounds      gemm.ShapeBounds
}

// Resolve parses the enums and packs N.
func (s ShapeConfig) Resolve() (ResolvedShape, error) {
	precision, err := gemm.ParseWeightPrecision(s.Precision)
	if err != nil {
		return ResolvedShape{}, err
	}
	elem, err := gemm.ParseElementType(s.ElementType)
	if err != nil {
		return ResolvedShape{}, err
	}
	packedN, err := precision.PackedColumns(s.N)
	if err != nil {
		return ResolvedShape{}, err
	}
	bounds := gemm.ShapeBounds{MinM: s.MinM, MaxM: s.MaxM, N: packedN, K: s.K}
	if err := bounds.Validate(); err != nil {
		return ResolvedShape{}, err
	}
	id := gemm.GemmIdentity{N: packedN, K: s.K, ElementType: elem}
	if err := gemm.NewTacticCatalog(nil, precision).Supports(id); err != nil {
		return ResolvedShape{}, err
	}
	return ResolvedShape{Name: s.Name, Precision: precision, ElementType: elem, Bounds: bounds}, nil
}

func (p ProfilerConfig) Gemm() gemm.ProfilerConfig {
	return gemm.ProfilerConfig{Warmup: p.Warmup, Runs: p.Runs, MaxProfileM: p.MaxProfileM}
}
