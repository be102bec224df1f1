package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/quarrel-woq/internal/comm"
	"github.com/23skdu/quarrel-woq/internal/gemm"
)

func validConfig() Config {
	cfg := Default()
	cfg.Shapes = []ShapeConfig{
		{Name: "attn.qkv", Precision: "int8", ElementType: "fp16", MinM: 1, MaxM: 64, N: 512, K: 512},
	}
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Logging.Level != "info" {
		t.Errorf("expected level info, got %q", cfg.Logging.Level)
	}
	if cfg.Profiler.Warmup != 5 || cfg.Profiler.Runs != 10 {
		t.Errorf("expected 5 warmup / 10 runs, got %d / %d", cfg.Profiler.Warmup, cfg.Profiler.Runs)
	}
	if cfg.Profiler.MaxProfileM != gemm.MaxProfileM {
		t.Errorf("expected max_profile_m %d, got %d", gemm.MaxProfileM, cfg.Profiler.MaxProfileM)
	}
	if cfg.World.Size() != 1 {
		t.Errorf("expected single rank world, got %d", cfg.World.Size())
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("expected metrics disabled, got %q", cfg.Metrics.Addr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging format"},
		{name: "negative warmup", mutate: func(c *Config) { c.Profiler.Warmup = -1 }, wantErr: "warmup"},
		{name: "zero runs", mutate: func(c *Config) { c.Profiler.Runs = 0 }, wantErr: "runs"},
		{name: "profile m too large", mutate: func(c *Config) { c.Profiler.MaxProfileM = 16384 }, wantErr: "max_profile_m"},
		{name: "bad world", mutate: func(c *Config) { c.World.Rank = 3 }, wantErr: "world"},
		{name: "comm missing peer", mutate: func(c *Config) {
			c.World = comm.NewWorldConfig(2, 1, 0)
			c.Comm.ListenAddr = "127.0.0.1:0"
		}, wantErr: "peer rank 1"},
		{name: "comm with peers", mutate: func(c *Config) {
			c.World = comm.NewWorldConfig(2, 1, 1)
			c.Comm = CommConfig{ListenAddr: "127.0.0.1:0", Peers: map[int]string{0: "10.0.0.1:7000"}}
		}},
		{name: "no shapes", mutate: func(c *Config) { c.Shapes = nil }, wantErr: "no shapes"},
		{name: "unnamed shape", mutate: func(c *Config) { c.Shapes[0].Name = "" }, wantErr: "missing name"},
		{name: "duplicate shape", mutate: func(c *Config) { c.Shapes = append(c.Shapes, c.Shapes[0]) }, wantErr: "duplicate"},
		{name: "bad precision", mutate: func(c *Config) { c.Shapes[0].Precision = "int2" }, wantErr: "precision"},
		{name: "bad element type", mutate: func(c *Config) { c.Shapes[0].ElementType = "fp8" }, wantErr: "element type"},
		{name: "n not packable", mutate: func(c *Config) { c.Shapes[0].N = 510 }, wantErr: "packing factor"},
		{name: "k not packable", mutate: func(c *Config) { c.Shapes[0].K = 510 }, wantErr: "packing factor"},
		{name: "fp32 has no kernel", mutate: func(c *Config) { c.Shapes[0].ElementType = "fp32" }, wantErr: "no weight-only kernel"},
		{name: "max below min", mutate: func(c *Config) { c.Shapes[0].MaxM = 0 }, wantErr: "max m"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	s := ShapeConfig{Name: "mlp.down", Precision: "int4", ElementType: "bf16", MinM: 1, MaxM: 256, N: 4096, K: 11008}
	r, err := s.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Precision != gemm.Int4WeightOnly || r.ElementType != gemm.BFloat16 {
		t.Errorf("unexpected enums %s %s", r.Precision, r.ElementType)
	}
	want := gemm.ShapeBounds{MinM: 1, MaxM: 256, N: 512, K: 11008}
	if r.Bounds != want {
		t.Errorf("expected %v, got %v", want, r.Bounds)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "woq.yaml")
	yml := `
logging:
  level: debug
  format: json
profiler:
  runs: 3
device:
  compute_capability: 86
world:
  tensor_parallelism: 2
  pipeline_parallelism: 1
  rank: 1
comm:
  listen_addr: 127.0.0.1:7001
  peers:
    0: 127.0.0.1:7000
shapes:
  - name: attn.qkv
    precision: int8
    element_type: fp16
    min_m: 1
    max_m: 32
    n: 1024
    k: 256
artifact:
  dir: out
  report: out/report.arrow
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging %+v", cfg.Logging)
	}
	if cfg.Profiler.Runs != 3 || cfg.Profiler.Warmup != 5 {
		t.Errorf("expected runs overridden and warmup defaulted, got %+v", cfg.Profiler)
	}
	if cfg.World.TensorParallelism != 2 || cfg.World.Rank != 1 || cfg.World.GpusPerNode != 8 {
		t.Errorf("unexpected world %+v", cfg.World)
	}
	if cfg.Comm.ListenAddr != "127.0.0.1:7001" || cfg.Comm.Peers[0] != "127.0.0.1:7000" {
		t.Errorf("unexpected comm %+v", cfg.Comm)
	}
	if len(cfg.Shapes) != 1 || cfg.Shapes[0].N != 1024 {
		t.Errorf("unexpected shapes %+v", cfg.Shapes)
	}
	if cfg.Artifact.Report != "out/report.arrow" {
		t.Errorf("unexpected artifact %+v", cfg.Artifact)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("shapes: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
