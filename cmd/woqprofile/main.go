// Command woqprofile builds tactic artifacts for the weight-only GEMMs of a
// model: it profiles every configured shape in one session, writes one
// artifact per shape plus an Arrow report of every benchmark, and can reload
// the artifacts to check they execute. In a tensor parallel world with comm
// configured, rank 0 of each stage profiles and sends its artifacts to the
// other ranks of the stage.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/quarrel-woq/internal/comm"
	"github.com/23skdu/quarrel-woq/internal/config"
	"github.com/23skdu/quarrel-woq/internal/device"
	"github.com/23skdu/quarrel-woq/internal/gemm"
	"github.com/23skdu/quarrel-woq/internal/logger"
	"github.com/23skdu/quarrel-woq/internal/monitoring"
	"github.com/23skdu/quarrel-woq/internal/report"
)

type options struct {
	configPath  string
	outDir      string
	reportPath  string
	metricsAddr string
	verify      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to YAML config")
	flag.StringVar(&opts.outDir, "out", "", "Artifact directory (overrides artifact.dir)")
	flag.StringVar(&opts.reportPath, "report", "", "Arrow report file (overrides artifact.report)")
	flag.StringVar(&opts.metricsAddr, "metrics", "", "Address to serve health and metrics (overrides metrics.addr)")
	flag.BoolVar(&opts.verify, "verify", false, "Reload every artifact and run a smoke GEMM")
	flag.Parse()

	if opts.configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config flag is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		logger.Log.Error("woqprofile failed", err)
		os.Exit(1)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.outDir != "" {
		cfg.Artifact.Dir = opts.outDir
	}
	if opts.reportPath != "" {
		cfg.Artifact.Report = opts.reportPath
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	log := logger.Log.With("woqprofile")
	log.Info("starting", "world", cfg.World.String(), "device", cfg.World.Device(), "shapes", len(cfg.Shapes))

	b := newBuilder(cfg)
	defer b.session.Close()

	if cfg.Comm.ListenAddr != "" && cfg.World.IsTensorParallel() {
		transport, err := comm.NewFlightTransport(cfg.World.Rank, cfg.Comm.ListenAddr)
		if err != nil {
			return errors.Wrap(err, "start transport")
		}
		defer func() { _ = transport.Close() }()
		for rank, addr := range cfg.Comm.Peers {
			transport.SetPeer(rank, addr)
		}
		if b.tp, err = comm.NewTensorParallelComm(cfg.World, transport); err != nil {
			return err
		}
		log.Info("sharing artifacts", "listen", transport.Addr(), "root", b.tp.IsRoot())
	}

	if cfg.Metrics.Addr == "" {
		return b.build(ctx, opts.verify)
	}

	monitor := monitoring.NewHealthMonitor()
	monitor.SetSession(b.session)
	b.monitor = monitor

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := monitor.Start(cfg.Metrics.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "health monitor")
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = monitor.Stop(shutdownCtx)
		}()
		return b.build(gctx, opts.verify)
	})
	return g.Wait()
}

// builder profiles, persists and verifies the configured shapes. With tp
// set, only the tensor parallel root profiles and the rest of its stage
// receive the artifacts.
type builder struct {
	cfg       *config.Config
	dev       *device.Context
	kernel    *device.CPUGemm
	fast      *device.BatchedGemv
	session   *gemm.ProfilerSession
	collector *report.Collector
	monitor   *monitoring.HealthMonitor
	tp        *comm.TensorParallelComm
	log       *logger.Logger

	profiled []profiledShape
}

type profiledShape struct {
	name string
	exec *gemm.QuantizedMatmulExecutor
}

func newBuilder(cfg *config.Config) *builder {
	dev := device.NewContext(cfg.Device.ComputeCapability)
	if cfg.Device.Threads > 0 {
		dev.SetNumThreads(cfg.Device.Threads)
	}
	collector := report.NewCollector()
	pcfg := cfg.Profiler.Gemm()
	pcfg.Observer = collector.Observe

	return &builder{
		cfg:    cfg,
		dev:    dev,
		kernel: device.NewCPUGemm(dev),
		fast:   device.NewBatchedGemv(dev),
		session: gemm.NewProfilerSession(gemm.SessionConfig{
			Profiler:   pcfg,
			Capability: dev.Capability(),
			NewStream:  func() gemm.Stream { return device.NewHostStream() },
		}),
		collector: collector,
		log:       logger.Log.With("builder"),
	}
}

func (b *builder) build(ctx context.Context, verify bool) error {
	if err := os.MkdirAll(b.cfg.Artifact.Dir, 0o755); err != nil {
		return errors.Wrap(err, "create artifact dir")
	}

	shapes := make([]config.ResolvedShape, 0, len(b.cfg.Shapes))
	for _, s := range b.cfg.Shapes {
		r, err := s.Resolve()
		if err != nil {
			return errors.Wrapf(err, "shape %s", s.Name)
		}
		shapes = append(shapes, r)
	}

	for _, s := range shapes {
		if err := b.profileShape(ctx, s); err != nil {
			if b.monitor != nil {
				b.monitor.RecordProfileFailure(s.Name, err)
			}
			return errors.Wrapf(err, "shape %s", s.Name)
		}
	}

	for _, p := range b.profiled {
		b.collector.MarkCache(p.name, p.exec.Precision(), p.exec.Cache())
	}
	if b.cfg.Artifact.Report != "" {
		if err := b.writeReport(); err != nil {
			return err
		}
	}

	if verify {
		for _, s := range shapes {
			if err := b.verifyShape(s); err != nil {
				if b.monitor != nil {
					b.monitor.RecordValidationFailure(s.Name, err)
				}
				return errors.Wrapf(err, "verify %s", s.Name)
			}
		}
	}
	b.log.Info("build complete", "session", b.session.ID().String(), "shapes", len(shapes))
	return nil
}

func (b *builder) artifactPath(name string) string {
	file := name + ".woq"
	if b.cfg.World.Size() > 1 {
		file = fmt.Sprintf("%s.rank%d.woq", name, b.cfg.World.Rank)
	}
	return filepath.Join(b.cfg.Artifact.Dir, file)
}

func (b *builder) profileShape(ctx context.Context, s config.ResolvedShape) error {
	start := time.Now()
	var data []byte
	if b.tp == nil || b.tp.IsRoot() {
		b.collector.SetShape(s.Name)
		exec, err := b.session.NewExecutor(b.kernel, b.fast, s.Precision, s.ElementType)
		if err != nil {
			return err
		}
		if err := exec.Configure(ctx, s.Bounds); err != nil {
			return err
		}
		b.profiled = append(b.profiled, profiledShape{name: s.Name, exec: exec})
		if data, err = exec.Serialize(); err != nil {
			return err
		}
	}
	if b.tp != nil {
		shared, err := b.tp.Broadcast(ctx, data)
		if err != nil {
			return errors.Wrap(err, "share artifact")
		}
		data = shared
	}

	path := b.artifactPath(s.Name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "write artifact")
	}
	b.log.Info("artifact written", "shape", s.Name, "path", path,
		"size", humanize.Bytes(uint64(len(data))), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

func (b *builder) writeReport() error {
	path := b.cfg.Artifact.Report
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "create report dir")
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create report")
	}
	rows := b.collector.Rows()
	if err := report.Write(f, rows); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close report")
	}
	b.log.Info("report written", "path", path, "rows", len(rows), "selected", len(report.Selected(rows)))
	return nil
}

// verifyShape reloads the artifact and runs one fast-path sized and one
// GEMM sized request through it.
func (b *builder) verifyShape(s config.ResolvedShape) error {
	data, err := os.ReadFile(b.artifactPath(s.Name))
	if err != nil {
		return errors.Wrap(err, "read artifact")
	}
	exec, err := gemm.LoadExecutor(data, b.kernel, b.fast, b.dev.Capability())
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewSource(int64(len(s.Name))))
	ms := []int{s.Bounds.MinM}
	if m := min(max(s.Bounds.MinM, gemm.SmallBatchThreshold), s.Bounds.MaxM); m != s.Bounds.MinM {
		ms = append(ms, m)
	}
	for _, m := range ms {
		d, st, err := smokeExecute(exec, s.Name, m, rng)
		if err != nil {
			return err
		}
		b.log.Info("verified", "shape", s.Name, "m", m, "path", d.Path.String(), "bucket", d.MBucket,
			"tactic", b.kernel.DescribeTactic(d.Tactic), "out_rms", st.RMS, "out_max", st.Max)
	}
	return nil
}

func smokeExecute(exec *gemm.QuantizedMatmulExecutor, name string, m int, rng *rand.Rand) (gemm.Dispatch, device.OutputStats, error) {
	bounds := exec.Bounds()
	precision := exec.Precision()
	elem := exec.ElementType()
	n := precision.UnpackedColumns(bounds.N)
	k := bounds.K

	lim := 127
	if precision == gemm.Int4WeightOnly {
		lim = 7
	}
	weights := make([]int8, k*n)
	for i := range weights {
		weights[i] = int8(rng.Intn(2*lim+1) - lim)
	}
	packed, err := gemm.PackWeights(precision, k, n, weights)
	if err != nil {
		return gemm.Dispatch{}, device.OutputStats{}, err
	}
	act := make([]float32, m*k)
	for i := range act {
		act[i] = rng.Float32()*2 - 1
	}
	scales := make([]float32, n)
	for i := range scales {
		scales[i] = 0.001 + rng.Float32()*0.001
	}
	out := make([]uint16, m*n)

	ws, release := device.AllocWorkspace(exec.WorkspaceSize())
	defer release()
	stream := device.NewHostStream()
	d, err := exec.Execute(gemm.ExecuteArgs{
		Activation: device.Encode(elem, act),
		Weight:     packed,
		Scales:     device.Encode(elem, scales),
		Output:     out,
		M:          m,
		N:          bounds.N,
		K:          k,
		Workspace:  ws,
	}, stream)
	if err != nil {
		return gemm.Dispatch{}, device.OutputStats{}, err
	}
	if err := stream.Synchronize(); err != nil {
		return gemm.Dispatch{}, device.OutputStats{}, err
	}
	if err := device.ValidateOutput(name, elem, out); err != nil {
		return gemm.Dispatch{}, device.OutputStats{}, err
	}
	return d, device.GetStats(elem, out, 0), nil
}
