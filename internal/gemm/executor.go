package gemm

import (
	"context"
	"slices"
	"time"

	"github.com/pkg/errors"

	"github.com/23skdu/quarrel-woq/internal/logger"
	"github.com/23skdu/quarrel-woq/internal/metrics"
)

// SmallBatchThreshold is the row count below which the fast path is used when
// available.
const SmallBatchThreshold = 4

// Path is the kernel an Execute call was routed to.
type Path int

const (
	PathGemm Path = iota
	PathFastPath
)

func (p Path) String() string {
	if p == PathFastPath {
		return "fast_path"
	}
	return "gemm"
}

// Dispatch describes how one Execute call was served. Tactic and MBucket are
// the cache resolution for M, also when the fast path ignored them.
type Dispatch struct {
	Path    Path
	MBucket int
	Tactic  Tactic
}

// ExecuteArgs are the operands of one Execute call. N is the packed column
// count; Output must hold M x N*PackingFactor elements.
type ExecuteArgs struct {
	Activation []uint16
	Weight     PackedWeightView
	Scales     []uint16
	Output     []uint16
	M, N, K    int
	Workspace  []byte
}

// QuantizedMatmulExecutor dispatches weight-only GEMMs to the cached tactic or
// the small-batch fast path. The tactic cache is injected and not owned: it
// outlives or is shared beyond the executor.
//
// Execute is meant to be driven by one stream of requests; the caller owns the
// workspace and must not share it between concurrent calls.
type QuantizedMatmulExecutor struct {
	kernel     GemmKernel
	fast       FastPathKernel
	capability DeviceCapability
	precision  WeightPrecision
	elem       ElementType
	cache      *TacticCache
	profiler   *TacticProfiler

	bounds        ShapeBounds
	identity      GemmIdentity
	fastEnabled   bool
	workspaceSize int

	log *logger.Logger
}

// NewQuantizedMatmulExecutor builds an unconfigured executor. profiler may be
// nil when cache is frozen. fast may be nil when no fast path exists.
func NewQuantizedMatmulExecutor(kernel GemmKernel, fast FastPathKernel, capability DeviceCapability,
	precision WeightPrecision, elem ElementType, cache *TacticCache, profiler *TacticProfiler) (*QuantizedMatmulExecutor, error) {
	if kernel == nil {
		return nil, errors.New("executor needs a gemm kernel")
	}
	if cache == nil {
		return nil, errors.New("executor needs a tactic cache")
	}
	if !precision.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedShape, "unknown weight precision %d", int32(precision))
	}
	if !elem.Valid() {
		return nil, errors.Wrapf(ErrUnsupportedShape, "unknown element type %d", int32(elem))
	}
	e := &QuantizedMatmulExecutor{
		kernel:     kernel,
		fast:       fast,
		capability: capability,
		precision:  precision,
		elem:       elem,
		cache:      cache,
		profiler:   profiler,
		log:        logger.Log.With("executor").WithField("precision", precision.String()),
	}
	e.fastEnabled = fast != nil && fast.Enabled(precision, elem, capability)
	return e, nil
}

// Configure fixes the shape bounds and, for a mutable cache, profiles the
// buckets of the M sweep the cache does not hold yet for this identity and
// records the winners. Only the first successful call has any effect; later
// calls are no-ops whatever their bounds.
func (e *QuantizedMatmulExecutor) Configure(ctx context.Context, bounds ShapeBounds) error {
	if e.bounds.IsInitialized() {
		e.log.Debug("already configured", "bounds", e.bounds.String(), "ignored", bounds.String())
		return nil
	}
	if err := bounds.Validate(); err != nil {
		return err
	}
	id := GemmIdentity{N: bounds.N, K: bounds.K, ElementType: e.elem}
	if err := NewTacticCatalog(e.kernel, e.precision).Supports(id); err != nil {
		return err
	}

	if e.cache.Mode() == Mutable {
		if err := e.profileMissing(ctx, id, bounds); err != nil {
			return err
		}
	}

	e.applyBounds(bounds)
	e.log.Info("configured", "identity", id.String(), "bounds", bounds.String(),
		"fast_path", e.fastEnabled, "workspace_bytes", e.workspaceSize)
	return nil
}

// profileMissing profiles only the sweep buckets absent from the cache, so an
// executor with wider bounds extends what a narrower one already recorded.
func (e *QuantizedMatmulExecutor) profileMissing(ctx context.Context, id GemmIdentity, bounds ShapeBounds) error {
	have := e.cache.Buckets(id)
	if e.profiler == nil {
		if len(have) == 0 {
			return errors.Errorf("mutable cache without profiler for %s", id)
		}
		return nil
	}
	sweep := e.profiler.MSweep(bounds)
	var missing []int
	for _, m := range sweep {
		if _, found := slices.BinarySearch(have, m); !found {
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		e.log.Debug("tactics cached", "identity", id.String(), "buckets", have)
		return nil
	}
	results, err := e.profiler.ProfileBuckets(ctx, e.kernel, id, missing)
	if err != nil {
		return err
	}
	for _, r := range results {
		if err := e.cache.Record(r.Identity, r.MBucket, r.Tactic); err != nil {
			return err
		}
	}
	return nil
}

func (e *QuantizedMatmulExecutor) applyBounds(bounds ShapeBounds) {
	e.bounds = bounds
	e.identity = GemmIdentity{N: bounds.N, K: bounds.K, ElementType: e.elem}
	e.workspaceSize = e.kernel.WorkspaceSize(bounds.MaxM, e.precision.UnpackedColumns(bounds.N), bounds.K)
}

// Execute runs one GEMM of m rows. N and K must equal the configured shape.
func (e *QuantizedMatmulExecutor) Execute(args ExecuteArgs, stream Stream) (Dispatch, error) {
	if err := e.validate(args); err != nil {
		metrics.RecordValidationError("execute", ErrorKind(err))
		return Dispatch{}, err
	}

	bucket, tactic, err := e.cache.Resolve(e.identity, args.M)
	if err != nil {
		metrics.RecordValidationError("execute", ErrorKind(err))
		return Dispatch{}, err
	}
	d := Dispatch{Path: PathGemm, MBucket: bucket, Tactic: tactic}
	fullN := e.precision.UnpackedColumns(args.N)

	start := time.Now()
	switch {
	case args.M < SmallBatchThreshold && e.fastEnabled:
		d.Path = PathFastPath
		err = e.fast.Launch(FastPathParams{
			Weight:     args.Weight,
			Scales:     args.Scales,
			Activation: args.Activation,
			Output:     args.Output,
			M:          args.M,
			N:          fullN,
			K:          args.K,
			Elem:       e.elem,
		}, stream)
	default:
		ws := e.kernel.WorkspaceSize(args.M, fullN, args.K)
		if len(args.Workspace) < ws {
			return Dispatch{}, errors.Wrapf(ErrShapeMismatch, "workspace holds %d bytes, kernel needs %d at m=%d", len(args.Workspace), ws, args.M)
		}
		err = e.kernel.Gemm(GemmArgs{
			Activation: args.Activation,
			Weight:     args.Weight,
			Scales:     args.Scales,
			Output:     args.Output,
			M:          args.M,
			N:          fullN,
			K:          args.K,
			Elem:       e.elem,
			Workspace:  args.Workspace[:ws],
		}, tactic, stream)
	}
	if err != nil {
		return Dispatch{}, errors.Wrapf(err, "%s m=%d for %s", d.Path, args.M, e.identity)
	}
	metrics.RecordDispatch(d.Path.String(), e.precision.String())
	metrics.RecordKernelDuration("woq_"+d.Path.String(), time.Since(start))
	return d, nil
}

func (e *QuantizedMatmulExecutor) validate(args ExecuteArgs) error {
	if !e.bounds.IsInitialized() {
		return errors.Wrap(ErrShapeMismatch, "executor is not configured")
	}
	if args.N != e.bounds.N || args.K != e.bounds.K {
		return errors.Wrapf(ErrShapeMismatch, "got n=%d k=%d, configured n=%d k=%d", args.N, args.K, e.bounds.N, e.bounds.K)
	}
	if args.M <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "m=%d must be positive", args.M)
	}
	if args.M > e.bounds.MaxM {
		return errors.Wrapf(ErrShapeMismatch, "m=%d exceeds configured max m %d", args.M, e.bounds.MaxM)
	}
	w := args.Weight
	if w.Precision() != e.precision || w.K() != args.K || w.PackedN() != args.N {
		return errors.Wrapf(ErrShapeMismatch, "weight is %s [%d, %d], want %s [%d, %d]",
			w.Precision(), w.K(), w.PackedN(), e.precision, args.K, args.N)
	}
	fullN := e.precision.UnpackedColumns(args.N)
	if len(args.Activation) < args.M*args.K {
		return errors.Wrapf(ErrShapeMismatch, "activation holds %d elements, want %d", len(args.Activation), args.M*args.K)
	}
	if len(args.Scales) < fullN {
		return errors.Wrapf(ErrShapeMismatch, "scales hold %d elements, want %d", len(args.Scales), fullN)
	}
	if len(args.Output) < args.M*fullN {
		return errors.Wrapf(ErrShapeMismatch, "output holds %d elements, want %d", len(args.Output), args.M*fullN)
	}
	return nil
}

// OutputDims infers the output shape of an activation [m1, ..., k] times a
// packed weight [k, packedN].
func (e *QuantizedMatmulExecutor) OutputDims(inputDims, weightDims []int) ([]int, error) {
	return InferOutputDims(e.precision, inputDims, weightDims)
}

// InferOutputDims keeps every leading activation dim and replaces k with the
// unpacked width packedN*PackingFactor.
func InferOutputDims(precision WeightPrecision, inputDims, weightDims []int) ([]int, error) {
	if len(inputDims) < 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "activation needs at least 2 dims, got %v", inputDims)
	}
	if len(weightDims) != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "weight needs 2 dims, got %v", weightDims)
	}
	if k := inputDims[len(inputDims)-1]; k != weightDims[0] {
		return nil, errors.Wrapf(ErrShapeMismatch, "activation k=%d does not match weight k=%d", k, weightDims[0])
	}
	out := make([]int, len(inputDims))
	copy(out, inputDims[:len(inputDims)-1])
	out[len(out)-1] = precision.UnpackedColumns(weightDims[1])
	return out, nil
}

// FlattenRows is M for an activation [m1, ..., k]: the product of every dim
// but the last.
func FlattenRows(inputDims []int) int {
	m := 1
	for _, d := range inputDims[:len(inputDims)-1] {
		m *= d
	}
	return m
}

// WorkspaceSize is the advisory workspace for MaxM rows. The executor never
// allocates it.
func (e *QuantizedMatmulExecutor) WorkspaceSize() int { return e.workspaceSize }

func (e *QuantizedMatmulExecutor) Bounds() ShapeBounds        { return e.bounds }
func (e *QuantizedMatmulExecutor) Identity() GemmIdentity     { return e.identity }
func (e *QuantizedMatmulExecutor) Precision() WeightPrecision { return e.precision }
func (e *QuantizedMatmulExecutor) ElementType() ElementType   { return e.elem }
func (e *QuantizedMatmulExecutor) Cache() *TacticCache        { return e.cache }
func (e *QuantizedMatmulExecutor) FastPathEnabled() bool      { return e.fastEnabled }

// State is the serializable configuration: static fields plus the cache
// entries of this executor's identity.
func (e *QuantizedMatmulExecutor) State() ExecutorState {
	return ExecutorState{
		ElementType: e.elem,
		Precision:   e.precision,
		Bounds:      e.bounds,
		Entries:     e.cache.EntriesFor(e.identity),
	}
}

// Serialize encodes State into the artifact layout.
func (e *QuantizedMatmulExecutor) Serialize() ([]byte, error) {
	if !e.bounds.IsInitialized() {
		return nil, errors.New("cannot serialize an unconfigured executor")
	}
	return Encode(e.State())
}
