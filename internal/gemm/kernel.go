package gemm

// Stream orders kernel work. Kernels are issued onto it and Synchronize blocks
// until everything issued so far has completed.
type Stream interface {
	Synchronize() error
}

// GemmArgs are the operands of one weight-only GEMM. The executor never
// allocates: every buffer, the workspace included, belongs to the caller.
// Activation is [M, K] and Output is [M, N] where N is the unpacked width;
// 16-bit element types are carried as raw bits.
type GemmArgs struct {
	Activation []uint16
	Weight     PackedWeightView
	Scales     []uint16
	Output     []uint16
	M, N, K    int
	Elem       ElementType
	Workspace  []byte
}

// GemmKernel is the general quantized GEMM capability.
type GemmKernel interface {
	// WorkspaceSize is the scratch bytes Gemm may need for an [m, n] x [n, k]
	// problem under its most demanding tactic. n is the unpacked width.
	WorkspaceSize(m, n, k int) int
	// Gemm computes Output = Activation x dequant(Weight) * Scales.
	Gemm(args GemmArgs, tactic Tactic, stream Stream) error
	// Tactics lists every configuration the kernel supports, in a fixed order.
	Tactics() []Tactic
}

// FastPathParams are the operands of the small-batch kernel. It has no tactic.
type FastPathParams struct {
	Weight     PackedWeightView
	Scales     []uint16
	Activation []uint16
	Output     []uint16
	M, N, K    int
	Elem       ElementType
}

// FastPathKernel is the fixed-strategy kernel used below SmallBatchThreshold.
type FastPathKernel interface {
	Enabled(precision WeightPrecision, elem ElementType, capability DeviceCapability) bool
	Launch(params FastPathParams, stream Stream) error
}

// DeviceCapability describes the device an executor runs on.
type DeviceCapability struct {
	Name string
	// ComputeCapability is the device generation, e.g. 80 for an sm_80 class part.
	ComputeCapability int
	// SIMDWidth is the host vector width in bytes, 0 when unknown.
	SIMDWidth int
}
