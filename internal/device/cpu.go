package device

import (
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/23skdu/quarrel-woq/internal/gemm"
)

// Context is the host execution context kernels run on.
type Context struct {
	numThreads int
	capability gemm.DeviceCapability
}

// NewContext reports the given compute capability, the generation a real
// accelerator would be; the host has none of its own.
func NewContext(computeCapability int) *Context {
	return &Context{
		numThreads: runtime.NumCPU(),
		capability: DetectCapability(computeCapability),
	}
}

func (c *Context) Capability() gemm.DeviceCapability {
	return c.capability
}

func (c *Context) SetNumThreads(n int) {
	if n < 1 {
		n = 1
	}
	c.numThreads = n
}

func (c *Context) NumThreads() int {
	return c.numThreads
}

// DetectCapability fills SIMD width from the running CPU.
func DetectCapability(computeCapability int) gemm.DeviceCapability {
	name, width := "scalar", 0
	switch {
	case cpu.X86.HasAVX512F:
		name, width = "avx512", 64
	case cpu.X86.HasAVX2:
		name, width = "avx2", 32
	case cpu.ARM64.HasASIMD:
		name, width = "neon", 16
	}
	return gemm.DeviceCapability{
		Name:              runtime.GOARCH + "/" + name,
		ComputeCapability: computeCapability,
		SIMDWidth:         width,
	}
}

var hostAllocatedBytes int64

// HostAllocatedBytes is the workspace currently handed out by AllocWorkspace.
func HostAllocatedBytes() int64 {
	return atomic.LoadInt64(&hostAllocatedBytes)
}

// AllocWorkspace allocates caller-owned scratch and accounts for it until
// the returned release func runs.
func AllocWorkspace(n int) ([]byte, func()) {
	atomic.AddInt64(&hostAllocatedBytes, int64(n))
	var released atomic.Bool
	return make([]byte, n), func() {
		if released.CompareAndSwap(false, true) {
			atomic.AddInt64(&hostAllocatedBytes, -int64(n))
		}
	}
}
