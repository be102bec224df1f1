package gemm

import "github.com/pkg/errors"

// TacticCatalog enumerates the tactics a kernel offers for an identity.
type TacticCatalog struct {
	kernel    GemmKernel
	precision WeightPrecision
}

func NewTacticCatalog(kernel GemmKernel, precision WeightPrecision) *TacticCatalog {
	return &TacticCatalog{kernel: kernel, precision: precision}
}

// ListTactics returns the kernel's tactics for id in catalog order. The order
// is the profiler's tie-break: the first of equally fast tactics wins.
func (c *TacticCatalog) ListTactics(id GemmIdentity) ([]Tactic, error) {
	if err := c.Supports(id); err != nil {
		return nil, err
	}

	seen := make(map[Tactic]struct{})
	var out []Tactic
	for _, t := range c.kernel.Tactics() {
		if t.IsZero() {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, errors.Wrapf(ErrUnsupportedShape, "kernel offers no tactics for %s", id)
	}
	return out, nil
}

// Supports checks that id is representable as a weight-only quantized GEMM.
func (c *TacticCatalog) Supports(id GemmIdentity) error {
	f := c.precision.PackingFactor()
	if f == 0 {
		return errors.Wrapf(ErrUnsupportedShape, "unknown weight precision %d", int32(c.precision))
	}
	if id.N <= 0 {
		return errors.Wrapf(ErrUnsupportedShape, "packed n %d must be positive", id.N)
	}
	if id.K <= 0 {
		return errors.Wrapf(ErrUnsupportedShape, "k %d must be positive", id.K)
	}
	if id.K%f != 0 {
		return errors.Wrapf(ErrUnsupportedShape, "k %d is not a multiple of the %s packing factor %d", id.K, c.precision, f)
	}
	switch id.ElementType {
	case Float16, BFloat16:
	default:
		return errors.Wrapf(ErrUnsupportedShape, "element type %s has no weight-only kernel", id.ElementType)
	}
	return nil
}
