package gemm

import "encoding/hex"

// Tactic is an opaque kernel configuration token. Its encoding is owned by the
// GemmKernel that produced it; this package only compares, stores and
// serializes the bytes. The zero Tactic means "no tactic".
type Tactic struct {
	blob string
}

func NewTactic(b []byte) Tactic {
	return Tactic{blob: string(b)}
}

// Bytes returns a copy of the kernel encoding.
func (t Tactic) Bytes() []byte {
	return []byte(t.blob)
}

func (t Tactic) Len() int {
	return len(t.blob)
}

func (t Tactic) IsZero() bool {
	return t.blob == ""
}

func (t Tactic) String() string {
	if t.IsZero() {
		return "<none>"
	}
	return hex.EncodeToString([]byte(t.blob))
}

// TacticDescriber is implemented by kernels that can render their tactics for
// logs and reports.
type TacticDescriber interface {
	DescribeTactic(t Tactic) string
}

// Describe renders t using k when it is a TacticDescriber.
func Describe(k interface{}, t Tactic) string {
	if d, ok := k.(TacticDescriber); ok {
		return d.DescribeTactic(t)
	}
	return t.String()
}
