package device

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/23skdu/quarrel-woq/internal/gemm"
)

// ErrUnsupportedConfig is returned by Gemm when a tactic cannot run the given
// problem, e.g. a split-K factor that does not divide K. The profiler skips
// such tactics.
var ErrUnsupportedConfig = errors.New("unsupported tile config")

// TileConfig is the tactic of the CPU GEMM: an output tile shape and a split-K
// factor. It is encoded as three little-endian uint16s.
type TileConfig struct {
	TileM  int
	TileN  int
	SplitK int
}

const tileConfigSize = 6

var (
	tileMs   = []int{16, 32, 64, 128}
	tileNs   = []int{32, 64, 128}
	splitKs  = []int{1, 2, 4}
	maxSplit = 4
)

// TileConfigs is the fixed catalog order: tile M, then tile N, then split K.
func TileConfigs() []TileConfig {
	out := make([]TileConfig, 0, len(tileMs)*len(tileNs)*len(splitKs))
	for _, m := range tileMs {
		for _, n := range tileNs {
			for _, s := range splitKs {
				out = append(out, TileConfig{TileM: m, TileN: n, SplitK: s})
			}
		}
	}
	return out
}

func (c TileConfig) Tactic() gemm.Tactic {
	b := make([]byte, tileConfigSize)
	binary.LittleEndian.PutUint16(b[0:], uint16(c.TileM))
	binary.LittleEndian.PutUint16(b[2:], uint16(c.TileN))
	binary.LittleEndian.PutUint16(b[4:], uint16(c.SplitK))
	return gemm.NewTactic(b)
}

func (c TileConfig) String() string {
	return fmt.Sprintf("tile %dx%d splitk %d", c.TileM, c.TileN, c.SplitK)
}

func (c TileConfig) valid() bool {
	return c.TileM > 0 && c.TileN > 0 && c.SplitK > 0 && c.SplitK <= maxSplit
}

// DecodeTileConfig parses a tactic produced by TileConfig.Tactic.
func DecodeTileConfig(t gemm.Tactic) (TileConfig, error) {
	b := t.Bytes()
	if len(b) != tileConfigSize {
		return TileConfig{}, errors.Wrapf(ErrUnsupportedConfig, "tactic %s is %d bytes, want %d", t, len(b), tileConfigSize)
	}
	c := TileConfig{
		TileM:  int(binary.LittleEndian.Uint16(b[0:])),
		TileN:  int(binary.LittleEndian.Uint16(b[2:])),
		SplitK: int(binary.LittleEndian.Uint16(b[4:])),
	}
	if !c.valid() {
		return TileConfig{}, errors.Wrapf(ErrUnsupportedConfig, "invalid %s", c)
	}
	return c, nil
}
