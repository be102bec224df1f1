package gemm

import "github.com/pkg/errors"

// Error kinds. Every failure leaving this package wraps exactly one of these,
// so callers match with errors.Is. None of them are recoverable here: there is
// no retry and no substitute tactic.
var (
	// ErrUnsupportedShape: the catalog cannot serve the identity.
	ErrUnsupportedShape = errors.New("unsupported shape")
	// ErrNoViableTactic: every candidate tactic failed benchmarking.
	ErrNoViableTactic = errors.New("no viable tactic")
	// ErrInvalidCacheMode: mutation attempted on a frozen cache.
	ErrInvalidCacheMode = errors.New("invalid cache mode")
	// ErrTacticNotFound: inference-time lookup miss, the artifact does not
	// match the engine that loaded it.
	ErrTacticNotFound = errors.New("tactic not found")
	// ErrShapeMismatch: runtime shape diverges from the configured shape.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrCorruptArtifact: deserialization length or field mismatch.
	ErrCorruptArtifact = errors.New("corrupt artifact")
)

// ErrorKind returns a short label for the error kind of err, used as a metric
// label. Unknown errors map to "other".
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedShape):
		return "unsupported_shape"
	case errors.Is(err, ErrNoViableTactic):
		return "no_viable_tactic"
	case errors.Is(err, ErrInvalidCacheMode):
		return "invalid_cache_mode"
	case errors.Is(err, ErrTacticNotFound):
		return "tactic_not_found"
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrCorruptArtifact):
		return "corrupt_artifact"
	default:
		return "other"
	}
}
