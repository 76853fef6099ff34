package ralloc

import "errors"

// Sentinel errors. Every failure aborts the compile of the function; the
// returned error wraps one of these with the node and variable involved.
var (
	// ErrRegistersOverlap means no register was free and every occupant is
	// needed by the operation being compiled.
	ErrRegistersOverlap = errors.New("registers overlap")

	ErrInvalidVariable    = errors.New("invalid variable")
	ErrInvalidInstruction = errors.New("invalid instruction")
	ErrUnsupportedKind    = errors.New("unsupported variable kind")
	ErrUnresolvedJump     = errors.New("unresolved jump")

	// ErrOutOfMemory is returned when the frame bookkeeping cannot grow,
	// for example when spill slots exceed Policy.MaxFrameBytes.
	ErrOutOfMemory = errors.New("allocator out of memory")
)
