package launcher

import "errors"

// Error taxonomy. Callers pick categories apart with errors.Is; the
// underlying cause rides along wrapped.
var (
	// ErrInvalidCapsule reports an archive whose entry point is missing,
	// unresolvable, or does not descend from the capsule base type.
	ErrInvalidCapsule = errors.New("not a valid capsule")

	// ErrLoad reports an I/O, compilation, or construction failure while
	// loading a capsule.
	ErrLoad = errors.New("capsule load failed")

	// ErrUnsupported reports an operation the loaded capsule cannot satisfy
	// through any dispatch path. Callers should feature-detect before
	// relying on optional operations.
	ErrUnsupported = errors.New("unsupported capsule operation")

	// ErrDelegationUnsupported reports a capsule without a delegate target
	// slot when a wrapped launch was requested.
	ErrDelegationUnsupported = errors.New("capsule does not support delegation")
)
