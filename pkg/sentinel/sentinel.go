package sentinel

import "errors"

// Sentinel errors for the ironmap failure taxonomy. Components return these
// wrapped with context via fmt.Errorf("...: %w", ...) so callers can test the
// category with errors.Is regardless of the message.
//
// - ErrIO: file unreadable, unwritable, or not a valid volumetric image
// - ErrFormat: spatial metadata missing or malformed
// - ErrShapeMismatch: mask and subject spatial shapes differ
// - ErrMaskDerivation: automatic mask derivation failed or produced an empty mask
// - ErrDegenerateNormalization: a frame has a zero masked mean
// - ErrDivisionByZero: a zero voxel reached the reciprocal stage
// - ErrUsage: command line misuse
var (
	ErrIO                      = errors.New("i/o error")
	ErrFormat                  = errors.New("format error")
	ErrShapeMismatch           = errors.New("shape mismatch")
	ErrMaskDerivation          = errors.New("mask derivation failed")
	ErrDegenerateNormalization = errors.New("degenerate normalization")
	ErrDivisionByZero          = errors.New("division by zero")
	ErrUsage                   = errors.New("usage error")
)
