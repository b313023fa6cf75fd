package engine

import "errors"

// Status errors returned by engine calls. Usage errors leave the instance
// state unchanged; underflow is only ever surfaced by a reducer.
var (
	// ErrOutOfRange reports an index or dimension outside the bounds fixed
	// at instance creation.
	ErrOutOfRange = errors.New("index out of range")

	// ErrUninitialisedBuffer reports a read of a buffer that has never been
	// written by a setter or a peeling operation.
	ErrUninitialisedBuffer = errors.New("uninitialised buffer")

	// ErrFloatingPointUnderflow reports a non-finite site likelihood during
	// a reduction. Rerunning with scaling enabled is the expected client
	// response; the engine does not retry.
	ErrFloatingPointUnderflow = errors.New("floating point underflow")

	// ErrGeneral reports a configuration conflict or other unclassified
	// failure.
	ErrGeneral = errors.New("general error")
)
