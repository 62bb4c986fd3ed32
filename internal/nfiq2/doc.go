// Package nfiq2 is the Go side of the NFIQ2 fingerprint quality engine.
//
// The native engine is reached through four C functions (see Engine). This
// package owns the native context behind a Handle, turns encoded images into
// the grayscale planes the engine expects, and copies the engine's result
// tables into Go values before releasing them.
//
// Every native context is destroyed exactly once and every result block is
// freed exactly once, on success and on failure. All failures are *Error
// values of one of three kinds: NullContext, CreateFailed and ComputeFailed.
//
// The real engine is linked with cgo when building with -tags nfiq2. Without
// the tag, Create returns ErrCreateFailed.
package nfiq2
