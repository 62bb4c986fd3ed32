//go:build !cgo || !nfiq2

package nfiq2

import "unsafe"

// unlinkedEngine stands in when the binary is built without the native
// library. Create always fails, so every handle ends in CreateFailed.
type unlinkedEngine struct{}

// DefaultEngine returns the native engine linked into this binary. Build
// with cgo and the nfiq2 tag to link the real one.
func DefaultEngine() Engine {
	return unlinkedEngine{}
}

func (unlinkedEngine) Create() unsafe.Pointer { return nil }

func (unlinkedEngine) Destroy(unsafe.Pointer) {}

func (unlinkedEngine) Compute(unsafe.Pointer, *PixelPlane, *RawResults) int32 { return 2 }

func (unlinkedEngine) FreeResults(out *RawResults) {
	if out != nil {
		*out = RawResults{}
	}
}
