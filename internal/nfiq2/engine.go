package nfiq2

import (
	"errors"
	"unsafe"
)

var errInvalidPlane = errors.New("pixel buffer does not match plane geometry")

// Engine is the procedural contract of the native NFIQ2 wrapper. The four
// methods map one to one onto nfiq2wrapper_create, nfiq2wrapper_destroy,
// nfiq2wrapper_compute and nfiq2wrapper_free_results.
//
// Implementations are trusted: table counts in RawResults must describe the
// arrays they accompany, and Compute must not retain plane.Pix.
type Engine interface {
	// Create returns a new native context, or nil on failure.
	Create() unsafe.Pointer
	Destroy(ctx unsafe.Pointer)
	// Compute scores plane into out and returns the native status (0 = success).
	// out must be zeroed on entry. It may hold allocations even when the
	// status is non-zero.
	Compute(ctx unsafe.Pointer, plane *PixelPlane, out *RawResults) int32
	// FreeResults releases everything Compute allocated into out and zeroes it.
	// Calling it on a zeroed block is a no-op. A table with a non-zero count
	// and no id array must not crash it.
	FreeResults(out *RawResults)
}

// RawResults mirrors nfiq2_results_t. Its pointers reference native memory
// and are valid only until FreeResults.
type RawResults struct {
	Score      uint32
	Actionable RawTable
	Features   RawTable
}

// RawTable is a pair of parallel native arrays: Count C strings at IDs and
// Count doubles at Values.
type RawTable struct {
	Count  uint32
	IDs    unsafe.Pointer
	Values unsafe.Pointer
}

// PixelPlane is an 8-bit grayscale image in row-major order, ready for the
// native call. len(Pix) is always Width*Height.
type PixelPlane struct {
	Pix    []byte
	Width  uint32
	Height uint32
	PPI    uint16
}

func (p *PixelPlane) valid() bool {
	if p == nil || p.Width == 0 || p.Height == 0 {
		return false
	}
	n := uint64(p.Width) * uint64(p.Height)
	return n <= maxPlaneBytes && uint64(len(p.Pix)) == n
}

// releasable returns a copy of r that a free routine walking Count ids can
// process. A table with entries but no id array has nothing to walk, so its
// count is dropped and only the arrays are released.
func (r RawResults) releasable() RawResults {
	r.Actionable = r.Actionable.releasable()
	r.Features = r.Features.releasable()
	return r
}

func (t RawTable) releasable() RawTable {
	if t.IDs == nil {
		t.Count = 0
	}
	return t
}
